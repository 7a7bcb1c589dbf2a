// Package sqlite persists runs, steps, and thread history in a local SQLite
// database. Single-writer with WAL enabled; suitable for one control-plane
// process per file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if run.Status == "" {
		run.Status = types.RunStatusRunning
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	const q = `
INSERT INTO runs (
  run_id, thread_id, status, input, output, error, metadata, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  thread_id=excluded.thread_id,
  status=excluded.status,
  input=excluded.input,
  output=excluded.output,
  error=excluded.error,
  metadata=excluded.metadata,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		run.RunID,
		run.ThreadID,
		string(run.Status),
		nullIfEmpty(string(run.Input)),
		run.Output,
		run.Error,
		string(metaRaw),
		toNullableTime(run.CreatedAt),
		toNullableTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	const q = `
SELECT run_id, thread_id, status, input, output, error, metadata, created_at, updated_at, completed_at
FROM runs
WHERE run_id = ?;
`
	row := s.db.QueryRowContext(ctx, q, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, query.ThreadID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := `
SELECT run_id, thread_id, status, input, output, error, metadata, created_at, updated_at, completed_at
FROM runs
`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) SaveStep(ctx context.Context, step state.StepRecord) error {
	if step.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if step.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	if step.UpdatedAt.IsZero() {
		step.UpdatedAt = now
	}

	snapshotRaw, err := json.Marshal(step.InputSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal input snapshot: %w", err)
	}

	const q = `
INSERT INTO steps (
  run_id, step_id, step_name, seq, state, input_snapshot, result, interrupt_token, consumed_token, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, seq) DO UPDATE SET
  step_id=excluded.step_id,
  step_name=excluded.step_name,
  state=excluded.state,
  input_snapshot=excluded.input_snapshot,
  result=excluded.result,
  interrupt_token=excluded.interrupt_token,
  consumed_token=excluded.consumed_token,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		step.RunID,
		step.StepID,
		step.StepName,
		step.Seq,
		string(step.State),
		nullIfEmptyJSON(snapshotRaw),
		nullIfEmpty(string(step.Result)),
		step.InterruptToken,
		step.ConsumedToken,
		step.CreatedAt.UTC().Format(time.RFC3339Nano),
		step.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

func (s *Store) LoadStep(ctx context.Context, runID string, seq int) (state.StepRecord, error) {
	if runID == "" {
		return state.StepRecord{}, fmt.Errorf("run_id is required")
	}

	const q = `
SELECT run_id, step_id, step_name, seq, state, input_snapshot, result, interrupt_token, consumed_token, created_at, updated_at
FROM steps
WHERE run_id = ? AND seq = ?;
`
	row := s.db.QueryRowContext(ctx, q, runID, seq)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.StepRecord{}, state.ErrNotFound
		}
		return state.StepRecord{}, fmt.Errorf("failed to load step: %w", err)
	}
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]state.StepRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	const q = `
SELECT run_id, step_id, step_name, seq, state, input_snapshot, result, interrupt_token, consumed_token, created_at, updated_at
FROM steps
WHERE run_id = ?
ORDER BY seq ASC;
`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	out := make([]state.StepRecord, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return out, nil
}

func (s *Store) AppendTurn(ctx context.Context, turn state.TurnRecord) error {
	if turn.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	if turn.Seq <= 0 {
		const next = `SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE thread_id = ?;`
		if err := s.db.QueryRowContext(ctx, next, turn.ThreadID).Scan(&turn.Seq); err != nil {
			return fmt.Errorf("failed to allocate turn seq: %w", err)
		}
	}

	const q = `
INSERT INTO turns (thread_id, seq, role, content, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		turn.ThreadID,
		turn.Seq,
		string(turn.Role),
		turn.Content,
		turn.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, threadID string) ([]state.TurnRecord, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}

	const q = `
SELECT thread_id, seq, role, content, created_at
FROM turns
WHERE thread_id = ?
ORDER BY seq ASC;
`
	rows, err := s.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	out := make([]state.TurnRecord, 0)
	for rows.Next() {
		var (
			turn       state.TurnRecord
			role       string
			createdRaw string
		)
		if err := rows.Scan(&turn.ThreadID, &turn.Seq, &role, &turn.Content, &createdRaw); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turn.Role = types.Role(role)
		turn.CreatedAt, err = parseRequiredTime(createdRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse turn created_at: %w", err)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (state.RunRecord, error) {
	var (
		run          state.RunRecord
		status       string
		inputRaw     sql.NullString
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.ThreadID,
		&status,
		&inputRaw,
		&run.Output,
		&run.Error,
		&metadataRaw,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return state.RunRecord{}, err
	}
	run.Status = types.RunStatus(status)
	if inputRaw.Valid && strings.TrimSpace(inputRaw.String) != "" {
		run.Input = json.RawMessage(inputRaw.String)
	}
	if strings.TrimSpace(metadataRaw) == "" {
		run.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metadataRaw), &run.Metadata); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run metadata: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func scanStep(row rowScanner) (state.StepRecord, error) {
	var (
		step        state.StepRecord
		stepState   string
		snapshotRaw sql.NullString
		resultRaw   sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := row.Scan(
		&step.RunID,
		&step.StepID,
		&step.StepName,
		&step.Seq,
		&stepState,
		&snapshotRaw,
		&resultRaw,
		&step.InterruptToken,
		&step.ConsumedToken,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return state.StepRecord{}, err
	}
	step.State = types.StepState(stepState)
	if snapshotRaw.Valid && strings.TrimSpace(snapshotRaw.String) != "" {
		if err := json.Unmarshal([]byte(snapshotRaw.String), &step.InputSnapshot); err != nil {
			return state.StepRecord{}, fmt.Errorf("failed to decode step snapshot: %w", err)
		}
	}
	if resultRaw.Valid && strings.TrimSpace(resultRaw.String) != "" {
		step.Result = json.RawMessage(resultRaw.String)
	}
	var err error
	step.CreatedAt, err = parseRequiredTime(createdRaw)
	if err != nil {
		return state.StepRecord{}, fmt.Errorf("failed to parse step created_at: %w", err)
	}
	step.UpdatedAt, err = parseRequiredTime(updatedRaw)
	if err != nil {
		return state.StepRecord{}, fmt.Errorf("failed to parse step updated_at: %w", err)
	}
	return step, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return raw
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
