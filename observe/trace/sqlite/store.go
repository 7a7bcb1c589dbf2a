package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/runplaneHQ/runplane-go/observe"
	"github.com/runplaneHQ/runplane-go/observe/trace"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite trace path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize trace schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveRecord(ctx context.Context, record observe.Record) error {
	if s == nil || s.db == nil {
		return nil
	}
	record.Normalize()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(record.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode trace attributes: %w", err)
	}
	const q = `
INSERT INTO trace_records (
  record_id, run_id, step_name, event_id, kind, status, message, error, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		record.ID,
		record.RunID,
		record.StepName,
		record.EventID,
		string(record.Kind),
		string(record.Status),
		record.Message,
		record.Error,
		string(attrs),
		record.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save trace record: %w", err)
	}
	return nil
}

func (s *Store) ListRecordsByRun(ctx context.Context, runID string, query trace.ListQuery) ([]observe.Record, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	const q = `
SELECT record_id, run_id, step_name, event_id, kind, status, message, error, attributes, timestamp
FROM trace_records
WHERE run_id = ?
ORDER BY event_id ASC, timestamp ASC
LIMIT ? OFFSET ?;
`
	rows, err := s.db.QueryContext(ctx, q, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace records: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Record, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trace records: %w", err)
	}
	return out, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (observe.Record, error) {
	var (
		r      observe.Record
		kind   string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&r.ID,
		&r.RunID,
		&r.StepName,
		&r.EventID,
		&kind,
		&status,
		&r.Message,
		&r.Error,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Record{}, fmt.Errorf("failed to scan trace record: %w", err)
	}
	r.Kind = observe.Kind(kind)
	r.Status = observe.Status(status)
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err == nil {
			r.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &r.Attributes)
	}
	r.Normalize()
	return r, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query trace.MetricsQuery) (trace.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return trace.MetricsSummary{}, nil
	}
	args := []any{}
	since := ""
	if query.Since != nil {
		since = " AND timestamp >= ?"
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}

	counter := func(predicate string) (int64, error) {
		q := "SELECT COUNT(*) FROM trace_records WHERE " + predicate + since
		var n int64
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	metrics := trace.MetricsSummary{}
	var err error
	if metrics.RunsStarted, err = counter("kind = 'run' AND status = 'started'"); err != nil {
		return trace.MetricsSummary{}, fmt.Errorf("metrics runs started: %w", err)
	}
	if metrics.RunsCompleted, err = counter("kind = 'run' AND status = 'completed'"); err != nil {
		return trace.MetricsSummary{}, fmt.Errorf("metrics runs completed: %w", err)
	}
	if metrics.RunsFailed, err = counter("kind = 'run' AND status = 'failed'"); err != nil {
		return trace.MetricsSummary{}, fmt.Errorf("metrics runs failed: %w", err)
	}
	if metrics.Interrupts, err = counter("kind = 'interrupt'"); err != nil {
		return trace.MetricsSummary{}, fmt.Errorf("metrics interrupts: %w", err)
	}
	if metrics.StepRecords, err = counter("kind = 'step'"); err != nil {
		return trace.MetricsSummary{}, fmt.Errorf("metrics step records: %w", err)
	}

	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ trace.Store = (*Store)(nil)
