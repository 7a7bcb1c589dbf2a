// Package redis persists runs, steps, and thread history in Redis. Records
// carry a TTL so abandoned threads age out; a control plane that must keep
// history forever should use the sqlite store instead.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/runplaneHQ/runplane-go/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "runplane"
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
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

	runRaw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	threadIdx := s.key("thread", run.ThreadID, "runs")
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("run", run.RunID), string(runRaw), s.ttl)
	pipe.ZAdd(ctx, threadIdx, goredis.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.RunID,
	})
	pipe.Expire(ctx, threadIdx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	raw, err := s.client.Get(ctx, s.key("run", runID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run from redis: %w", err)
	}

	var run state.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
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

	var ids []string
	if query.ThreadID != "" {
		values, err := s.client.ZRevRange(ctx, s.key("thread", query.ThreadID, "runs"), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list run ids by thread: %w", err)
		}
		ids = values
	} else {
		var cursor uint64
		match := s.key("run", "*")
		for {
			keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan redis run keys: %w", err)
			}
			for _, key := range keys {
				ids = append(ids, strings.TrimPrefix(key, s.key("run", "")))
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	out := make([]state.RunRecord, 0, limit)
	for _, id := range ids {
		run, err := s.LoadRun(ctx, id)
		if err != nil {
			if err == state.ErrNotFound {
				continue // expired between index read and load
			}
			return nil, err
		}
		if query.Status != "" && string(run.Status) != query.Status {
			continue
		}
		out = append(out, run)
	}
	if offset >= len(out) {
		return []state.RunRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
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
	step.UpdatedAt = now

	raw, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	key := s.key("run", step.RunID, "steps")
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fmt.Sprintf("%d", step.Seq), string(raw))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save step in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadStep(ctx context.Context, runID string, seq int) (state.StepRecord, error) {
	if runID == "" {
		return state.StepRecord{}, fmt.Errorf("run_id is required")
	}
	raw, err := s.client.HGet(ctx, s.key("run", runID, "steps"), fmt.Sprintf("%d", seq)).Result()
	if err != nil {
		if err == goredis.Nil {
			return state.StepRecord{}, state.ErrNotFound
		}
		return state.StepRecord{}, fmt.Errorf("failed to load step from redis: %w", err)
	}
	var step state.StepRecord
	if err := json.Unmarshal([]byte(raw), &step); err != nil {
		return state.StepRecord{}, fmt.Errorf("failed to decode step from redis: %w", err)
	}
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]state.StepRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	values, err := s.client.HGetAll(ctx, s.key("run", runID, "steps")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list steps from redis: %w", err)
	}
	out := make([]state.StepRecord, 0, len(values))
	for _, raw := range values {
		var step state.StepRecord
		if err := json.Unmarshal([]byte(raw), &step); err != nil {
			return nil, fmt.Errorf("failed to decode step from redis: %w", err)
		}
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) AppendTurn(ctx context.Context, turn state.TurnRecord) error {
	if turn.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	key := s.key("thread", turn.ThreadID, "turns")
	if turn.Seq <= 0 {
		length, err := s.client.LLen(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read thread length: %w", err)
		}
		turn.Seq = int(length) + 1
	}

	raw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append turn in redis: %w", err)
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, threadID string) ([]state.TurnRecord, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	values, err := s.client.LRange(ctx, s.key("thread", threadID, "turns"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list turns from redis: %w", err)
	}
	out := make([]state.TurnRecord, 0, len(values))
	for _, raw := range values {
		var turn state.TurnRecord
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return nil, fmt.Errorf("failed to decode turn from redis: %w", err)
		}
		out = append(out, turn)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}
