// Package memory provides an in-process Store for tests and zero-config
// development. Data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runplaneHQ/runplane-go/state"
)

type Store struct {
	mu    sync.Mutex
	runs  map[string]state.RunRecord
	steps map[string][]state.StepRecord
	turns map[string][]state.TurnRecord
}

func New() *Store {
	return &Store{
		runs:  map[string]state.RunRecord{},
		steps: map[string][]state.StepRecord{},
		turns: map[string][]state.TurnRecord{},
	}
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	_ = ctx
	if run.RunID == "" {
		return state.ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if query.ThreadID != "" && run.ThreadID != query.ThreadID {
			continue
		}
		if query.Status != "" && string(run.Status) != query.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := timeOrZero(out[i].CreatedAt), timeOrZero(out[j].CreatedAt)
		if ti.Equal(tj) {
			return out[i].RunID < out[j].RunID
		}
		return ti.After(tj)
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []state.RunRecord{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) SaveStep(ctx context.Context, step state.StepRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	step = cloneStep(step)
	existing := s.steps[step.RunID]
	for i, e := range existing {
		if e.Seq == step.Seq {
			existing[i] = step
			return nil
		}
	}
	s.steps[step.RunID] = append(existing, step)
	return nil
}

func (s *Store) LoadStep(ctx context.Context, runID string, seq int) (state.StepRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps[runID] {
		if step.Seq == seq {
			return cloneStep(step), nil
		}
	}
	return state.StepRecord{}, state.ErrNotFound
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]state.StepRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.StepRecord, 0, len(s.steps[runID]))
	for _, step := range s.steps[runID] {
		out = append(out, cloneStep(step))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) AppendTurn(ctx context.Context, turn state.TurnRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.Seq <= 0 {
		turn.Seq = len(s.turns[turn.ThreadID]) + 1
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[turn.ThreadID] = append(s.turns[turn.ThreadID], turn)
	return nil
}

func (s *Store) ListTurns(ctx context.Context, threadID string) ([]state.TurnRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]state.TurnRecord(nil), s.turns[threadID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) Close() error { return nil }

// Records cross the store boundary by value; the maps they carry must too,
// or callers and the store would mutate each other's copies.
func cloneRun(run state.RunRecord) state.RunRecord {
	run.Metadata = cloneMap(run.Metadata)
	return run
}

func cloneStep(step state.StepRecord) state.StepRecord {
	step.InputSnapshot = cloneMap(step.InputSnapshot)
	return step
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
