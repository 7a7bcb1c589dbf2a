// Package hybrid layers a cache store (typically redis) over a durable store
// (typically sqlite). Writes go to both; reads prefer the cache. Cache
// failures are logged and never surfaced.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/runplaneHQ/runplane-go/state"
)

type HybridStore struct {
	durable state.Store
	cache   state.Store
}

func New(durable state.Store, cache state.Store) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	return &HybridStore{
		durable: durable,
		cache:   cache,
	}, nil
}

func (h *HybridStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			log.Printf("hybrid store cache SaveRun failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("hybrid store cache LoadRun failed: %v", err)
		}
	}

	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			log.Printf("hybrid store cache backfill SaveRun failed: %v", err)
		}
	}
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) SaveStep(ctx context.Context, step state.StepRecord) error {
	if err := h.durable.SaveStep(ctx, step); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveStep(ctx, step); err != nil {
			log.Printf("hybrid store cache SaveStep failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadStep(ctx context.Context, runID string, seq int) (state.StepRecord, error) {
	if h.cache != nil {
		step, err := h.cache.LoadStep(ctx, runID, seq)
		if err == nil {
			return step, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("hybrid store cache LoadStep failed: %v", err)
		}
	}
	return h.durable.LoadStep(ctx, runID, seq)
}

func (h *HybridStore) ListSteps(ctx context.Context, runID string) ([]state.StepRecord, error) {
	return h.durable.ListSteps(ctx, runID)
}

func (h *HybridStore) AppendTurn(ctx context.Context, turn state.TurnRecord) error {
	// Turn seq allocation must come from one source of truth, so the cache
	// only ever sees turns already numbered by the durable store.
	if err := h.durable.AppendTurn(ctx, turn); err != nil {
		return err
	}
	return nil
}

func (h *HybridStore) ListTurns(ctx context.Context, threadID string) ([]state.TurnRecord, error) {
	return h.durable.ListTurns(ctx, threadID)
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil {
			firstErr = err
		}
	}
	if err := h.durable.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
