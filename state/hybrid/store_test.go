package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/state/memory"
	"github.com/runplaneHQ/runplane-go/types"
)

// flakyStore lets a test fail every write while reads keep working.
type flakyStore struct {
	state.Store
	failWrites bool
}

func (f *flakyStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if f.failWrites {
		return errors.New("write failed")
	}
	return f.Store.SaveRun(ctx, run)
}

func (f *flakyStore) SaveStep(ctx context.Context, step state.StepRecord) error {
	if f.failWrites {
		return errors.New("write failed")
	}
	return f.Store.SaveStep(ctx, step)
}

func testRun(runID string) state.RunRecord {
	now := time.Now().UTC()
	return state.RunRecord{
		RunID:     runID,
		ThreadID:  "thread-1",
		Status:    types.RunStatusRunning,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
}

func TestHybridStore_WritesReachBothReadsPreferCache(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if err := h.SaveRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if _, err := durable.LoadRun(ctx, "run-1"); err != nil {
		t.Fatalf("durable missed the write: %v", err)
	}
	if _, err := cache.LoadRun(ctx, "run-1"); err != nil {
		t.Fatalf("cache missed the write: %v", err)
	}

	// Plant a divergent copy in the cache; reads must pick it up first.
	cached := testRun("run-1")
	cached.Output = "from-cache"
	if err := cache.SaveRun(ctx, cached); err != nil {
		t.Fatalf("cache SaveRun failed: %v", err)
	}
	got, err := h.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.Output != "from-cache" {
		t.Fatalf("read did not prefer the cache: %#v", got)
	}
}

func TestHybridStore_CacheWriteFailureNotSurfaced(t *testing.T) {
	durable := memory.New()
	cache := &flakyStore{Store: memory.New(), failWrites: true}
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if err := h.SaveRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("SaveRun surfaced a cache failure: %v", err)
	}
	got, err := h.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.RunID != "run-1" {
		t.Fatalf("unexpected run %#v", got)
	}

	step := state.StepRecord{RunID: "run-1", StepID: "id-1", StepName: "step-1", Seq: 1, State: types.StepStatePending}
	if err := h.SaveStep(ctx, step); err != nil {
		t.Fatalf("SaveStep surfaced a cache failure: %v", err)
	}
	if _, err := h.LoadStep(ctx, "run-1", 1); err != nil {
		t.Fatalf("LoadStep failed: %v", err)
	}
}

func TestHybridStore_CacheMissFallsThroughAndBackfills(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	// Written behind the cache's back, as after a cache flush.
	if err := durable.SaveRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("durable SaveRun failed: %v", err)
	}

	got, err := h.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.RunID != "run-1" {
		t.Fatalf("unexpected run %#v", got)
	}
	if _, err := cache.LoadRun(ctx, "run-1"); err != nil {
		t.Fatalf("cache not backfilled: %v", err)
	}
}

func TestHybridStore_ListsAndTurnsUseDurableOnly(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	// A run only the cache knows about must not leak into listings.
	if err := cache.SaveRun(ctx, testRun("ghost")); err != nil {
		t.Fatalf("cache SaveRun failed: %v", err)
	}
	if err := h.SaveRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	runs, err := h.ListRuns(ctx, state.ListRunsQuery{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Fatalf("listing leaked cache-only data: %#v", runs)
	}

	turn := state.TurnRecord{ThreadID: "thread-1", Role: types.RoleUser, Content: "hi"}
	if err := h.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	turns, err := h.ListTurns(ctx, "thread-1")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 1 || turns[0].Seq != 1 {
		t.Fatalf("unexpected turns %#v", turns)
	}
	cacheTurns, err := cache.ListTurns(ctx, "thread-1")
	if err != nil {
		t.Fatalf("cache ListTurns failed: %v", err)
	}
	if len(cacheTurns) != 0 {
		t.Fatalf("turns must not be cached, got %#v", cacheTurns)
	}
}

func TestHybridStore_RequiresDurable(t *testing.T) {
	if _, err := New(nil, memory.New()); err == nil {
		t.Fatal("expected error for nil durable store")
	}

	// A nil cache is a plain pass-through.
	h, err := New(memory.New(), nil)
	if err != nil {
		t.Fatalf("New without cache failed: %v", err)
	}
	ctx := context.Background()
	if err := h.SaveRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if _, err := h.LoadRun(ctx, "run-1"); err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
}
