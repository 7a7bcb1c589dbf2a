package suspend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/state/memory"
	"github.com/runplaneHQ/runplane-go/types"
)

func seedRun(t *testing.T, store state.Store) state.StepRecord {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	run := state.RunRecord{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		Status:    types.RunStatusRunning,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	step := state.StepRecord{
		RunID:     "run-1",
		StepID:    "step-id-1",
		StepName:  "step-1",
		Seq:       1,
		State:     types.StepStateRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveStep(ctx, step); err != nil {
		t.Fatalf("SaveStep failed: %v", err)
	}
	return step
}

func newCoordinator(t *testing.T, store state.Store, emit EmitFunc) *Coordinator {
	t.Helper()
	c, err := New(store, emit)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestSuspend_MintsTokenAndFlipsStates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)

	var emitted []types.Event
	c := newCoordinator(t, store, func(runID string, event types.Event) {
		emitted = append(emitted, event)
	})

	snapshot := map[string]any{"fetched": "cached-result"}
	token, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "approve?"}, snapshot)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}

	run, err := store.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if run.Status != types.RunStatusAwaitingInput {
		t.Fatalf("run status = %s, want awaiting_input", run.Status)
	}
	saved, err := store.LoadStep(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("LoadStep failed: %v", err)
	}
	if saved.State != types.StepStateAwaitingInput || saved.InterruptToken != token {
		t.Fatalf("unexpected step %#v", saved)
	}
	if saved.InputSnapshot["fetched"] != "cached-result" {
		t.Fatalf("snapshot not persisted: %#v", saved.InputSnapshot)
	}

	if len(emitted) != 1 || emitted[0].Kind != types.EventInterrupt {
		t.Fatalf("expected one interrupt event, got %#v", emitted)
	}
	if emitted[0].Interrupt.InterruptToken != token || emitted[0].Interrupt.Prompt != "approve?" {
		t.Fatalf("interrupt payload mismatch: %#v", emitted[0].Interrupt)
	}
}

func TestSuspend_RejectsSecondSuspension(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)
	c := newCoordinator(t, store, nil)

	if _, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q1"}, nil); err != nil {
		t.Fatalf("first Suspend failed: %v", err)
	}
	if _, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q2"}, nil); err == nil {
		t.Fatal("expected second Suspend to fail while one is pending")
	}
}

func TestConsume_ExactlyOnceSequential(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)
	c := newCoordinator(t, store, nil)

	token, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q"}, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	answer := json.RawMessage(`{"approved":true}`)
	res, err := c.Consume(ctx, "run-1", token, answer)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Snapshot["k"] != "v" {
		t.Fatalf("snapshot not returned: %#v", res.Snapshot)
	}
	if string(res.Answer) != `{"approved":true}` {
		t.Fatalf("answer not returned: %s", res.Answer)
	}
	if res.Step.State != types.StepStateRunning {
		t.Fatalf("step state = %s, want running", res.Step.State)
	}

	run, _ := store.LoadRun(ctx, "run-1")
	if run.Status != types.RunStatusRunning {
		t.Fatalf("run status = %s, want running", run.Status)
	}

	if _, err := c.Consume(ctx, "run-1", token, answer); !errors.Is(err, ErrAlreadyResumed) {
		t.Fatalf("second Consume = %v, want ErrAlreadyResumed", err)
	}
}

func TestConsume_ExactlyOnceConcurrent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)
	c := newCoordinator(t, store, nil)

	token, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q"}, nil)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Consume(ctx, "run-1", token, json.RawMessage(`{}`))
		}(i)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyResumed):
			losers++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || losers != attempts-1 {
		t.Fatalf("winners=%d losers=%d, want exactly one winner", winners, losers)
	}
}

func TestConsume_UnknownToken(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)
	c := newCoordinator(t, store, nil)

	if _, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q"}, nil); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	if _, err := c.Consume(ctx, "run-1", "not-a-token", nil); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("Consume = %v, want ErrUnknownToken", err)
	}
	if _, err := c.Consume(ctx, "run-1", "", nil); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("Consume with empty token = %v, want ErrUnknownToken", err)
	}
}

func TestConsume_NotAwaitingInput(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedRun(t, store)
	c := newCoordinator(t, store, nil)

	if _, err := c.Consume(ctx, "run-1", "some-token", nil); !errors.Is(err, ErrNotAwaitingInput) {
		t.Fatalf("Consume = %v, want ErrNotAwaitingInput", err)
	}
}

func TestConsume_AfterCancelReportsCancellation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)
	c := newCoordinator(t, store, nil)

	token, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q"}, nil)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	if err := c.CancelPending(ctx, "run-1"); err != nil {
		t.Fatalf("CancelPending failed: %v", err)
	}
	run, _ := store.LoadRun(ctx, "run-1")
	run.Status = types.RunStatusCancelled
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	if _, err := c.Consume(ctx, "run-1", token, nil); !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("Consume after cancel = %v, want ErrRunCancelled", err)
	}

	saved, _ := store.LoadStep(ctx, "run-1", 1)
	if saved.State != types.StepStateCancelled {
		t.Fatalf("step state = %s, want cancelled", saved.State)
	}
}

func TestValidate_DoesNotConsume(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)
	c := newCoordinator(t, store, nil)

	token, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q"}, nil)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Validate(ctx, "run-1", token); err != nil {
			t.Fatalf("Validate %d failed: %v", i, err)
		}
	}
	if _, err := c.Consume(ctx, "run-1", token, nil); err != nil {
		t.Fatalf("Consume after Validate failed: %v", err)
	}
}

func TestSuspend_AnswerSchemaPublished(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	step := seedRun(t, store)

	var emitted []types.Event
	c := newCoordinator(t, store, func(runID string, event types.Event) {
		emitted = append(emitted, event)
	})

	type approval struct {
		Approved bool   `json:"approved"`
		Note     string `json:"note,omitempty"`
	}
	if _, err := c.Suspend(ctx, "run-1", step, Prompt{Question: "q", AnswerPrototype: approval{}}, nil); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	if len(emitted) != 1 || emitted[0].Interrupt == nil {
		t.Fatalf("expected interrupt event, got %#v", emitted)
	}
	schema := emitted[0].Interrupt.AnswerSchema
	if len(schema) == 0 {
		t.Fatal("expected an answer schema")
	}
	var decoded map[string]any
	if err := json.Unmarshal(schema, &decoded); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
}
