// Package suspend parks a run step while it waits for external input and
// guarantees the answer is applied to that step exactly once. Tokens are
// single-use; consuming one is a compare-and-swap, so concurrent resume
// attempts have exactly one winner.
package suspend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/types"
)

var (
	ErrNotAwaitingInput = errors.New("suspend: run is not awaiting input")
	ErrUnknownToken     = errors.New("suspend: unknown interrupt token")
	ErrAlreadyResumed   = errors.New("suspend: interrupt token already consumed")
	ErrRunCancelled     = errors.New("suspend: run was cancelled")
)

// Prompt is what gets shown to the external party. AnswerPrototype, when
// set, is reflected into a JSON schema and published with the interrupt
// event so clients can validate answers before submitting them.
type Prompt struct {
	Question        string
	AnswerPrototype any
}

// Resumption is handed back to the run controller after a successful
// Consume: the persisted snapshot of remaining work plus the external
// answer. It must never contain already-executed side-effecting work.
type Resumption struct {
	Step     state.StepRecord
	Snapshot map[string]any
	Answer   json.RawMessage
}

// EmitFunc publishes an event for the run; wired to the event bus by the
// controller.
type EmitFunc func(runID string, event types.Event)

type Coordinator struct {
	store state.Store
	emit  EmitFunc
	mu    sync.Mutex
}

func New(store state.Store, emit EmitFunc) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if emit == nil {
		emit = func(string, types.Event) {}
	}
	return &Coordinator{store: store, emit: emit}, nil
}

// Suspend persists the step's resume snapshot, mints a fresh single-use
// interrupt token, flips step and run into awaiting_input, and emits one
// interrupt event carrying the prompt and token.
func (c *Coordinator) Suspend(ctx context.Context, runID string, step state.StepRecord, prompt Prompt, snapshot map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		return "", fmt.Errorf("suspend: run %q is %s", runID, run.Status)
	}
	if run.Status == types.RunStatusAwaitingInput {
		// At most one awaiting_input step per run.
		return "", fmt.Errorf("suspend: run %q already has a pending suspension", runID)
	}

	token := uuid.NewString()
	now := time.Now().UTC()

	step.State = types.StepStateAwaitingInput
	step.InputSnapshot = snapshot
	step.InterruptToken = token
	step.UpdatedAt = now
	if err := c.store.SaveStep(ctx, step); err != nil {
		return "", err
	}

	run.Status = types.RunStatusAwaitingInput
	run.UpdatedAt = &now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return "", err
	}

	c.emit(runID, types.Event{
		Kind:     types.EventInterrupt,
		StepName: step.StepName,
		Interrupt: &types.InterruptPayload{
			Prompt:         prompt.Question,
			InterruptToken: token,
			AnswerSchema:   answerSchema(prompt.AnswerPrototype),
		},
	})

	return token, nil
}

// Validate checks a token against the run's pending suspension without
// consuming it. API handlers use it for preflight; the authoritative check
// is the one inside Consume.
func (c *Coordinator) Validate(ctx context.Context, runID, token string) (state.StepRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validateLocked(ctx, runID, token)
}

// Consume atomically spends the token: the pending step returns to running,
// the run leaves awaiting_input, and the snapshot plus answer are returned
// for step re-entry. A second call with the same token fails with
// ErrAlreadyResumed.
func (c *Coordinator) Consume(ctx context.Context, runID, token string, answer json.RawMessage) (Resumption, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	step, err := c.validateLocked(ctx, runID, token)
	if err != nil {
		return Resumption{}, err
	}

	now := time.Now().UTC()
	snapshot := step.InputSnapshot

	step.State = types.StepStateRunning
	step.InputSnapshot = nil
	step.InterruptToken = ""
	step.ConsumedToken = token
	step.UpdatedAt = now
	if err := c.store.SaveStep(ctx, step); err != nil {
		return Resumption{}, err
	}

	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return Resumption{}, err
	}
	run.Status = types.RunStatusRunning
	run.UpdatedAt = &now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return Resumption{}, err
	}

	return Resumption{Step: step, Snapshot: snapshot, Answer: answer}, nil
}

// CancelPending invalidates the run's pending suspension, if any, so a
// later resume with the minted token reports the cancellation instead of
// resuming. Idempotent.
func (c *Coordinator) CancelPending(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.State != types.StepStateAwaitingInput {
			continue
		}
		step.State = types.StepStateCancelled
		step.InputSnapshot = nil
		step.ConsumedToken = step.InterruptToken
		step.InterruptToken = ""
		step.UpdatedAt = time.Now().UTC()
		if err := c.store.SaveStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) validateLocked(ctx context.Context, runID, token string) (state.StepRecord, error) {
	if token == "" {
		return state.StepRecord{}, ErrUnknownToken
	}

	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return state.StepRecord{}, err
	}

	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return state.StepRecord{}, err
	}

	// A spent token is recognizable forever, so replayed resumes get a
	// precise error instead of a generic lookup failure.
	for _, step := range steps {
		if step.ConsumedToken == token {
			if run.Status == types.RunStatusCancelled {
				return state.StepRecord{}, ErrRunCancelled
			}
			return state.StepRecord{}, ErrAlreadyResumed
		}
	}

	if run.Status == types.RunStatusCancelled {
		return state.StepRecord{}, ErrRunCancelled
	}
	if run.Status != types.RunStatusAwaitingInput {
		return state.StepRecord{}, ErrNotAwaitingInput
	}

	for _, step := range steps {
		if step.State == types.StepStateAwaitingInput {
			if step.InterruptToken != token {
				return state.StepRecord{}, ErrUnknownToken
			}
			return step, nil
		}
	}
	return state.StepRecord{}, ErrNotAwaitingInput
}

func answerSchema(prototype any) json.RawMessage {
	if prototype == nil {
		return nil
	}
	schema := jsonschema.Reflect(prototype)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return raw
}
