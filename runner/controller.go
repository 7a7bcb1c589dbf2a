// Package runner drives a run's steps to completion, coordinating the
// compactor, the suspension coordinator, and the event bus. Calls are
// serialized per run; distinct runs execute fully in parallel.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/runplaneHQ/runplane-go/bus"
	"github.com/runplaneHQ/runplane-go/compact"
	"github.com/runplaneHQ/runplane-go/observe"
	"github.com/runplaneHQ/runplane-go/reasoner"
	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/suspend"
	"github.com/runplaneHQ/runplane-go/types"
)

var (
	// ErrInvalidInput means the start input failed schema validation.
	ErrInvalidInput = errors.New("runner: invalid input")

	// ErrRunTerminal means the run already reached a final state.
	ErrRunTerminal = errors.New("runner: run is in a terminal state")

	// ErrAwaitingInput means a new step may not start while one waits for
	// external input; the caller must resume instead.
	ErrAwaitingInput = errors.New("runner: run is awaiting input")
)

type Controller struct {
	store       state.Store
	bus         *bus.Bus
	compactor   *compact.Compactor
	coordinator *suspend.Coordinator
	reasoner    reasoner.Reasoner
	inputSchema *gojsonschema.Schema
	stepName    func(seq int) string
	observer    observe.Sink

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Controller) error

// WithInputSchema installs a JSON schema that Start validates initial input
// against.
func WithInputSchema(schemaJSON []byte) Option {
	return func(c *Controller) error {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
		if err != nil {
			return fmt.Errorf("failed to compile input schema: %w", err)
		}
		c.inputSchema = schema
		return nil
	}
}

// WithObserver mirrors every published event into the telemetry sink.
func WithObserver(sink observe.Sink) Option {
	return func(c *Controller) error {
		c.observer = sink
		return nil
	}
}

// WithStepNamer overrides how logical step names are derived from the
// sequence index.
func WithStepNamer(fn func(seq int) string) Option {
	return func(c *Controller) error {
		if fn != nil {
			c.stepName = fn
		}
		return nil
	}
}

func New(store state.Store, eventBus *bus.Bus, compactor *compact.Compactor, r reasoner.Reasoner, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if eventBus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if compactor == nil {
		compactor = compact.New()
	}
	if r == nil {
		return nil, fmt.Errorf("reasoner is required")
	}

	c := &Controller{
		store:     store,
		bus:       eventBus,
		compactor: compactor,
		reasoner:  r,
		stepName:  func(seq int) string { return fmt.Sprintf("step-%d", seq) },
		locks:     map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	coordinator, err := suspend.New(store, c.publish)
	if err != nil {
		return nil, err
	}
	c.coordinator = coordinator
	return c, nil
}

// Coordinator exposes the suspension coordinator for preflight validation.
func (c *Controller) Coordinator() *suspend.Coordinator {
	return c.coordinator
}

// Start creates a run in running state with one pending step and emits a
// start event. The same thread may host many runs; each Start is a new,
// independent run id.
func (c *Controller) Start(ctx context.Context, threadID string, input json.RawMessage) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("thread id is required")
	}
	if err := c.validateInput(input); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	now := time.Now().UTC()

	run := state.RunRecord{
		RunID:     runID,
		ThreadID:  threadID,
		Status:    types.RunStatusRunning,
		Input:     input,
		Metadata:  map[string]any{},
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return "", err
	}

	step := state.StepRecord{
		RunID:     runID,
		StepID:    uuid.NewString(),
		StepName:  c.stepName(1),
		Seq:       1,
		State:     types.StepStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.SaveStep(ctx, step); err != nil {
		return "", err
	}

	if err := c.store.AppendTurn(ctx, state.TurnRecord{
		ThreadID: threadID,
		Role:     types.RoleUser,
		Content:  string(input),
	}); err != nil {
		return "", err
	}

	c.publish(runID, types.Event{
		Kind:       types.EventProcessing,
		StepName:   step.StepName,
		Processing: &types.ProcessingPayload{Stage: "start"},
	})

	return runID, nil
}

// Advance executes the run's next pending step: compacts the thread history,
// invokes the reasoner, and interprets the result as completion, a request
// for external input, or a failure. Failures are terminal for the run; no
// automatic retry.
func (c *Controller) Advance(ctx context.Context, runID string) (types.StepOutcome, error) {
	outcome, err := c.advance(ctx, runID)
	c.maybeDropLock(runID, outcome, err)
	return outcome, err
}

func (c *Controller) advance(ctx context.Context, runID string) (types.StepOutcome, error) {
	unlock := c.lockRun(runID)
	defer unlock()

	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return types.StepOutcome{}, err
	}
	if run.Status.Terminal() {
		return types.StepOutcome{}, ErrRunTerminal
	}
	if run.Status == types.RunStatusAwaitingInput {
		return types.StepOutcome{}, ErrAwaitingInput
	}

	step, err := c.nextPendingStep(ctx, runID)
	if err != nil {
		return types.StepOutcome{}, err
	}

	step.State = types.StepStateRunning
	step.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveStep(ctx, step); err != nil {
		return types.StepOutcome{}, err
	}

	return c.runStep(ctx, run, step, nil)
}

// Resume validates and spends the interrupt token, then re-enters the same
// step with the answer injected. Sub-work completed before the suspension is
// carried in the snapshot and is not re-executed.
func (c *Controller) Resume(ctx context.Context, runID, token string, answer json.RawMessage) (types.StepOutcome, error) {
	outcome, err := c.resume(ctx, runID, token, answer)
	c.maybeDropLock(runID, outcome, err)
	return outcome, err
}

func (c *Controller) resume(ctx context.Context, runID, token string, answer json.RawMessage) (types.StepOutcome, error) {
	unlock := c.lockRun(runID)
	defer unlock()

	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return types.StepOutcome{}, err
	}

	// Check the token before writing anything, and spend it only after the
	// answer turn is recorded. A failed append leaves the suspension intact,
	// so the caller can retry with the same token.
	if _, err := c.coordinator.Validate(ctx, runID, token); err != nil {
		return types.StepOutcome{}, err
	}

	if err := c.store.AppendTurn(ctx, state.TurnRecord{
		ThreadID: run.ThreadID,
		Role:     types.RoleUser,
		Content:  string(answer),
	}); err != nil {
		return types.StepOutcome{}, err
	}

	res, err := c.coordinator.Consume(ctx, runID, token, answer)
	if err != nil {
		return types.StepOutcome{}, err
	}

	c.publish(runID, types.Event{
		Kind:       types.EventProcessing,
		StepName:   res.Step.StepName,
		Processing: &types.ProcessingPayload{Stage: "resume"},
	})

	return c.runStep(ctx, run, res.Step, &reasoner.Resumption{
		Snapshot: res.Snapshot,
		Answer:   res.Answer,
	})
}

// Cancel moves the run to cancelled from any non-terminal state. Idempotent;
// terminal runs are left untouched. No further run-authored events are
// emitted, though queued events still drain to subscribers.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	if err := c.cancel(ctx, runID); err != nil {
		return err
	}
	c.dropLock(runID)
	return nil
}

func (c *Controller) cancel(ctx context.Context, runID string) error {
	unlock := c.lockRun(runID)
	defer unlock()

	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	if err := c.coordinator.CancelPending(ctx, runID); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.Status = types.RunStatusCancelled
	run.UpdatedAt = &now
	run.CompletedAt = &now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}

	c.bus.CloseRun(runID)
	return nil
}

// Drive advances the run until it completes, fails, or suspends. This is
// the loop a worker process runs after Start.
func (c *Controller) Drive(ctx context.Context, runID string) (types.StepOutcome, error) {
	for {
		outcome, err := c.Advance(ctx, runID)
		if err != nil {
			return types.StepOutcome{}, err
		}
		if outcome.Kind != types.OutcomeAdvanced {
			return outcome, nil
		}
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
	}
}

func (c *Controller) runStep(ctx context.Context, run state.RunRecord, step state.StepRecord, resumption *reasoner.Resumption) (types.StepOutcome, error) {
	history, err := c.loadHistory(ctx, run.ThreadID)
	if err != nil {
		return types.StepOutcome{}, err
	}

	window, err := c.compactor.Compact(ctx, history)
	if err != nil {
		return types.StepOutcome{}, err
	}
	if window.Truncated {
		c.publish(run.RunID, types.Event{
			Kind:       types.EventProcessing,
			StepName:   step.StepName,
			Processing: &types.ProcessingPayload{Stage: "context_truncated"},
		})
	}

	c.publish(run.RunID, types.Event{
		Kind:       types.EventProcessing,
		StepName:   step.StepName,
		Processing: &types.ProcessingPayload{Stage: "reasoning"},
	})

	stream := func(delta reasoner.Delta) {
		event := types.Event{StepName: step.StepName}
		if delta.Thinking {
			event.Kind = types.EventThinking
			event.Thinking = &types.ThinkingPayload{Text: delta.Text}
		} else {
			event.Kind = types.EventContent
			event.Content = &types.ContentPayload{Text: delta.Text}
		}
		c.publish(run.RunID, event)
	}

	outcome, invokeErr := c.reasoner.Invoke(ctx, reasoner.Request{
		StepName:   step.StepName,
		Window:     window,
		Resumption: resumption,
	}, stream)
	if invokeErr != nil {
		return c.failStep(ctx, run, step, invokeErr)
	}

	switch outcome.Kind {
	case reasoner.OutcomeNeedsInput:
		return c.suspendStep(ctx, run, step, outcome)
	case reasoner.OutcomeCompleted:
		return c.completeStep(ctx, run, step, outcome, false)
	case reasoner.OutcomeFinal:
		return c.completeStep(ctx, run, step, outcome, true)
	default:
		return c.failStep(ctx, run, step, fmt.Errorf("reasoner returned unknown outcome %q", outcome.Kind))
	}
}

func (c *Controller) suspendStep(ctx context.Context, run state.RunRecord, step state.StepRecord, outcome reasoner.Outcome) (types.StepOutcome, error) {
	req := outcome.NeedsInput
	if req == nil {
		return c.failStep(ctx, run, step, fmt.Errorf("reasoner requested input without a prompt"))
	}

	// The question becomes part of the thread so the resume window carries
	// it; the answer follows as a user turn on Resume.
	if err := c.store.AppendTurn(ctx, state.TurnRecord{
		ThreadID: run.ThreadID,
		Role:     types.RoleAssistant,
		Content:  req.Prompt,
	}); err != nil {
		return types.StepOutcome{}, err
	}

	token, err := c.coordinator.Suspend(ctx, run.RunID, step, suspend.Prompt{
		Question:        req.Prompt,
		AnswerPrototype: req.AnswerPrototype,
	}, req.Snapshot)
	if err != nil {
		return types.StepOutcome{}, err
	}

	return types.StepOutcome{
		Kind:           types.OutcomeAwaitingInput,
		RunID:          run.RunID,
		StepName:       step.StepName,
		InterruptToken: token,
	}, nil
}

func (c *Controller) completeStep(ctx context.Context, run state.RunRecord, step state.StepRecord, outcome reasoner.Outcome, final bool) (types.StepOutcome, error) {
	now := time.Now().UTC()

	if outcome.Output != "" {
		if err := c.store.AppendTurn(ctx, state.TurnRecord{
			ThreadID: run.ThreadID,
			Role:     types.RoleAssistant,
			Content:  outcome.Output,
		}); err != nil {
			return types.StepOutcome{}, err
		}
	}

	step.State = types.StepStateDone
	step.Result = outcome.Result
	step.UpdatedAt = now
	if err := c.store.SaveStep(ctx, step); err != nil {
		return types.StepOutcome{}, err
	}

	c.publish(run.RunID, types.Event{
		Kind:     types.EventContent,
		StepName: step.StepName,
		Content:  &types.ContentPayload{Text: outcome.Output, IsFinal: true},
	})

	if final {
		run.Status = types.RunStatusCompleted
		run.Output = outcome.Output
		run.UpdatedAt = &now
		run.CompletedAt = &now
		if err := c.store.SaveRun(ctx, run); err != nil {
			return types.StepOutcome{}, err
		}
		c.publish(run.RunID, types.Event{
			Kind:     types.EventFinal,
			StepName: step.StepName,
			Final:    &types.FinalPayload{Summary: outcome.Summary},
		})
		return types.StepOutcome{
			Kind:     types.OutcomeCompleted,
			RunID:    run.RunID,
			StepName: step.StepName,
			Output:   outcome.Output,
		}, nil
	}

	next := state.StepRecord{
		RunID:     run.RunID,
		StepID:    uuid.NewString(),
		StepName:  c.stepName(step.Seq + 1),
		Seq:       step.Seq + 1,
		State:     types.StepStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.SaveStep(ctx, next); err != nil {
		return types.StepOutcome{}, err
	}

	run.UpdatedAt = &now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return types.StepOutcome{}, err
	}

	return types.StepOutcome{
		Kind:     types.OutcomeAdvanced,
		RunID:    run.RunID,
		StepName: step.StepName,
		Output:   outcome.Output,
	}, nil
}

func (c *Controller) failStep(ctx context.Context, run state.RunRecord, step state.StepRecord, cause error) (types.StepOutcome, error) {
	now := time.Now().UTC()

	step.State = types.StepStateErrored
	step.UpdatedAt = now
	if err := c.store.SaveStep(ctx, step); err != nil {
		return types.StepOutcome{}, err
	}

	run.Status = types.RunStatusFailed
	run.Error = cause.Error()
	run.UpdatedAt = &now
	run.CompletedAt = &now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return types.StepOutcome{}, err
	}

	c.publish(run.RunID, types.Event{
		Kind:     types.EventError,
		StepName: step.StepName,
		Error: &types.ErrorPayload{
			ErrorType: "ReasonerFailure",
			Message:   cause.Error(),
		},
	})

	return types.StepOutcome{
		Kind:     types.OutcomeFailed,
		RunID:    run.RunID,
		StepName: step.StepName,
		Error:    cause.Error(),
	}, nil
}

func (c *Controller) nextPendingStep(ctx context.Context, runID string) (state.StepRecord, error) {
	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return state.StepRecord{}, err
	}
	maxSeq := 0
	for _, step := range steps {
		if step.State == types.StepStatePending {
			return step, nil
		}
		if step.Seq > maxSeq {
			maxSeq = step.Seq
		}
	}

	now := time.Now().UTC()
	step := state.StepRecord{
		RunID:     runID,
		StepID:    uuid.NewString(),
		StepName:  c.stepName(maxSeq + 1),
		Seq:       maxSeq + 1,
		State:     types.StepStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.SaveStep(ctx, step); err != nil {
		return state.StepRecord{}, err
	}
	return step, nil
}

func (c *Controller) loadHistory(ctx context.Context, threadID string) ([]types.Turn, error) {
	records, err := c.store.ListTurns(ctx, threadID)
	if err != nil {
		return nil, err
	}
	turns := make([]types.Turn, len(records))
	for i, record := range records {
		turns[i] = types.Turn{Role: record.Role, Content: record.Content}
	}
	return turns, nil
}

func (c *Controller) validateInput(input json.RawMessage) error {
	if len(input) == 0 {
		return fmt.Errorf("%w: input is empty", ErrInvalidInput)
	}
	if !json.Valid(input) {
		return fmt.Errorf("%w: input is not valid JSON", ErrInvalidInput)
	}
	if c.inputSchema == nil {
		return nil
	}
	result, err := c.inputSchema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, details)
	}
	return nil
}

func (c *Controller) publish(runID string, event types.Event) {
	id, err := c.bus.Publish(runID, event)
	if err != nil {
		log.Printf("runner: publish %s event for run %s failed: %v", event.Kind, runID, err)
		return
	}
	if c.observer != nil {
		event.ID = id
		event.RunID = runID
		_ = c.observer.Emit(context.Background(), observe.FromRunEvent(event))
	}
}

func (c *Controller) lockRun(runID string) func() {
	c.mu.Lock()
	lock, ok := c.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[runID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// maybeDropLock frees the run's lock entry once the run can make no further
// progress; terminal runs would otherwise each leak one mutex.
func (c *Controller) maybeDropLock(runID string, outcome types.StepOutcome, err error) {
	terminal := errors.Is(err, ErrRunTerminal) ||
		errors.Is(err, suspend.ErrRunCancelled) ||
		outcome.Kind == types.OutcomeCompleted ||
		outcome.Kind == types.OutcomeFailed
	if terminal {
		c.dropLock(runID)
	}
}

func (c *Controller) dropLock(runID string) {
	c.mu.Lock()
	delete(c.locks, runID)
	c.mu.Unlock()
}
