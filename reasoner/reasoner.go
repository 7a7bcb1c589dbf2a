// Package reasoner defines the narrow interface to the external reasoning
// engine. The control plane never retries an Invoke; a failure fails the
// run and any retry is an explicit new run.
package reasoner

import (
	"context"
	"encoding/json"

	"github.com/runplaneHQ/runplane-go/compact"
)

type OutcomeKind string

const (
	// OutcomeCompleted finishes the step; the run continues with a new step.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeFinal finishes the step and the run.
	OutcomeFinal OutcomeKind = "final"
	// OutcomeNeedsInput suspends the step until an external answer arrives.
	OutcomeNeedsInput OutcomeKind = "needs_input"
)

// Outcome is the terminal result of one Invoke. A streaming reasoner emits
// zero or more deltas through the stream callback first, then resolves to
// exactly one Outcome.
type Outcome struct {
	Kind    OutcomeKind
	Output  string          // completed/final: the step's visible output
	Result  json.RawMessage // completed/final: opaque structured result
	Summary string          // final: closing summary for the run

	// NeedsInput is set only for OutcomeNeedsInput.
	NeedsInput *InputRequest
}

// InputRequest describes what the step is waiting on. Snapshot carries the
// cached results of sub-work that already ran; on resume it is handed back
// verbatim so that work is never redone.
type InputRequest struct {
	Prompt          string
	AnswerPrototype any
	Snapshot        map[string]any
}

// Resumption re-enters a suspended step: the snapshot the reasoner returned
// in NeedsInput plus the external answer. When set, the reasoner must only
// execute the portion of the step gated on the answer.
type Resumption struct {
	Snapshot map[string]any
	Answer   json.RawMessage
}

// Request is the full input to one reasoning call.
type Request struct {
	StepName   string
	Window     compact.Window
	Resumption *Resumption
}

// Delta is one streamed fragment. Thinking deltas carry intermediate
// reasoning; content deltas carry user-visible output.
type Delta struct {
	Text     string
	Thinking bool
}

// StreamFunc receives deltas as they are produced. May be nil.
type StreamFunc func(delta Delta)

type Reasoner interface {
	Invoke(ctx context.Context, req Request, stream StreamFunc) (Outcome, error)
}
