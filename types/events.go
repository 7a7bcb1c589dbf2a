package types

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventProcessing EventKind = "processing"
	EventContent    EventKind = "content"
	EventThinking   EventKind = "thinking"
	EventInterrupt  EventKind = "interrupt"
	EventError      EventKind = "error"
	EventFinal      EventKind = "final"
)

// Event is one immutable progress message for a run. ID is assigned by the
// bus and is strictly increasing per run. Exactly one payload field is
// populated, matching Kind.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"runId"`
	StepName  string    `json:"stepName,omitempty"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Processing *ProcessingPayload `json:"processing,omitempty"`
	Content    *ContentPayload    `json:"content,omitempty"`
	Thinking   *ThinkingPayload   `json:"thinking,omitempty"`
	Interrupt  *InterruptPayload  `json:"interrupt,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Final      *FinalPayload      `json:"final,omitempty"`
}

type ProcessingPayload struct {
	Stage       string   `json:"stage"`
	ProgressPct *float64 `json:"progressPct,omitempty"`
}

type ContentPayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal,omitempty"`
}

type ThinkingPayload struct {
	Text string `json:"text"`
}

type InterruptPayload struct {
	Prompt         string          `json:"prompt"`
	InterruptToken string          `json:"interruptToken"`
	AnswerSchema   json.RawMessage `json:"answerSchema,omitempty"`
}

type ErrorPayload struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

type FinalPayload struct {
	Summary string `json:"summary,omitempty"`
}

// TerminalKind reports whether an event of this kind is the last one a
// subscriber will receive for its run.
func (k EventKind) TerminalKind() bool {
	return k == EventError || k == EventFinal
}
