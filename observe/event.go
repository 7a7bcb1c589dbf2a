// Package observe is the telemetry side-channel: run events are flattened
// into trace records and fanned out to pluggable sinks. Nothing here sits on
// the run hot path; a slow or failing sink never stalls a run.
package observe

import "time"

type Kind string

type Status string

const (
	KindRun       Kind = "run"
	KindStep      Kind = "step"
	KindInterrupt Kind = "interrupt"
	KindCustom    Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Record struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId,omitempty"`
	StepName   string         `json:"stepName,omitempty"`
	EventID    int64          `json:"eventId,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (r *Record) Normalize() {
	if r == nil {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Kind == "" {
		r.Kind = KindCustom
	}
	if r.Attributes == nil {
		r.Attributes = map[string]any{}
	}
}
