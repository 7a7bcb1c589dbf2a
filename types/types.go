package types

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry of a thread's conversational history. ApproxTokens is a
// heuristic estimate, consistent but not exact.
type Turn struct {
	Role         Role   `json:"role"`
	Content      string `json:"content,omitempty"`
	ApproxTokens int    `json:"approxTokens,omitempty"`
}

type RunStatus string

const (
	RunStatusRunning       RunStatus = "running"
	RunStatusAwaitingInput RunStatus = "awaiting_input"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
	RunStatusCancelled     RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

type StepState string

const (
	StepStatePending       StepState = "pending"
	StepStateRunning       StepState = "running"
	StepStateAwaitingInput StepState = "awaiting_input"
	StepStateDone          StepState = "done"
	StepStateErrored       StepState = "errored"
	StepStateCancelled     StepState = "cancelled"
)

type OutcomeKind string

const (
	OutcomeAdvanced      OutcomeKind = "advanced"
	OutcomeAwaitingInput OutcomeKind = "awaiting_input"
	OutcomeCompleted     OutcomeKind = "completed"
	OutcomeFailed        OutcomeKind = "failed"
)

// StepOutcome is what Advance and Resume report back to the caller.
type StepOutcome struct {
	Kind           OutcomeKind `json:"kind"`
	RunID          string      `json:"runId"`
	StepName       string      `json:"stepName,omitempty"`
	InterruptToken string      `json:"interruptToken,omitempty"`
	Output         string      `json:"output,omitempty"`
	Error          string      `json:"error,omitempty"`
}
