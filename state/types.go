package state

import (
	"encoding/json"
	"time"

	"github.com/runplaneHQ/runplane-go/types"
)

type RunRecord struct {
	RunID       string          `json:"runId"`
	ThreadID    string          `json:"threadId"`
	Status      types.RunStatus `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// StepRecord is one unit of work inside a run. InterruptToken is set only
// while the step awaits external input; ConsumedToken keeps the spent token
// around so a replayed resume can be told apart from an unknown one after a
// process restart.
type StepRecord struct {
	RunID          string          `json:"runId"`
	StepID         string          `json:"stepId"`
	StepName       string          `json:"stepName"`
	Seq            int             `json:"seq"`
	State          types.StepState `json:"state"`
	InputSnapshot  map[string]any  `json:"inputSnapshot,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	InterruptToken string          `json:"interruptToken,omitempty"`
	ConsumedToken  string          `json:"consumedToken,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type TurnRecord struct {
	ThreadID  string     `json:"threadId"`
	Seq       int        `json:"seq"`
	Role      types.Role `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
}
