package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListRunsQuery struct {
	ThreadID string
	Status   string
	Limit    int
	Offset   int
}

// Store is the durable home for runs, steps, and thread history. The run
// controller and suspension coordinator own all writes; everything else
// reads.
type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)

	SaveStep(ctx context.Context, step StepRecord) error
	LoadStep(ctx context.Context, runID string, seq int) (StepRecord, error)
	ListSteps(ctx context.Context, runID string) ([]StepRecord, error)

	AppendTurn(ctx context.Context, turn TurnRecord) error
	ListTurns(ctx context.Context, threadID string) ([]TurnRecord, error)

	Close() error
}
