package reasoner

import (
	"context"
	"fmt"
	"sync"
)

// ScriptStep is one pre-planned Invoke result, with optional deltas streamed
// before the outcome resolves.
type ScriptStep struct {
	Deltas  []Delta
	Outcome Outcome
	Err     error
}

// Scripted replays a fixed sequence of outcomes. Useful for demos and for
// exercising the control plane without a live reasoning engine; each Invoke
// consumes the next script step.
type Scripted struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls int
}

func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

// Calls reports how many times Invoke ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Invoke(ctx context.Context, req Request, stream StreamFunc) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	s.mu.Lock()
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("scripted reasoner exhausted after %d call(s)", s.calls)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.calls++
	s.mu.Unlock()

	if stream != nil {
		for _, delta := range step.Deltas {
			stream(delta)
		}
	}
	if step.Err != nil {
		return Outcome{}, step.Err
	}
	return step.Outcome, nil
}
