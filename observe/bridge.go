package observe

import (
	"context"

	"github.com/runplaneHQ/runplane-go/bus"
	"github.com/runplaneHQ/runplane-go/types"
)

// FromRunEvent flattens a run event into a trace record.
func FromRunEvent(in types.Event) Record {
	r := Record{
		Timestamp: in.Timestamp,
		RunID:     in.RunID,
		StepName:  in.StepName,
		EventID:   in.ID,
		Attributes: map[string]any{
			"eventKind": string(in.Kind),
		},
	}

	switch in.Kind {
	case types.EventProcessing:
		r.Kind = KindStep
		r.Status = StatusStarted
		if in.Processing != nil {
			r.Message = in.Processing.Stage
			r.Attributes["stage"] = in.Processing.Stage
			if in.Processing.Stage == "start" {
				r.Kind = KindRun
			}
		}
	case types.EventContent:
		r.Kind = KindStep
		r.Status = StatusCompleted
		if in.Content != nil {
			r.Message = in.Content.Text
			r.Attributes["isFinal"] = in.Content.IsFinal
		}
	case types.EventThinking:
		r.Kind = KindStep
		r.Status = StatusCompleted
		if in.Thinking != nil {
			r.Message = in.Thinking.Text
		}
	case types.EventInterrupt:
		r.Kind = KindInterrupt
		r.Status = StatusStarted
		if in.Interrupt != nil {
			r.Message = in.Interrupt.Prompt
		}
	case types.EventError:
		r.Kind = KindRun
		r.Status = StatusFailed
		if in.Error != nil {
			r.Error = in.Error.Message
			r.Attributes["errorType"] = in.Error.ErrorType
		}
	case types.EventFinal:
		r.Kind = KindRun
		r.Status = StatusCompleted
		if in.Final != nil {
			r.Message = in.Final.Summary
		}
	default:
		r.Kind = KindCustom
		r.Status = StatusCompleted
	}

	r.Normalize()
	return r
}

// Pump subscribes to a run's event stream and forwards every event to the
// sink until the stream closes or ctx is done. Run it in its own goroutine,
// one per run being traced.
func Pump(ctx context.Context, eventBus *bus.Bus, runID string, sink Sink) error {
	if eventBus == nil || sink == nil {
		return nil
	}
	sub, err := eventBus.Subscribe(runID, 0)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			_ = sink.Emit(ctx, FromRunEvent(event))
		}
	}
}
