// Package otel bridges observe records to OpenTelemetry tracing so run
// activity shows up in any OTel-compatible backend.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/runplaneHQ/runplane-go/observe"
)

const instrumentationName = "github.com/runplaneHQ/runplane-go"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider. A nil
// provider falls back to noop.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

func (s *Sink) Emit(_ context.Context, record observe.Record) error {
	record.Normalize()

	_, span := s.tracer.Start(context.Background(), spanNameFor(record), trace.WithTimestamp(record.Timestamp))

	attrs := []attribute.KeyValue{
		attribute.String("runplane.record.kind", string(record.Kind)),
	}
	if record.RunID != "" {
		attrs = append(attrs, attribute.String("runplane.run.id", record.RunID))
	}
	if record.StepName != "" {
		attrs = append(attrs, attribute.String("runplane.step.name", record.StepName))
	}
	if record.EventID > 0 {
		attrs = append(attrs, attribute.Int64("runplane.event.id", record.EventID))
	}
	if record.Status != "" {
		attrs = append(attrs, attribute.String("runplane.status", string(record.Status)))
	}
	if record.Message != "" {
		attrs = append(attrs, attribute.String("runplane.message", truncate(record.Message, 1024)))
	}
	for k, v := range record.Attributes {
		attrs = append(attrs, attribute.String("runplane.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	if record.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, record.Error)
		if record.Error != "" {
			span.RecordError(fmt.Errorf("%s", record.Error))
		}
	} else if record.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(record.Timestamp))
	return nil
}

func spanNameFor(record observe.Record) string {
	switch record.Kind {
	case observe.KindRun:
		return "runplane.run"
	case observe.KindStep:
		if record.StepName != "" {
			return "runplane.step." + record.StepName
		}
		return "runplane.step"
	case observe.KindInterrupt:
		return "runplane.interrupt"
	default:
		return "runplane.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
