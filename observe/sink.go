package observe

import (
	"context"
	"sync"
)

type Sink interface {
	Emit(ctx context.Context, record Record) error
}

type SinkFunc func(ctx context.Context, record Record) error

func (f SinkFunc) Emit(ctx context.Context, record Record) error {
	if f == nil {
		return nil
	}
	return f(ctx, record)
}

type NoopSink struct{}

func (NoopSink) Emit(ctx context.Context, record Record) error {
	_ = ctx
	_ = record
	return nil
}

type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		return NoopSink{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

func (m *MultiSink) Emit(ctx context.Context, record Record) error {
	if m == nil {
		return nil
	}
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// AsyncSink decouples emitters from a slow downstream. Records are queued;
// under pressure they are dropped rather than blocking the caller.
type AsyncSink struct {
	downstream Sink
	queue      chan Record
	once       sync.Once
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Record, buffer),
	}
	go as.loop()
	return as
}

func (s *AsyncSink) Emit(ctx context.Context, record Record) error {
	if s == nil {
		return nil
	}
	record.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- record:
		return nil
	default:
		// Drop on pressure to avoid blocking the run hot path.
		return nil
	}
}

func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.queue) })
}

func (s *AsyncSink) loop() {
	for record := range s.queue {
		_ = s.downstream.Emit(context.Background(), record)
	}
}
