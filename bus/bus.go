// Package bus fans typed run events out to subscribers. Every event gets a
// per-run sequence number; subscribers can replay retained events from an
// offset and then switch to live delivery without a gap. A subscriber that
// stops draining is dropped so publishing never stalls.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runplaneHQ/runplane-go/types"
)

var (
	// ErrSlowConsumer marks a subscription that was dropped because its
	// buffer filled up. Subscriber-local; the run is unaffected.
	ErrSlowConsumer = errors.New("bus: slow consumer dropped")

	// ErrRunClosed is returned by Publish after the run's stream ended.
	ErrRunClosed = errors.New("bus: run stream closed")
)

const (
	defaultRetention        = 1024
	defaultSubscriberBuffer = 64
)

type Bus struct {
	mu               sync.Mutex
	runs             map[string]*runLog
	retention        int
	subscriberBuffer int
}

type runLog struct {
	nextID   int64
	retained []types.Event
	subs     map[string]*Subscription
	closed   bool
}

type Option func(*Bus)

// WithRetention caps how many events per run are kept for replay.
func WithRetention(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.retention = n
		}
	}
}

// WithSubscriberBuffer sets the live-delivery buffer per subscriber.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subscriberBuffer = n
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		runs:             map[string]*runLog{},
		retention:        defaultRetention,
		subscriberBuffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the run's next sequence number, retains the event, and
// pushes it to every live subscriber. A full subscriber is dropped with
// ErrSlowConsumer rather than blocking. Terminal kinds (final, error) end
// the stream: subscribers are closed and later publishes fail.
func (b *Bus) Publish(runID string, event types.Event) (int64, error) {
	if runID == "" {
		return 0, errors.New("bus: run id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logFor(runID)
	if log.closed {
		return 0, ErrRunClosed
	}

	log.nextID++
	event.ID = log.nextID
	event.RunID = runID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	log.retained = append(log.retained, event)
	if len(log.retained) > b.retention {
		log.retained = log.retained[len(log.retained)-b.retention:]
	}

	for id, sub := range log.subs {
		select {
		case sub.ch <- event:
		default:
			sub.err = ErrSlowConsumer
			close(sub.ch)
			delete(log.subs, id)
		}
	}

	if event.Kind.TerminalKind() {
		b.closeLocked(log)
	}

	return event.ID, nil
}

// Subscribe returns a subscription yielding events with ID > from: first any
// retained backlog, then live events. The handoff happens under the bus lock
// so no event is missed or duplicated between replay and live delivery.
func (b *Bus) Subscribe(runID string, from int64) (*Subscription, error) {
	if runID == "" {
		return nil, errors.New("bus: run id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logFor(runID)

	var backlog []types.Event
	for _, event := range log.retained {
		if event.ID > from {
			backlog = append(backlog, event)
		}
	}

	sub := &Subscription{
		id:    uuid.NewString(),
		runID: runID,
		bus:   b,
		ch:    make(chan types.Event, len(backlog)+b.subscriberBuffer),
	}
	for _, event := range backlog {
		sub.ch <- event
	}

	if log.closed {
		// Stream already ended; deliver the backlog and signal end-of-stream.
		close(sub.ch)
		return sub, nil
	}

	log.subs[sub.id] = sub
	return sub, nil
}

// CloseRun ends a run's stream without publishing a terminal event. Used on
// cancellation: queued events still drain to subscribers, then their
// channels close.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.runs[runID]; ok {
		b.closeLocked(log)
	}
}

// Drop releases all state for a run, retained events included. Callers are
// expected to invoke it only after the retention window of a terminal run
// has passed.
func (b *Bus) Drop(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.runs[runID]; ok {
		b.closeLocked(log)
		delete(b.runs, runID)
	}
}

func (b *Bus) logFor(runID string) *runLog {
	log, ok := b.runs[runID]
	if !ok {
		log = &runLog{subs: map[string]*Subscription{}}
		b.runs[runID] = log
	}
	return log
}

func (b *Bus) closeLocked(log *runLog) {
	if log.closed {
		return
	}
	log.closed = true
	for id, sub := range log.subs {
		close(sub.ch)
		delete(log.subs, id)
	}
}

func (b *Bus) unsubscribe(runID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.runs[runID]
	if !ok {
		return
	}
	if sub, ok := log.subs[subID]; ok {
		close(sub.ch)
		delete(log.subs, subID)
	}
}

// Subscription is one subscriber's ordered view of a run's events. Events()
// closes when the run reaches a terminal event, the subscription is closed,
// or the subscriber falls behind; check Err afterwards.
type Subscription struct {
	id    string
	runID string
	bus   *Bus
	ch    chan types.Event
	err   error
}

func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Err reports why the channel closed. Nil means normal end-of-stream or an
// explicit Close.
func (s *Subscription) Err() error {
	return s.err
}

func (s *Subscription) Close() {
	s.bus.unsubscribe(s.runID, s.id)
}
