// Package reaper periodically cancels runs that have been waiting on
// external input for too long. Stale suspensions otherwise hold their
// interrupt tokens forever.
package reaper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/types"
)

const (
	defaultSchedule = "@every 5m"
	defaultMaxAge   = 24 * time.Hour
	scanLimit       = 500
)

// Canceller is the slice of the run controller the reaper needs.
type Canceller interface {
	Cancel(ctx context.Context, runID string) error
}

type Reaper struct {
	store     state.Store
	canceller Canceller
	schedule  string
	maxAge    time.Duration
	cron      *robcron.Cron

	mu      sync.Mutex
	started bool
}

type Option func(*Reaper)

// WithSchedule sets the cron expression the sweep runs on.
func WithSchedule(expr string) Option {
	return func(r *Reaper) {
		if expr != "" {
			r.schedule = expr
		}
	}
}

// WithMaxAge sets how long a run may sit in awaiting_input before it is
// cancelled.
func WithMaxAge(age time.Duration) Option {
	return func(r *Reaper) {
		if age > 0 {
			r.maxAge = age
		}
	}
}

func New(store state.Store, canceller Canceller, opts ...Option) (*Reaper, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if canceller == nil {
		return nil, fmt.Errorf("canceller is required")
	}
	r := &Reaper{
		store:     store,
		canceller: canceller,
		schedule:  defaultSchedule,
		maxAge:    defaultMaxAge,
		cron:      robcron.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.Sweep(context.Background()); err != nil {
			log.Printf("reaper: sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.started = true
	return nil
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.started = false
}

// Sweep cancels every awaiting_input run whose last update is older than the
// max age. Each cancellation goes through the regular Cancel path, so spent
// tokens report the cancellation on any later resume attempt.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.maxAge)

	runs, err := r.store.ListRuns(ctx, state.ListRunsQuery{
		Status: string(types.RunStatusAwaitingInput),
		Limit:  scanLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list awaiting runs: %w", err)
	}

	for _, run := range runs {
		if run.UpdatedAt == nil || run.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.canceller.Cancel(ctx, run.RunID); err != nil {
			log.Printf("reaper: cancel run %s: %v", run.RunID, err)
			continue
		}
		log.Printf("reaper: cancelled run %s after %s awaiting input", run.RunID, r.maxAge)
	}
	return nil
}
