// Package trace persists observe records so run activity can be inspected
// after the fact and aggregated into coarse counters.
package trace

import (
	"context"
	"time"

	"github.com/runplaneHQ/runplane-go/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	RunsStarted   int64 `json:"runsStarted"`
	RunsCompleted int64 `json:"runsCompleted"`
	RunsFailed    int64 `json:"runsFailed"`
	Interrupts    int64 `json:"interrupts"`
	StepRecords   int64 `json:"stepRecords"`
}

type Store interface {
	SaveRecord(ctx context.Context, record observe.Record) error
	ListRecordsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Record, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}
