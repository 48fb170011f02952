package tasks

import (
	"context"
	"time"

	"github.com/noticecomb/notice-comb/app/crawl"
	"github.com/noticecomb/notice-comb/app/source"
)

// CrawlRunner executes one run of one source. crawl.Runner implements it.
type CrawlRunner interface {
	Run(ctx context.Context, d *source.Descriptor, runID string) crawl.RunSummary
}

// RunObserver is notified after every finished run.
type RunObserver interface {
	ObserveRun(ctx context.Context, summary crawl.RunSummary)
}

// RunLock guards a source against runs in other processes.
type RunLock interface {
	Acquire(ctx context.Context, sourceID, runID string) (bool, error)
	Release(ctx context.Context, sourceID, runID string) error
	// Extend pushes the expiry of a held lock one TTL into the future.
	Extend(ctx context.Context, sourceID, runID string) error
	TTL() time.Duration
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SchedulerInterface is what the HTTP layer and main use.
type SchedulerInterface interface {
	Start(ctx context.Context)
	Stop()
	Trigger(id string) (runID string, started bool, err error)
	Enable(id string) error
	Disable(id string) error
	Status(id string) (SourceStatus, error)
	Statuses() []SourceStatus
}
