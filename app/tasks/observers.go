package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/noticecomb/notice-comb/app/crawl"
)

type RunStore interface {
	RecordRun(ctx context.Context, id string, finishedAt time.Time, runErr string) error
}

// RunRecorder persists each run's outcome on the source row.
type RunRecorder struct {
	store RunStore
}

var _ RunObserver = (*RunRecorder)(nil)

func NewRunRecorder(store RunStore) *RunRecorder {
	return &RunRecorder{store: store}
}

func (r *RunRecorder) ObserveRun(ctx context.Context, summary crawl.RunSummary) {
	if err := r.store.RecordRun(ctx, summary.SourceID, summary.FinishedAt, summary.ErrorMessage); err != nil {
		slog.Warn("Failed to record run", "source", summary.SourceID, "run_id", summary.RunID, "error", err)
	}
}
