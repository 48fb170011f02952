package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/source"
)

type SourceUpserter interface {
	Upsert(ctx context.Context, src database.Source) error
}

// SyncSourcesTask registers every loaded descriptor in the sources table.
type SyncSourcesTask struct {
	Task
	descriptors []*source.Descriptor
	store       SourceUpserter
}

func NewSyncSourcesTask(descriptors []*source.Descriptor, store SourceUpserter) *SyncSourcesTask {
	return &SyncSourcesTask{
		Task:        NewTask(TaskTypeSyncSources, ""),
		descriptors: descriptors,
		store:       store,
	}
}

func (t *SyncSourcesTask) Execute(ctx context.Context) error {
	t.Start()
	failed := 0

	for _, d := range t.descriptors {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := t.store.Upsert(ctx, database.Source{
			ID:      d.ID,
			Name:    d.Name,
			Kind:    string(d.Kind),
			Group:   d.Group,
			Enabled: d.IsEnabled(),
		})
		if err != nil {
			slog.Error("Failed to sync source", "source", d.ID, "error", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to sync %d of %d sources", failed, len(t.descriptors))
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"sources", len(t.descriptors),
		"duration", t.GetDuration())

	return nil
}
