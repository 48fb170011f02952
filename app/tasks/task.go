package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeCrawlSource TaskType = "crawl_source"
	TaskTypeSyncSources TaskType = "sync_sources"
)

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetSourceID() string
	Start()
	GetDuration() time.Duration
}

var (
	_ TaskInterface = (*CrawlSourceTask)(nil)
	_ TaskInterface = (*SyncSourcesTask)(nil)
)

type Task struct {
	ID        string
	Type      TaskType
	SourceID  string
	StartedAt *time.Time
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetSourceID() string {
	return t.SourceID
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func NewTask(taskType TaskType, sourceID string) Task {
	return Task{
		ID:       uuid.NewString(),
		Type:     taskType,
		SourceID: sourceID,
	}
}
