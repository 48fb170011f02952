package database

import (
	"context"
	"time"
)

type ItemStore interface {
	PutIfAbsent(ctx context.Context, item Item) (PutResult, error)
	Exists(ctx context.Context, sourceID, naturalKey string) (bool, error)
	Query(ctx context.Context, filter ItemFilter) (*ItemPage, error)
	CountBySource(ctx context.Context) (map[string]int, error)
}

type SourceStore interface {
	Upsert(ctx context.Context, src Source) error
	Get(ctx context.Context, id string) (*Source, error)
	List(ctx context.Context) ([]Source, error)
	RecordRun(ctx context.Context, id string, finishedAt time.Time, runErr string) error
}

var (
	_ ItemStore   = (*ItemRepository)(nil)
	_ SourceStore = (*SourceRepository)(nil)
)
