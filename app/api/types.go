package api

import (
	"context"
	"net/http"
	"time"

	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/source"
	"github.com/noticecomb/notice-comb/app/tasks"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	feedItemLimit    = 50
)

type GeneratorInterface interface {
	Run(d *source.Descriptor, items []database.Item) (string, error)
}

var _ GeneratorInterface = (*RSSGenerator)(nil)

// FeedCache stores rendered RSS views. cache.FeedCache implements it.
type FeedCache interface {
	Get(ctx context.Context, sourceID string) (string, bool, error)
	Set(ctx context.Context, sourceID, content string) error
	Health(ctx context.Context) map[string]any
}

// SourceRegistry is the read side of source.Registry used by the handlers.
type SourceRegistry interface {
	List() []*source.Descriptor
	Get(id string) (*source.Descriptor, error)
	Expand(names []string) []string
	Errors() []source.LoadError
	Count() int
}

var _ SourceRegistry = (*source.Registry)(nil)

type Options struct {
	BaseURL      string
	Version      string
	UndatedFirst bool
	Metrics      http.Handler
	FeedCache    FeedCache
}

type Handler struct {
	registry     SourceRegistry
	itemRepo     database.ItemStore
	sourceRepo   database.SourceStore
	scheduler    tasks.SchedulerInterface
	generator    GeneratorInterface
	metrics      http.Handler
	feedCache    FeedCache
	undatedFirst bool
	version      string
	now          func() time.Time
}

type sourceView struct {
	*source.Descriptor
	Status    tasks.SourceStatus `json:"status"`
	ItemCount int                `json:"item_count"`
	LastRunAt *time.Time         `json:"last_run_at,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

type loadErrorView struct {
	File     string `json:"file"`
	Index    int    `json:"index"`
	SourceID string `json:"source_id,omitempty"`
	Error    string `json:"error"`
}
