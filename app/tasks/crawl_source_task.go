package tasks

import (
	"context"

	"github.com/noticecomb/notice-comb/app/crawl"
	"github.com/noticecomb/notice-comb/app/source"
)

// CrawlSourceTask is one run of one source. Its ID is the run id.
type CrawlSourceTask struct {
	Task
	Descriptor *source.Descriptor
	Trigger    string
	runner     CrawlRunner
	summary    crawl.RunSummary
}

func NewCrawlSourceTask(d *source.Descriptor, runner CrawlRunner, trigger string) *CrawlSourceTask {
	return &CrawlSourceTask{
		Task:       NewTask(TaskTypeCrawlSource, d.ID),
		Descriptor: d,
		Trigger:    trigger,
		runner:     runner,
	}
}

func (t *CrawlSourceTask) Execute(ctx context.Context) error {
	t.summary = t.runner.Run(ctx, t.Descriptor, t.ID)
	return t.summary.Err
}

func (t *CrawlSourceTask) Summary() crawl.RunSummary {
	return t.summary
}
