package crawl

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/extract"
	"github.com/noticecomb/notice-comb/app/fetch"
	"github.com/noticecomb/notice-comb/app/source"
)

type Extractor interface {
	Extract(d *source.Descriptor, page *fetch.Page) iter.Seq[extract.Candidate]
	ExtractDetail(d *source.Descriptor, page *fetch.Page) (*extract.Detail, error)
}

type Store interface {
	PutIfAbsent(ctx context.Context, item database.Item) (database.PutResult, error)
	Exists(ctx context.Context, sourceID, naturalKey string) (bool, error)
}

// Limiter paces requests to one origin. fetch.OriginLimiter implements it.
type Limiter interface {
	Wait(ctx context.Context, d *source.Descriptor, target string) error
}

type Options struct {
	Retry   RetryPolicy
	Limiter Limiter
	Now     func() time.Time
}

// Runner executes one crawl of one source: fetch, extract and store, page by
// page. Fetches in flight are never interrupted; cancellation is observed
// between requests and during waits.
type Runner struct {
	fetcher   fetch.Fetcher
	extractor Extractor
	store     Store
	limiter   Limiter
	retry     RetryPolicy
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewRunner(fetcher fetch.Fetcher, extractor Extractor, store Store, opts Options) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	return &Runner{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		limiter:   opts.Limiter,
		retry:     opts.Retry,
		now:       opts.Now,
		sleep:     sleepContext,
	}
}

// Run crawls d once. An empty runID gets a fresh one. The summary is always
// returned; on failure it carries the counts accumulated before the error.
func (r *Runner) Run(ctx context.Context, d *source.Descriptor, runID string) RunSummary {
	if runID == "" {
		runID = uuid.NewString()
	}
	summary := RunSummary{RunID: runID, SourceID: d.ID, StartedAt: r.now()}
	logger := slog.With("source", d.ID, "run_id", runID)
	logger.Info("Crawl started", "kind", d.Kind, "max_pages", d.MaxPages)

	r.crawl(ctx, d, logger, &summary)
	summary.FinishedAt = r.now()

	attrs := []any{
		"pages", summary.PagesFetched,
		"seen", summary.ItemsSeen,
		"new", summary.ItemsNew,
		"stop", summary.StopReason,
		"duration", summary.Duration(),
	}
	if summary.Err != nil {
		logger.Warn("Crawl failed", append(attrs, "kind", summary.ErrorKind, "error", summary.Err)...)
	} else {
		logger.Info("Crawl completed", attrs...)
	}
	return summary
}

func (r *Runner) crawl(ctx context.Context, d *source.Descriptor, logger *slog.Logger, summary *RunSummary) {
	maxPages := max(d.MaxPages, 1)
	cursor := d.FirstCursor()

	for {
		if err := ctx.Err(); err != nil {
			summary.fail(NewError(KindCancelled, d.ID, err))
			return
		}
		if summary.PagesFetched >= maxPages {
			summary.StopReason = StopMaxPages
			return
		}

		page, err := r.fetchPage(ctx, d, cursor, logger, summary)
		if err != nil {
			summary.fail(classifyFetch(d.ID, err))
			return
		}
		summary.PagesFetched++

		candidates := 0
		for c := range r.extractor.Extract(d, page) {
			if err := ctx.Err(); err != nil {
				summary.fail(NewError(KindCancelled, d.ID, err))
				return
			}
			candidates++
			summary.ItemsSeen++
			if err := r.keep(ctx, d, c, page.FetchedAt, logger, summary); err != nil {
				kind := KindStore
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					kind = KindCancelled
				}
				summary.fail(NewError(kind, d.ID, err))
				return
			}
		}

		logger.Debug("Page processed", "cursor", cursor, "candidates", candidates, "has_more", page.HasMore)

		if candidates == 0 && d.Kind != source.KindFeed {
			summary.StopReason = StopEmptyPage
			return
		}
		if !page.HasMore {
			summary.StopReason = StopNoMorePages
			return
		}
		cursor++
	}
}

func (r *Runner) fetchPage(ctx context.Context, d *source.Descriptor, cursor int, logger *slog.Logger, summary *RunSummary) (*fetch.Page, error) {
	target := requestTarget(d, cursor)
	return withRetry(ctx, r, d, target, logger, summary, func(fetchCtx context.Context) (*fetch.Page, error) {
		return r.fetcher.Fetch(fetchCtx, d, cursor)
	})
}

func withRetry(ctx context.Context, r *Runner, d *source.Descriptor, target string, logger *slog.Logger, summary *RunSummary, do func(context.Context) (*fetch.Page, error)) (*fetch.Page, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := r.retry.Delay(attempt)
			logger.Info("Retrying fetch", "url", target, "attempt", attempt, "max_retries", r.retry.MaxRetries, "delay", delay)
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
			summary.Retries++
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx, d, target); err != nil {
				return nil, err
			}
		}

		page, err := do(context.WithoutCancel(ctx))
		if err == nil {
			return page, nil
		}
		if !fetch.IsTransient(err) || attempt >= r.retry.MaxRetries {
			return nil, err
		}
		logger.Warn("Fetch failed", "url", target, "attempt", attempt+1, "error", err)
	}
}

// keep stores one candidate, fetching its detail page first when the
// descriptor asks for one and the item is not already stored.
func (r *Runner) keep(ctx context.Context, d *source.Descriptor, c extract.Candidate, fetchedAt time.Time, logger *slog.Logger, summary *RunSummary) error {
	writeCtx := context.WithoutCancel(ctx)
	degraded := len(c.Degraded) > 0

	if d.HasDetail() {
		exists, err := r.store.Exists(writeCtx, d.ID, c.NaturalKey)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		ok, err := r.enrich(ctx, d, &c, logger, summary)
		if err != nil {
			return err
		}
		degraded = degraded || !ok
	}
	if degraded {
		summary.ItemsDegraded++
	}

	if fetchedAt.IsZero() {
		fetchedAt = r.now()
	}

	res, err := r.store.PutIfAbsent(writeCtx, database.Item{
		SourceID:    d.ID,
		NaturalKey:  c.NaturalKey,
		Title:       c.Title,
		URL:         c.URL,
		PublishedAt: c.PublishedAt,
		FetchedAt:   fetchedAt,
		RawExtra:    c.RawExtra,
	})
	if err != nil {
		return err
	}
	if res == database.Inserted {
		summary.ItemsNew++
	}
	return nil
}

// enrich merges detail page fields into c. A detail failure degrades the
// item but keeps it; only cancellation is returned as an error.
func (r *Runner) enrich(ctx context.Context, d *source.Descriptor, c *extract.Candidate, logger *slog.Logger, summary *RunSummary) (bool, error) {
	page, err := withRetry(ctx, r, d, c.URL, logger, summary, func(fetchCtx context.Context) (*fetch.Page, error) {
		return r.fetcher.FetchDetail(fetchCtx, d, c.URL)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		logger.Warn("Detail page unavailable", "url", c.URL, "kind", KindExtractionDegraded, "error", err)
		return false, nil
	}

	detail, err := r.extractor.ExtractDetail(d, page)
	if err != nil {
		logger.Warn("Detail page unreadable", "url", c.URL, "kind", KindExtractionDegraded, "error", err)
		return false, nil
	}

	if c.RawExtra == nil {
		c.RawExtra = map[string]any{}
	}
	if published, ok := detail.Fields[source.FieldPublishedAt].(time.Time); ok {
		if c.PublishedAt == nil {
			c.PublishedAt = &published
			delete(c.RawExtra, "published_at_raw")
		}
		delete(detail.Fields, source.FieldPublishedAt)
	}
	maps.Copy(c.RawExtra, detail.Fields)
	return len(detail.Degraded) == 0, nil
}

// requestTarget is the URL the limiter keys on for a listing request.
func requestTarget(d *source.Descriptor, cursor int) string {
	switch d.Kind {
	case source.KindAPI:
		return d.APIEndpoint
	case source.KindHTML:
		if target, err := fetch.PageURL(d, cursor); err == nil {
			return target
		}
		return d.EntryURL
	default:
		if d.Provider == source.ProviderWeChat {
			return fetch.DefaultWeChatEndpoint
		}
		return d.EntryURL
	}
}
