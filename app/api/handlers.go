package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/source"
	"github.com/noticecomb/notice-comb/app/tasks"
)

func NewHandler(registry SourceRegistry, itemRepo database.ItemStore, sourceRepo database.SourceStore,
	scheduler tasks.SchedulerInterface, opts Options) *Handler {
	return &Handler{
		registry:     registry,
		itemRepo:     itemRepo,
		sourceRepo:   sourceRepo,
		scheduler:    scheduler,
		generator:    NewRSSGenerator(opts.BaseURL, opts.Version),
		metrics:      opts.Metrics,
		feedCache:    opts.FeedCache,
		undatedFirst: opts.UndatedFirst,
		version:      opts.Version,
		now:          time.Now,
	}
}

func (h *Handler) GetFeedByID(c *gin.Context) {
	id := c.Param("id")

	d, err := h.registry.Get(id)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	if h.feedCache != nil {
		if rss, ok, err := h.feedCache.Get(c.Request.Context(), id); err != nil {
			slog.Warn("Feed cache error", "operation", "get", "source", id, "error", err)
		} else if ok {
			c.Header("Content-Type", "application/xml; charset=utf-8")
			c.Header("X-Feed-Source", id)
			c.Header("X-Cache", "HIT")
			c.String(http.StatusOK, rss)
			return
		}
	}

	page, err := h.itemRepo.Query(c.Request.Context(), database.ItemFilter{
		SourceIDs:    []string{id},
		UndatedFirst: h.undatedFirst,
		Limit:        feedItemLimit,
	})
	if err != nil {
		slog.Error("Database error", "operation", "query_items", "source", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	rss, err := h.generator.Run(d, page.Items)
	if err != nil {
		slog.Error("RSS generation error", "source", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	if h.feedCache != nil {
		if err := h.feedCache.Set(c.Request.Context(), id, rss); err != nil {
			slog.Warn("Feed cache error", "operation", "set", "source", id, "error", err)
		}
		c.Header("X-Cache", "MISS")
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(page.Items)))
	c.Header("X-Feed-Source", id)
	c.String(http.StatusOK, rss)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	health := map[string]any{
		"status":      "ok",
		"timestamp":   h.now().In(time.Local).Format(time.RFC3339),
		"sources":     h.registry.Count(),
		"load_errors": len(h.registry.Errors()),
	}

	running := 0
	for _, status := range h.scheduler.Statuses() {
		if status.State == tasks.StateRunning {
			running++
		}
	}
	health["running"] = running

	if counts, err := h.itemRepo.CountBySource(c.Request.Context()); err == nil {
		total := 0
		for _, n := range counts {
			total += n
		}
		health["items"] = total
	}

	if h.feedCache != nil {
		health["cache"] = h.feedCache.Health(c.Request.Context())
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) ListItems(c *gin.Context) {
	filter, err := h.parseItemFilter(c, defaultPageLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.itemRepo.Query(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Database error", "operation", "query_items", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, page)
}

func (h *Handler) ListSources(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.itemRepo.CountBySource(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_items", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	persisted := make(map[string]database.Source)
	if rows, err := h.sourceRepo.List(ctx); err == nil {
		for _, row := range rows {
			persisted[row.ID] = row
		}
	} else {
		slog.Warn("Failed to list persisted sources", "error", err)
	}

	descriptors := h.registry.List()
	sources := make([]sourceView, 0, len(descriptors))
	for _, d := range descriptors {
		view := h.sourceView(d, counts[d.ID])
		if row, ok := persisted[d.ID]; ok {
			view.LastRunAt = row.LastRunAt
			view.LastError = row.LastError
		}
		sources = append(sources, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"sources": sources,
		"total":   len(sources),
	})
}

func (h *Handler) GetSource(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	d, err := h.registry.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}

	counts, err := h.itemRepo.CountBySource(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_items", "source", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	view := h.sourceView(d, counts[id])
	row, err := h.sourceRepo.Get(ctx, id)
	switch {
	case err == nil:
		view.LastRunAt = row.LastRunAt
		view.LastError = row.LastError
	case !errors.Is(err, database.ErrNotFound):
		slog.Warn("Failed to load persisted source", "source", id, "error", err)
	}

	c.JSON(http.StatusOK, view)
}

func (h *Handler) TriggerCrawl(c *gin.Context) {
	id := c.Param("id")

	runID, started, err := h.scheduler.Trigger(id)
	if err != nil {
		h.schedulerError(c, id, err)
		return
	}

	if !started {
		c.JSON(http.StatusOK, gin.H{
			"source_id": id,
			"run_id":    runID,
			"status":    "already_running",
		})
		return
	}

	slog.Info("Manual crawl triggered", "source", id, "run_id", runID)
	c.JSON(http.StatusAccepted, gin.H{
		"source_id": id,
		"run_id":    runID,
		"status":    "started",
	})
}

func (h *Handler) DisableSource(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Disable(id); err != nil {
		h.schedulerError(c, id, err)
		return
	}
	h.respondStatus(c, id)
}

func (h *Handler) EnableSource(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Enable(id); err != nil {
		h.schedulerError(c, id, err)
		return
	}
	h.respondStatus(c, id)
}

func (h *Handler) ConfigErrors(c *gin.Context) {
	loadErrors := h.registry.Errors()

	views := make([]loadErrorView, 0, len(loadErrors))
	for _, e := range loadErrors {
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		views = append(views, loadErrorView{
			File:     e.File,
			Index:    e.Index,
			SourceID: e.SourceID,
			Error:    msg,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"errors": views,
		"total":  len(views),
	})
}

func (h *Handler) respondStatus(c *gin.Context, id string) {
	status, err := h.scheduler.Status(id)
	if err != nil {
		h.schedulerError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) schedulerError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, source.ErrSourceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
	case errors.Is(err, tasks.ErrSourceDisabled), errors.Is(err, tasks.ErrSourceBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, tasks.ErrSchedulerStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error("Scheduler error", "source", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) sourceView(d *source.Descriptor, itemCount int) sourceView {
	view := sourceView{Descriptor: d, ItemCount: itemCount}
	if status, err := h.scheduler.Status(d.ID); err == nil {
		view.Status = status
	}
	return view
}

// parseItemFilter reads source (repeatable or comma separated, group names
// allowed), from, to, offset, limit and missing_title.
func (h *Handler) parseItemFilter(c *gin.Context, defaultLimit int) (database.ItemFilter, error) {
	filter := database.ItemFilter{
		UndatedFirst: h.undatedFirst,
		Limit:        defaultLimit,
	}

	var names []string
	for _, value := range c.QueryArray("source") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	if len(names) > 0 {
		filter.SourceIDs = h.registry.Expand(names)
	}

	var err error
	if filter.From, err = parseBound(c.Query("from"), false); err != nil {
		return filter, fmt.Errorf("invalid from: %w", err)
	}
	if filter.To, err = parseBound(c.Query("to"), true); err != nil {
		return filter, fmt.Errorf("invalid to: %w", err)
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return filter, errors.New("from is after to")
	}

	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, fmt.Errorf("invalid offset %q", raw)
		}
		filter.Offset = offset
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = min(limit, maxPageLimit)
	}

	if raw := c.Query("missing_title"); raw != "" {
		missing, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid missing_title %q", raw)
		}
		filter.MissingTitle = missing
	}

	return filter, nil
}

// parseBound accepts RFC3339 or a local YYYY-MM-DD date. A date-only upper
// bound covers the whole day.
func parseBound(raw string, upper bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, time.Local)
	if err != nil {
		return nil, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", raw)
	}
	if upper {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}
