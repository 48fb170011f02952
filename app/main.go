package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"

	"github.com/noticecomb/notice-comb/app/api"
	"github.com/noticecomb/notice-comb/app/cache"
	"github.com/noticecomb/notice-comb/app/cfg"
	"github.com/noticecomb/notice-comb/app/crawl"
	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/extract"
	"github.com/noticecomb/notice-comb/app/fetch"
	"github.com/noticecomb/notice-comb/app/metrics"
	"github.com/noticecomb/notice-comb/app/source"
	"github.com/noticecomb/notice-comb/app/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	setupLogger(appCfg.Debug)

	slog.Info("Notice Comb starting", "version", appCfg.Version, "sources_dir", appCfg.SourcesDir, "db_path", appCfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appCfg); err != nil {
		slog.Error("Notice Comb stopped with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run(ctx context.Context, appCfg *cfg.Cfg) error {
	registry, err := source.Load(appCfg.SourcesDir)
	if err != nil {
		return fmt.Errorf("failed to load sources: %w", err)
	}
	slog.Info("Sources loaded", "count", registry.Count(), "errors", len(registry.Errors()))
	descriptors := registry.List()

	db, err := database.Open(appCfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database migrations applied", "version", version, "dirty", dirty)

	itemRepo := database.NewItemRepository(db)
	sourceRepo := database.NewSourceRepository(db)

	syncTask := tasks.NewSyncSourcesTask(descriptors, sourceRepo)
	if err := syncTask.Execute(ctx); err != nil {
		return fmt.Errorf("failed to sync sources: %w", err)
	}

	session, err := fetch.LoadWeChatSession(appCfg.WeChatSessionFile)
	if err != nil {
		slog.Warn("Failed to load WeChat session", "file", appCfg.WeChatSessionFile, "error", err)
	}
	warnMissingSession(descriptors, session)

	fetcher := fetch.NewHTTPFetcher(fetch.Options{
		UserAgent:     appCfg.UserAgent,
		Timeout:       appCfg.RequestTimeout,
		RenderTimeout: appCfg.RenderTimeout,
		WeChatSession: session,
		Renderer: fetch.NewChromedpRenderer(fetch.RenderOptions{
			Timeout:            appCfg.RenderTimeout,
			Headless:           appCfg.ChromeHeadless,
			ConcurrentSessions: appCfg.RenderSessions,
		}),
	})

	runner := crawl.NewRunner(fetcher, extract.New(), itemRepo, crawl.Options{
		Retry: crawl.RetryPolicy{
			MaxRetries: appCfg.MaxRetries,
			BaseDelay:  appCfg.RetryBaseDelay,
			MaxDelay:   appCfg.RetryMaxDelay,
		},
		Limiter: fetch.NewOriginLimiter(),
	})

	collector := metrics.New()
	observers := []tasks.RunObserver{tasks.NewRunRecorder(sourceRepo), collector}

	var runLock tasks.RunLock
	var feedCache api.FeedCache
	if appCfg.RedisAddr != "" {
		client, err := cache.NewClient(ctx, appCfg.RedisAddr, appCfg.RedisPassword)
		if err != nil {
			return err
		}
		defer client.Close()

		runLock = tasks.NewRedisRunLock(client, appCfg.RunLockTTL)
		if fc := newFeedCache(client, appCfg.FeedCacheTTL); fc != nil {
			feedCache = fc
			observers = append(observers, fc)
		}
	}

	scheduler := tasks.NewScheduler(descriptors, runner, tasks.Options{
		Interval:          appCfg.CrawlInterval,
		MaxConcurrentRuns: appCfg.MaxConcurrentRuns,
		AutoCrawl:         appCfg.AutoCrawl && !appCfg.Once,
		Lock:              runLock,
		Observers:         observers,
	})
	collector.TrackActiveRuns(scheduler.Active)

	if appCfg.Once {
		return runOnce(ctx, scheduler)
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()

	handler := api.NewHandler(registry, itemRepo, sourceRepo, scheduler, api.Options{
		BaseURL:      baseURL(appCfg),
		Version:      appCfg.Version,
		UndatedFirst: appCfg.UndatedFirst,
		Metrics:      collector.Handler(),
		FeedCache:    feedCache,
	})

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", appCfg.Port, "auto_crawl", appCfg.AutoCrawl, "max_concurrent_runs", appCfg.MaxConcurrentRuns)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	scheduler.Stop()
	slog.Info("Notice Comb stopped")
	return nil
}

func runOnce(ctx context.Context, scheduler *tasks.Scheduler) error {
	slog.Info("Running every enabled source once")

	scheduler.Start(ctx)
	summaries := scheduler.RunAll(ctx)
	scheduler.Stop()

	failed := 0
	for _, summary := range summaries {
		if !summary.OK() {
			failed++
		}
		slog.Info("Run summary",
			"source", summary.SourceID,
			"run_id", summary.RunID,
			"pages", summary.PagesFetched,
			"seen", summary.ItemsSeen,
			"new", summary.ItemsNew,
			"stop_reason", summary.StopReason,
			"error", summary.ErrorMessage)
	}

	slog.Info("All runs finished", "runs", len(summaries), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(summaries))
	}
	return nil
}

func newFeedCache(client *redis.Client, ttl time.Duration) *cache.FeedCache {
	if ttl <= 0 {
		return nil
	}
	return cache.NewFeedCache(client, ttl)
}

func warnMissingSession(descriptors []*source.Descriptor, session *fetch.WeChatSession) {
	if session.Valid(time.Now()) {
		return
	}
	var ids []string
	for _, d := range descriptors {
		if d.Kind == source.KindFeed && d.Provider == source.ProviderWeChat && d.IsEnabled() {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) > 0 {
		slog.Warn("No valid WeChat session, feed sources will fail", "sources", ids)
	}
}

func baseURL(appCfg *cfg.Cfg) string {
	if appCfg.BaseUrl != "" {
		return appCfg.BaseUrl
	}
	return "http://localhost:" + appCfg.Port
}
