package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noticecomb/notice-comb/app/crawl"
)

const feedKeyPrefix = "notice-comb:feed:"

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)

	return client, nil
}

// FeedCache keeps rendered RSS views per source until the source stores new
// items or the TTL passes.
type FeedCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

type feedEntry struct {
	Content  string `json:"content"`
	CachedAt int64  `json:"cached_at"`
}

func NewFeedCache(client *redis.Client, ttl time.Duration) *FeedCache {
	return &FeedCache{client: client, ttl: ttl, now: time.Now}
}

func (c *FeedCache) key(sourceID string) string {
	return feedKeyPrefix + sourceID
}

// Get returns the cached view of sourceID; ok is false on a miss.
func (c *FeedCache) Get(ctx context.Context, sourceID string) (string, bool, error) {
	data, err := c.client.Get(ctx, c.key(sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get feed %s: %w", sourceID, err)
	}

	var entry feedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.client.Del(ctx, c.key(sourceID))
		return "", false, nil
	}

	return entry.Content, true, nil
}

func (c *FeedCache) Set(ctx context.Context, sourceID, content string) error {
	data, err := json.Marshal(feedEntry{Content: content, CachedAt: c.now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal feed %s: %w", sourceID, err)
	}
	if err := c.client.Set(ctx, c.key(sourceID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set feed %s: %w", sourceID, err)
	}
	return nil
}

func (c *FeedCache) Invalidate(ctx context.Context, sourceID string) error {
	if err := c.client.Del(ctx, c.key(sourceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete feed %s: %w", sourceID, err)
	}
	return nil
}

// ObserveRun drops the cached view of a source that stored new items.
func (c *FeedCache) ObserveRun(ctx context.Context, summary crawl.RunSummary) {
	if summary.ItemsNew == 0 {
		return
	}
	if err := c.Invalidate(ctx, summary.SourceID); err != nil {
		slog.Warn("Failed to invalidate cached feed", "source", summary.SourceID, "error", err)
	}
}

// Health reports connectivity and the number of cached views.
func (c *FeedCache) Health(ctx context.Context) map[string]any {
	health := map[string]any{"connected": false}
	if err := c.client.Ping(ctx).Err(); err != nil {
		health["error"] = err.Error()
		return health
	}
	health["connected"] = true

	var cached int
	iter := c.client.Scan(ctx, 0, feedKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		cached++
	}
	if err := iter.Err(); err == nil {
		health["cached_feeds"] = cached
	}
	return health
}
