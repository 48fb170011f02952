package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVersion(t *testing.T) {
	// Test default version
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, "./config/sources", cfg.SourcesDir)
	assert.Equal(t, "./data/crawler.db", cfg.DBPath)
	assert.Equal(t, time.Hour, cfg.CrawlInterval)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
	assert.True(t, cfg.AutoCrawl)
	assert.True(t, cfg.ChromeHeadless)
	assert.False(t, cfg.Once)
	assert.False(t, cfg.Debug)
	assert.Equal(t, 10*time.Minute, cfg.RunLockTTL)
	assert.Equal(t, 5*time.Minute, cfg.FeedCacheTTL)
	assert.Same(t, cfg, Get())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CRAWL_INTERVAL", "3600")
	t.Setenv("REQUEST_TIMEOUT", "1.5")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("AUTO_CRAWL_ENABLED", "off")
	t.Setenv("DEBUG", "yes")
	t.Setenv("MAX_CONCURRENT_RUNS", "8")
	t.Setenv("API_ACCESS_KEY", "secret")

	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.CrawlInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.False(t, cfg.AutoCrawl)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 8, cfg.MaxConcurrentRuns)
	assert.Equal(t, "secret", cfg.APIAccessKey)
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")

	cfg, err := load([]string{"--port", "7000", "--crawl-interval", "15m", "--once", "1"})
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.CrawlInterval)
	assert.True(t, cfg.Once)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"CRAWL_INTERVAL":      "soon",
		"AUTO_CRAWL_ENABLED":  "maybe",
		"MAX_CONCURRENT_RUNS": "0",
		"RETRY_BASE_DELAY":    "1m",
	}
	for env, value := range tests {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, value)
			_, err := load(nil)
			assert.Error(t, err)
		})
	}
}

func TestSecondsAndToggle(t *testing.T) {
	var s Seconds
	require.NoError(t, s.UnmarshalFlag("90"))
	assert.Equal(t, 90*time.Second, s.Duration())
	require.NoError(t, s.UnmarshalFlag("2h"))
	assert.Equal(t, 2*time.Hour, s.Duration())
	assert.Error(t, s.UnmarshalFlag("-5"))

	var b Toggle
	for _, v := range []string{"1", "true", "YES", "on"} {
		require.NoError(t, b.UnmarshalFlag(v))
		assert.True(t, bool(b), v)
	}
	for _, v := range []string{"0", "false", "no", "Off"} {
		require.NoError(t, b.UnmarshalFlag(v))
		assert.False(t, bool(b), v)
	}
}
