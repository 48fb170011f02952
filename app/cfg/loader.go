package cfg

import (
	"cmp"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage and sources
	SourcesDir string `long:"sources-dir" env:"SOURCES_DIR" default:"./config/sources" description:"Directory containing source descriptor files"`
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./data/crawler.db" description:"SQLite database file"`

	// HTTP API
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://notices.example.com)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Crawling
	CrawlInterval     Seconds `long:"crawl-interval" env:"CRAWL_INTERVAL" default:"1h" description:"Default interval between runs of a source (seconds or duration)"`
	RequestTimeout    Seconds `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"30s" description:"Timeout of a single HTTP request"`
	MaxRetries        int     `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Retries of a transient fetch failure before the run aborts"`
	RetryBaseDelay    Seconds `long:"retry-base-delay" env:"RETRY_BASE_DELAY" default:"1s" description:"Delay before the first retry; doubled on each further retry"`
	RetryMaxDelay     Seconds `long:"retry-max-delay" env:"RETRY_MAX_DELAY" default:"30s" description:"Upper bound of the retry delay"`
	MaxConcurrentRuns int     `long:"max-concurrent-runs" env:"MAX_CONCURRENT_RUNS" default:"4" description:"Maximum number of sources crawled at the same time"`
	AutoCrawl         Toggle  `long:"auto-crawl" env:"AUTO_CRAWL_ENABLED" default:"true" description:"Run sources on their schedule (manual triggers work either way)"`
	UndatedFirst      Toggle  `long:"undated-first" env:"UNDATED_FIRST" default:"false" description:"Sort items without a publication date before dated ones"`
	Once              Toggle  `long:"once" env:"ONCE" default:"false" description:"Crawl every enabled source once and exit"`

	// Rendering
	RenderTimeout  Seconds `long:"render-timeout" env:"RENDER_TIMEOUT" default:"60s" description:"Timeout of a headless browser render"`
	ChromeHeadless Toggle  `long:"chrome-headless" env:"CHROME_HEADLESS" default:"true" description:"Run Chrome without a window"`
	RenderSessions int     `long:"render-sessions" env:"RENDER_SESSIONS" default:"2" description:"Concurrent headless browser sessions"`

	// Providers and coordination
	WeChatSessionFile string  `long:"wechat-session-file" env:"WECHAT_SESSION_FILE" default:"./cfg/session.json" description:"WeChat public platform session file"`
	RedisAddr         string  `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for cross-process run locks (optional)"`
	RedisPassword     string  `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	RunLockTTL        Seconds `long:"run-lock-ttl" env:"RUN_LOCK_TTL" default:"10m" description:"Expiry of a cross-process run lock"`
	FeedCacheTTL      Seconds `long:"feed-cache-ttl" env:"FEED_CACHE_TTL" default:"5m" description:"Lifetime of cached RSS views in Redis (0 disables)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Mozilla/5.0 (compatible; NoticeComb/1.0)" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for naive dates and timestamps (e.g., UTC, Asia/Shanghai)"`
	Debug     Toggle `long:"debug" env:"DEBUG" default:"false" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		SourcesDir:        raw.SourcesDir,
		DBPath:            raw.DBPath,
		Port:              raw.Port,
		BaseUrl:           raw.BaseUrl,
		APIAccessKey:      raw.APIAccessKey,
		CrawlInterval:     raw.CrawlInterval.Duration(),
		RequestTimeout:    raw.RequestTimeout.Duration(),
		MaxRetries:        raw.MaxRetries,
		RetryBaseDelay:    raw.RetryBaseDelay.Duration(),
		RetryMaxDelay:     raw.RetryMaxDelay.Duration(),
		MaxConcurrentRuns: raw.MaxConcurrentRuns,
		AutoCrawl:         bool(raw.AutoCrawl),
		UndatedFirst:      bool(raw.UndatedFirst),
		Once:              bool(raw.Once),
		RenderTimeout:     raw.RenderTimeout.Duration(),
		ChromeHeadless:    bool(raw.ChromeHeadless),
		RenderSessions:    raw.RenderSessions,
		WeChatSessionFile: raw.WeChatSessionFile,
		RedisAddr:         raw.RedisAddr,
		RedisPassword:     raw.RedisPassword,
		RunLockTTL:        raw.RunLockTTL.Duration(),
		FeedCacheTTL:      raw.FeedCacheTTL.Duration(),
		UserAgent:         raw.UserAgent,
		Timezone:          raw.Timezone,
		Debug:             bool(raw.Debug),
		Version:           GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func validate(cfg *Cfg) error {
	if cfg.CrawlInterval <= 0 {
		return fmt.Errorf("crawl interval must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if cfg.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max concurrent runs must be at least 1")
	}
	if cfg.RetryMaxDelay > 0 && cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		return fmt.Errorf("retry base delay %s exceeds max delay %s", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	return nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
