package cfg

import (
	"time"
)

type Cfg struct {
	// Storage and sources
	SourcesDir string
	DBPath     string

	// HTTP API
	Port         string
	BaseUrl      string
	APIAccessKey string

	// Crawling
	CrawlInterval     time.Duration
	RequestTimeout    time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	MaxConcurrentRuns int
	AutoCrawl         bool
	UndatedFirst      bool
	Once              bool

	// Rendering
	RenderTimeout  time.Duration
	ChromeHeadless bool
	RenderSessions int

	// Providers and coordination
	WeChatSessionFile string
	RedisAddr         string
	RedisPassword     string
	RunLockTTL        time.Duration
	FeedCacheTTL      time.Duration

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
