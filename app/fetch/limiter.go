package fetch

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noticecomb/notice-comb/app/source"
)

// OriginLimiter enforces a descriptor's page delay and rate limit per
// (source, host). Runs of different sources never wait on each other.
type OriginLimiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
}

func NewOriginLimiter() *OriginLimiter {
	return &OriginLimiter{
		last:     make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the next request to target is allowed or ctx ends.
func (l *OriginLimiter) Wait(ctx context.Context, d *source.Descriptor, target string) error {
	if l == nil {
		return nil
	}
	delay := d.PageDelay.Duration
	rateEnabled := d.RateLimit.Requests > 0 && d.RateLimit.Window.Duration > 0
	if delay <= 0 && !rateEnabled {
		return nil
	}

	key := d.ID + "|" + hostOf(target)

	var sleep time.Duration
	var limiter *rate.Limiter
	now := time.Now()

	l.mu.Lock()
	if delay > 0 {
		if last, ok := l.last[key]; ok {
			if rest := last.Add(delay).Sub(now); rest > 0 {
				sleep = rest
			}
		}
	}
	if rateEnabled {
		limiter = l.ensureLimiterLocked(key, d.RateLimit)
	}
	l.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.last[key] = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *OriginLimiter) ensureLimiterLocked(key string, cfg source.RateLimit) *rate.Limiter {
	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}
	interval := cfg.Window.Duration / time.Duration(cfg.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), cfg.Requests)
	l.limiters[key] = limiter
	return limiter
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
