package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer loads a page in a browser and returns the final document.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

type RenderRequest struct {
	URL          string
	WaitSelector string
	UserAgent    string
}

type RenderOptions struct {
	Timeout            time.Duration
	Headless           bool
	ConcurrentSessions int
	CaptureDelay       time.Duration
	MaxBodyBytes       int
}

// ChromedpRenderer drives headless Chrome, one allocator per render.
type ChromedpRenderer struct {
	opts      RenderOptions
	semaphore chan struct{}
}

var _ Renderer = (*ChromedpRenderer)(nil)

func NewChromedpRenderer(opts RenderOptions) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	if opts.CaptureDelay <= 0 {
		opts.CaptureDelay = 1500 * time.Millisecond
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &ChromedpRenderer{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
	}
}

func (r *ChromedpRenderer) Render(parentCtx context.Context, req RenderRequest) (string, error) {
	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parentCtx.Done():
		return "", parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", r.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(req.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	actions := []chromedp.Action{chromedp.Navigate(req.URL)}
	if sel := strings.TrimSpace(req.WaitSelector); sel != "" {
		actions = append(actions,
			chromedp.WaitReady(sel, chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond),
		)
	} else {
		actions = append(actions, chromedp.Sleep(r.opts.CaptureDelay))
	}

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	start := time.Now()
	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}

	if len(html) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}

	slog.Debug("Page rendered", "url", req.URL, "latency", time.Since(start), "bytes", len(html))
	return html, nil
}
