package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html/charset"

	"github.com/noticecomb/notice-comb/app/source"
)

const defaultMaxBodyBytes = 5 * 1024 * 1024

var errBodyTooLarge = errors.New("response body too large")

type Format string

const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
	FormatFeed Format = "feed"
)

// Page is one fetched listing page, API response or provider batch.
type Page struct {
	URL         string
	FinalURL    string
	Cursor      int
	Body        []byte
	ContentType string
	StatusCode  int
	Format      Format
	HasMore     bool
	Rendered    bool
	FetchedAt   time.Time
}

// Fetcher retrieves pages for a descriptor. It never inspects item content.
type Fetcher interface {
	Fetch(ctx context.Context, d *source.Descriptor, cursor int) (*Page, error)
	FetchDetail(ctx context.Context, d *source.Descriptor, target string) (*Page, error)
}

type Options struct {
	UserAgent      string
	Timeout        time.Duration
	MaxBodyBytes   int64
	Renderer       Renderer
	RenderTimeout  time.Duration
	WeChatSession  *WeChatSession
	WeChatEndpoint string
	Client         *http.Client
	Now            func() time.Time
}

// HTTPFetcher dispatches on descriptor kind: api requests, html documents
// (plain or rendered) and provider feeds.
type HTTPFetcher struct {
	client         *http.Client
	userAgent      string
	timeout        time.Duration
	maxBodyBytes   int64
	renderer       Renderer
	renderTimeout  time.Duration
	session        *WeChatSession
	wechatEndpoint string
	now            func() time.Time
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 60 * time.Second
	}
	if opts.WeChatEndpoint == "" {
		opts.WeChatEndpoint = DefaultWeChatEndpoint
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}

	return &HTTPFetcher{
		client:         client,
		userAgent:      opts.UserAgent,
		timeout:        opts.Timeout,
		maxBodyBytes:   opts.MaxBodyBytes,
		renderer:       opts.Renderer,
		renderTimeout:  opts.RenderTimeout,
		session:        opts.WeChatSession,
		wechatEndpoint: opts.WeChatEndpoint,
		now:            opts.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, d *source.Descriptor, cursor int) (*Page, error) {
	var page *Page
	var err error

	switch d.Kind {
	case source.KindAPI:
		page, err = f.fetchAPI(ctx, d, cursor)
	case source.KindHTML:
		page, err = f.fetchHTML(ctx, d, cursor)
	case source.KindFeed:
		page, err = f.fetchFeed(ctx, d)
	default:
		return nil, permanent(d.ID, fmt.Errorf("unsupported kind %q", d.Kind))
	}
	if err != nil {
		return nil, err
	}

	page.Cursor = cursor
	index := cursor - d.FirstCursor() + 1
	page.HasMore = d.Kind != source.KindFeed && d.PaginationMode != source.PaginationNone && index < d.MaxPages
	return page, nil
}

func (f *HTTPFetcher) FetchDetail(ctx context.Context, d *source.Descriptor, target string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, permanent(target, fmt.Errorf("failed to create request: %w", err))
	}
	return f.do(ctx, d, req, FormatHTML)
}

func (f *HTTPFetcher) fetchAPI(ctx context.Context, d *source.Descriptor, cursor int) (*Page, error) {
	req, err := newAPIRequest(ctx, d, cursor)
	if err != nil {
		return nil, permanent(d.APIEndpoint, err)
	}

	page, err := f.do(ctx, d, req, FormatJSON)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(page.Body) {
		return nil, transient(page.URL, errors.New("response body is not valid JSON"))
	}
	return page, nil
}

func (f *HTTPFetcher) fetchHTML(ctx context.Context, d *source.Descriptor, cursor int) (*Page, error) {
	target, err := PageURL(d, cursor)
	if err != nil {
		return nil, permanent(d.EntryURL, err)
	}

	if d.Render.Enabled {
		return f.render(ctx, d, target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, permanent(target, fmt.Errorf("failed to create request: %w", err))
	}
	return f.do(ctx, d, req, FormatHTML)
}

func (f *HTTPFetcher) render(ctx context.Context, d *source.Descriptor, target string) (*Page, error) {
	if f.renderer == nil {
		return nil, permanent(target, errors.New("source requires rendering but no renderer is configured"))
	}

	timeout := f.renderTimeout
	if d.Render.Timeout.Duration > 0 {
		timeout = d.Render.Timeout.Duration
	}
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	html, err := f.renderer.Render(renderCtx, RenderRequest{
		URL:          target,
		WaitSelector: d.Render.WaitSelector,
		UserAgent:    f.headerValue(d, "User-Agent"),
	})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, permanent(target, fmt.Errorf("browser not available: %w", err))
		}
		return nil, transient(target, fmt.Errorf("render failed: %w", err))
	}

	return &Page{
		URL:         target,
		FinalURL:    target,
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  http.StatusOK,
		Format:      FormatHTML,
		Rendered:    true,
		FetchedAt:   f.now(),
	}, nil
}

func (f *HTTPFetcher) fetchFeed(ctx context.Context, d *source.Descriptor) (*Page, error) {
	switch d.Provider {
	case source.ProviderWeChat:
		if !f.session.Valid(f.now()) {
			return nil, permanent(f.wechatEndpoint, ErrNoSession)
		}
		req, err := newWeChatRequest(ctx, f.wechatEndpoint, d, f.session)
		if err != nil {
			return nil, permanent(f.wechatEndpoint, err)
		}
		page, err := f.do(ctx, d, req, FormatJSON)
		if err != nil {
			return nil, err
		}
		if err := checkWeChatResponse(page.URL, page.Body); err != nil {
			return nil, err
		}
		return page, nil
	case source.ProviderRSS:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.EntryURL, nil)
		if err != nil {
			return nil, permanent(d.EntryURL, fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
		return f.do(ctx, d, req, FormatFeed)
	default:
		return nil, permanent(d.ID, fmt.Errorf("unsupported provider %q", d.Provider))
	}
}

func (f *HTTPFetcher) headerValue(d *source.Descriptor, key string) string {
	for k, v := range d.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	if strings.EqualFold(key, "User-Agent") {
		return f.userAgent
	}
	return ""
}

func (f *HTTPFetcher) do(ctx context.Context, d *source.Descriptor, req *http.Request, format Format) (*Page, error) {
	target := req.URL.String()

	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req = req.WithContext(timeoutCtx)

	if req.Header.Get("User-Agent") == "" && f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransport(target, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(target, resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := f.readBody(resp)
	if errors.Is(err, errBodyTooLarge) {
		return nil, permanent(target, err)
	}
	if err != nil {
		return nil, transient(target, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if format != FormatFeed {
		body = decodeCharset(body, contentType)
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Page{
		URL:         target,
		FinalURL:    finalURL,
		Body:        body,
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
		Format:      format,
		FetchedAt:   f.now(),
	}, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, f.maxBodyBytes)
	}
	return body, nil
}

// decodeCharset converts GBK/GB2312 and other legacy encodings to UTF-8,
// using the Content-Type header and <meta> sniffing. Bodies that are already
// valid UTF-8 are only transcoded when the header names another charset.
func decodeCharset(body []byte, contentType string) []byte {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if enc == nil || name == "utf-8" {
		return body
	}
	if !certain && utf8.Valid(body) {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}
