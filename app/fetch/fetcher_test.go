package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/noticecomb/notice-comb/app/source"
)

func htmlSource(entry string) *source.Descriptor {
	return &source.Descriptor{
		ID:             "arch_news",
		Kind:           source.KindHTML,
		EntryURL:       entry,
		PaginationMode: source.PaginationHTML,
		MaxPages:       2,
		Pagination:     source.Pagination{PageParam: "page", PathPattern: source.DefaultPathPattern},
		FieldLocators:  map[string]string{"container": "li", "title": "a", "url": "a@href"},
	}
}

func TestPageURL(t *testing.T) {
	tests := []struct {
		name   string
		entry  string
		cursor int
		want   string
	}{
		{"first page is entry", "https://x.edu/news/list1.htm", 1, "https://x.edu/news/list1.htm"},
		{"path pattern", "https://x.edu/news/list1.htm", 3, "https://x.edu/news/list3.htm"},
		{"path pattern upper case", "https://x.edu/news/List1.HTM", 2, "https://x.edu/news/List2.HTM"},
		{"query param", "https://x.edu/news/index.htm", 2, "https://x.edu/news/index.htm?page=2"},
		{"query param kept", "https://x.edu/news?cat=5", 2, "https://x.edu/news?cat=5&page=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PageURL(htmlSource(tt.entry), tt.cursor)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAPIParams(t *testing.T) {
	d := &source.Descriptor{
		PaginationMode: source.PaginationAPI,
		Pagination:     source.Pagination{PageParam: "pageno"},
		Payload:        map[string]string{"hasPage": "true", "offset": "{page}0"},
	}
	assert.Equal(t, map[string]string{"hasPage": "true", "offset": "30", "pageno": "3"}, APIParams(d, 3))

	d.Payload["pageno"] = "{page}"
	assert.Equal(t, "4", APIParams(d, 4)["pageno"])
}

func TestFetchAPIFormBase64(t *testing.T) {
	var mu sync.Mutex
	gotForm := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		mu.Unlock()
		assert.Equal(t, "application/x-www-form-urlencoded; charset=UTF-8", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"infolist":[{"title":"a","url":"/a.htm"}]}`)
	}))
	defer srv.Close()

	d := &source.Descriptor{
		ID:             "jwc",
		Kind:           source.KindAPI,
		APIEndpoint:    srv.URL,
		PaginationMode: source.PaginationAPI,
		MaxPages:       3,
		Headers:        map[string]string{"X-Custom": "yes"},
		Payload:        map[string]string{"hasPage": "true"},
		Pagination:     source.Pagination{PageParam: "pageno"},
		Request:        source.Request{Method: "POST", Encoding: source.EncodingFormBase64},
	}

	f := NewHTTPFetcher(Options{Timeout: 5 * time.Second})
	page, err := f.Fetch(context.Background(), d, 2)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("2")), gotForm["pageno"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("true")), gotForm["hasPage"])
	mu.Unlock()
	assert.Equal(t, FormatJSON, page.Format)
	assert.True(t, page.HasMore)

	page, err = f.Fetch(context.Background(), d, 3)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
}

func TestFetchAPIInvalidJSONIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	}))
	defer srv.Close()

	d := &source.Descriptor{ID: "jwc", Kind: source.KindAPI, APIEndpoint: srv.URL, MaxPages: 1,
		Request: source.Request{Method: "GET", Encoding: source.EncodingForm}}

	_, err := NewHTTPFetcher(Options{}).Fetch(context.Background(), d, 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestFetchStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPFetcher(Options{}).Fetch(context.Background(), htmlSource(srv.URL+"/list1.htm"), 1)
			require.Error(t, err)

			var fe *Error
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.status, fe.StatusCode)
			assert.Equal(t, tt.transient, fe.Transient)
		})
	}
}

func TestFetchNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(Options{}).Fetch(context.Background(), htmlSource(target+"/list1.htm"), 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestFetchHTMLPagesAndEncodings(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(`<html><head><meta charset="gbk"></head><body><li><a href="/a.htm">通知公告</a></li></body></html>`))
	require.NoError(t, err)

	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/news/list1.htm":
			w.Header().Set("Content-Type", "text/html")
			w.Write(gbk)
		case "/news/list2.htm":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriter(w)
			fmt.Fprint(bw, "<html><body><li><a href='/b.htm'>第二页</a></li></body></html>")
			bw.Close()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := htmlSource(srv.URL + "/news/list1.htm")
	f := NewHTTPFetcher(Options{UserAgent: "test-agent"})

	first, err := f.Fetch(context.Background(), d, 1)
	require.NoError(t, err)
	assert.Contains(t, string(first.Body), "通知公告")
	assert.True(t, first.HasMore)

	second, err := f.Fetch(context.Background(), d, 2)
	require.NoError(t, err)
	assert.Contains(t, string(second.Body), "第二页")
	assert.False(t, second.HasMore)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/news/list1.htm", "/news/list2.htm"}, paths)
}

type fakeRenderer struct {
	html  string
	err   error
	calls atomic.Int32
}

func (r *fakeRenderer) Render(ctx context.Context, req RenderRequest) (string, error) {
	r.calls.Add(1)
	return r.html, r.err
}

func TestFetchRendered(t *testing.T) {
	d := htmlSource("https://spa.example.edu/news/list1.htm")
	d.Render = source.Render{Enabled: true, WaitSelector: "ul.news"}

	renderer := &fakeRenderer{html: "<html><body><ul class='news'></ul></body></html>"}
	page, err := NewHTTPFetcher(Options{Renderer: renderer}).Fetch(context.Background(), d, 1)
	require.NoError(t, err)
	assert.True(t, page.Rendered)
	assert.Equal(t, int32(1), renderer.calls.Load())

	renderer.err = context.DeadlineExceeded
	_, err = NewHTTPFetcher(Options{Renderer: renderer}).Fetch(context.Background(), d, 1)
	assert.True(t, IsTransient(err))

	_, err = NewHTTPFetcher(Options{}).Fetch(context.Background(), d, 1)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestFetchWeChat(t *testing.T) {
	var ret atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "abcd1234", q.Get("fakeid"))
		assert.Equal(t, "5", q.Get("count"))
		assert.Equal(t, "tok", q.Get("token"))
		assert.Equal(t, "list_ex", q.Get("action"))
		assert.Equal(t, "a=b; c=d", r.Header.Get("Cookie"))
		fmt.Fprintf(w, `{"base_resp":{"ret":%d,"err_msg":"x"},"app_msg_list":[]}`, ret.Load())
	}))
	defer srv.Close()

	d := &source.Descriptor{ID: "wechat_abcd1234", Kind: source.KindFeed, Provider: source.ProviderWeChat, AccountKey: "abcd1234", BatchSize: 5, MaxPages: 1}
	sess := &WeChatSession{Token: "tok", CookiesStr: "a=b; c=d"}

	f := NewHTTPFetcher(Options{WeChatSession: sess, WeChatEndpoint: srv.URL})
	page, err := f.Fetch(context.Background(), d, 1)
	require.NoError(t, err)
	assert.False(t, page.HasMore)

	ret.Store(200013)
	_, err = f.Fetch(context.Background(), d, 1)
	assert.True(t, IsTransient(err))

	ret.Store(200003)
	_, err = f.Fetch(context.Background(), d, 1)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = NewHTTPFetcher(Options{WeChatEndpoint: srv.URL}).Fetch(context.Background(), d, 1)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.False(t, IsTransient(err))
}

func TestWeChatSessionValid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	var nilSession *WeChatSession
	assert.False(t, nilSession.Valid(now))
	assert.False(t, (&WeChatSession{Token: "t"}).Valid(now))
	assert.True(t, (&WeChatSession{Token: "t", CookiesStr: "c"}).Valid(now))
	assert.False(t, (&WeChatSession{Token: "t", CookiesStr: "c", Expiry: now.Unix() - 1}).Valid(now))
}

func TestLoadWeChatSession(t *testing.T) {
	dir := t.TempDir()

	sess, err := LoadWeChatSession(dir + "/missing.json")
	require.NoError(t, err)
	assert.Nil(t, sess)

	path := dir + "/session.json"
	require.NoError(t, writeTestFile(path, `{"token":"123","cookies_str":"k=v","user_agent":"UA","expiry":0}`))
	sess, err = LoadWeChatSession(path)
	require.NoError(t, err)
	assert.Equal(t, "123", sess.Token)
	assert.Equal(t, "UA", sess.UserAgent)
}

func TestOriginLimiterPageDelay(t *testing.T) {
	d := &source.Descriptor{ID: "slow", PageDelay: source.DurationOf(80 * time.Millisecond)}
	l := NewOriginLimiter()

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), d, "https://x.edu/1"))
	require.NoError(t, l.Wait(context.Background(), d, "https://x.edu/2"))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)

	other := &source.Descriptor{ID: "fast"}
	start = time.Now()
	require.NoError(t, l.Wait(context.Background(), other, "https://x.edu/3"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestOriginLimiterCancelled(t *testing.T) {
	d := &source.Descriptor{ID: "slow", PageDelay: source.DurationOf(time.Hour)}
	l := NewOriginLimiter()
	require.NoError(t, l.Wait(context.Background(), d, "https://x.edu/1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, d, "https://x.edu/2"), context.Canceled)
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(strings.TrimSpace(content)), 0o600)
}
