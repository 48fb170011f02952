package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/source"
	"github.com/noticecomb/notice-comb/app/tasks"
)

type fakeScheduler struct {
	statuses map[string]tasks.SourceStatus
	runID    string
	started  bool
	err      error
}

func newFakeScheduler(ids ...string) *fakeScheduler {
	s := &fakeScheduler{statuses: make(map[string]tasks.SourceStatus), runID: "run-1", started: true}
	for _, id := range ids {
		s.statuses[id] = tasks.SourceStatus{SourceID: id, State: tasks.StateIdle}
	}
	return s
}

func (s *fakeScheduler) Start(context.Context) {}
func (s *fakeScheduler) Stop()                 {}

func (s *fakeScheduler) Trigger(id string) (string, bool, error) {
	if _, ok := s.statuses[id]; !ok {
		return "", false, source.ErrSourceNotFound
	}
	if s.err != nil {
		return "", false, s.err
	}
	return s.runID, s.started, nil
}

func (s *fakeScheduler) Enable(id string) error {
	return s.setState(id, tasks.StateIdle)
}

func (s *fakeScheduler) Disable(id string) error {
	if s.err != nil {
		return s.err
	}
	return s.setState(id, tasks.StateDisabled)
}

func (s *fakeScheduler) setState(id string, state tasks.State) error {
	status, ok := s.statuses[id]
	if !ok {
		return source.ErrSourceNotFound
	}
	status.State = state
	s.statuses[id] = status
	return nil
}

func (s *fakeScheduler) Status(id string) (tasks.SourceStatus, error) {
	status, ok := s.statuses[id]
	if !ok {
		return tasks.SourceStatus{}, source.ErrSourceNotFound
	}
	return status, nil
}

func (s *fakeScheduler) Statuses() []tasks.SourceStatus {
	list := make([]tasks.SourceStatus, 0, len(s.statuses))
	for _, status := range s.statuses {
		list = append(list, status)
	}
	return list
}

func htmlSource(id, group string) *source.Descriptor {
	return &source.Descriptor{
		ID:       id,
		Name:     "Source " + id,
		Kind:     source.KindHTML,
		BaseURL:  "https://" + id + ".example.edu",
		EntryURL: "https://" + id + ".example.edu/list.htm",
		FieldLocators: map[string]string{
			"container": "li",
			"title":     "a",
			"url":       "a@href",
		},
		Group: group,
	}
}

type testEnv struct {
	router    *gin.Engine
	items     *database.ItemRepository
	sources   *database.SourceRepository
	scheduler *fakeScheduler
	registry  *source.Registry
}

func setupTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	registry := source.NewRegistry(
		htmlSource("jwc", "university"),
		htmlSource("yjs", "university"),
		htmlSource("news", ""),
	)
	require.Empty(t, registry.Errors())

	env := &testEnv{
		items:     database.NewItemRepository(db),
		sources:   database.NewSourceRepository(db),
		scheduler: newFakeScheduler("jwc", "yjs", "news"),
		registry:  registry,
	}

	handler := NewHandler(registry, env.items, env.sources, env.scheduler, Options{
		BaseURL: "https://comb.example.com",
		Version: "test",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("notice_comb_up 1\n"))
		}),
	})
	env.router = NewServer(handler, apiKey)
	gin.SetMode(gin.TestMode)
	return env
}

func (env *testEnv) seed(t *testing.T) {
	t.Helper()
	fetched := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	items := []database.Item{
		{SourceID: "jwc", NaturalKey: "a", Title: "Exam schedule", URL: "https://jwc.example.edu/a.htm", PublishedAt: ptrTime("2024-05-01T00:00:00Z")},
		{SourceID: "jwc", NaturalKey: "b", Title: "Course selection", URL: "https://jwc.example.edu/b.htm", PublishedAt: ptrTime("2024-05-03T00:00:00Z")},
		{SourceID: "yjs", NaturalKey: "c", Title: "", URL: "https://yjs.example.edu/c.htm", PublishedAt: ptrTime("2024-04-20T00:00:00Z")},
		{SourceID: "news", NaturalKey: "d", Title: "Campus news", URL: "https://news.example.edu/d.htm", RawExtra: map[string]any{"digest": "short"}},
	}
	for _, item := range items {
		item.FetchedAt = fetched
		_, err := env.items.PutIfAbsent(context.Background(), item)
		require.NoError(t, err)
	}
}

func ptrTime(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func (env *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeItemPage(t *testing.T, rec *httptest.ResponseRecorder) database.ItemPage {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page database.ItemPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	return page
}

func keys(page database.ItemPage) []string {
	var out []string
	for _, item := range page.Items {
		out = append(out, item.NaturalKey)
	}
	return out
}

func TestListItems(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)

	page := decodeItemPage(t, env.do("GET", "/api/items", nil))
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, defaultPageLimit, page.Limit)
	assert.Equal(t, []string{"b", "a", "c", "d"}, keys(page))

	page = decodeItemPage(t, env.do("GET", "/api/items?source=jwc", nil))
	assert.Equal(t, []string{"b", "a"}, keys(page))

	page = decodeItemPage(t, env.do("GET", "/api/items?source=university", nil))
	assert.Equal(t, []string{"b", "a", "c"}, keys(page))

	page = decodeItemPage(t, env.do("GET", "/api/items?source=yjs,news", nil))
	assert.Equal(t, []string{"c", "d"}, keys(page))

	page = decodeItemPage(t, env.do("GET", "/api/items?from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z", nil))
	assert.Equal(t, []string{"a"}, keys(page))

	page = decodeItemPage(t, env.do("GET", "/api/items?offset=1&limit=2", nil))
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, []string{"a", "c"}, keys(page))

	page = decodeItemPage(t, env.do("GET", "/api/items?missing_title=true", nil))
	assert.Equal(t, []string{"c"}, keys(page))

	page = decodeItemPage(t, env.do("GET", "/api/items?limit=10000", nil))
	assert.Equal(t, maxPageLimit, page.Limit)

	page = decodeItemPage(t, env.do("GET", "/api/items?source=unknown", nil))
	assert.Equal(t, 0, page.Total)
}

func TestListItemsRejectsBadParameters(t *testing.T) {
	env := setupTestEnv(t, "")

	for _, query := range []string{
		"from=yesterday",
		"to=2024-13-01",
		"from=2024-05-02&to=2024-05-01",
		"offset=-1",
		"limit=0",
		"limit=abc",
		"missing_title=maybe",
	} {
		rec := env.do("GET", "/api/items?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestParseBound(t *testing.T) {
	lower, err := parseBound("2024-05-01", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local), *lower)

	upper, err := parseBound("2024-05-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 23, 59, 59, 999999999, time.Local), *upper)

	exact, err := parseBound("2024-05-01T08:00:00+08:00", true)
	require.NoError(t, err)
	assert.True(t, exact.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	none, err := parseBound("", false)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestExportCSV(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)

	rec := env.do("GET", "/api/items/export?format=csv&source=jwc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

	body := bytes.TrimPrefix(rec.Body.Bytes(), []byte("\xEF\xBB\xBF"))
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeaders, rows[0])
	assert.Equal(t, "b", rows[1][1])
	assert.Equal(t, "Course selection", rows[1][2])
	assert.Equal(t, "2024-05-03T00:00:00Z", rows[1][4])
}

func TestExportXLSX(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)

	rec := env.do("GET", "/api/items/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "title", rows[0][2])
	assert.Equal(t, "Course selection", rows[1][2])
	assert.Equal(t, `{"digest":"short"}`, rows[4][6])
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	env := setupTestEnv(t, "")
	rec := env.do("GET", "/api/items/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSources(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)

	finished := time.Date(2024, 5, 10, 1, 0, 0, 0, time.UTC)
	require.NoError(t, env.sources.Upsert(context.Background(), database.Source{ID: "jwc", Name: "Source jwc", Kind: "html", Enabled: true}))
	require.NoError(t, env.sources.RecordRun(context.Background(), "jwc", finished, "jwc: fetch_permanent: HTTP 404"))

	rec := env.do("GET", "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sources []struct {
			ID        string             `json:"id"`
			Group     string             `json:"group"`
			ItemCount int                `json:"item_count"`
			LastError string             `json:"last_error"`
			Status    tasks.SourceStatus `json:"status"`
		} `json:"sources"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	assert.Equal(t, "jwc", body.Sources[0].ID)
	assert.Equal(t, "university", body.Sources[0].Group)
	assert.Equal(t, 2, body.Sources[0].ItemCount)
	assert.Equal(t, "jwc: fetch_permanent: HTTP 404", body.Sources[0].LastError)
	assert.Equal(t, tasks.StateIdle, body.Sources[0].Status.State)
}

func TestGetSource(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)

	rec := env.do("GET", "/api/sources/news", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"item_count":1`)

	rec = env.do("GET", "/api/sources/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerCrawl(t *testing.T) {
	env := setupTestEnv(t, "")

	rec := env.do("POST", "/api/sources/jwc/crawl", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	env.scheduler.started = false
	rec = env.do("POST", "/api/sources/jwc/crawl", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"already_running"`)

	rec = env.do("POST", "/api/sources/missing/crawl", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.scheduler.err = tasks.ErrSourceDisabled
	rec = env.do("POST", "/api/sources/jwc/crawl", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.scheduler.err = tasks.ErrSchedulerStopped
	rec = env.do("POST", "/api/sources/jwc/crawl", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDisableEnableSource(t *testing.T) {
	env := setupTestEnv(t, "")

	rec := env.do("POST", "/api/sources/jwc/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"disabled"`)

	rec = env.do("POST", "/api/sources/jwc/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)

	env.scheduler.err = tasks.ErrSourceBusy
	rec = env.do("POST", "/api/sources/jwc/disable", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfigErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bad := htmlSource("broken", "")
	bad.FieldLocators = map[string]string{"container": "li"}
	registry := source.NewRegistry(htmlSource("ok", ""), bad)

	handler := NewHandler(registry, nil, nil, newFakeScheduler("ok"), Options{})
	router := NewServer(handler, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/config/errors", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Errors []loadErrorView `json:"errors"`
		Total  int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "broken", body.Errors[0].SourceID)
	assert.NotEmpty(t, body.Errors[0].Error)
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestEnv(t, "secret")

	rec := env.do("GET", "/api/sources", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do("GET", "/api/sources", http.Header{"X-Api-Key": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do("GET", "/api/sources", http.Header{"X-Api-Key": {"secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/api/sources", http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)
	env.scheduler.statuses["jwc"] = tasks.SourceStatus{SourceID: "jwc", State: tasks.StateRunning, RunID: "run-9"}

	rec := env.do("GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, float64(3), health["sources"])
	assert.Equal(t, float64(1), health["running"])
	assert.Equal(t, float64(4), health["items"])

	rec = env.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notice_comb_up 1")
}

func TestGetFeedByID(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)

	rec := env.do("GET", "/feeds/jwc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "2", rec.Header().Get("X-Feed-Items"))
	assert.Contains(t, rec.Body.String(), "<title>Course selection</title>")
	assert.Contains(t, rec.Body.String(), "https://comb.example.com/feeds/jwc")

	rec = env.do("GET", "/feeds/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type memFeedCache struct {
	feeds map[string]string
}

func (m *memFeedCache) Get(_ context.Context, id string) (string, bool, error) {
	rss, ok := m.feeds[id]
	return rss, ok, nil
}

func (m *memFeedCache) Set(_ context.Context, id, content string) error {
	m.feeds[id] = content
	return nil
}

func (m *memFeedCache) Health(context.Context) map[string]any {
	return map[string]any{"connected": true, "cached_feeds": len(m.feeds)}
}

func TestGetFeedByIDUsesCache(t *testing.T) {
	env := setupTestEnv(t, "")
	env.seed(t)

	feeds := &memFeedCache{feeds: make(map[string]string)}
	handler := NewHandler(env.registry, env.items, env.sources, env.scheduler, Options{FeedCache: feeds})
	router := NewServer(handler, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/feeds/jwc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Contains(t, feeds.feeds["jwc"], "Course selection")

	feeds.feeds["jwc"] = "<rss>cached</rss>"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/feeds/jwc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "<rss>cached</rss>", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Contains(t, rec.Body.String(), `"cached_feeds":1`)
}
