package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/config"
	"github.com/tidecrawl/tidecrawl/internal/core"
	ledgermem "github.com/tidecrawl/tidecrawl/internal/ledger/memory"
)

type stubWaker struct {
	mu    sync.Mutex
	wakes int
}

func (w *stubWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes++
}

func (w *stubWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wakes
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testConfig() config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestServer(t *testing.T) (*Server, *ledgermem.Ledger, *stubWaker) {
	t.Helper()
	clk := fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := ledgermem.New(clk)
	waker := &stubWaker{}
	s := NewServer(ledger, waker, &seqIDGen{}, clk, testConfig(), zap.NewNop())
	return s, ledger, waker
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitCrawl(t *testing.T) {
	s, ledger, waker := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/crawl", map[string]any{
		"url": "https://example.com/page",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["request_id"]
	require.NotEmpty(t, id)

	stored, err := ledger.GetCrawl(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, stored.Status)
	assert.Equal(t, "https://example.com/page", stored.URL)
	assert.Equal(t, "example.com", stored.Domain)
	assert.Equal(t, 3, stored.MaxAttempts)
	assert.Equal(t, 1, waker.count())
}

func TestSubmitCrawlBatch(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/crawl", map[string]any{
		"urls": []string{"https://example.com/a", "https://example.com/b"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		RequestIDs []string `json:"request_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.RequestIDs, 2)
}

func TestSubmitCrawlValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"empty body", map[string]any{}},
		{"invalid url", map[string]any{"url": "not a url"}},
		{"relative url", map[string]any{"url": "/path/only"}},
		{"bad max attempts", map[string]any{"url": "https://example.com", "max_attempts": 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/crawl", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitSitemap(t *testing.T) {
	s, ledger, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/sitemap", map[string]any{
		"url": "https://example.com/sitemap.xml",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	stored, err := ledger.GetSitemap(context.Background(), resp["request_id"])
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, stored.Status)
}

func TestSubmitSearchLimits(t *testing.T) {
	s, ledger, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/search", map[string]any{
		"query": "coffee",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	stored, err := ledger.GetSearch(context.Background(), resp["request_id"])
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Limit, "default result limit")

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/search", map[string]any{
		"query":        "coffee",
		"result_limit": 50,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/search", map[string]any{
		"result_limit": 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "query is required")
}

func TestGetRequestByKind(t *testing.T) {
	s, ledger, _ := newTestServer(t)
	now := time.Now()
	require.NoError(t, ledger.CreateCrawl(context.Background(), core.CrawlRequest{
		ID: "c1", URL: "https://example.com", NormalizedURL: "https://example.com",
		Domain: "example.com", Status: core.StatusQueued, CreatedAt: now,
	}))
	require.NoError(t, ledger.CreateSearch(context.Background(), core.SearchRequest{
		ID: "q1", Query: "terms", Limit: 5, Status: core.StatusCompleted, CreatedAt: now,
		Results: []core.SearchHit{{ContentHash: "h", URL: "https://example.com", Score: 1}},
	}))

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/requests/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var crawl map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &crawl))
	assert.Equal(t, "crawl", crawl["kind"])
	assert.Equal(t, "queued", crawl["status"])

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/requests/q1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var search map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &search))
	assert.Equal(t, "search", search["kind"])
	assert.NotEmpty(t, search["results"])

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRequest(t *testing.T) {
	s, ledger, _ := newTestServer(t)
	require.NoError(t, ledger.CreateCrawl(context.Background(), core.CrawlRequest{
		ID: "c1", URL: "https://example.com", NormalizedURL: "https://example.com",
		Domain: "example.com", Status: core.StatusQueued, CreatedAt: time.Now(),
	}))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/requests/c1/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	stored, err := ledger.GetCrawl(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, stored.Status)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/requests/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doJSON(t, s.Handler(), http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := doJSON(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	clk := fixedClock{t: time.Now()}
	s := NewServer(ledgermem.New(clk), &stubWaker{}, &seqIDGen{}, clk, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
