package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/tidecrawl/tidecrawl/internal/blob/memory"
	coordmem "github.com/tidecrawl/tidecrawl/internal/coord/memory"
	"github.com/tidecrawl/tidecrawl/internal/core"
	"github.com/tidecrawl/tidecrawl/internal/extract"
	"github.com/tidecrawl/tidecrawl/internal/hash/sha256"
	indexmem "github.com/tidecrawl/tidecrawl/internal/index/memory"
	ledgermem "github.com/tidecrawl/tidecrawl/internal/ledger/memory"
	publishmem "github.com/tidecrawl/tidecrawl/internal/publish/memory"
	"github.com/tidecrawl/tidecrawl/internal/retry"
	"github.com/tidecrawl/tidecrawl/internal/sitemap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedFetcher serves canned responses keyed by URL; unknown URLs 404. A
// URL present in blocks causes Fetch to wait until the gate channel closes.
type scriptedFetcher struct {
	mu     sync.Mutex
	pages  map[string]core.FetchResponse
	errs   map[string]error
	blocks map[string]chan struct{}
	calls  map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		pages:  make(map[string]core.FetchResponse),
		errs:   make(map[string]error),
		blocks: make(map[string]chan struct{}),
		calls:  make(map[string]int),
	}
}

func (f *scriptedFetcher) serveHTML(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = core.FetchResponse{
		URL:         url,
		StatusCode:  200,
		ContentType: "text/html",
		Body:        []byte(body),
	}
}

func (f *scriptedFetcher) serveStatus(url string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = core.FetchResponse{URL: url, StatusCode: status, ContentType: "text/html"}
}

func (f *scriptedFetcher) serveXML(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = core.FetchResponse{
		URL:         url,
		StatusCode:  200,
		ContentType: "application/xml",
		Body:        []byte(body),
	}
}

func (f *scriptedFetcher) blockOn(url string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.blocks[url] = gate
	return gate
}

func (f *scriptedFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req core.FetchRequest) (core.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	gate := f.blocks[req.URL]
	err := f.errs[req.URL]
	resp, ok := f.pages[req.URL]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.FetchResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return core.FetchResponse{}, err
	}
	if !ok {
		return core.FetchResponse{URL: req.URL, StatusCode: 404, ContentType: "text/html"}, nil
	}
	return resp, nil
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

type harness struct {
	ledger    *ledgermem.Ledger
	coord     *coordmem.Coord
	blobs     *blobmem.Store
	index     *indexmem.Index
	publisher *publishmem.Publisher
	fetcher   *scriptedFetcher
	clock     *fakeClock
	sched     *Scheduler
	idGen     *seqIDGen
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := newFakeClock()
	ledger := ledgermem.New(clk)
	coord := coordmem.New(coordmem.Config{DomainRPS: 1000, DomainBurst: 1000}, clk)
	blobs := blobmem.New()
	index := indexmem.New()
	publisher := publishmem.New()
	fetcher := newScriptedFetcher()
	idGen := &seqIDGen{}
	logger := zap.NewNop()

	walker := sitemap.New(ledger, fetcher, idGen, clk, sitemap.Config{
		MaxChildren:     100,
		MaxDepth:        3,
		ChildMaxAttempt: 3,
	}, logger)

	executor := NewExecutor(ExecutorDeps{
		Ledger:       ledger,
		Coord:        coord,
		Fetcher:      fetcher,
		Blobs:        blobs,
		Registry:     extract.Default(),
		Index:        index,
		Walker:       walker,
		Publisher:    publisher,
		Retry:        retry.New(time.Second, time.Minute),
		Hasher:       sha256.New(),
		Clock:        clk,
		Logger:       logger,
		FetchTimeout: 5 * time.Second,
		LockTTL:      time.Minute,
		LockRenew:    0, // renewal loop disabled in tests
	})

	sched := New(ledger, coord, executor, clk, Config{
		Concurrency:   4,
		PriorityTiers: 3,
		BatchSize:     16,
		PollInterval:  10 * time.Millisecond,
		StaleRunning:  5 * time.Minute,
		LockTTL:       time.Minute,
	}, logger)

	return &harness{
		ledger:    ledger,
		coord:     coord,
		blobs:     blobs,
		index:     index,
		publisher: publisher,
		fetcher:   fetcher,
		clock:     clk,
		sched:     sched,
		idGen:     idGen,
	}
}

func (h *harness) submitCrawl(t *testing.T, id, url string) {
	t.Helper()
	norm, err := core.NormalizeURL(url)
	require.NoError(t, err)
	domain, err := core.DomainOf(norm)
	require.NoError(t, err)
	require.NoError(t, h.ledger.CreateCrawl(context.Background(), core.CrawlRequest{
		ID:            id,
		URL:           url,
		NormalizedURL: norm,
		Domain:        domain,
		Status:        core.StatusNew,
		Priority:      1,
		MaxAttempts:   3,
		CreatedAt:     h.clock.Now(),
		UpdatedAt:     h.clock.Now(),
	}))
}

func (h *harness) crawlStatus(t *testing.T, id string) core.Status {
	t.Helper()
	req, err := h.ledger.GetCrawl(context.Background(), id)
	require.NoError(t, err)
	return req.Status
}

func (h *harness) waitForStatus(t *testing.T, id string, want core.Status) core.CrawlRequest {
	t.Helper()
	var req core.CrawlRequest
	require.Eventually(t, func() bool {
		var err error
		req, err = h.ledger.GetCrawl(context.Background(), id)
		return err == nil && req.Status == want
	}, 3*time.Second, 5*time.Millisecond, "request %s never reached %s", id, want)
	return req
}

func TestCrawlCompletesEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serveHTML("https://example.com/page", "<html><head><title>T</title></head><body>hello world</body></html>")
	h.submitCrawl(t, "c1", "https://example.com/page")

	h.sched.pass(ctx)

	req := h.waitForStatus(t, "c1", core.StatusCompleted)
	assert.NotEmpty(t, req.ContentHash)
	assert.NotNil(t, req.StartedAt)
	assert.NotNil(t, req.FinishedAt)

	// The document landed in the blob store and the index.
	_, exists, err := h.blobs.Stat(ctx, req.ContentHash)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, h.index.Size())

	hits, err := h.index.Query(ctx, "hello", core.SearchFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://example.com/page", hits[0].URL)

	// A terminal event was published.
	assert.NotEmpty(t, h.publisher.Payloads())
}

func TestDuplicateContentSkipsReextraction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := "<html><body>identical content</body></html>"
	h.fetcher.serveHTML("https://a.example.com/one", body)
	h.fetcher.serveHTML("https://b.example.com/two", body)
	h.submitCrawl(t, "c1", "https://a.example.com/one")

	h.sched.pass(ctx)
	first := h.waitForStatus(t, "c1", core.StatusCompleted)

	h.submitCrawl(t, "c2", "https://b.example.com/two")
	h.sched.pass(ctx)
	second := h.waitForStatus(t, "c2", core.StatusCompleted)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	// One blob, one indexed document despite two completions.
	assert.Equal(t, 1, h.index.Size())
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serveStatus("https://example.com/flaky", 503)
	h.submitCrawl(t, "c1", "https://example.com/flaky")

	h.sched.pass(ctx)

	req := h.waitForStatus(t, "c1", core.StatusQueued)
	assert.Equal(t, 1, req.AttemptCount)
	assert.Equal(t, core.ErrorKindTransientFetch, req.LastErrorKind)
	assert.True(t, req.NotBefore.After(h.clock.Now()), "backoff must defer the retry")

	// Before the backoff expires the request is not schedulable.
	h.sched.pass(ctx)
	assert.Equal(t, 1, h.fetcher.callCount("https://example.com/flaky"))

	// Past the window it is fetched again.
	h.clock.Advance(time.Hour)
	h.sched.pass(ctx)
	h.waitForStatus(t, "c1", core.StatusQueued)
	require.Eventually(t, func() bool {
		return h.fetcher.callCount("https://example.com/flaky") == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestAttemptBudgetExhaustionFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serveStatus("https://example.com/down", 500)
	h.submitCrawl(t, "c1", "https://example.com/down")

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		h.sched.pass(ctx)
		require.Eventually(t, func() bool {
			s := h.crawlStatus(t, "c1")
			return s == core.StatusQueued || s == core.StatusFailed
		}, 3*time.Second, 5*time.Millisecond)
	}

	req := h.waitForStatus(t, "c1", core.StatusFailed)
	assert.Equal(t, 3, req.AttemptCount)
	assert.Equal(t, 3, h.fetcher.callCount("https://example.com/down"))
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serveStatus("https://example.com/gone", 404)
	h.submitCrawl(t, "c1", "https://example.com/gone")

	h.sched.pass(ctx)

	req := h.waitForStatus(t, "c1", core.StatusFailed)
	assert.Equal(t, core.ErrorKindPermanentFetch, req.LastErrorKind)
	assert.Equal(t, 1, h.fetcher.callCount("https://example.com/gone"))
}

func TestLockContentionLeavesRequestQueuedWithoutAttemptCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	url := "https://example.com/contended"
	norm, err := core.NormalizeURL(url)
	require.NoError(t, err)

	// Another worker holds the URL lock.
	_, ok, err := h.coord.TryAcquireLock(ctx, norm, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h.fetcher.serveHTML(url, "<html><body>x</body></html>")
	h.submitCrawl(t, "c1", url)
	h.sched.pass(ctx)
	h.sched.pass(ctx)

	req, err := h.ledger.GetCrawl(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, req.Status)
	assert.Equal(t, 0, req.AttemptCount, "contention must not consume the budget")
	assert.Equal(t, 0, h.fetcher.callCount(url))
}

func TestRateLimitAdmission(t *testing.T) {
	clk := newFakeClock()
	h := newHarness(t)
	// Tight bucket: one token, negligible refill.
	h.coord = coordmem.New(coordmem.Config{DomainRPS: 0.0001, DomainBurst: 1}, clk)
	h.sched.coord = h.coord

	ctx := context.Background()
	h.fetcher.serveHTML("https://example.com/a", "<html><body>a</body></html>")
	h.fetcher.serveHTML("https://example.com/b", "<html><body>b</body></html>")
	h.submitCrawl(t, "c1", "https://example.com/a")
	h.submitCrawl(t, "c2", "https://example.com/b")

	h.sched.pass(ctx)

	// Exactly one of the two got the token; the other stays queued with no
	// attempt consumed.
	require.Eventually(t, func() bool {
		a := h.crawlStatus(t, "c1")
		b := h.crawlStatus(t, "c2")
		return (a == core.StatusCompleted) != (b == core.StatusCompleted)
	}, 3*time.Second, 5*time.Millisecond)

	queuedID := "c2"
	if h.crawlStatus(t, "c2") == core.StatusCompleted {
		queuedID = "c1"
	}
	req, err := h.ledger.GetCrawl(ctx, queuedID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, req.Status)
	assert.Equal(t, 0, req.AttemptCount)
}

func TestCooperativeCancelDuringFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	url := "https://example.com/slow"
	h.fetcher.serveHTML(url, "<html><body>slow</body></html>")
	gate := h.fetcher.blockOn(url)
	h.submitCrawl(t, "c1", url)

	h.sched.pass(ctx)
	h.waitForStatus(t, "c1", core.StatusRunning)

	require.NoError(t, h.ledger.RequestCancel(ctx, "c1"))
	close(gate)

	req := h.waitForStatus(t, "c1", core.StatusCanceled)
	assert.Empty(t, req.ContentHash, "canceled work must not publish results")
	assert.Equal(t, 0, h.index.Size())
}

func TestCancelQueuedIsImmediate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submitCrawl(t, "c1", "https://example.com/never")

	require.NoError(t, h.ledger.RequestCancel(ctx, "c1"))
	h.sched.pass(ctx)

	assert.Equal(t, core.StatusCanceled, h.crawlStatus(t, "c1"))
	assert.Equal(t, 0, h.fetcher.callCount("https://example.com/never"))
}

func TestSitemapExpandsAndCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serveXML("https://example.com/sitemap.xml", `
<urlset>
  <url><loc>https://example.com/p1</loc></url>
  <url><loc>https://example.com/p2</loc></url>
</urlset>`)
	h.fetcher.serveHTML("https://example.com/p1", "<html><body>page one</body></html>")
	h.fetcher.serveHTML("https://example.com/p2", "<html><body>page two</body></html>")

	require.NoError(t, h.ledger.CreateSitemap(ctx, core.SitemapRequest{
		ID:        "s1",
		URL:       "https://example.com/sitemap.xml",
		Priority:  1,
		Status:    core.StatusNew,
		CreatedAt: h.clock.Now(),
	}))

	require.Eventually(t, func() bool {
		h.sched.pass(ctx)
		sm, err := h.ledger.GetSitemap(ctx, "s1")
		return err == nil && sm.Status == core.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond, "sitemap never completed")

	sm, err := h.ledger.GetSitemap(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sm.Discovered)
	assert.Equal(t, 2, sm.Completed)
	assert.Equal(t, 2, h.index.Size())
}

func TestSitemapFailedChildStillCompletesParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serveXML("https://example.com/sitemap.xml", `
<urlset>
  <url><loc>https://example.com/ok</loc></url>
  <url><loc>https://example.com/broken</loc></url>
</urlset>`)
	h.fetcher.serveHTML("https://example.com/ok", "<html><body>fine</body></html>")
	h.fetcher.serveStatus("https://example.com/broken", 404)

	require.NoError(t, h.ledger.CreateSitemap(ctx, core.SitemapRequest{
		ID:        "s1",
		URL:       "https://example.com/sitemap.xml",
		Priority:  1,
		Status:    core.StatusNew,
		CreatedAt: h.clock.Now(),
	}))

	require.Eventually(t, func() bool {
		h.sched.pass(ctx)
		sm, err := h.ledger.GetSitemap(ctx, "s1")
		return err == nil && sm.Status == core.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Terminal children of either flavor count toward completion.
	var okID, brokenID string
	for _, id := range []string{"id-1", "id-2"} {
		req, err := h.ledger.GetCrawl(ctx, id)
		require.NoError(t, err)
		if req.URL == "https://example.com/ok" {
			okID = id
		} else {
			brokenID = id
		}
	}
	assert.Equal(t, core.StatusCompleted, h.crawlStatus(t, okID))
	assert.Equal(t, core.StatusFailed, h.crawlStatus(t, brokenID))
}

func TestSearchRunsThroughScheduler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.index.Ingest(ctx, core.Document{
		ContentHash: "h1",
		URL:         "https://example.com/doc",
		Domain:      "example.com",
		Title:       "coffee brewing",
		Text:        "how to brew coffee",
		FetchedAt:   h.clock.Now(),
	}))

	require.NoError(t, h.ledger.CreateSearch(ctx, core.SearchRequest{
		ID:        "q1",
		Query:     "coffee",
		Limit:     5,
		Status:    core.StatusNew,
		CreatedAt: h.clock.Now(),
	}))

	h.sched.pass(ctx)

	require.Eventually(t, func() bool {
		req, err := h.ledger.GetSearch(ctx, "q1")
		return err == nil && req.Status == core.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	req, err := h.ledger.GetSearch(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, req.Results, 1)
	assert.Equal(t, "https://example.com/doc", req.Results[0].URL)
}

func TestRecoverStaleRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stuck := core.CrawlRequest{
		ID:            "stuck",
		URL:           "https://example.com/stuck",
		NormalizedURL: "https://example.com/stuck",
		Domain:        "example.com",
		Status:        core.StatusRunning,
		Priority:      1,
		MaxAttempts:   3,
		CreatedAt:     h.clock.Now().Add(-time.Hour),
		UpdatedAt:     h.clock.Now().Add(-time.Hour),
	}
	require.NoError(t, h.ledger.CreateCrawl(ctx, stuck))

	h.sched.recoverStale(ctx)

	req, err := h.ledger.GetCrawl(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, req.Status)
	assert.Equal(t, 0, req.AttemptCount, "recovery must not charge an attempt")
}

func TestInterruptedWorkerRequeuesWithoutCharge(t *testing.T) {
	h := newHarness(t)
	url := "https://example.com/interrupted"
	h.fetcher.serveHTML(url, "<html><body>x</body></html>")
	h.fetcher.blockOn(url)
	h.submitCrawl(t, "c1", url)

	runCtx, cancel := context.WithCancel(context.Background())
	h.sched.pass(runCtx)
	h.waitForStatus(t, "c1", core.StatusRunning)

	// Shutdown while the fetch is in flight.
	cancel()

	req := h.waitForStatus(t, "c1", core.StatusQueued)
	assert.Equal(t, 0, req.AttemptCount, "interruption must not charge an attempt")
	assert.Equal(t, core.ErrorKindNone, req.LastErrorKind)
}

func TestEmptySitemapCompletesAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serveXML("https://example.com/empty.xml", `<urlset></urlset>`)

	require.NoError(t, h.ledger.CreateSitemap(ctx, core.SitemapRequest{
		ID:        "s1",
		URL:       "https://example.com/empty.xml",
		Priority:  1,
		Status:    core.StatusNew,
		CreatedAt: h.clock.Now(),
	}))

	require.Eventually(t, func() bool {
		h.sched.pass(ctx)
		sm, err := h.ledger.GetSitemap(ctx, "s1")
		return err == nil && sm.Status == core.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, h.publisher.Payloads(), "finalizing during discovery must still publish")
}

func TestLockContentionDoesNotConsumeDomainTokens(t *testing.T) {
	clk := newFakeClock()
	h := newHarness(t)
	// One token, negligible refill.
	h.coord = coordmem.New(coordmem.Config{DomainRPS: 0.0001, DomainBurst: 1}, clk)
	h.sched.coord = h.coord

	ctx := context.Background()
	url := "https://example.com/held"
	norm, err := core.NormalizeURL(url)
	require.NoError(t, err)
	_, ok, err := h.coord.TryAcquireLock(ctx, norm, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h.fetcher.serveHTML(url, "<html><body>x</body></html>")
	h.submitCrawl(t, "c1", url)
	h.sched.pass(ctx)
	h.sched.pass(ctx)

	assert.Equal(t, core.StatusQueued, h.crawlStatus(t, "c1"))
	allowed, err := h.coord.TryConsumeToken(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, allowed, "contended passes must leave the token unspent")
}

func TestSitemapDispatchLocksNormalizedURL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Another worker holds the lock under the canonical spelling.
	_, ok, err := h.coord.TryAcquireLock(ctx, "https://example.com/sitemap.xml", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.ledger.CreateSitemap(ctx, core.SitemapRequest{
		ID:        "s1",
		URL:       "HTTPS://EXAMPLE.COM/sitemap.xml",
		Priority:  1,
		Status:    core.StatusNew,
		CreatedAt: h.clock.Now(),
	}))

	h.sched.pass(ctx)
	h.sched.pass(ctx)

	sm, err := h.ledger.GetSitemap(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, sm.Status)
	assert.Equal(t, 0, h.fetcher.callCount("HTTPS://EXAMPLE.COM/sitemap.xml"))
}

func TestHigherTierDispatchesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// One worker slot so ordering is observable.
	h.sched.slots = make(chan struct{}, 1)

	low := "https://example.com/low"
	high := "https://example.com/high"
	h.fetcher.serveHTML(low, "<html><body>low</body></html>")
	h.fetcher.serveHTML(high, "<html><body>high</body></html>")

	h.submitCrawl(t, "low", low)
	require.NoError(t, h.ledger.CreateCrawl(ctx, core.CrawlRequest{
		ID:            "high",
		URL:           high,
		NormalizedURL: high,
		Domain:        "example.com",
		Status:        core.StatusNew,
		Priority:      2,
		MaxAttempts:   3,
		CreatedAt:     h.clock.Now(),
		UpdatedAt:     h.clock.Now(),
	}))

	h.sched.pass(ctx)

	h.waitForStatus(t, "high", core.StatusCompleted)
	assert.Equal(t, core.StatusQueued, h.crawlStatus(t, "low"))
}
