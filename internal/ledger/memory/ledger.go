// Package memory provides an in-memory ledger for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Ledger implements core.Ledger with mutex-guarded maps. All status
// transitions go through CompareAndSetStatus under one lock, which gives the
// same atomicity the Postgres ledger gets from conditional UPDATEs.
type Ledger struct {
	clock core.Clock

	mu       sync.Mutex
	crawls   map[string]core.CrawlRequest
	sitemaps map[string]core.SitemapRequest
	searches map[string]core.SearchRequest
	kinds    map[string]core.RequestKind
}

// New constructs an empty Ledger stamping rows from the given clock.
func New(clock core.Clock) *Ledger {
	return &Ledger{
		clock:    clock,
		crawls:   make(map[string]core.CrawlRequest),
		sitemaps: make(map[string]core.SitemapRequest),
		searches: make(map[string]core.SearchRequest),
		kinds:    make(map[string]core.RequestKind),
	}
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}

// CreateCrawl stores a new crawl request.
func (l *Ledger) CreateCrawl(_ context.Context, req core.CrawlRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.kinds[req.ID]; exists {
		return core.ErrConflict
	}
	l.crawls[req.ID] = req
	l.kinds[req.ID] = core.KindCrawl
	return nil
}

// CreateSitemap stores a new sitemap request.
func (l *Ledger) CreateSitemap(_ context.Context, req core.SitemapRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.kinds[req.ID]; exists {
		return core.ErrConflict
	}
	l.sitemaps[req.ID] = req
	l.kinds[req.ID] = core.KindSitemap
	return nil
}

// CreateSearch stores a new search request.
func (l *Ledger) CreateSearch(_ context.Context, req core.SearchRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.kinds[req.ID]; exists {
		return core.ErrConflict
	}
	l.searches[req.ID] = req
	l.kinds[req.ID] = core.KindSearch
	return nil
}

// GetCrawl fetches a crawl request by ID.
func (l *Ledger) GetCrawl(_ context.Context, id string) (core.CrawlRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.crawls[id]
	if !ok {
		return core.CrawlRequest{}, core.ErrNotFound
	}
	return req, nil
}

// GetSitemap fetches a sitemap request by ID.
func (l *Ledger) GetSitemap(_ context.Context, id string) (core.SitemapRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.sitemaps[id]
	if !ok {
		return core.SitemapRequest{}, core.ErrNotFound
	}
	return req, nil
}

// GetSearch fetches a search request by ID.
func (l *Ledger) GetSearch(_ context.Context, id string) (core.SearchRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.searches[id]
	if !ok {
		return core.SearchRequest{}, core.ErrNotFound
	}
	return req, nil
}

// Kind reports which request family an ID belongs to.
func (l *Ledger) Kind(_ context.Context, id string) (core.RequestKind, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kind, ok := l.kinds[id]
	if !ok {
		return "", core.ErrNotFound
	}
	return kind, nil
}

// CompareAndSetStatus atomically transitions a request when its current status
// matches expected, applying update fields in the same step.
func (l *Ledger) CompareAndSetStatus(
	_ context.Context,
	id string,
	expected, next core.Status,
	update core.CrawlUpdate,
) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	switch l.kinds[id] {
	case core.KindCrawl:
		req, ok := l.crawls[id]
		if !ok || req.Status != expected {
			return false, notFoundIf(!ok)
		}
		req.Status = next
		applyUpdate(&req, update, now)
		l.crawls[id] = req
		return true, nil
	case core.KindSitemap:
		req, ok := l.sitemaps[id]
		if !ok || req.Status != expected {
			return false, notFoundIf(!ok)
		}
		req.Status = next
		if update.ErrorKind != nil {
			req.LastErrorKind = *update.ErrorKind
		}
		if update.ErrorText != nil {
			req.LastErrorText = *update.ErrorText
		}
		req.UpdatedAt = now
		l.sitemaps[id] = req
		return true, nil
	case core.KindSearch:
		req, ok := l.searches[id]
		if !ok || req.Status != expected {
			return false, notFoundIf(!ok)
		}
		req.Status = next
		req.UpdatedAt = now
		l.searches[id] = req
		return true, nil
	default:
		return false, core.ErrNotFound
	}
}

func notFoundIf(missing bool) error {
	if missing {
		return core.ErrNotFound
	}
	return nil
}

func applyUpdate(req *core.CrawlRequest, update core.CrawlUpdate, now time.Time) {
	if update.AttemptCount != nil {
		req.AttemptCount = *update.AttemptCount
	}
	if update.NotBefore != nil {
		req.NotBefore = *update.NotBefore
	}
	if update.ContentHash != nil {
		req.ContentHash = *update.ContentHash
	}
	if update.ErrorKind != nil {
		req.LastErrorKind = *update.ErrorKind
	}
	if update.ErrorText != nil {
		req.LastErrorText = *update.ErrorText
	}
	req.UpdatedAt = now
	if req.Status == core.StatusRunning && req.StartedAt == nil {
		started := now
		req.StartedAt = &started
	}
	if req.Status.Terminal() {
		finished := now
		req.FinishedAt = &finished
	}
}

// ListSchedulable returns queued crawl requests in the tier whose not-before
// has passed, oldest first.
func (l *Ledger) ListSchedulable(_ context.Context, tier, limit int, now time.Time) ([]core.CrawlRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []core.CrawlRequest
	for _, req := range l.crawls {
		if req.Status == core.StatusQueued && req.Priority == tier && !req.NotBefore.After(now) {
			out = append(out, req)
		}
	}
	sortByAge(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSchedulableSitemaps returns queued sitemap requests in the tier.
func (l *Ledger) ListSchedulableSitemaps(_ context.Context, tier, limit int, _ time.Time) ([]core.SitemapRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []core.SitemapRequest
	for _, req := range l.sitemaps {
		if req.Status == core.StatusQueued && req.Priority == tier {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSchedulableSearches returns queued search requests, oldest first.
func (l *Ledger) ListSchedulableSearches(_ context.Context, limit int) ([]core.SearchRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []core.SearchRequest
	for _, req := range l.searches {
		if req.Status == core.StatusQueued {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListNew returns IDs of requests still awaiting promotion to queued.
func (l *Ledger) ListNew(_ context.Context, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	type created struct {
		id string
		at time.Time
	}
	var rows []created
	for id, req := range l.crawls {
		if req.Status == core.StatusNew {
			rows = append(rows, created{id, req.CreatedAt})
		}
	}
	for id, req := range l.sitemaps {
		if req.Status == core.StatusNew {
			rows = append(rows, created{id, req.CreatedAt})
		}
	}
	for id, req := range l.searches {
		if req.Status == core.StatusNew {
			rows = append(rows, created{id, req.CreatedAt})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].at.Equal(rows[j].at) {
			return rows[i].id < rows[j].id
		}
		return rows[i].at.Before(rows[j].at)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	return ids, nil
}

// ListRunningSince returns crawl requests running since before the cutoff.
func (l *Ledger) ListRunningSince(_ context.Context, cutoff time.Time) ([]core.CrawlRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []core.CrawlRequest
	for _, req := range l.crawls {
		if req.Status == core.StatusRunning && req.UpdatedAt.Before(cutoff) {
			out = append(out, req)
		}
	}
	sortByAge(out)
	return out, nil
}

// RequestCancel marks new/queued requests canceled immediately and flags
// running requests for cooperative cancellation. Idempotent on terminal rows.
func (l *Ledger) RequestCancel(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	switch l.kinds[id] {
	case core.KindCrawl:
		req := l.crawls[id]
		switch req.Status {
		case core.StatusNew, core.StatusQueued:
			req.Status = core.StatusCanceled
			applyUpdate(&req, core.CrawlUpdate{}, now)
		case core.StatusRunning:
			req.CancelRequested = true
			req.UpdatedAt = now
		}
		l.crawls[id] = req
	case core.KindSitemap:
		req := l.sitemaps[id]
		switch req.Status {
		case core.StatusNew, core.StatusQueued:
			req.Status = core.StatusCanceled
			req.UpdatedAt = now
		case core.StatusRunning:
			req.CancelRequested = true
			req.UpdatedAt = now
		}
		l.sitemaps[id] = req
	case core.KindSearch:
		req := l.searches[id]
		if req.Status == core.StatusNew || req.Status == core.StatusQueued {
			req.Status = core.StatusCanceled
			req.UpdatedAt = now
		}
		l.searches[id] = req
	default:
		return core.ErrNotFound
	}
	return nil
}

// CancelRequested reports the cooperative cancel flag for a running request.
func (l *Ledger) CancelRequested(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.kinds[id] {
	case core.KindCrawl:
		req := l.crawls[id]
		return req.CancelRequested || req.Status == core.StatusCanceled, nil
	case core.KindSitemap:
		req := l.sitemaps[id]
		return req.CancelRequested || req.Status == core.StatusCanceled, nil
	case core.KindSearch:
		return l.searches[id].Status == core.StatusCanceled, nil
	default:
		return false, core.ErrNotFound
	}
}

// AddDiscovered increments the sitemap's discovered-child count.
func (l *Ledger) AddDiscovered(_ context.Context, sitemapID string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.sitemaps[sitemapID]
	if !ok {
		return core.ErrNotFound
	}
	req.Discovered += n
	req.UpdatedAt = l.now()
	l.sitemaps[sitemapID] = req
	return nil
}

// AddSkipped records children dropped by the expansion cap.
func (l *Ledger) AddSkipped(_ context.Context, sitemapID string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.sitemaps[sitemapID]
	if !ok {
		return core.ErrNotFound
	}
	req.Skipped += n
	req.UpdatedAt = l.now()
	l.sitemaps[sitemapID] = req
	return nil
}

// FinishDiscovery marks sitemap parsing finished and finalizes the parent if
// every discovered child is already terminal.
func (l *Ledger) FinishDiscovery(_ context.Context, sitemapID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.sitemaps[sitemapID]
	if !ok {
		return false, core.ErrNotFound
	}
	req.DiscoveryDone = true
	done := finalizeSitemap(&req, l.now())
	l.sitemaps[sitemapID] = req
	return done, nil
}

// ChildFinished counts one terminal child and finalizes the parent when the
// last one lands.
func (l *Ledger) ChildFinished(_ context.Context, sitemapID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.sitemaps[sitemapID]
	if !ok {
		return false, core.ErrNotFound
	}
	if req.Completed < req.Discovered {
		req.Completed++
	}
	done := finalizeSitemap(&req, l.now())
	l.sitemaps[sitemapID] = req
	return done, nil
}

func finalizeSitemap(req *core.SitemapRequest, now time.Time) bool {
	if req.Status.Terminal() || !req.DiscoveryDone || req.Completed != req.Discovered {
		return false
	}
	req.Status = core.StatusCompleted
	req.UpdatedAt = now
	return true
}

// SetSearchResults attaches query results to a search request.
func (l *Ledger) SetSearchResults(_ context.Context, id string, hits []core.SearchHit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.searches[id]
	if !ok {
		return core.ErrNotFound
	}
	req.Results = hits
	req.UpdatedAt = l.now()
	l.searches[id] = req
	return nil
}

func sortByAge(reqs []core.CrawlRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
