package core

import (
	"context"
	"time"
)

// Ledger is the durable record of every request and the only authority on
// status transitions. CompareAndSetStatus is the single serialization point:
// implementations must make the compare and the write atomic.
type Ledger interface {
	CreateCrawl(ctx context.Context, req CrawlRequest) error
	CreateSitemap(ctx context.Context, req SitemapRequest) error
	CreateSearch(ctx context.Context, req SearchRequest) error

	GetCrawl(ctx context.Context, id string) (CrawlRequest, error)
	GetSitemap(ctx context.Context, id string) (SitemapRequest, error)
	GetSearch(ctx context.Context, id string) (SearchRequest, error)
	Kind(ctx context.Context, id string) (RequestKind, error)

	// CompareAndSetStatus transitions id from expected to next, applying
	// update in the same atomic step. It returns false without error when
	// the current status no longer matches expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, update CrawlUpdate) (bool, error)

	ListSchedulable(ctx context.Context, tier, limit int, now time.Time) ([]CrawlRequest, error)
	ListSchedulableSitemaps(ctx context.Context, tier, limit int, now time.Time) ([]SitemapRequest, error)
	ListSchedulableSearches(ctx context.Context, limit int) ([]SearchRequest, error)
	ListNew(ctx context.Context, limit int) ([]string, error)
	ListRunningSince(ctx context.Context, cutoff time.Time) ([]CrawlRequest, error)

	// RequestCancel cancels new/queued requests immediately and flags
	// running ones for cooperative cancellation. Idempotent on terminal rows.
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)

	AddDiscovered(ctx context.Context, sitemapID string, n int) error
	AddSkipped(ctx context.Context, sitemapID string, n int) error
	// FinishDiscovery marks parsing complete; the boolean reports whether the
	// sitemap finalized in the same step.
	FinishDiscovery(ctx context.Context, sitemapID string) (bool, error)
	// ChildFinished counts one terminal child; the boolean reports whether
	// that was the last one and the parent completed.
	ChildFinished(ctx context.Context, sitemapID string) (bool, error)

	SetSearchResults(ctx context.Context, id string, hits []SearchHit) error
}

// Coord provides URL locks and per-domain token buckets. All operations are
// non-blocking probes; contention is handled by leaving work queued.
type Coord interface {
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (LockToken, bool, error)
	RenewLock(ctx context.Context, token LockToken, ttl time.Duration) (LockToken, bool, error)
	ReleaseLock(ctx context.Context, token LockToken) error
	TryConsumeToken(ctx context.Context, domain string) (bool, error)
}

// BlobStore is a write-once, content-addressed payload store. Put reports
// whether the hash already existed; existing content is never rewritten.
type BlobStore interface {
	Put(ctx context.Context, hash, contentType string, data []byte) (key string, existed bool, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, hash string) (ContentBlob, bool, error)
}

// Fetcher retrieves a URL.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Renderer retrieves a URL through a headless browser.
type Renderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) (FetchResponse, error)
	Close(ctx context.Context) error
}

// SearchIndex ingests extracted documents and answers term queries.
type SearchIndex interface {
	Ingest(ctx context.Context, doc Document) error
	Query(ctx context.Context, terms string, filters SearchFilters, limit int) ([]SearchHit, error)
}

// Publisher emits completion events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Hasher produces the content-address digest.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints request identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
