// Package core defines the domain types and the interfaces the pipeline
// components implement. It has no dependencies on the packages that use it.
package core

import (
	"net/http"
	"time"
)

// Status is a request's lifecycle state.
type Status string

// Lifecycle states. Legal transitions: new → queued → running, running →
// completed | failed | queued (retry), and canceled from any non-terminal
// state. completed, failed and canceled are terminal.
const (
	StatusNew       Status = "new"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// RequestKind distinguishes the request families sharing the ledger.
type RequestKind string

const (
	KindCrawl   RequestKind = "crawl"
	KindSitemap RequestKind = "sitemap"
	KindSearch  RequestKind = "search"
)

// CrawlRequest is the ledger record for a single-page fetch.
type CrawlRequest struct {
	ID            string
	URL           string
	NormalizedURL string
	Domain        string
	Status        Status

	Priority        int
	Depth           int
	ParentSitemapID string

	AttemptCount int
	MaxAttempts  int
	NotBefore    time.Time

	RenderHint      bool
	CancelRequested bool

	ContentHash   string
	LastErrorKind ErrorKind
	LastErrorText string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// SitemapRequest is the ledger record for a sitemap expansion. The parent
// completes only after discovery is done and every discovered child reached a
// terminal state.
type SitemapRequest struct {
	ID       string
	URL      string
	Priority int
	Status   Status

	Discovered    int
	Completed     int
	Skipped       int
	DiscoveryDone bool

	CancelRequested bool
	LastErrorKind   ErrorKind
	LastErrorText   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SearchRequest is the ledger record for an index query.
type SearchRequest struct {
	ID      string
	Query   string
	Filters SearchFilters
	Limit   int
	Status  Status
	Results []SearchHit

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SearchFilters narrows a query. Zero values mean no filtering.
type SearchFilters struct {
	Domain string    `json:"domain,omitempty"`
	After  time.Time `json:"after,omitempty"`
	Before time.Time `json:"before,omitempty"`
}

// SearchHit is one scored index match.
type SearchHit struct {
	ContentHash string    `json:"content_hash"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	Title       string    `json:"title,omitempty"`
	Score       float64   `json:"score"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// CrawlUpdate carries the optional fields applied alongside a status
// transition. Nil fields are left untouched.
type CrawlUpdate struct {
	AttemptCount *int
	NotBefore    *time.Time
	ContentHash  *string
	ErrorKind    *ErrorKind
	ErrorText    *string
}

// ContentBlob is the metadata of a stored, content-addressed payload.
type ContentBlob struct {
	Hash        string
	StorageKey  string
	ContentType string
	Size        int64
}

// Document is the structured output of extraction, keyed by content hash.
type Document struct {
	ContentHash string            `json:"content_hash"`
	URL         string            `json:"url"`
	Domain      string            `json:"domain"`
	ContentType string            `json:"content_type"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Text        string            `json:"text,omitempty"`
	Links       []string          `json:"links,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// FetchRequest describes one retrieval.
type FetchRequest struct {
	RequestID string
	URL       string
	Render    bool
	Timeout   time.Duration
	Headers   http.Header
}

// FetchResponse is the outcome of a retrieval. Non-2xx statuses arrive here
// as responses, not errors; classification happens in the retry controller.
type FetchResponse struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	Rendered    bool
}

// LockToken proves ownership of a URL lock until ExpiresAt.
type LockToken struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}
