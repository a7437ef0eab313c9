package api

import (
	"time"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

type crawlDTO struct {
	RequestID     string     `json:"request_id"`
	Kind          string     `json:"kind"`
	URL           string     `json:"url"`
	NormalizedURL string     `json:"normalized_url"`
	Domain        string     `json:"domain"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	RenderHint    bool       `json:"render_hint"`
	ContentHash   string     `json:"content_hash,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorText     string     `json:"error_text,omitempty"`
	ParentID      string     `json:"parent_sitemap_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
}

func toCrawlDTO(req core.CrawlRequest) crawlDTO {
	dto := crawlDTO{
		RequestID:     req.ID,
		Kind:          string(core.KindCrawl),
		URL:           req.URL,
		NormalizedURL: req.NormalizedURL,
		Domain:        req.Domain,
		Status:        string(req.Status),
		Priority:      req.Priority,
		AttemptCount:  req.AttemptCount,
		MaxAttempts:   req.MaxAttempts,
		RenderHint:    req.RenderHint,
		ContentHash:   req.ContentHash,
		ErrorKind:     string(req.LastErrorKind),
		ErrorText:     req.LastErrorText,
		ParentID:      req.ParentSitemapID,
		CreatedAt:     req.CreatedAt,
		StartedAt:     req.StartedAt,
		FinishedAt:    req.FinishedAt,
	}
	if !req.NotBefore.IsZero() {
		nb := req.NotBefore
		dto.NotBefore = &nb
	}
	if req.StartedAt != nil && req.FinishedAt != nil {
		ms := req.FinishedAt.Sub(*req.StartedAt).Milliseconds()
		dto.DurationMs = &ms
	}
	return dto
}

type sitemapDTO struct {
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	Discovered int       `json:"discovered"`
	Completed  int       `json:"completed"`
	Skipped    int       `json:"skipped"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ErrorText  string    `json:"error_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toSitemapDTO(req core.SitemapRequest) sitemapDTO {
	return sitemapDTO{
		RequestID:  req.ID,
		Kind:       string(core.KindSitemap),
		URL:        req.URL,
		Status:     string(req.Status),
		Priority:   req.Priority,
		Discovered: req.Discovered,
		Completed:  req.Completed,
		Skipped:    req.Skipped,
		ErrorKind:  string(req.LastErrorKind),
		ErrorText:  req.LastErrorText,
		CreatedAt:  req.CreatedAt,
		UpdatedAt:  req.UpdatedAt,
	}
}

type searchDTO struct {
	RequestID string             `json:"request_id"`
	Kind      string             `json:"kind"`
	Query     string             `json:"query"`
	Filters   core.SearchFilters `json:"filters"`
	Limit     int                `json:"result_limit"`
	Status    string             `json:"status"`
	Results   []core.SearchHit   `json:"results,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func toSearchDTO(req core.SearchRequest) searchDTO {
	return searchDTO{
		RequestID: req.ID,
		Kind:      string(core.KindSearch),
		Query:     req.Query,
		Filters:   req.Filters,
		Limit:     req.Limit,
		Status:    string(req.Status),
		Results:   req.Results,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
	}
}
