// Package sitemap expands a sitemap request into bounded child crawl requests.
package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Config bounds the expansion.
type Config struct {
	MaxChildren     int
	MaxDepth        int
	ChildMaxAttempt int
	FetchTimeout    time.Duration
}

// Walker fetches and parses sitemap documents, creating child crawl requests
// in the ledger and tracking discovery counts.
type Walker struct {
	ledger  core.Ledger
	fetcher core.Fetcher
	idGen   core.IDGenerator
	clock   core.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Walker.
func New(
	ledger core.Ledger,
	fetcher core.Fetcher,
	idGen core.IDGenerator,
	clock core.Clock,
	cfg Config,
	logger *zap.Logger,
) *Walker {
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = 500
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.ChildMaxAttempt <= 0 {
		cfg.ChildMaxAttempt = 3
	}
	return &Walker{
		ledger:  ledger,
		fetcher: fetcher,
		idGen:   idGen,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

type urlset struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []locRef `xml:"url"`
}

type sitemapindex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []locRef `xml:"sitemap"`
}

type locRef struct {
	Loc string `xml:"loc"`
}

type walkState struct {
	visited map[string]struct{}
	created int
	skipped int
}

// Walk expands the sitemap. A fetch or parse failure of the root document is
// returned as the parent's failure; nested sitemap failures only log. The
// boolean reports whether the parent finalized during discovery (possible
// when every child landed terminal before parsing finished, or none exist).
func (w *Walker) Walk(ctx context.Context, req core.SitemapRequest) (bool, error) {
	state := &walkState{visited: make(map[string]struct{})}

	if err := w.walkDocument(ctx, req, req.URL, 0, state); err != nil {
		return false, err
	}

	if state.skipped > 0 {
		if err := w.ledger.AddSkipped(ctx, req.ID, state.skipped); err != nil {
			return false, fmt.Errorf("record skipped: %w", err)
		}
	}

	done, err := w.ledger.FinishDiscovery(ctx, req.ID)
	if err != nil {
		return false, fmt.Errorf("finish discovery: %w", err)
	}
	w.logger.Info("sitemap expanded",
		zap.String("sitemap_id", req.ID),
		zap.Int("discovered", state.created),
		zap.Int("skipped", state.skipped),
	)
	return done, nil
}

func (w *Walker) walkDocument(ctx context.Context, req core.SitemapRequest, rawURL string, depth int, state *walkState) error {
	if canceled, err := w.ledger.CancelRequested(ctx, req.ID); err == nil && canceled {
		return core.ErrCanceled
	}

	norm, err := core.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("normalize sitemap url: %w", err)
	}
	if _, seen := state.visited[norm]; seen {
		return nil
	}
	state.visited[norm] = struct{}{}

	resp, err := w.fetcher.Fetch(ctx, core.FetchRequest{
		RequestID: req.ID,
		URL:       rawURL,
		Timeout:   w.cfg.FetchTimeout,
	})
	if err != nil {
		return fmt.Errorf("fetch sitemap: %w", err)
	}
	if resp.StatusCode != 0 && (resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
		return &core.HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	var index sitemapindex
	if xml.Unmarshal(resp.Body, &index) == nil && len(index.Sitemaps) > 0 {
		return w.walkIndex(ctx, req, index, depth, state)
	}

	var set urlset
	if err := xml.Unmarshal(resp.Body, &set); err != nil {
		return &core.ExtractionError{
			ContentType: resp.ContentType,
			Reason:      "malformed sitemap: " + err.Error(),
		}
	}
	return w.createChildren(ctx, req, set, depth, state)
}

func (w *Walker) walkIndex(ctx context.Context, req core.SitemapRequest, index sitemapindex, depth int, state *walkState) error {
	if depth+1 >= w.cfg.MaxDepth {
		state.skipped += len(index.Sitemaps)
		return nil
	}
	for _, ref := range index.Sitemaps {
		if ref.Loc == "" {
			continue
		}
		if err := w.walkDocument(ctx, req, ref.Loc, depth+1, state); err != nil {
			if err == core.ErrCanceled {
				return err
			}
			// Nested failures do not fail the parent.
			w.logger.Warn("nested sitemap failed",
				zap.String("sitemap_id", req.ID),
				zap.String("url", ref.Loc),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (w *Walker) createChildren(ctx context.Context, req core.SitemapRequest, set urlset, depth int, state *walkState) error {
	now := w.clock.Now()
	for _, ref := range set.URLs {
		if ref.Loc == "" {
			continue
		}
		norm, err := core.NormalizeURL(ref.Loc)
		if err != nil {
			w.logger.Warn("skipping malformed child url",
				zap.String("sitemap_id", req.ID),
				zap.String("url", ref.Loc),
			)
			continue
		}
		if _, seen := state.visited[norm]; seen {
			continue
		}
		state.visited[norm] = struct{}{}

		if state.created >= w.cfg.MaxChildren {
			state.skipped++
			continue
		}

		domain, err := core.DomainOf(norm)
		if err != nil {
			continue
		}
		id, err := w.idGen.NewID()
		if err != nil {
			return fmt.Errorf("generate child id: %w", err)
		}
		child := core.CrawlRequest{
			ID:              id,
			URL:             ref.Loc,
			NormalizedURL:   norm,
			Domain:          domain,
			Status:          core.StatusQueued,
			Priority:        req.Priority,
			Depth:           depth + 1,
			ParentSitemapID: req.ID,
			MaxAttempts:     w.cfg.ChildMaxAttempt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		// Count before create: the child is schedulable the instant it exists,
		// and a dispatcher may drive it terminal before this loop returns. The
		// discovered count must already include it or ChildFinished drops the
		// increment and the parent never closes.
		if err := w.ledger.AddDiscovered(ctx, req.ID, 1); err != nil {
			return fmt.Errorf("count discovered: %w", err)
		}
		if err := w.ledger.CreateCrawl(ctx, child); err != nil {
			return fmt.Errorf("create child crawl: %w", err)
		}
		state.created++
	}
	return nil
}
