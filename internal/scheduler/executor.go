// Package scheduler drives requests from queued to terminal: admission,
// dispatch to worker slots, the fetch/extract/index pipeline, and recovery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/core"
	"github.com/tidecrawl/tidecrawl/internal/extract"
	"github.com/tidecrawl/tidecrawl/internal/retry"
	"github.com/tidecrawl/tidecrawl/internal/sitemap"
	"github.com/tidecrawl/tidecrawl/internal/telemetry"
)

// Executor runs one request's pipeline inside a worker slot. Fetch, extract,
// and index are sequential within a request; overlap comes from slots.
type Executor struct {
	ledger    core.Ledger
	coord     core.Coord
	fetcher   core.Fetcher
	blobs     core.BlobStore
	registry  *extract.Registry
	index     core.SearchIndex
	walker    *sitemap.Walker
	publisher core.Publisher
	retry     *retry.Controller
	hasher    core.Hasher
	clock     core.Clock
	logger    *zap.Logger

	fetchTimeout time.Duration
	lockTTL      time.Duration
	lockRenew    time.Duration
}

// ExecutorDeps bundles the pipeline collaborators.
type ExecutorDeps struct {
	Ledger    core.Ledger
	Coord     core.Coord
	Fetcher   core.Fetcher
	Blobs     core.BlobStore
	Registry  *extract.Registry
	Index     core.SearchIndex
	Walker    *sitemap.Walker
	Publisher core.Publisher
	Retry     *retry.Controller
	Hasher    core.Hasher
	Clock     core.Clock
	Logger    *zap.Logger

	FetchTimeout time.Duration
	LockTTL      time.Duration
	LockRenew    time.Duration
}

// NewExecutor constructs an Executor.
func NewExecutor(deps ExecutorDeps) *Executor {
	return &Executor{
		ledger:       deps.Ledger,
		coord:        deps.Coord,
		fetcher:      deps.Fetcher,
		blobs:        deps.Blobs,
		registry:     deps.Registry,
		index:        deps.Index,
		walker:       deps.Walker,
		publisher:    deps.Publisher,
		retry:        deps.Retry,
		hasher:       deps.Hasher,
		clock:        deps.Clock,
		logger:       deps.Logger,
		fetchTimeout: deps.FetchTimeout,
		lockTTL:      deps.LockTTL,
		lockRenew:    deps.LockRenew,
	}
}

// RunCrawl executes a crawl request that is already running and lock-held.
func (e *Executor) RunCrawl(ctx context.Context, req core.CrawlRequest, lock core.LockToken) {
	telemetry.WorkerStarted()
	defer telemetry.WorkerFinished()

	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenew := e.keepLockAlive(pipeCtx, lock, cancel)
	defer stopRenew()
	defer func() {
		if err := e.coord.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			e.logger.Warn("lock release failed", zap.String("url", req.NormalizedURL), zap.Error(err))
		}
	}()

	if err := e.crawl(pipeCtx, req); err != nil {
		switch {
		case errors.Is(err, core.ErrCanceled):
			e.finishCanceled(ctx, req)
		case errors.Is(err, context.Canceled):
			// Shutdown or lock loss interrupted the worker; that is not a
			// fetch failure and must not burn an attempt.
			e.requeueInterrupted(ctx, req)
		default:
			e.fail(ctx, req, err)
		}
	}
}

// requeueInterrupted puts an interrupted request back in the queue with no
// attempt charge. A lost CAS is left to the stale-running sweep.
func (e *Executor) requeueInterrupted(ctx context.Context, req core.CrawlRequest) {
	ok, err := e.ledger.CompareAndSetStatus(context.WithoutCancel(ctx), req.ID, core.StatusRunning, core.StatusQueued, core.CrawlUpdate{})
	if err != nil {
		e.logger.Error("requeue after interrupt failed", zap.String("id", req.ID), zap.Error(err))
		return
	}
	if ok {
		e.logger.Info("worker interrupted, request re-queued",
			zap.String("id", req.ID),
			zap.Int("attempt", req.AttemptCount),
		)
	}
}

// crawl is the fetch → dedup → extract → index pipeline. Cancellation is
// checked at each checkpoint, before every network call at minimum.
func (e *Executor) crawl(ctx context.Context, req core.CrawlRequest) error {
	if err := e.checkpoint(ctx, req.ID); err != nil {
		return err
	}

	resp, err := e.fetcher.Fetch(ctx, core.FetchRequest{
		RequestID: req.ID,
		URL:       req.URL,
		Render:    req.RenderHint,
		Timeout:   e.fetchTimeout,
	})
	if err != nil {
		return err
	}
	telemetry.ObserveFetch(req.Domain, resp.Rendered, resp.Duration)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &core.HTTPStatusError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	if err := e.checkpoint(ctx, req.ID); err != nil {
		return err
	}

	normalized := core.NormalizeContent(resp.Body)
	hash, err := e.hasher.Hash(normalized)
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}

	// A hash hit means the content is already stored and extracted; link the
	// existing blob and skip extraction entirely.
	if _, exists, err := e.blobs.Stat(ctx, hash); err != nil {
		return &core.StorageError{Op: "stat", Err: err}
	} else if exists {
		telemetry.ObserveDedupHit()
		return e.complete(ctx, req, hash)
	}

	if _, _, err := e.blobs.Put(ctx, hash, resp.ContentType, normalized); err != nil {
		var storageErr *core.StorageError
		if errors.As(err, &storageErr) {
			return err
		}
		return &core.StorageError{Op: "put", Err: err}
	}

	if err := e.checkpoint(ctx, req.ID); err != nil {
		return err
	}

	doc, err := e.registry.Extract(ctx, extract.Content{
		URL:         req.URL,
		Domain:      req.Domain,
		ContentType: resp.ContentType,
		Hash:        hash,
		Body:        normalized,
		FetchedAt:   e.clock.Now(),
	})
	if err != nil {
		return err
	}

	if err := e.index.Ingest(ctx, doc); err != nil {
		return fmt.Errorf("index ingest: %w", err)
	}

	return e.complete(ctx, req, hash)
}

// RunSitemap executes a sitemap request that is already running and lock-held.
func (e *Executor) RunSitemap(ctx context.Context, req core.SitemapRequest, lock core.LockToken) {
	telemetry.WorkerStarted()
	defer telemetry.WorkerFinished()

	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenew := e.keepLockAlive(pipeCtx, lock, cancel)
	defer stopRenew()
	defer func() {
		if err := e.coord.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			e.logger.Warn("lock release failed", zap.String("url", req.URL), zap.Error(err))
		}
	}()

	done, err := e.walker.Walk(pipeCtx, req)
	switch {
	case errors.Is(err, core.ErrCanceled):
		if _, casErr := e.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, core.StatusCanceled, core.CrawlUpdate{}); casErr != nil {
			e.logger.Error("cancel sitemap failed", zap.String("id", req.ID), zap.Error(casErr))
		}
		telemetry.ObserveTerminal(string(core.KindSitemap), string(core.StatusCanceled))
	case err != nil:
		// Only a top-level fetch/parse failure fails the parent; child
		// failures are accounted through ChildFinished.
		kind := retry.Classify(err)
		text := err.Error()
		if _, casErr := e.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, core.StatusFailed, core.CrawlUpdate{
			ErrorKind: &kind,
			ErrorText: &text,
		}); casErr != nil {
			e.logger.Error("fail sitemap failed", zap.String("id", req.ID), zap.Error(casErr))
		}
		telemetry.ObserveTerminal(string(core.KindSitemap), string(core.StatusFailed))
		e.publishTerminal(ctx, req.ID, core.KindSitemap, core.StatusFailed, "")
	case done:
		// Every child was terminal before discovery closed (or none exist);
		// Walk finalized the parent itself.
		telemetry.ObserveTerminal(string(core.KindSitemap), string(core.StatusCompleted))
		e.publishTerminal(ctx, req.ID, core.KindSitemap, core.StatusCompleted, "")
	default:
		// The parent stays running until the last child lands; ChildFinished
		// finalizes it.
	}
}

// RunSearch answers a search request from the index.
func (e *Executor) RunSearch(ctx context.Context, req core.SearchRequest) {
	telemetry.WorkerStarted()
	defer telemetry.WorkerFinished()

	hits, err := e.index.Query(ctx, req.Query, req.Filters, req.Limit)
	if err != nil {
		e.logger.Error("search query failed", zap.String("id", req.ID), zap.Error(err))
		if _, casErr := e.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, core.StatusFailed, core.CrawlUpdate{}); casErr != nil {
			e.logger.Error("fail search failed", zap.String("id", req.ID), zap.Error(casErr))
		}
		telemetry.ObserveTerminal(string(core.KindSearch), string(core.StatusFailed))
		return
	}
	if err := e.ledger.SetSearchResults(ctx, req.ID, hits); err != nil {
		e.logger.Error("store search results failed", zap.String("id", req.ID), zap.Error(err))
	}
	if _, err := e.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, core.StatusCompleted, core.CrawlUpdate{}); err != nil {
		e.logger.Error("complete search failed", zap.String("id", req.ID), zap.Error(err))
	}
	telemetry.ObserveTerminal(string(core.KindSearch), string(core.StatusCompleted))
}

// checkpoint aborts with ErrCanceled once cooperative cancellation is visible.
func (e *Executor) checkpoint(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	canceled, err := e.ledger.CancelRequested(ctx, id)
	if err != nil {
		return fmt.Errorf("read cancel flag: %w", err)
	}
	if canceled {
		return core.ErrCanceled
	}
	return nil
}

func (e *Executor) complete(ctx context.Context, req core.CrawlRequest, hash string) error {
	ok, err := e.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, core.StatusCompleted, core.CrawlUpdate{
		ContentHash: &hash,
	})
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	if !ok {
		// Lost the transition, e.g. reclaimed by the recovery sweep.
		e.logger.Warn("completion cas lost", zap.String("id", req.ID))
		return nil
	}
	telemetry.ObserveTerminal(string(core.KindCrawl), string(core.StatusCompleted))
	e.notifyParent(ctx, req)
	e.publishTerminal(ctx, req.ID, core.KindCrawl, core.StatusCompleted, hash)
	return nil
}

// fail routes the error through the retry controller: re-queue with backoff
// or terminal failure.
func (e *Executor) fail(ctx context.Context, req core.CrawlRequest, err error) {
	outcome := e.retry.Resolve(req, err, e.clock.Now())
	text := err.Error()
	update := core.CrawlUpdate{
		AttemptCount: &outcome.Attempt,
		ErrorKind:    &outcome.Kind,
		ErrorText:    &text,
	}
	if outcome.Status == core.StatusQueued {
		update.NotBefore = &outcome.NotBefore
	}

	ok, casErr := e.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, outcome.Status, update)
	if casErr != nil {
		e.logger.Error("failure transition failed", zap.String("id", req.ID), zap.Error(casErr))
		return
	}
	if !ok {
		return
	}

	if outcome.Status == core.StatusQueued {
		telemetry.ObserveRetry(string(outcome.Kind))
		e.logger.Info("request re-queued",
			zap.String("id", req.ID),
			zap.String("error_kind", string(outcome.Kind)),
			zap.Int("attempt", outcome.Attempt),
			zap.Time("not_before", outcome.NotBefore),
		)
		return
	}

	telemetry.ObserveTerminal(string(core.KindCrawl), string(core.StatusFailed))
	e.logger.Warn("request failed",
		zap.String("id", req.ID),
		zap.String("url", req.URL),
		zap.String("error_kind", string(outcome.Kind)),
		zap.Error(err),
	)
	e.notifyParent(ctx, req)
	e.publishTerminal(ctx, req.ID, core.KindCrawl, core.StatusFailed, "")
}

func (e *Executor) finishCanceled(ctx context.Context, req core.CrawlRequest) {
	ok, err := e.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, core.StatusCanceled, core.CrawlUpdate{})
	if err != nil {
		e.logger.Error("cancel transition failed", zap.String("id", req.ID), zap.Error(err))
		return
	}
	if ok {
		telemetry.ObserveTerminal(string(core.KindCrawl), string(core.StatusCanceled))
		e.notifyParent(ctx, req)
	}
}

// notifyParent counts a terminal child toward its sitemap's completion.
func (e *Executor) notifyParent(ctx context.Context, req core.CrawlRequest) {
	if req.ParentSitemapID == "" {
		return
	}
	done, err := e.ledger.ChildFinished(ctx, req.ParentSitemapID)
	if err != nil {
		e.logger.Error("child accounting failed",
			zap.String("sitemap_id", req.ParentSitemapID),
			zap.Error(err),
		)
		return
	}
	if done {
		telemetry.ObserveTerminal(string(core.KindSitemap), string(core.StatusCompleted))
		e.publishTerminal(ctx, req.ParentSitemapID, core.KindSitemap, core.StatusCompleted, "")
	}
}

func (e *Executor) publishTerminal(ctx context.Context, id string, kind core.RequestKind, status core.Status, hash string) {
	if e.publisher == nil {
		return
	}
	payload := map[string]any{
		"request_id": id,
		"kind":       string(kind),
		"status":     string(status),
		"timestamp":  e.clock.Now().Format(time.RFC3339),
	}
	if hash != "" {
		payload["content_hash"] = hash
	}
	if _, err := e.publisher.Publish(ctx, payload); err != nil {
		e.logger.Warn("publish terminal event failed", zap.String("id", id), zap.Error(err))
	}
}

// keepLockAlive renews the lock on a timer. Renewal failing means the TTL
// lapsed and another worker may own the URL; the pipeline is canceled.
func (e *Executor) keepLockAlive(ctx context.Context, lock core.LockToken, cancel context.CancelFunc) func() {
	if e.lockRenew <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.lockRenew)
		defer ticker.Stop()
		current := lock
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, ok, err := e.coord.RenewLock(ctx, current, e.lockTTL)
				if err != nil || !ok {
					e.logger.Warn("lock renewal lost", zap.String("key", current.Key), zap.Error(err))
					cancel()
					return
				}
				current = renewed
			}
		}
	}()
	return func() { close(done) }
}
