package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/core"
	"github.com/tidecrawl/tidecrawl/internal/telemetry"
)

// Config bounds the dispatch loop.
type Config struct {
	Concurrency   int
	PriorityTiers int
	BatchSize     int
	PollInterval  time.Duration
	StaleRunning  time.Duration
	RecoverySweep time.Duration
	LockTTL       time.Duration
}

// Scheduler polls the ledger for schedulable work, runs admission, and
// dispatches to a bounded worker pool. Dispatch is at-most-once per poll: the
// queued → running CAS is the commit point, so two pollers can never hand the
// same request to two workers.
type Scheduler struct {
	ledger   core.Ledger
	coord    core.Coord
	executor *Executor
	clock    core.Clock
	logger   *zap.Logger
	cfg      Config

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Scheduler.
func New(ledger core.Ledger, coord core.Coord, executor *Executor, clock core.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PriorityTiers <= 0 {
		cfg.PriorityTiers = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Scheduler{
		ledger:   ledger,
		coord:    coord,
		executor: executor,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Concurrency),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the loop to poll immediately, e.g. after a submission.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is canceled, then waits for in-flight workers.
func (s *Scheduler) Run(ctx context.Context) {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	var recoverCh <-chan time.Time
	if s.cfg.RecoverySweep > 0 {
		recovery := time.NewTicker(s.cfg.RecoverySweep)
		defer recovery.Stop()
		recoverCh = recovery.C
	}

	s.logger.Info("scheduler started",
		zap.Int("concurrency", s.cfg.Concurrency),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler draining")
			s.wg.Wait()
			return
		case <-poll.C:
			s.pass(ctx)
		case <-s.wake:
			s.pass(ctx)
		case <-recoverCh:
			s.recoverStale(ctx)
		}
	}
}

// pass promotes new requests and dispatches queued work, highest tier first.
func (s *Scheduler) pass(ctx context.Context) {
	s.promoteNew(ctx)
	s.dispatchSearches(ctx)

	for tier := s.cfg.PriorityTiers - 1; tier >= 0; tier-- {
		if !s.dispatchSitemaps(ctx, tier) {
			return
		}
		if !s.dispatchCrawls(ctx, tier) {
			return
		}
	}
}

// promoteNew moves freshly submitted requests into the queued state.
func (s *Scheduler) promoteNew(ctx context.Context) {
	ids, err := s.ledger.ListNew(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list new requests failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := s.ledger.CompareAndSetStatus(ctx, id, core.StatusNew, core.StatusQueued, core.CrawlUpdate{}); err != nil {
			s.logger.Error("promote request failed", zap.String("id", id), zap.Error(err))
		}
	}
}

// dispatchCrawls admits and launches queued crawls for one tier. It returns
// false when the worker pool is saturated, ending the pass.
func (s *Scheduler) dispatchCrawls(ctx context.Context, tier int) bool {
	reqs, err := s.ledger.ListSchedulable(ctx, tier, s.cfg.BatchSize, s.clock.Now())
	if err != nil {
		s.logger.Error("list schedulable crawls failed", zap.Int("tier", tier), zap.Error(err))
		return true
	}

	for _, req := range reqs {
		if !s.reserveSlot() {
			return false
		}

		lock, admitted := s.admit(ctx, req)
		if !admitted {
			s.freeSlot()
			continue
		}

		won, err := s.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusQueued, core.StatusRunning, core.CrawlUpdate{})
		if err != nil || !won {
			// Lost to a concurrent dispatcher or a cancel; the lock must not
			// outlive the claim attempt.
			if releaseErr := s.coord.ReleaseLock(ctx, lock); releaseErr != nil {
				s.logger.Warn("release after lost claim failed", zap.String("id", req.ID), zap.Error(releaseErr))
			}
			s.freeSlot()
			if err != nil {
				s.logger.Error("claim crawl failed", zap.String("id", req.ID), zap.Error(err))
			}
			continue
		}

		running := req
		running.Status = core.StatusRunning
		s.wg.Add(1)
		go func(r core.CrawlRequest, l core.LockToken) {
			defer s.wg.Done()
			defer s.freeSlot()
			s.executor.RunCrawl(ctx, r, l)
		}(running, lock)
	}
	return true
}

// admit runs the two non-blocking gates: the URL lock, then the domain token
// bucket. The lock comes first so contention on a hot URL never burns a token
// the domain could have spent elsewhere. A denied request simply stays queued
// for a later pass; neither gate consumes an attempt.
func (s *Scheduler) admit(ctx context.Context, req core.CrawlRequest) (core.LockToken, bool) {
	lock, acquired, err := s.coord.TryAcquireLock(ctx, req.NormalizedURL, s.cfg.LockTTL)
	if err != nil {
		s.logger.Error("lock probe failed", zap.String("url", req.NormalizedURL), zap.Error(err))
		return core.LockToken{}, false
	}
	if !acquired {
		telemetry.ObserveAdmissionReject("lock_held")
		return core.LockToken{}, false
	}

	allowed, err := s.coord.TryConsumeToken(ctx, req.Domain)
	if err != nil || !allowed {
		if releaseErr := s.coord.ReleaseLock(ctx, lock); releaseErr != nil {
			s.logger.Warn("release after token denial failed", zap.String("url", req.NormalizedURL), zap.Error(releaseErr))
		}
		if err != nil {
			s.logger.Error("token probe failed", zap.String("domain", req.Domain), zap.Error(err))
		} else {
			telemetry.ObserveAdmissionReject("rate_limit")
		}
		return core.LockToken{}, false
	}
	return lock, true
}

func (s *Scheduler) dispatchSitemaps(ctx context.Context, tier int) bool {
	reqs, err := s.ledger.ListSchedulableSitemaps(ctx, tier, s.cfg.BatchSize, s.clock.Now())
	if err != nil {
		s.logger.Error("list schedulable sitemaps failed", zap.Int("tier", tier), zap.Error(err))
		return true
	}

	for _, req := range reqs {
		if !s.reserveSlot() {
			return false
		}

		// Lock under the canonical spelling so two submissions of the same
		// sitemap cannot run concurrently.
		key, err := core.NormalizeURL(req.URL)
		if err != nil {
			key = req.URL
		}
		lock, acquired, err := s.coord.TryAcquireLock(ctx, key, s.cfg.LockTTL)
		if err != nil || !acquired {
			if !acquired && err == nil {
				telemetry.ObserveAdmissionReject("lock_held")
			}
			s.freeSlot()
			continue
		}

		won, err := s.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusQueued, core.StatusRunning, core.CrawlUpdate{})
		if err != nil || !won {
			if releaseErr := s.coord.ReleaseLock(ctx, lock); releaseErr != nil {
				s.logger.Warn("release after lost claim failed", zap.String("id", req.ID), zap.Error(releaseErr))
			}
			s.freeSlot()
			if err != nil {
				s.logger.Error("claim sitemap failed", zap.String("id", req.ID), zap.Error(err))
			}
			continue
		}

		running := req
		running.Status = core.StatusRunning
		s.wg.Add(1)
		go func(r core.SitemapRequest, l core.LockToken) {
			defer s.wg.Done()
			defer s.freeSlot()
			s.executor.RunSitemap(ctx, r, l)
		}(running, lock)
	}
	return true
}

// dispatchSearches runs queued index queries. Searches need no admission:
// they touch no remote domain.
func (s *Scheduler) dispatchSearches(ctx context.Context) {
	reqs, err := s.ledger.ListSchedulableSearches(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list schedulable searches failed", zap.Error(err))
		return
	}

	for _, req := range reqs {
		if !s.reserveSlot() {
			return
		}

		won, err := s.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusQueued, core.StatusRunning, core.CrawlUpdate{})
		if err != nil || !won {
			s.freeSlot()
			if err != nil {
				s.logger.Error("claim search failed", zap.String("id", req.ID), zap.Error(err))
			}
			continue
		}

		running := req
		running.Status = core.StatusRunning
		s.wg.Add(1)
		go func(r core.SearchRequest) {
			defer s.wg.Done()
			defer s.freeSlot()
			s.executor.RunSearch(ctx, r)
		}(running)
	}
}

// recoverStale reclaims requests stuck in running past the stale cutoff,
// typically after a worker crash. The URL lock has expired by then, so the
// request simply re-enters the queue without an attempt charge.
func (s *Scheduler) recoverStale(ctx context.Context) {
	if s.cfg.StaleRunning <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.cfg.StaleRunning)
	reqs, err := s.ledger.ListRunningSince(ctx, cutoff)
	if err != nil {
		s.logger.Error("list stale running failed", zap.Error(err))
		return
	}
	for _, req := range reqs {
		won, err := s.ledger.CompareAndSetStatus(ctx, req.ID, core.StatusRunning, core.StatusQueued, core.CrawlUpdate{})
		if err != nil {
			s.logger.Error("recover stale request failed", zap.String("id", req.ID), zap.Error(err))
			continue
		}
		if won {
			telemetry.ObserveRecovered()
			s.logger.Warn("reclaimed stale running request",
				zap.String("id", req.ID),
				zap.String("url", req.URL),
			)
		}
	}
}

func (s *Scheduler) reserveSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) freeSlot() {
	<-s.slots
}
