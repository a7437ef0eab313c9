// Package memory implements the lock and rate coordination store in-process.
// Multiple worker goroutines share one instance; a multi-process deployment
// swaps in a store backed by an external coordinator behind the same interface.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Config holds the shared token-bucket parameters.
type Config struct {
	DomainRPS   float64
	DomainBurst int
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// Coord implements core.Coord with mutex-guarded maps. Lock expiry is lazy:
// an expired entry is treated as free on the next acquire.
type Coord struct {
	mu      sync.Mutex
	locks   map[string]lockEntry
	buckets map[string]*rate.Limiter
	cfg     Config
	clock   core.Clock
}

// New constructs a Coord.
func New(cfg Config, clock core.Clock) *Coord {
	if cfg.DomainBurst <= 0 {
		cfg.DomainBurst = 1
	}
	return &Coord{
		locks:   make(map[string]lockEntry),
		buckets: make(map[string]*rate.Limiter),
		cfg:     cfg,
		clock:   clock,
	}
}

// TryAcquireLock takes the lock for key if no valid holder exists. All-or-
// nothing and non-blocking.
func (c *Coord) TryAcquireLock(_ context.Context, key string, ttl time.Duration) (core.LockToken, bool, error) {
	if ttl <= 0 {
		return core.LockToken{}, false, fmt.Errorf("lock ttl must be > 0")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, held := c.locks[key]; held && entry.expiresAt.After(now) {
		return core.LockToken{}, false, nil
	}

	token := uuid.NewString()
	expires := now.Add(ttl)
	c.locks[key] = lockEntry{token: token, expiresAt: expires}
	return core.LockToken{Key: key, Token: token, ExpiresAt: expires}, true, nil
}

// RenewLock extends the lock only while the presented token still matches the
// live, unexpired lock. A holder whose lock lapsed cannot resurrect it.
func (c *Coord) RenewLock(_ context.Context, token core.LockToken, ttl time.Duration) (core.LockToken, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, held := c.locks[token.Key]
	if !held || entry.token != token.Token || !entry.expiresAt.After(now) {
		return core.LockToken{}, false, nil
	}
	entry.expiresAt = now.Add(ttl)
	c.locks[token.Key] = entry
	token.ExpiresAt = entry.expiresAt
	return token, true, nil
}

// ReleaseLock frees the lock if the token still holds it. Releasing a lock
// someone else re-acquired after expiry is a no-op.
func (c *Coord) ReleaseLock(_ context.Context, token core.LockToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, held := c.locks[token.Key]; held && entry.token == token.Token {
		delete(c.locks, token.Key)
	}
	return nil
}

// TryConsumeToken takes one token from the domain's bucket without blocking.
// Refill is continuous fractional accrual via rate.Limiter.
func (c *Coord) TryConsumeToken(_ context.Context, domain string) (bool, error) {
	c.mu.Lock()
	bucket, ok := c.buckets[domain]
	if !ok {
		limit := rate.Limit(c.cfg.DomainRPS)
		if c.cfg.DomainRPS <= 0 {
			limit = rate.Inf
		}
		bucket = rate.NewLimiter(limit, c.cfg.DomainBurst)
		c.buckets[domain] = bucket
	}
	c.mu.Unlock()

	return bucket.Allow(), nil
}
