// Package retry classifies failures and computes re-enqueue backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Controller maps failures to error kinds and schedules retries.
type Controller struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// New builds a controller. base is the first-retry delay, doubled per attempt
// and capped at max.
func New(base, max time.Duration) *Controller {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Controller{baseDelay: base, maxDelay: max}
}

// Classify maps an error to the failure taxonomy.
func Classify(err error) core.ErrorKind {
	if err == nil {
		return core.ErrorKindNone
	}

	var extractErr *core.ExtractionError
	if errors.As(err, &extractErr) {
		return core.ErrorKindExtraction
	}

	var storageErr *core.StorageError
	if errors.As(err, &storageErr) {
		return core.ErrorKindStorage
	}

	var statusErr *core.HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return core.ErrorKindRateLimitSignaled
		case statusErr.StatusCode >= 500:
			return core.ErrorKindTransientFetch
		default:
			return core.ErrorKindPermanentFetch
		}
	}

	// Interruption is not a fetch failure: the worker was canceled by
	// shutdown or lock loss, and the request goes back without a charge.
	if errors.Is(err, context.Canceled) {
		return core.ErrorKindNone
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrorKindTransientFetch
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout && !dnsErr.IsTemporary {
		return core.ErrorKindPermanentFetch
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.ErrorKindTransientFetch
	}

	// Connection resets and other transport-level failures surface as plain
	// errors from colly; treat unknown fetch errors as transient.
	return core.ErrorKindTransientFetch
}

// Backoff returns the delay before the given retry attempt (1-based).
// Delays are non-decreasing and bounded above by the cap plus jitter.
func (c *Controller) Backoff(attempt int, kind core.ErrorKind) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if kind == core.ErrorKindRateLimitSignaled {
		// An explicit backoff signal deserves at least a doubled floor.
		delay *= 2
	}
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay) + randomJitter(time.Duration(delay)/4)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Outcome describes the transition the controller decided on.
type Outcome struct {
	Kind      core.ErrorKind
	Status    core.Status
	NotBefore time.Time
	Attempt   int
}

// Resolve decides the next state for a failed request: re-queue with backoff
// while retryable attempts remain, terminal failed otherwise. Lock and token
// contention never reach here; they re-queue without consuming the budget.
func (c *Controller) Resolve(req core.CrawlRequest, err error, now time.Time) Outcome {
	kind := Classify(err)
	attempt := req.AttemptCount + 1

	if !kind.Retryable() || attempt >= req.MaxAttempts {
		return Outcome{
			Kind:    kind,
			Status:  core.StatusFailed,
			Attempt: minInt(attempt, req.MaxAttempts),
		}
	}

	return Outcome{
		Kind:      kind,
		Status:    core.StatusQueued,
		NotBefore: now.Add(c.Backoff(attempt, kind)),
		Attempt:   attempt,
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
