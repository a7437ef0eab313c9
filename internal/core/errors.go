package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy driving retry decisions.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindTransientFetch    ErrorKind = "transient_fetch"
	ErrorKindRateLimitSignaled ErrorKind = "rate_limit_signaled"
	ErrorKindPermanentFetch    ErrorKind = "permanent_fetch"
	ErrorKindExtraction        ErrorKind = "extraction"
	ErrorKindStorage           ErrorKind = "storage"
)

// Retryable reports whether failures of this kind consume another attempt
// instead of terminating the request.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTransientFetch, ErrorKindRateLimitSignaled, ErrorKindStorage:
		return true
	default:
		return false
	}
}

// Sentinel errors shared across stores.
var (
	ErrNotFound = errors.New("request not found")
	ErrConflict = errors.New("request id already exists")
	ErrCanceled = errors.New("request canceled")
)

// HTTPStatusError marks a fetch that completed with a non-2xx status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
}

// ExtractionError marks content no plugin could handle. Never retried:
// refetching the same bytes cannot fix it.
type ExtractionError struct {
	ContentType string
	Reason      string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.ContentType, e.Reason)
}

// StorageError marks a blob-store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
