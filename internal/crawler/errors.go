package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrNotFound is returned when a job or chunk does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a job is not in the status a
	// transition requires, usually because another worker got there first.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrContentTooShort marks pages whose cleaned text is below the
	// chunking threshold. Such jobs complete with zero chunks.
	ErrContentTooShort = errors.New("content too short")
	// ErrMappingExists is returned when a source already maps a chunk at
	// the requested index.
	ErrMappingExists = errors.New("source chunk mapping already exists")
	// ErrInvalidInput marks caller mistakes such as missing IDs or
	// malformed URLs.
	ErrInvalidInput = errors.New("invalid input")
)

// FetchError reports a network failure, timeout, or non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch failed because a deadline passed.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// QuotaExceededError is returned at admission time when a customer limit
// would be exceeded. Callers should wait RetryAfter before trying again.
type QuotaExceededError struct {
	CustomerID string
	Reason     string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for customer %s: %s limit (retry after %s)",
		e.CustomerID, e.Reason, e.RetryAfter.Round(time.Second))
}

// CompressionError reports a codec failure. Compression falls back to a
// weaker codec on encode, so this is only surfaced when decoding.
type CompressionError struct {
	Codec string
	Err   error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s codec: %v", e.Codec, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// IsQuotaExceeded reports whether err carries a QuotaExceededError.
func IsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
