package fetch

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	// ErrNotFound is a single not-found response; the client retries these
	// internally because the upstream is eventually consistent.
	ErrNotFound = errors.New("message not found")

	// ErrNotFoundExhausted means the not-found retry budget ran out.
	ErrNotFoundExhausted = errors.New("message not found after retry budget exhausted")
)

// RateLimitedError is a throttle response from the upstream. It carries the
// server-suggested wait, if any.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// RequestError is a non-retryable upstream failure (permission, malformed id).
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("graph request failed: HTTP %d", e.StatusCode)
}

// IsPermanent reports whether err will not be resolved by retrying.
func IsPermanent(err error) bool {
	var reqErr *RequestError
	return errors.Is(err, ErrNotFoundExhausted) || errors.As(err, &reqErr)
}
