/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RetryExhaustedError is returned when all retry attempts are done and the call still failed.
// It carries the number of requests done and the last underlying cause.
type RetryExhaustedError struct {
	Attempts int
	Inner    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempt(s): %s", e.Attempts, e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Inner
}

// CircuitOpenError is returned when the circuit breaker short-circuits a call
// without invoking the transport. It's terminal for the call and is not counted
// as a new circuit failure.
type CircuitOpenError struct {
	Key      string
	State    CircuitState
	Failures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s for key %q (failures: %d)", e.State, e.Key, e.Failures)
}

// RateLimitError is returned when the per-key quota is exhausted and the call is rejected
// without invoking the transport.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for key %q, retry after %s", e.Key, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for key %q", e.Key)
}

// CheckErrorIsTemporary checks either error is temporary or not.
func CheckErrorIsTemporary(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var terr interface{ Temporary() bool }
	ok := errors.As(err, &terr)
	return ok && terr.Temporary()
}

// CheckRetryFunc is a function that is called right after a request attempt
// and determines if the next retry attempt is needed.
type CheckRetryFunc func(ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int) (bool, error)

// DefaultCheckRetry represents default function to determine either retry is needed or not.
// Network-level and temporary errors and responses with 429 or 5xx status codes are
// considered retryable. Policy errors produced by the pipeline itself (circuit open,
// rate limit exceeded) and context cancellation are not.
func DefaultCheckRetry(
	ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int,
) (needRetry bool, err error) {
	if roundTripErr != nil {
		if errors.Is(roundTripErr, context.Canceled) {
			return false, nil
		}
		var circuitOpenErr *CircuitOpenError
		var rateLimitErr *RateLimitError
		if errors.As(roundTripErr, &circuitOpenErr) || errors.As(roundTripErr, &rateLimitErr) {
			return false, nil
		}
		if errors.Is(roundTripErr, context.DeadlineExceeded) {
			// Per-attempt deadlines are retryable; the caller's own deadline is checked
			// separately by the retry loop before the next attempt is started.
			return true, nil
		}
		return CheckErrorIsTemporary(roundTripErr), nil
	}
	if resp == nil {
		return false, fmt.Errorf("both response and round trip error are nil")
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError, nil
}
