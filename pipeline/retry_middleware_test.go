/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport produces canned outcomes for consecutive attempts
// and records what each attempt looked like.
type fakeTransport struct {
	outcomes []fakeOutcome
	calls    int
	headers  []string
	bodies   [][]byte
}

type fakeOutcome struct {
	statusCode int
	header     http.Header
	err        error
}

func (ft *fakeTransport) next(c *Context) error {
	ft.calls++
	ft.headers = append(ft.headers, c.Request.Header.Get(RetryAttemptNumberHeader))
	if c.Request.Body != nil {
		body, _ := io.ReadAll(c.Request.Body)
		ft.bodies = append(ft.bodies, body)
	}

	outcome := ft.outcomes[0]
	if len(ft.outcomes) > 1 {
		ft.outcomes = ft.outcomes[1:]
	}
	if outcome.err != nil {
		return outcome.err
	}
	header := outcome.header
	if header == nil {
		header = make(http.Header)
	}
	c.Response = &http.Response{
		StatusCode: outcome.statusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte("body"))),
		Request:    c.Request,
	}
	return nil
}

func newFastRetryMiddleware(t *testing.T, opts RetryMiddlewareOpts) *RetryMiddleware {
	t.Helper()
	if opts.MinDelay == 0 {
		opts.MinDelay = 5 * time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 20 * time.Millisecond
	}
	mw, err := NewRetryMiddlewareWithOpts(opts)
	require.NoError(t, err)
	return mw
}

func TestNewRetryMiddlewareWithOpts(t *testing.T) {
	t.Run("defaults are applied", func(t *testing.T) {
		mw, err := NewRetryMiddlewareWithOpts(RetryMiddlewareOpts{})
		require.NoError(t, err)
		require.Equal(t, DefaultMaxRetryAttempts, mw.MaxRetryAttempts)
		require.Equal(t, DefaultRetryAfterCap, mw.RetryAfterCap)
		require.NotNil(t, mw.BackoffPolicy)
		require.Contains(t, mw.RetryableMethods, http.MethodGet)
		require.NotContains(t, mw.RetryableMethods, http.MethodPost)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := NewRetryMiddlewareWithOpts(RetryMiddlewareOpts{MaxRetryAttempts: -2})
		require.Error(t, err)
		_, err = NewRetryMiddlewareWithOpts(RetryMiddlewareOpts{MinDelay: time.Second, MaxDelay: time.Millisecond})
		require.Error(t, err)
		_, err = NewRetryMiddlewareWithOpts(RetryMiddlewareOpts{BackoffFactor: 0.5})
		require.Error(t, err)
	})
}

func TestRetryMiddleware_Handle(t *testing.T) {
	t.Run("two failures then success", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusOK},
		}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{MaxRetryAttempts: 2})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		err := mw.Handle(cc, func() error { return ft.next(cc) })
		require.NoError(t, err)
		require.Equal(t, 3, ft.calls)
		require.Equal(t, http.StatusOK, cc.Response.StatusCode)
		require.Equal(t, 2, cc.MetaInt(MetaKeyRetryAttempts))
	})

	t.Run("retry attempt number header is set on retries only", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusOK},
		}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{MaxRetryAttempts: 2})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, func() error { return ft.next(cc) }))
		require.Equal(t, []string{"", "1", "2"}, ft.headers)
	})

	t.Run("retryable response outlives all attempts and is surfaced as-is", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{{statusCode: http.StatusServiceUnavailable}}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{MaxRetryAttempts: 1})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		err := mw.Handle(cc, func() error { return ft.next(cc) })
		require.NoError(t, err)
		require.Equal(t, 2, ft.calls)
		require.Equal(t, http.StatusServiceUnavailable, cc.Response.StatusCode)
	})

	t.Run("transport errors exhaust into RetryExhaustedError", func(t *testing.T) {
		transportErr := fmt.Errorf("read response: %w", io.EOF)
		ft := &fakeTransport{outcomes: []fakeOutcome{{err: transportErr}}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{MaxRetryAttempts: 1})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		err := mw.Handle(cc, func() error { return ft.next(cc) })
		var exhaustedErr *RetryExhaustedError
		require.ErrorAs(t, err, &exhaustedErr)
		require.Equal(t, 2, exhaustedErr.Attempts)
		require.ErrorIs(t, exhaustedErr, io.EOF)
		require.Equal(t, 2, ft.calls)
	})

	t.Run("non-retryable method is not retried", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{{statusCode: http.StatusServiceUnavailable}}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{MaxRetryAttempts: 2})

		cc := newTestContext(t, http.MethodPost, "http://example.com")
		err := mw.Handle(cc, func() error { return ft.next(cc) })
		require.NoError(t, err)
		require.Equal(t, 1, ft.calls)
		require.Equal(t, http.StatusServiceUnavailable, cc.Response.StatusCode)
	})

	t.Run("idempotent hint makes unsafe method retryable", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusOK},
		}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{MaxRetryAttempts: 2})

		req, err := http.NewRequestWithContext(
			NewContextWithIdempotentHint(context.Background(), true),
			http.MethodPost, "http://example.com", bytes.NewReader([]byte("payload")))
		require.NoError(t, err)
		cc := NewContext(req)

		require.NoError(t, mw.Handle(cc, func() error { return ft.next(cc) }))
		require.Equal(t, 2, ft.calls)
	})

	t.Run("request body is rewound between attempts", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusOK},
		}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{
			MaxRetryAttempts: 2,
			RetryableMethods: []string{http.MethodPost},
		})

		payload := []byte(`{"field1":"ultimate_answer_field","field2":42}`)
		req, err := http.NewRequest(http.MethodPost, "http://example.com", bytes.NewReader(payload))
		require.NoError(t, err)
		cc := NewContext(req)

		require.NoError(t, mw.Handle(cc, func() error { return ft.next(cc) }))
		require.Equal(t, [][]byte{payload, payload, payload}, ft.bodies)
	})

	t.Run("Retry-After header delays the next attempt", func(t *testing.T) {
		retryAfterHeader := make(http.Header)
		retryAfterHeader.Set("Retry-After", "1")
		ft := &fakeTransport{outcomes: []fakeOutcome{
			{statusCode: http.StatusTooManyRequests, header: retryAfterHeader},
			{statusCode: http.StatusOK},
		}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{
			MaxRetryAttempts:  1,
			RespectRetryAfter: true,
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		start := time.Now()
		require.NoError(t, mw.Handle(cc, func() error { return ft.next(cc) }))
		require.Equal(t, 2, ft.calls)
		require.GreaterOrEqual(t, time.Since(start), time.Second)
	})

	t.Run("Retry-After is capped", func(t *testing.T) {
		retryAfterHeader := make(http.Header)
		retryAfterHeader.Set("Retry-After", "3600")
		ft := &fakeTransport{outcomes: []fakeOutcome{
			{statusCode: http.StatusTooManyRequests, header: retryAfterHeader},
			{statusCode: http.StatusOK},
		}}
		var observedDelay time.Duration
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{
			MaxRetryAttempts:  1,
			RespectRetryAfter: true,
			RetryAfterCap:     10 * time.Millisecond,
			OnRetry: func(attempt int, delay time.Duration, cause error) {
				observedDelay = delay
			},
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, func() error { return ft.next(cc) }))
		require.Equal(t, 10*time.Millisecond, observedDelay)
	})

	t.Run("caller cancellation is not reported as exhaustion", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{{statusCode: http.StatusServiceUnavailable}}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{
			MaxRetryAttempts: 10,
			MinDelay:         100 * time.Millisecond,
			MaxDelay:         100 * time.Millisecond,
		})

		ctx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)
		require.NoError(t, err)
		cc := NewContext(req)

		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()
		err = mw.Handle(cc, func() error { return ft.next(cc) })
		require.ErrorIs(t, err, context.Canceled)
		var exhaustedErr *RetryExhaustedError
		require.False(t, errors.As(err, &exhaustedErr))
	})

	t.Run("total timeout bounds the retry loop", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{{statusCode: http.StatusServiceUnavailable}}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{
			MaxRetryAttempts: UnlimitedRetryAttempts,
			MinDelay:         10 * time.Millisecond,
			MaxDelay:         10 * time.Millisecond,
			TotalTimeout:     50 * time.Millisecond,
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		start := time.Now()
		err := mw.Handle(cc, func() error { return ft.next(cc) })
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, time.Since(start), time.Second)
		require.Greater(t, ft.calls, 1)
	})

	t.Run("observer panic doesn't break the pipeline", func(t *testing.T) {
		ft := &fakeTransport{outcomes: []fakeOutcome{
			{statusCode: http.StatusServiceUnavailable},
			{statusCode: http.StatusOK},
		}}
		mw := newFastRetryMiddleware(t, RetryMiddlewareOpts{
			MaxRetryAttempts: 1,
			OnRetry: func(attempt int, delay time.Duration, cause error) {
				panic("observer is broken")
			},
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, func() error { return ft.next(cc) }))
		require.Equal(t, 2, ft.calls)
	})
}

func TestNewExponentialBackoffPolicy(t *testing.T) {
	t.Run("delays grow by factor up to the cap", func(t *testing.T) {
		policy := NewExponentialBackoffPolicy(10*time.Millisecond, 45*time.Millisecond, 2, false)
		bf := policy.NewBackOff()
		require.Equal(t, 10*time.Millisecond, bf.NextBackOff())
		require.Equal(t, 20*time.Millisecond, bf.NextBackOff())
		require.Equal(t, 40*time.Millisecond, bf.NextBackOff())
		require.Equal(t, 45*time.Millisecond, bf.NextBackOff())
	})

	t.Run("full jitter stays within the computed delay", func(t *testing.T) {
		policy := NewExponentialBackoffPolicy(10*time.Millisecond, 45*time.Millisecond, 2, true)
		bf := policy.NewBackOff()
		for i := 0; i < 10; i++ {
			d := bf.NextBackOff()
			require.GreaterOrEqual(t, d, time.Duration(0))
			require.LessOrEqual(t, d, 45*time.Millisecond)
		}
	})
}
