/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCircuitBreaker(t *testing.T, opts CircuitBreakerMiddlewareOpts) *CircuitBreakerMiddleware {
	t.Helper()
	mw, err := NewCircuitBreakerMiddlewareWithOpts(opts)
	require.NoError(t, err)
	return mw
}

func failingNext(cc *Context) Next {
	return func() error {
		cc.Response = &http.Response{StatusCode: http.StatusInternalServerError, Header: make(http.Header)}
		return nil
	}
}

func succeedingNext(cc *Context) Next {
	return func() error {
		cc.Response = &http.Response{StatusCode: http.StatusOK, Header: make(http.Header)}
		return nil
	}
}

func TestCircuitBreakerMiddleware_Handle(t *testing.T) {
	t.Run("opens after reaching the failure threshold", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{FailureThreshold: 2})

		for i := 0; i < 2; i++ {
			cc := newTestContext(t, http.MethodGet, "http://example.com/a")
			require.NoError(t, mw.Handle(cc, failingNext(cc)))
		}
		require.Equal(t, CircuitOpen, mw.State("http://example.com"))

		var transportCalled bool
		cc := newTestContext(t, http.MethodGet, "http://example.com/b")
		err := mw.Handle(cc, func() error {
			transportCalled = true
			return nil
		})
		var circuitErr *CircuitOpenError
		require.ErrorAs(t, err, &circuitErr)
		require.Equal(t, "http://example.com", circuitErr.Key)
		require.False(t, transportCalled)
	})

	t.Run("keys are tracked independently", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{FailureThreshold: 1})

		cc := newTestContext(t, http.MethodGet, "http://bad.example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))
		require.Equal(t, CircuitOpen, mw.State("http://bad.example.com"))

		other := newTestContext(t, http.MethodGet, "http://good.example.com")
		require.NoError(t, mw.Handle(other, succeedingNext(other)))
		require.Equal(t, CircuitClosed, mw.State("http://good.example.com"))
	})

	t.Run("transport errors count as failures", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{FailureThreshold: 1})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		wantErr := errors.New("connection refused")
		require.ErrorIs(t, mw.Handle(cc, func() error { return wantErr }), wantErr)
		require.Equal(t, CircuitOpen, mw.State("http://example.com"))
	})

	t.Run("policy errors don't count as failures", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{FailureThreshold: 1})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		_ = mw.Handle(cc, func() error {
			return &RateLimitError{Key: "example.com"}
		})
		require.Equal(t, CircuitClosed, mw.State("http://example.com"))
	})

	t.Run("successful probe closes the circuit after reset timeout", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{
			FailureThreshold: 1,
			ResetTimeout:     20 * time.Millisecond,
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))
		require.Equal(t, CircuitOpen, mw.State("http://example.com"))

		time.Sleep(30 * time.Millisecond)

		probe := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(probe, succeedingNext(probe)))
		require.Equal(t, CircuitClosed, mw.State("http://example.com"))

		after := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(after, succeedingNext(after)))
	})

	t.Run("failed probe reopens the circuit", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{
			FailureThreshold: 1,
			ResetTimeout:     20 * time.Millisecond,
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))

		time.Sleep(30 * time.Millisecond)

		probe := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(probe, failingNext(probe)))
		require.Equal(t, CircuitOpen, mw.State("http://example.com"))
	})

	t.Run("only one half-open probe is admitted concurrently", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{
			FailureThreshold: 1,
			ResetTimeout:     10 * time.Millisecond,
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))

		time.Sleep(20 * time.Millisecond)

		var mu sync.Mutex
		var admitted, rejected int
		release := make(chan struct{})

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				probe := newTestContext(t, http.MethodGet, "http://example.com")
				err := mw.Handle(probe, func() error {
					<-release
					probe.Response = &http.Response{StatusCode: http.StatusOK, Header: make(http.Header)}
					return nil
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					admitted++
				} else {
					rejected++
				}
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		require.Equal(t, 1, admitted)
		require.Equal(t, 4, rejected)
		require.Equal(t, CircuitClosed, mw.State("http://example.com"))
	})

	t.Run("failures outside the window don't accumulate", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{
			FailureThreshold: 2,
			FailureWindow:    30 * time.Millisecond,
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))

		time.Sleep(50 * time.Millisecond)

		cc2 := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc2, failingNext(cc2)))
		require.Equal(t, CircuitClosed, mw.State("http://example.com"))
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{FailureThreshold: 2})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))
		ok := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(ok, succeedingNext(ok)))
		cc2 := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc2, failingNext(cc2)))

		require.Equal(t, CircuitClosed, mw.State("http://example.com"))
	})

	t.Run("state change observer is notified", func(t *testing.T) {
		type transition struct {
			oldState, newState CircuitState
		}
		var mu sync.Mutex
		var transitions []transition
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{
			FailureThreshold: 1,
			ResetTimeout:     10 * time.Millisecond,
			OnStateChange: func(key string, oldState, newState CircuitState, failures int) {
				mu.Lock()
				defer mu.Unlock()
				transitions = append(transitions, transition{oldState, newState})
			},
		})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))
		time.Sleep(20 * time.Millisecond)
		probe := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(probe, succeedingNext(probe)))

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, []transition{
			{CircuitClosed, CircuitOpen},
			{CircuitOpen, CircuitHalfOpen},
			{CircuitHalfOpen, CircuitClosed},
		}, transitions)
	})

	t.Run("Reset forcibly closes the circuit", func(t *testing.T) {
		mw := newTestCircuitBreaker(t, CircuitBreakerMiddlewareOpts{FailureThreshold: 1})

		cc := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(cc, failingNext(cc)))
		require.Equal(t, CircuitOpen, mw.State("http://example.com"))

		mw.Reset("http://example.com")
		require.Equal(t, CircuitClosed, mw.State("http://example.com"))

		after := newTestContext(t, http.MethodGet, "http://example.com")
		require.NoError(t, mw.Handle(after, succeedingNext(after)))
	})
}

func TestDefaultCircuitFailure(t *testing.T) {
	require.True(t, DefaultCircuitFailure(nil, io.EOF))
	require.True(t, DefaultCircuitFailure(&http.Response{StatusCode: http.StatusBadGateway}, nil))
	require.False(t, DefaultCircuitFailure(&http.Response{StatusCode: http.StatusOK}, nil))
	require.False(t, DefaultCircuitFailure(&http.Response{StatusCode: http.StatusTooManyRequests}, nil))
	require.False(t, DefaultCircuitFailure(nil, &RateLimitError{Key: "k"}))
	require.False(t, DefaultCircuitFailure(nil, &CircuitOpenError{Key: "k"}))
}

func TestDefaultCircuitKey(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://Example.com:8443/path?q=1", nil)
	require.NoError(t, err)
	require.Equal(t, "https://Example.com:8443", DefaultCircuitKey(req))
}
