/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, method, url string) *Context {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	return NewContext(req)
}

func namedMiddleware(name string, trace *[]string) Middleware {
	return MiddlewareFunc(func(c *Context, next Next) error {
		*trace = append(*trace, name+":in")
		err := next()
		*trace = append(*trace, name+":out")
		return err
	})
}

func TestCompose(t *testing.T) {
	t.Run("executes middlewares in onion order", func(t *testing.T) {
		var trace []string
		mw := Compose(
			namedMiddleware("a", &trace),
			namedMiddleware("b", &trace),
			namedMiddleware("c", &trace),
		)

		err := mw.Handle(newTestContext(t, http.MethodGet, "http://example.com"), func() error {
			trace = append(trace, "terminal")
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"a:in", "b:in", "c:in", "terminal", "c:out", "b:out", "a:out"}, trace)
	})

	t.Run("empty chain invokes terminal next", func(t *testing.T) {
		var called bool
		err := Compose().Handle(newTestContext(t, http.MethodGet, "http://example.com"), func() error {
			called = true
			return nil
		})
		require.NoError(t, err)
		require.True(t, called)
	})

	t.Run("nil terminal next is allowed", func(t *testing.T) {
		var trace []string
		err := Compose(namedMiddleware("a", &trace)).Handle(
			newTestContext(t, http.MethodGet, "http://example.com"), nil)
		require.NoError(t, err)
		require.Equal(t, []string{"a:in", "a:out"}, trace)
	})

	t.Run("short-circuit skips downstream middlewares", func(t *testing.T) {
		var trace []string
		shortCircuit := MiddlewareFunc(func(c *Context, next Next) error {
			trace = append(trace, "sc")
			c.Response = &http.Response{StatusCode: http.StatusOK}
			return nil
		})

		var terminalCalled bool
		cc := newTestContext(t, http.MethodGet, "http://example.com")
		err := Compose(namedMiddleware("a", &trace), shortCircuit, namedMiddleware("b", &trace)).Handle(
			cc, func() error {
				terminalCalled = true
				return nil
			})
		require.NoError(t, err)
		require.False(t, terminalCalled)
		require.Equal(t, []string{"a:in", "sc", "a:out"}, trace)
		require.NotNil(t, cc.Response)
	})

	t.Run("error propagates through the chain unchanged", func(t *testing.T) {
		wantErr := errors.New("transport is down")
		var sawErr error
		observer := MiddlewareFunc(func(c *Context, next Next) error {
			sawErr = next()
			return sawErr
		})

		err := Compose(observer).Handle(newTestContext(t, http.MethodGet, "http://example.com"), func() error {
			return wantErr
		})
		require.ErrorIs(t, err, wantErr)
		require.ErrorIs(t, sawErr, wantErr)
	})

	t.Run("second next call fails with MultipleNextCallsError", func(t *testing.T) {
		doubleCaller := MiddlewareFunc(func(c *Context, next Next) error {
			if err := next(); err != nil {
				return err
			}
			return next()
		})

		err := Compose(doubleCaller).Handle(newTestContext(t, http.MethodGet, "http://example.com"), func() error {
			return nil
		})
		var multiErr *MultipleNextCallsError
		require.ErrorAs(t, err, &multiErr)
		require.Equal(t, 0, multiErr.Index)
	})

	t.Run("second next call deep in the chain is detected", func(t *testing.T) {
		var trace []string
		doubleCaller := MiddlewareFunc(func(c *Context, next Next) error {
			_ = next()
			return next()
		})

		err := Compose(namedMiddleware("a", &trace), namedMiddleware("b", &trace), doubleCaller).Handle(
			newTestContext(t, http.MethodGet, "http://example.com"), func() error { return nil })
		var multiErr *MultipleNextCallsError
		require.ErrorAs(t, err, &multiErr)
		require.Equal(t, 2, multiErr.Index)
	})

	t.Run("composed middleware is reusable across calls", func(t *testing.T) {
		var calls int
		mw := Compose(PassthroughMiddleware())
		for i := 0; i < 3; i++ {
			err := mw.Handle(newTestContext(t, http.MethodGet, "http://example.com"), func() error {
				calls++
				return nil
			})
			require.NoError(t, err)
		}
		require.Equal(t, 3, calls)
	})
}

func TestPassthroughMiddleware(t *testing.T) {
	var called bool
	err := PassthroughMiddleware().Handle(newTestContext(t, http.MethodGet, "http://example.com"), func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
