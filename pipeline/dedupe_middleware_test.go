/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDedupeMiddleware(t *testing.T, opts DedupeMiddlewareOpts) *DedupeMiddleware {
	t.Helper()
	mw, err := NewDedupeMiddlewareWithOpts(opts)
	require.NoError(t, err)
	return mw
}

func TestDedupeMiddleware_Handle(t *testing.T) {
	t.Run("concurrent identical requests share one execution", func(t *testing.T) {
		mw := newTestDedupeMiddleware(t, DedupeMiddlewareOpts{})

		var transportCalls int32
		release := make(chan struct{})

		const callers = 5
		var wg sync.WaitGroup
		results := make([]*Context, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cc := newTestContext(t, http.MethodGet, "http://example.com/data")
				results[i] = cc
				errs[i] = mw.Handle(cc, func() error {
					atomic.AddInt32(&transportCalls, 1)
					<-release
					cc.Response = &http.Response{
						StatusCode: http.StatusOK,
						Header:     make(http.Header),
						Body:       io.NopCloser(bytes.NewReader([]byte("shared"))),
						Request:    cc.Request,
					}
					return nil
				})
			}(i)
		}

		// Let all callers either become the owner or join the in-flight entry.
		require.Eventually(t, func() bool { return mw.PendingLen() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		require.Equal(t, int32(1), atomic.LoadInt32(&transportCalls))
		var joined int
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			require.NotNil(t, results[i].Response)
			require.Equal(t, "shared", readBody(t, results[i].Response))
			if results[i].MetaBool(MetaKeyDedupeHit) {
				joined++
			}
		}
		require.Equal(t, callers-1, joined)
		require.Equal(t, 0, mw.PendingLen())
	})

	t.Run("completed execution is not joinable later", func(t *testing.T) {
		mw := newTestDedupeMiddleware(t, DedupeMiddlewareOpts{})
		var calls int32

		for i := 0; i < 2; i++ {
			cc := newTestContext(t, http.MethodGet, "http://example.com/data")
			require.NoError(t, mw.Handle(cc, servingNext(cc, cannedResponse{statusCode: http.StatusOK, body: "fresh"}, &calls)))
			require.False(t, cc.MetaBool(MetaKeyDedupeHit))
		}
		require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("owner error is shared with joiners", func(t *testing.T) {
		mw := newTestDedupeMiddleware(t, DedupeMiddlewareOpts{})
		wantErr := errors.New("connection refused")
		release := make(chan struct{})

		ownerDone := make(chan error, 1)
		go func() {
			cc := newTestContext(t, http.MethodGet, "http://example.com/data")
			ownerDone <- mw.Handle(cc, func() error {
				<-release
				return wantErr
			})
		}()
		require.Eventually(t, func() bool { return mw.PendingLen() == 1 }, time.Second, 5*time.Millisecond)

		joinerDone := make(chan error, 1)
		go func() {
			cc := newTestContext(t, http.MethodGet, "http://example.com/data")
			joinerDone <- mw.Handle(cc, func() error {
				t.Error("joiner must not execute the transport")
				return nil
			})
		}()
		time.Sleep(20 * time.Millisecond)
		close(release)

		require.ErrorIs(t, <-ownerDone, wantErr)
		require.ErrorIs(t, <-joinerDone, wantErr)
	})

	t.Run("joiner cancellation aborts only its own wait", func(t *testing.T) {
		mw := newTestDedupeMiddleware(t, DedupeMiddlewareOpts{})
		release := make(chan struct{})

		ownerDone := make(chan error, 1)
		ownerCtx := newTestContext(t, http.MethodGet, "http://example.com/data")
		go func() {
			ownerDone <- mw.Handle(ownerCtx, func() error {
				<-release
				ownerCtx.Response = &http.Response{
					StatusCode: http.StatusOK,
					Header:     make(http.Header),
					Body:       io.NopCloser(bytes.NewReader([]byte("shared"))),
				}
				return nil
			})
		}()
		require.Eventually(t, func() bool { return mw.PendingLen() == 1 }, time.Second, 5*time.Millisecond)

		joinCtx, cancelJoin := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(joinCtx, http.MethodGet, "http://example.com/data", nil)
		require.NoError(t, err)
		joiner := NewContext(req)

		joinerDone := make(chan error, 1)
		go func() {
			joinerDone <- mw.Handle(joiner, func() error { return nil })
		}()
		time.Sleep(20 * time.Millisecond)
		cancelJoin()

		require.ErrorIs(t, <-joinerDone, context.Canceled)

		close(release)
		require.NoError(t, <-ownerDone)
		require.Equal(t, "shared", readBody(t, ownerCtx.Response))
	})

	t.Run("unsafe method is not deduplicated without an idempotent hint", func(t *testing.T) {
		mw := newTestDedupeMiddleware(t, DedupeMiddlewareOpts{})
		var calls int32

		cc := newTestContext(t, http.MethodPost, "http://example.com/data")
		require.NoError(t, mw.Handle(cc, servingNext(cc, cannedResponse{statusCode: http.StatusOK, body: "x"}, &calls)))
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
		require.Equal(t, 0, mw.PendingLen())
	})

	t.Run("stuck in-flight entry is replaced past MaxAge", func(t *testing.T) {
		mw := newTestDedupeMiddleware(t, DedupeMiddlewareOpts{MaxAge: 20 * time.Millisecond})
		release := make(chan struct{})

		stuckDone := make(chan error, 1)
		go func() {
			cc := newTestContext(t, http.MethodGet, "http://example.com/data")
			stuckDone <- mw.Handle(cc, func() error {
				<-release
				return errors.New("eventually failed")
			})
		}()
		require.Eventually(t, func() bool { return mw.PendingLen() == 1 }, time.Second, 5*time.Millisecond)

		time.Sleep(40 * time.Millisecond)

		// A caller arriving past MaxAge must start a fresh execution instead of
		// waiting on the stuck one.
		var calls int32
		cc := newTestContext(t, http.MethodGet, "http://example.com/data")
		require.NoError(t, mw.Handle(cc, servingNext(cc, cannedResponse{statusCode: http.StatusOK, body: "fresh"}, &calls)))
		require.Equal(t, int32(1), atomic.LoadInt32(&calls))
		require.False(t, cc.MetaBool(MetaKeyDedupeHit))

		close(release)
		require.Error(t, <-stuckDone)
	})

	t.Run("dedupe observer fires for joiners", func(t *testing.T) {
		var joins int32
		mw := newTestDedupeMiddleware(t, DedupeMiddlewareOpts{
			OnDedupe: func(key string) { atomic.AddInt32(&joins, 1) },
		})
		release := make(chan struct{})

		ownerDone := make(chan error, 1)
		ownerCtx := newTestContext(t, http.MethodGet, "http://example.com/data")
		go func() {
			ownerDone <- mw.Handle(ownerCtx, func() error {
				<-release
				ownerCtx.Response = &http.Response{
					StatusCode: http.StatusOK,
					Header:     make(http.Header),
					Body:       io.NopCloser(bytes.NewReader(nil)),
				}
				return nil
			})
		}()
		require.Eventually(t, func() bool { return mw.PendingLen() == 1 }, time.Second, 5*time.Millisecond)

		joinerDone := make(chan error, 1)
		go func() {
			cc := newTestContext(t, http.MethodGet, "http://example.com/data")
			joinerDone <- mw.Handle(cc, func() error { return nil })
		}()
		time.Sleep(20 * time.Millisecond)
		close(release)
		require.NoError(t, <-ownerDone)
		require.NoError(t, <-joinerDone)
		require.Equal(t, int32(1), atomic.LoadInt32(&joins))
	})
}

func TestNewDedupeKeyFunc(t *testing.T) {
	t.Run("equivalent URLs produce the same fingerprint", func(t *testing.T) {
		keyFunc := NewDedupeKeyFunc(false)
		a, err := http.NewRequest(http.MethodGet, "HTTP://Example.com:80/data?b=2&a=1", nil)
		require.NoError(t, err)
		b, err := http.NewRequest(http.MethodGet, "http://example.com/data?a=1&b=2", nil)
		require.NoError(t, err)
		require.Equal(t, keyFunc(a), keyFunc(b))
	})

	t.Run("method is part of the fingerprint", func(t *testing.T) {
		keyFunc := NewDedupeKeyFunc(false)
		a, err := http.NewRequest(http.MethodGet, "http://example.com/data", nil)
		require.NoError(t, err)
		b, err := http.NewRequest(http.MethodHead, "http://example.com/data", nil)
		require.NoError(t, err)
		require.NotEqual(t, keyFunc(a), keyFunc(b))
	})

	t.Run("body hash distinguishes payloads", func(t *testing.T) {
		keyFunc := NewDedupeKeyFunc(true)
		a, err := http.NewRequest(http.MethodPost, "http://example.com/data", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		b, err := http.NewRequest(http.MethodPost, "http://example.com/data", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		require.NotEqual(t, keyFunc(a), keyFunc(b))
	})

	t.Run("selected header values are part of the fingerprint", func(t *testing.T) {
		keyFunc := NewDedupeKeyFunc(false, "Authorization")
		a, err := http.NewRequest(http.MethodGet, "http://example.com/data", nil)
		require.NoError(t, err)
		a.Header.Set("Authorization", "Bearer one")
		b, err := http.NewRequest(http.MethodGet, "http://example.com/data", nil)
		require.NoError(t, err)
		b.Header.Set("Authorization", "Bearer two")
		require.NotEqual(t, keyFunc(a), keyFunc(b))
	})
}
