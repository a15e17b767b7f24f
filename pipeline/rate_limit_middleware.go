/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-resilience/ratelimit"
)

// Default parameter values for RateLimitMiddleware.
const (
	DefaultRateLimitAlg         = ratelimit.AlgTokenBucket
	DefaultRateLimitMaxBurst    = 1
	DefaultRateLimitMaxKeys     = 1000
	DefaultRateLimitWaitTimeout = 15 * time.Second
)

// RateLimitKeyFunc produces the key under which the quota is tracked for a request.
type RateLimitKeyFunc func(req *http.Request) string

// DefaultRateLimitKey tracks quota per destination host.
func DefaultRateLimitKey(req *http.Request) string {
	if req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

// WaitLimiter is implemented by limiters that can block until the next slot becomes
// available instead of rejecting the call.
type WaitLimiter interface {
	Wait(ctx context.Context, key string) error
}

// RateLimitMiddleware bounds the rate of outgoing calls per key. When the quota for a
// key is exhausted, the call is rejected with RateLimitError without reaching the
// transport, unless wait mode is enabled and the underlying limiter supports waiting.
type RateLimitMiddleware struct {
	// Logger is used for logging.
	Logger log.FieldLogger

	// Limiter tracks per-key quota.
	Limiter ratelimit.Limiter

	// KeyFunc produces the quota key for a request. By default, DefaultRateLimitKey.
	KeyFunc RateLimitKeyFunc

	// WaitMode makes exhausted calls wait for the next slot (bounded by WaitTimeout)
	// instead of rejecting them. It's effective only when Limiter implements WaitLimiter.
	WaitMode bool

	// WaitTimeout bounds the waiting in wait mode.
	WaitTimeout time.Duration

	// OnLimitReached is an optional observer fired on every rejected call.
	// It must never alter control flow; its own panic doesn't break the pipeline.
	OnLimitReached func(key string, retryAfter time.Duration)

	// Collector is a metrics collector.
	Collector MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string
}

// RateLimitMiddlewareOpts represents an options for RateLimitMiddleware.
type RateLimitMiddlewareOpts struct {
	Logger log.FieldLogger

	// Limiter tracks per-key quota. When nil, a limiter is built from Alg, MaxBurst
	// and MaxKeys for the rate passed to the constructor.
	Limiter ratelimit.Limiter

	// Alg is the rate limiting algorithm used to build the limiter.
	// By default, DefaultRateLimitAlg.
	Alg ratelimit.Alg

	// MaxBurst is the burst capacity for algorithms that support bursts.
	// By default, DefaultRateLimitMaxBurst.
	MaxBurst int

	// MaxKeys bounds the number of keys with tracked quota.
	// By default, DefaultRateLimitMaxKeys.
	MaxKeys int

	// KeyFunc produces the quota key for a request. By default, DefaultRateLimitKey.
	KeyFunc RateLimitKeyFunc

	// WaitMode makes exhausted calls wait for the next slot instead of rejecting them.
	WaitMode bool

	// WaitTimeout bounds the waiting in wait mode. By default, DefaultRateLimitWaitTimeout.
	WaitTimeout time.Duration

	// OnLimitReached is an optional observer fired on every rejected call.
	OnLimitReached func(key string, retryAfter time.Duration)

	// Collector is a metrics collector.
	Collector MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware with the specified rate
// and default options.
func NewRateLimitMiddleware(maxRate ratelimit.Rate) (*RateLimitMiddleware, error) {
	return NewRateLimitMiddlewareWithOpts(maxRate, RateLimitMiddlewareOpts{})
}

// NewRateLimitMiddlewareWithOpts creates a new RateLimitMiddleware with the specified
// rate and options. For options that are not presented, the default values will be used.
func NewRateLimitMiddlewareWithOpts(
	maxRate ratelimit.Rate, opts RateLimitMiddlewareOpts,
) (*RateLimitMiddleware, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultRateLimitKey
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultRateLimitWaitTimeout
	}

	if opts.Limiter == nil {
		if maxRate.Count <= 0 || maxRate.Duration <= 0 {
			return nil, fmt.Errorf("max rate must be positive")
		}
		if opts.Alg == "" {
			opts.Alg = DefaultRateLimitAlg
		}
		if !opts.Alg.IsValid() {
			return nil, fmt.Errorf("unknown rate limiting algorithm %q", opts.Alg)
		}
		if opts.MaxBurst < 0 {
			return nil, fmt.Errorf("max burst must be positive")
		}
		if opts.MaxBurst == 0 {
			opts.MaxBurst = DefaultRateLimitMaxBurst
		}
		if opts.MaxKeys < 0 {
			return nil, fmt.Errorf("max keys must be positive")
		}
		if opts.MaxKeys == 0 {
			opts.MaxKeys = DefaultRateLimitMaxKeys
		}
		limiter, err := ratelimit.NewLimiter(opts.Alg, maxRate, opts.MaxBurst, opts.MaxKeys)
		if err != nil {
			return nil, fmt.Errorf("new %s rate limiter: %w", opts.Alg, err)
		}
		opts.Limiter = limiter
	}

	return &RateLimitMiddleware{
		Logger:         opts.Logger,
		Limiter:        opts.Limiter,
		KeyFunc:        opts.KeyFunc,
		WaitMode:       opts.WaitMode,
		WaitTimeout:    opts.WaitTimeout,
		OnLimitReached: opts.OnLimitReached,
		Collector:      opts.Collector,
		RequestType:    opts.RequestType,
	}, nil
}

// Handle checks the quota for the request's key and either passes the call downstream,
// waits for the next slot (wait mode), or rejects the call with RateLimitError.
func (mw *RateLimitMiddleware) Handle(c *Context, next Next) error {
	key := mw.KeyFunc(c.Request)

	if mw.WaitMode {
		if waiter, ok := mw.Limiter.(WaitLimiter); ok {
			ctx, cancel := context.WithTimeout(c.Request.Context(), mw.WaitTimeout)
			defer cancel()
			if err := waiter.Wait(ctx, key); err != nil {
				return mw.reject(key, 0)
			}
			return next()
		}
	}

	allow, retryAfter, err := mw.Limiter.Allow(c.Request.Context(), key)
	if err != nil {
		return fmt.Errorf("check rate limit for key %q: %w", key, err)
	}
	if !allow {
		return mw.reject(key, retryAfter)
	}
	return next()
}

func (mw *RateLimitMiddleware) reject(key string, retryAfter time.Duration) error {
	mw.Logger.Warn("rate limit exceeded, call rejected",
		log.String("rate_limit_key", key),
		log.Duration("retry_after", retryAfter))
	if mw.Collector != nil {
		mw.Collector.RateLimitRejection(mw.RequestType)
	}
	if mw.OnLimitReached != nil {
		callObserver(func() { mw.OnLimitReached(key, retryAfter) })
	}
	return &RateLimitError{Key: key, RetryAfter: retryAfter}
}
