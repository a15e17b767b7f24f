/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/acronis/go-appkit/lrucache"
)

// TokenBucketLimiter implements token bucket rate limiting algorithm.
// It supports controlled bursts up to the bucket capacity.
type TokenBucketLimiter struct {
	getLimiter func(key string) *rate.Limiter
	maxRate    Rate
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
// maxKeys bounds the number of per-key buckets; 0 means a single shared bucket.
func NewTokenBucketLimiter(maxRate Rate, maxBurst, maxKeys int) (*TokenBucketLimiter, error) {
	if maxRate.Count <= 0 || maxRate.Duration <= 0 {
		return nil, fmt.Errorf("max rate must be positive")
	}
	if maxBurst < 0 {
		return nil, fmt.Errorf("max burst must be positive")
	}
	if maxBurst == 0 {
		maxBurst = 1
	}

	limit := rate.Every(maxRate.Duration / time.Duration(maxRate.Count))
	newBucket := func() *rate.Limiter { return rate.NewLimiter(limit, maxBurst) }

	if maxKeys == 0 {
		lim := newBucket()
		return &TokenBucketLimiter{
			maxRate:    maxRate,
			getLimiter: func(_ string) *rate.Limiter { return lim },
		}, nil
	}

	store, err := lrucache.New[string, *rate.Limiter](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &TokenBucketLimiter{
		maxRate: maxRate,
		getLimiter: func(key string) *rate.Limiter {
			lim, _ := store.GetOrAdd(key, newBucket)
			return lim
		},
	}, nil
}

// Allow checks if the request should be allowed based on the rate limit.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	if l.getLimiter(key).Allow() {
		return true, 0, nil
	}
	return false, l.maxRate.Duration / time.Duration(l.maxRate.Count), nil
}

// Wait blocks until a token for the key is available or the context is done.
func (l *TokenBucketLimiter) Wait(ctx context.Context, key string) error {
	return l.getLimiter(key).Wait(ctx)
}
