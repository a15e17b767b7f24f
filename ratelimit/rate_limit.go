/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Rate describes the frequency of requests.
type Rate struct {
	Count    int
	Duration time.Duration
}

// String implements fmt.Stringer.
func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Duration)
}

// Limiter interface defines the rate limiting contract.
type Limiter interface {
	Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error)
}

// Alg is a rate limiting algorithm name.
type Alg string

// Supported rate limiting algorithms.
const (
	AlgTokenBucket   Alg = "token_bucket"
	AlgSlidingWindow Alg = "sliding_window"
	AlgLeakyBucket   Alg = "leaky_bucket"
)

// IsValid checks if the algorithm name is valid.
func (a Alg) IsValid() bool {
	switch a {
	case AlgTokenBucket, AlgSlidingWindow, AlgLeakyBucket:
		return true
	}
	return false
}

// NewLimiter creates a limiter implementing the given algorithm.
// maxBurst is used by the token bucket and leaky bucket algorithms,
// maxKeys bounds the per-key state (0 means a single shared limiter).
func NewLimiter(alg Alg, maxRate Rate, maxBurst, maxKeys int) (Limiter, error) {
	switch Alg(strings.ToLower(string(alg))) {
	case AlgTokenBucket:
		return NewTokenBucketLimiter(maxRate, maxBurst, maxKeys)
	case AlgSlidingWindow:
		return NewSlidingWindowLimiter(maxRate, maxKeys)
	case AlgLeakyBucket:
		return NewLeakyBucketLimiter(maxRate, maxBurst, maxKeys)
	}
	return nil, fmt.Errorf("unknown rate limiting algorithm %q", alg)
}
