/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides per-key admission control for outgoing requests.
// Three algorithms are available: token bucket (supports controlled bursts up to the
// bucket capacity), sliding window (tracks the trailing window for smoother admission)
// and leaky bucket (GCRA).
package ratelimit
