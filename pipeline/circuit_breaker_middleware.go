/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
)

// Default parameter values for CircuitBreakerMiddleware.
const (
	DefaultCircuitFailureThreshold = 5
	DefaultCircuitFailureWindow    = time.Minute
	DefaultCircuitResetTimeout     = 30 * time.Second
)

// CircuitState represents the state of a per-key circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String implements fmt.Stringer.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// CircuitKeyFunc produces the key under which circuit state is tracked for a request.
type CircuitKeyFunc func(req *http.Request) string

// DefaultCircuitKey tracks circuit state per request origin (scheme://host).
func DefaultCircuitKey(req *http.Request) string {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if req.URL.Scheme != "" {
		return req.URL.Scheme + "://" + host
	}
	return host
}

// CircuitFailureFunc determines if the outcome of a call counts as a circuit failure.
type CircuitFailureFunc func(resp *http.Response, err error) bool

// DefaultCircuitFailure counts transport-level errors and 5xx responses as failures.
// Cancellation and policy errors produced by the pipeline itself (rate limit exceeded,
// circuit open) are not counted.
func DefaultCircuitFailure(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		var rateLimitErr *RateLimitError
		var circuitOpenErr *CircuitOpenError
		if errors.As(err, &rateLimitErr) || errors.As(err, &circuitOpenErr) {
			return false
		}
		return true
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}

type circuitRecord struct {
	state       CircuitState
	failures    int
	windowStart time.Time
	lastFailure time.Time
	nextAttempt time.Time
	probing     bool
}

// CircuitBreakerMiddleware gates calls per destination key based on a
// closed/open/half-open state machine. While a circuit is open, calls against its key
// short-circuit with CircuitOpenError without reaching the transport. After
// ResetTimeout, exactly one half-open probe is allowed through; concurrent callers
// arriving before the probe settles are short-circuited as well.
type CircuitBreakerMiddleware struct {
	// Logger is used for logging.
	Logger log.FieldLogger

	// FailureThreshold is the number of failures within FailureWindow that opens the circuit.
	FailureThreshold int

	// FailureWindow bounds the period within which failures are counted towards the threshold.
	FailureWindow time.Duration

	// ResetTimeout is how long an open circuit waits before allowing a half-open probe.
	ResetTimeout time.Duration

	// KeyFunc produces the circuit key for a request. By default, DefaultCircuitKey.
	KeyFunc CircuitKeyFunc

	// FailureCondition determines if a call outcome counts as a failure.
	// By default, DefaultCircuitFailure.
	FailureCondition CircuitFailureFunc

	// OnStateChange is an optional observer fired on every state transition.
	// It must never alter control flow; its own panic doesn't break the pipeline.
	OnStateChange func(key string, oldState, newState CircuitState, failures int)

	// Collector is a metrics collector.
	Collector MetricsCollector

	mu      sync.Mutex
	records map[string]*circuitRecord
}

// CircuitBreakerMiddlewareOpts represents an options for CircuitBreakerMiddleware.
type CircuitBreakerMiddlewareOpts struct {
	Logger log.FieldLogger

	// FailureThreshold is the number of failures within FailureWindow that opens the circuit.
	// By default, DefaultCircuitFailureThreshold.
	FailureThreshold int

	// FailureWindow bounds the period within which failures are counted towards the threshold.
	// By default, DefaultCircuitFailureWindow.
	FailureWindow time.Duration

	// ResetTimeout is how long an open circuit waits before allowing a half-open probe.
	// By default, DefaultCircuitResetTimeout.
	ResetTimeout time.Duration

	// KeyFunc produces the circuit key for a request. By default, DefaultCircuitKey.
	KeyFunc CircuitKeyFunc

	// FailureCondition determines if a call outcome counts as a failure.
	// By default, DefaultCircuitFailure.
	FailureCondition CircuitFailureFunc

	// OnStateChange is an optional observer fired on every state transition.
	OnStateChange func(key string, oldState, newState CircuitState, failures int)

	// Collector is a metrics collector.
	Collector MetricsCollector
}

// NewCircuitBreakerMiddleware returns a new instance of CircuitBreakerMiddleware with default options.
func NewCircuitBreakerMiddleware() (*CircuitBreakerMiddleware, error) {
	return NewCircuitBreakerMiddlewareWithOpts(CircuitBreakerMiddlewareOpts{})
}

// NewCircuitBreakerMiddlewareWithOpts creates a new instance of CircuitBreakerMiddleware
// with specified options.
func NewCircuitBreakerMiddlewareWithOpts(opts CircuitBreakerMiddlewareOpts) (*CircuitBreakerMiddleware, error) {
	if opts.FailureThreshold < 0 {
		return nil, fmt.Errorf("failure threshold must be positive")
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultCircuitFailureThreshold
	}
	if opts.FailureWindow < 0 || opts.ResetTimeout < 0 {
		return nil, fmt.Errorf("failure window and reset timeout must not be negative")
	}
	if opts.FailureWindow == 0 {
		opts.FailureWindow = DefaultCircuitFailureWindow
	}
	if opts.ResetTimeout == 0 {
		opts.ResetTimeout = DefaultCircuitResetTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultCircuitKey
	}
	if opts.FailureCondition == nil {
		opts.FailureCondition = DefaultCircuitFailure
	}

	return &CircuitBreakerMiddleware{
		Logger:           opts.Logger,
		FailureThreshold: opts.FailureThreshold,
		FailureWindow:    opts.FailureWindow,
		ResetTimeout:     opts.ResetTimeout,
		KeyFunc:          opts.KeyFunc,
		FailureCondition: opts.FailureCondition,
		OnStateChange:    opts.OnStateChange,
		Collector:        opts.Collector,
		records:          make(map[string]*circuitRecord),
	}, nil
}

// Handle gates the downstream call on the circuit state for the request's key.
func (mw *CircuitBreakerMiddleware) Handle(c *Context, next Next) error {
	key := mw.KeyFunc(c.Request)

	if err := mw.allow(key); err != nil {
		mw.Logger.Warn("circuit breaker short-circuited the call",
			log.String("circuit_key", key), log.Error(err))
		return err
	}

	err := next()
	mw.recordOutcome(key, c.Response, err)
	return err
}

// State returns the current circuit state for the key.
// Keys that were never used report a closed circuit.
func (mw *CircuitBreakerMiddleware) State(key string) CircuitState {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	rec, ok := mw.records[key]
	if !ok {
		return CircuitClosed
	}
	return rec.state
}

// Reset forcibly closes the circuit for the key and resets its failure count.
func (mw *CircuitBreakerMiddleware) Reset(key string) {
	var notify func()
	mw.mu.Lock()
	if rec, ok := mw.records[key]; ok {
		rec.failures = 0
		rec.probing = false
		notify = mw.transitionLocked(key, rec, CircuitClosed)
	}
	mw.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// allow decides if the call may proceed. The probe admission flag is written under
// the same lock as the state check, so concurrent callers during half-open cannot
// both pass.
func (mw *CircuitBreakerMiddleware) allow(key string) error {
	now := time.Now()
	var notify func()

	mw.mu.Lock()
	rec, ok := mw.records[key]
	if !ok {
		rec = &circuitRecord{state: CircuitClosed, windowStart: now}
		mw.records[key] = rec
	}

	var result error
	switch rec.state {
	case CircuitClosed:
	case CircuitOpen:
		if now.Before(rec.nextAttempt) {
			result = &CircuitOpenError{Key: key, State: CircuitOpen, Failures: rec.failures}
			break
		}
		notify = mw.transitionLocked(key, rec, CircuitHalfOpen)
		rec.probing = true
	case CircuitHalfOpen:
		if rec.probing {
			result = &CircuitOpenError{Key: key, State: CircuitHalfOpen, Failures: rec.failures}
			break
		}
		rec.probing = true
	}
	mw.mu.Unlock()

	if notify != nil {
		notify()
	}
	return result
}

func (mw *CircuitBreakerMiddleware) recordOutcome(key string, resp *http.Response, err error) {
	failed := mw.FailureCondition(resp, err)
	now := time.Now()
	var notify func()

	mw.mu.Lock()
	rec, ok := mw.records[key]
	if !ok {
		mw.mu.Unlock()
		return
	}

	switch rec.state {
	case CircuitHalfOpen:
		rec.probing = false
		if failed {
			rec.lastFailure = now
			rec.nextAttempt = now.Add(mw.ResetTimeout)
			notify = mw.transitionLocked(key, rec, CircuitOpen)
		} else {
			rec.failures = 0
			notify = mw.transitionLocked(key, rec, CircuitClosed)
		}
	case CircuitClosed:
		if !failed {
			rec.failures = 0
			break
		}
		if now.Sub(rec.windowStart) > mw.FailureWindow {
			rec.windowStart = now
			rec.failures = 0
		}
		rec.failures++
		rec.lastFailure = now
		if rec.failures >= mw.FailureThreshold {
			rec.nextAttempt = now.Add(mw.ResetTimeout)
			notify = mw.transitionLocked(key, rec, CircuitOpen)
		}
	case CircuitOpen:
		if failed {
			rec.lastFailure = now
		}
	}
	mw.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// transitionLocked switches the record state and returns the observer invocation
// to be run after the lock is released.
func (mw *CircuitBreakerMiddleware) transitionLocked(key string, rec *circuitRecord, newState CircuitState) func() {
	oldState := rec.state
	if oldState == newState {
		return nil
	}
	rec.state = newState
	failures := rec.failures

	return func() {
		mw.Logger.Info("circuit breaker state changed",
			log.String("circuit_key", key),
			log.String("old_state", oldState.String()),
			log.String("new_state", newState.String()),
			log.Int("failures", failures))
		if mw.Collector != nil {
			mw.Collector.CircuitStateChanged(key, newState)
		}
		if mw.OnStateChange != nil {
			callObserver(func() { mw.OnStateChange(key, oldState, newState, failures) })
		}
	}
}
