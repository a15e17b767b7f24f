/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
)

// Default parameter values for RetryMiddleware.
const (
	DefaultMaxRetryAttempts                  = 10
	DefaultExponentialBackoffInitialInterval = time.Second
	DefaultExponentialBackoffMaxInterval     = 30 * time.Second
	DefaultExponentialBackoffMultiplier      = 2
	DefaultRetryAfterCap                     = 2 * time.Minute
)

// UnlimitedRetryAttempts should be used as RetryMiddlewareOpts.MaxRetryAttempts value
// when we want to stop retries only by RetryMiddlewareOpts.BackoffPolicy.
const UnlimitedRetryAttempts = -1

// RetryAttemptNumberHeader is an HTTP header name that will contain the serial number of the retry attempt.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// RetryMiddleware wraps downstream execution in a bounded retry loop with backoff.
//
// Each attempt re-invokes the continuation, so the middleware must not be placed
// inside Compose (a Next produced by Compose is single-use). Nest it explicitly
// around the downstream chain instead; Client assembles it this way.
type RetryMiddleware struct {
	// Logger is used for logging.
	// When it's necessary to use context-specific logger, LoggerProvider should be used instead.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MaxRetryAttempts determines how many maximum retry attempts can be done.
	// The total number of sending HTTP request may be MaxRetryAttempts + 1
	// (the first request is not a retry attempt).
	// If its value is UnlimitedRetryAttempts, it's supposed that retry mechanism
	// will be stopped by BackoffPolicy. By default, DefaultMaxRetryAttempts const is used.
	MaxRetryAttempts int

	// RetryableMethods is a set of HTTP methods that are safe to retry.
	// By default, GET, HEAD and OPTIONS are retried; unsafe methods are retried only
	// when the request context carries an idempotent hint (see NewContextWithIdempotentHint).
	RetryableMethods map[string]struct{}

	// CheckRetry is called right after each attempt and determines if the next retry
	// attempt is needed. By default, DefaultCheckRetry function is used.
	CheckRetry CheckRetryFunc

	// BackoffPolicy is used for computing wait time before doing the next retry attempt
	// when the given response doesn't contain Retry-After HTTP header or RespectRetryAfter is false.
	BackoffPolicy retry.Policy

	// RespectRetryAfter determines if Retry-After HTTP header of the response is parsed
	// (seconds or HTTP-date) and used as a wait time before doing the next retry attempt,
	// capped at RetryAfterCap.
	RespectRetryAfter bool

	// RetryAfterCap limits the wait time taken from the Retry-After HTTP header.
	RetryAfterCap time.Duration

	// PerAttemptTimeout bounds the duration of a single attempt. A derived context with
	// this timeout (combined with the caller's own cancellation) is attached to each attempt.
	PerAttemptTimeout time.Duration

	// TotalTimeout bounds the duration of the whole retry loop including backoff delays.
	TotalTimeout time.Duration

	// OnRetry is an optional observer called before waiting for the next attempt.
	// It must never alter control flow; its own panic doesn't break the pipeline.
	OnRetry func(attempt int, delay time.Duration, cause error)

	// Collector is a metrics collector.
	Collector MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string
}

// RetryMiddlewareOpts represents an options for RetryMiddleware.
type RetryMiddlewareOpts struct {
	Logger         log.FieldLogger
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MaxRetryAttempts determines how many maximum retry attempts can be done.
	// By default, DefaultMaxRetryAttempts const is used.
	MaxRetryAttempts int

	// RetryableMethods is a list of HTTP methods that are safe to retry.
	// By default, GET, HEAD and OPTIONS.
	RetryableMethods []string

	// CheckRetryFunc is called right after each attempt and determines if the next
	// retry attempt is needed. By default, DefaultCheckRetry function is used.
	CheckRetryFunc CheckRetryFunc

	// BackoffPolicy overrides the backoff built from MinDelay/MaxDelay/BackoffFactor/Jitter.
	BackoffPolicy retry.Policy

	// MinDelay is the initial backoff interval. By default, DefaultExponentialBackoffInitialInterval.
	MinDelay time.Duration

	// MaxDelay caps the computed backoff interval. By default, DefaultExponentialBackoffMaxInterval.
	MaxDelay time.Duration

	// BackoffFactor is the exponential backoff multiplier. By default, DefaultExponentialBackoffMultiplier.
	BackoffFactor float64

	// Jitter enables full jitter: the delay is randomized uniformly in [0, backoff].
	Jitter bool

	// RespectRetryAfter determines if Retry-After HTTP header of the response is used
	// as a wait time before doing the next retry attempt, capped at RetryAfterCap.
	RespectRetryAfter bool

	// RetryAfterCap limits the wait time taken from the Retry-After HTTP header.
	// By default, DefaultRetryAfterCap.
	RetryAfterCap time.Duration

	// PerAttemptTimeout bounds the duration of a single attempt. Zero means no per-attempt timeout.
	PerAttemptTimeout time.Duration

	// TotalTimeout bounds the duration of the whole retry loop. Zero means no total timeout.
	TotalTimeout time.Duration

	// OnRetry is an optional observer called before waiting for the next attempt.
	OnRetry func(attempt int, delay time.Duration, cause error)

	// Collector is a metrics collector.
	Collector MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string
}

// NewRetryMiddleware returns a new instance of RetryMiddleware with default options.
func NewRetryMiddleware() (*RetryMiddleware, error) {
	return NewRetryMiddlewareWithOpts(RetryMiddlewareOpts{})
}

// NewRetryMiddlewareWithOpts creates a new instance of RetryMiddleware with specified options.
func NewRetryMiddlewareWithOpts(opts RetryMiddlewareOpts) (*RetryMiddleware, error) {
	if opts.MaxRetryAttempts < 0 && opts.MaxRetryAttempts != UnlimitedRetryAttempts {
		return nil, fmt.Errorf("incorrect max retry attempts")
	}
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if opts.MinDelay < 0 || opts.MaxDelay < 0 || opts.PerAttemptTimeout < 0 || opts.TotalTimeout < 0 {
		return nil, fmt.Errorf("retry delays and timeouts must not be negative")
	}
	if opts.MinDelay == 0 {
		opts.MinDelay = DefaultExponentialBackoffInitialInterval
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = DefaultExponentialBackoffMaxInterval
	}
	if opts.MaxDelay < opts.MinDelay {
		return nil, fmt.Errorf("max delay must not be less than min delay")
	}
	if opts.BackoffFactor == 0 {
		opts.BackoffFactor = DefaultExponentialBackoffMultiplier
	}
	if opts.BackoffFactor <= 1 {
		return nil, fmt.Errorf("backoff factor must be greater than 1")
	}
	if opts.RetryAfterCap == 0 {
		opts.RetryAfterCap = DefaultRetryAfterCap
	}

	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.CheckRetryFunc == nil {
		opts.CheckRetryFunc = DefaultCheckRetry
	}
	if opts.BackoffPolicy == nil {
		opts.BackoffPolicy = NewExponentialBackoffPolicy(
			opts.MinDelay, opts.MaxDelay, opts.BackoffFactor, opts.Jitter)
	}

	methods := opts.RetryableMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	}
	methodSet := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		methodSet[m] = struct{}{}
	}

	return &RetryMiddleware{
		Logger:            opts.Logger,
		LoggerProvider:    opts.LoggerProvider,
		MaxRetryAttempts:  opts.MaxRetryAttempts,
		RetryableMethods:  methodSet,
		CheckRetry:        opts.CheckRetryFunc,
		BackoffPolicy:     opts.BackoffPolicy,
		RespectRetryAfter: opts.RespectRetryAfter,
		RetryAfterCap:     opts.RetryAfterCap,
		PerAttemptTimeout: opts.PerAttemptTimeout,
		TotalTimeout:      opts.TotalTimeout,
		OnRetry:           opts.OnRetry,
		Collector:         opts.Collector,
		RequestType:       opts.RequestType,
	}, nil
}

// NewExponentialBackoffPolicy returns a retry.Policy with exponential backoff
// min(minDelay * factor^(attempt-1), maxDelay), optionally randomized to full jitter
// (uniform in [0, backoff]) to avoid synchronized retry storms across callers.
func NewExponentialBackoffPolicy(minDelay, maxDelay time.Duration, factor float64, jitter bool) retry.Policy {
	return retry.PolicyFunc(func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = minDelay
		eb.MaxInterval = maxDelay
		eb.Multiplier = factor
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		var bf backoff.BackOff = eb
		if jitter {
			bf = &fullJitterBackOff{bf}
		}
		bf.Reset()
		return bf
	})
}

type fullJitterBackOff struct {
	backoff.BackOff
}

func (b *fullJitterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d <= 0 {
		return d
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Handle performs the downstream call with retry logic.
// nolint: gocyclo
func (mw *RetryMiddleware) Handle(c *Context, next Next) error {
	if !mw.requestIsRetryable(c.Request) {
		return next()
	}

	req := c.Request
	rewindReqBody := func(r *http.Request) error { return nil }
	if req.Body != nil {
		originalReqBody := req.Body
		defer func() {
			_ = originalReqBody.Close() // Per RoundTripper contract.
		}()

		var err error
		rewindReqBody, err = makeRequestBodyRewindable(req)
		if err != nil {
			return fmt.Errorf("prepare request body for retries: %w", err)
		}
	}

	getNextWaitTime := mw.makeNextWaitTimeProvider()
	parentCtx := req.Context()
	start := time.Now()

	var lastErr error
	for curRetryAttemptNum := 0; ; curRetryAttemptNum++ {
		if mw.TotalTimeout > 0 && time.Since(start) >= mw.TotalTimeout {
			return mw.makeExhaustedError(curRetryAttemptNum, lastErr,
				fmt.Errorf("total retry timeout %s exceeded: %w", mw.TotalTimeout, context.DeadlineExceeded))
		}

		// Rewind request body.
		if rewindErr := rewindReqBody(req); rewindErr != nil {
			if curRetryAttemptNum == 0 {
				return fmt.Errorf("rewind request body: %w", rewindErr)
			}
			mw.logger(parentCtx).Error(fmt.Sprintf(
				"failed to rewind request body between retry attempts, %d request(s) done", curRetryAttemptNum+1),
				log.Error(rewindErr))
			return lastErr
		}

		// Discard and close response body before next retry.
		if curRetryAttemptNum > 0 && c.Response != nil && lastErr == nil {
			mw.drainResponseBody(parentCtx, c.Response)
		}

		attemptCtx, cancelAttempt := mw.makeAttemptContext(parentCtx, start)
		attemptReq := req
		if curRetryAttemptNum > 0 || attemptCtx != parentCtx {
			attemptReq = req.Clone(attemptCtx) // Per RoundTripper contract.
			if curRetryAttemptNum > 0 {
				attemptReq.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(curRetryAttemptNum))
			}
		}
		c.Request = attemptReq
		c.Response = nil

		lastErr = next()

		needRetry, checkRetryErr := mw.CheckRetry(parentCtx, c.Response, lastErr, curRetryAttemptNum)
		if checkRetryErr != nil {
			cancelIfNotNil(cancelAttempt)
			mw.logger(parentCtx).Error(fmt.Sprintf(
				"failed to check if retry is needed, %d request(s) done", curRetryAttemptNum+1),
				log.Error(checkRetryErr))
			return lastErr
		}
		if !needRetry {
			// The attempt-scoped context must stay alive until the caller finishes
			// reading the response body.
			if cancelAttempt != nil && c.Response != nil && c.Response.Body != nil {
				c.Response.Body = &cancelOnCloseBody{ReadCloser: c.Response.Body, cancel: cancelAttempt}
			} else {
				cancelIfNotNil(cancelAttempt)
			}
			return lastErr
		}
		cancelIfNotNil(cancelAttempt)

		// The caller's own cancellation aborts the loop; it must not look like exhaustion.
		if parentCtx.Err() != nil {
			return fmt.Errorf("request canceled after %d attempt(s): %w", curRetryAttemptNum+1, parentCtx.Err())
		}

		// Check should we stop (max attempts exceeded or by backoff policy).
		if mw.MaxRetryAttempts > 0 && curRetryAttemptNum >= mw.MaxRetryAttempts {
			mw.logger(parentCtx).Warnf("max retry attempts exceeded (%d), %d request(s) done",
				mw.MaxRetryAttempts, curRetryAttemptNum+1)
			return mw.makeExhaustedError(curRetryAttemptNum+1, lastErr, nil)
		}
		waitTime, stop := getNextWaitTime(c.Response)
		if stop {
			return mw.makeExhaustedError(curRetryAttemptNum+1, lastErr, nil)
		}

		if mw.Collector != nil {
			mw.Collector.RetryAttempt(mw.RequestType)
		}
		if mw.OnRetry != nil {
			callObserver(func() { mw.OnRetry(curRetryAttemptNum+1, waitTime, lastErr) })
		}

		select {
		case <-parentCtx.Done():
			mw.logger(parentCtx).Warnf("context canceled (%v) while waiting for the next retry attempt, %d request(s) done",
				parentCtx.Err(), curRetryAttemptNum+1)
			return fmt.Errorf("request canceled after %d attempt(s): %w", curRetryAttemptNum+1, parentCtx.Err())
		case <-time.After(waitTime):
		}

		c.SetMeta(MetaKeyRetryAttempts, curRetryAttemptNum+1)
	}
}

// makeExhaustedError builds the terminal error of the retry loop. A retryable response
// that outlived all attempts is surfaced as-is (lastErr is nil then), so the caller
// still observes the final status code.
func (mw *RetryMiddleware) makeExhaustedError(attempts int, lastErr, fallback error) error {
	if lastErr != nil {
		return &RetryExhaustedError{Attempts: attempts, Inner: lastErr}
	}
	return fallback
}

func (mw *RetryMiddleware) requestIsRetryable(req *http.Request) bool {
	if _, ok := mw.RetryableMethods[req.Method]; ok {
		return true
	}
	return GetIdempotentHintFromContext(req.Context())
}

// makeAttemptContext derives the attempt-scoped context from the caller's one,
// bounded by the per-attempt timeout and by what remains of the total timeout,
// whichever fires first.
func (mw *RetryMiddleware) makeAttemptContext(parentCtx context.Context, start time.Time) (context.Context, context.CancelFunc) {
	timeout := mw.PerAttemptTimeout
	if mw.TotalTimeout > 0 {
		remaining := mw.TotalTimeout - time.Since(start)
		if timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return parentCtx, nil
	}
	return context.WithTimeout(parentCtx, timeout)
}

type waitTimeProvider func(resp *http.Response) (waitTime time.Duration, stop bool)

func (mw *RetryMiddleware) makeNextWaitTimeProvider() waitTimeProvider {
	bf := mw.BackoffPolicy.NewBackOff()
	return func(resp *http.Response) (waitTime time.Duration, stop bool) {
		if resp != nil && mw.RespectRetryAfter {
			if retryAfter, ok := parseRetryAfterFromResponse(resp); ok {
				if mw.RetryAfterCap > 0 && retryAfter > mw.RetryAfterCap {
					retryAfter = mw.RetryAfterCap
				}
				return retryAfter, false
			}
		}
		waitTime = bf.NextBackOff()
		return waitTime, waitTime == backoff.Stop
	}
}

func (mw *RetryMiddleware) drainResponseBody(ctx context.Context, resp *http.Response) {
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			mw.logger(ctx).Error("failed to close previous response body between retry attempts", log.Error(closeErr))
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		mw.logger(ctx).Error("failed to discard previous response body between retry attempts", log.Error(err))
	}
}

func (mw *RetryMiddleware) logger(ctx context.Context) log.FieldLogger {
	if mw.LoggerProvider != nil {
		return mw.LoggerProvider(ctx)
	}
	return mw.Logger
}

func cancelIfNotNil(cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
}

// cancelOnCloseBody releases the attempt-scoped context when the response body is closed.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func makeRequestBodyRewindable(req *http.Request) (func(*http.Request) error, error) {
	if reqBodySeeker, ok := req.Body.(io.ReadSeeker); ok {
		reqBodySeekOffset, err := reqBodySeeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("seek request body before doing first request: %w", err)
		}
		req.Body = io.NopCloser(req.Body)
		return func(r *http.Request) (err error) {
			_, err = reqBodySeeker.Seek(reqBodySeekOffset, io.SeekStart)
			if err != nil {
				return fmt.Errorf(
					"seek request body (offset=%d, whence=%d): %w", reqBodySeekOffset, io.SeekStart, err)
			}
			return nil
		}, nil
	}

	bufferedReqBody, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read all request body before doing first request: %w", err)
	}
	return func(r *http.Request) error {
		r.Body = io.NopCloser(bytes.NewReader(bufferedReqBody))
		return nil
	}, nil
}

func parseRetryAfterFromResponse(resp *http.Response) (retryAfter time.Duration, ok bool) {
	retryAfterVal := resp.Header.Get("Retry-After")
	if retryAfterVal == "" {
		return 0, false
	}

	parsedInt, parseIntErr := strconv.Atoi(retryAfterVal)
	if parseIntErr != nil {
		parsedTime, parsedTimeErr := time.Parse(time.RFC1123, retryAfterVal)
		if parsedTimeErr != nil {
			return 0, false
		}
		return time.Until(parsedTime), true
	}
	if parsedInt < 0 {
		return 0, false
	}
	return time.Duration(parsedInt) * time.Second, true
}

// callObserver invokes an optional observer so that its own failure cannot break the pipeline.
func callObserver(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
