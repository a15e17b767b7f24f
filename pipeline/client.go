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
)

// Transport executes a single HTTP transaction at the bottom of the middleware chain.
type Transport func(req *http.Request) (*http.Response, error)

// RoundTripperTransport adapts an http.RoundTripper to Transport.
func RoundTripperTransport(rt http.RoundTripper) Transport {
	return rt.RoundTrip
}

// Client executes HTTP requests through a middleware chain assembled in the
// conventional order:
//
//	request id -> user agent -> auth -> logging -> metrics -> custom ->
//	dedupe -> cache -> circuit breaker -> rate limit -> retry -> transport
//
// Dedupe sits outside the cache so that concurrent misses for the same fingerprint
// collapse into one transport call and populate the cache once. Retry is the
// innermost resilience middleware: individual attempts are not separately
// rate limited or circuit broken; the attempt outcome surfaces to them once,
// after the retry loop settles.
type Client struct {
	// Retry, CircuitBreaker, Cache, Dedupe and RateLimit expose the assembled
	// middlewares for runtime inspection (e.g. CircuitBreaker.State). Each is nil
	// when the corresponding section of the config is disabled.
	Retry          *RetryMiddleware
	CircuitBreaker *CircuitBreakerMiddleware
	Cache          *CacheMiddleware
	Dedupe         *DedupeMiddleware
	RateLimit      *RateLimitMiddleware

	transport Transport
	upper     Middleware // everything above the circuit breaker
	lower     Middleware // circuit breaker and rate limit
	timeout   time.Duration
}

// Opts provides options for NewWithOpts and MustWithOpts functions.
type Opts struct {
	// Transport executes the HTTP transaction at the bottom of the chain.
	// http.DefaultTransport is used by default.
	Transport Transport

	// UserAgent is a user agent string.
	UserAgent string

	// RequestType is a type of request. e.g. service 'auth-service', an action 'login' or specific information to correlate.
	RequestType string

	// Logger is used for logging.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// AuthProvider supplies bearer tokens for outgoing requests.
	AuthProvider AuthProvider

	// Collector is a metrics collector. It's used only when metrics are enabled in the config.
	Collector MetricsCollector

	// Middlewares are custom middlewares placed right above the dedupe middleware.
	Middlewares []Middleware
}

// New creates a new Client for the given configuration and returns an error if any occurs.
func New(cfg *Config) (*Client, error) {
	return NewWithOpts(cfg, Opts{})
}

// Must creates a new Client for the given configuration and panics if any error occurs.
func Must(cfg *Config) *Client {
	client, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// NewWithOpts creates a new Client for the given configuration and options
// and returns an error if any occurs.
func NewWithOpts(cfg *Config, opts Opts) (*Client, error) {
	transport := opts.Transport
	if transport == nil {
		transport = RoundTripperTransport(http.DefaultTransport)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	var collector MetricsCollector
	if cfg.Metrics.Enabled {
		collector = opts.Collector
	}

	client := &Client{transport: transport, timeout: cfg.Timeout}

	var err error
	if cfg.Retries.Enabled {
		retryOpts := cfg.Retries.MiddlewareOpts()
		retryOpts.Logger = logger
		retryOpts.LoggerProvider = opts.LoggerProvider
		retryOpts.Collector = collector
		retryOpts.RequestType = opts.RequestType
		if client.Retry, err = NewRetryMiddlewareWithOpts(retryOpts); err != nil {
			return nil, fmt.Errorf("create retry middleware: %w", err)
		}
	}

	var lower []Middleware
	if cfg.CircuitBreaker.Enabled {
		cbOpts := cfg.CircuitBreaker.MiddlewareOpts()
		cbOpts.Logger = logger
		cbOpts.Collector = collector
		if client.CircuitBreaker, err = NewCircuitBreakerMiddlewareWithOpts(cbOpts); err != nil {
			return nil, fmt.Errorf("create circuit breaker middleware: %w", err)
		}
		lower = append(lower, client.CircuitBreaker)
	}
	if cfg.RateLimits.Enabled {
		rlOpts := cfg.RateLimits.MiddlewareOpts()
		rlOpts.Logger = logger
		rlOpts.Collector = collector
		rlOpts.RequestType = opts.RequestType
		if client.RateLimit, err = NewRateLimitMiddlewareWithOpts(cfg.RateLimits.Rate(), rlOpts); err != nil {
			return nil, fmt.Errorf("create rate limit middleware: %w", err)
		}
		lower = append(lower, client.RateLimit)
	}
	client.lower = Compose(lower...)

	var upper []Middleware
	upper = append(upper, NewRequestIDMiddleware())
	if opts.UserAgent != "" {
		upper = append(upper, NewUserAgentMiddleware(opts.UserAgent))
	}
	if opts.AuthProvider != nil {
		upper = append(upper, NewAuthBearerMiddleware(opts.AuthProvider))
	}
	if cfg.Logger.Enabled {
		logOpts := cfg.Logger.MiddlewareOpts()
		logOpts.Logger = logger
		logOpts.LoggerProvider = opts.LoggerProvider
		upper = append(upper, NewLoggingMiddlewareWithOpts(opts.RequestType, logOpts))
	}
	if cfg.Metrics.Enabled {
		upper = append(upper, NewMetricsMiddlewareWithOpts(MetricsMiddlewareOpts{
			RequestType: opts.RequestType,
			Collector:   collector,
		}))
	}
	upper = append(upper, opts.Middlewares...)

	if cfg.Dedupe.Enabled {
		dedupeOpts := cfg.Dedupe.MiddlewareOpts()
		dedupeOpts.Logger = logger
		dedupeOpts.Collector = collector
		dedupeOpts.RequestType = opts.RequestType
		if client.Dedupe, err = NewDedupeMiddlewareWithOpts(dedupeOpts); err != nil {
			return nil, fmt.Errorf("create dedupe middleware: %w", err)
		}
		upper = append(upper, client.Dedupe)
	}
	if cfg.Cache.Enabled {
		cacheOpts := cfg.Cache.MiddlewareOpts()
		cacheOpts.Logger = logger
		cacheOpts.Collector = collector
		cacheOpts.RequestType = opts.RequestType
		cacheOpts.Refresh = client.refresh
		if client.Cache, err = NewCacheMiddlewareWithOpts(cacheOpts); err != nil {
			return nil, fmt.Errorf("create cache middleware: %w", err)
		}
		upper = append(upper, client.Cache)
	}
	client.upper = Compose(upper...)

	return client, nil
}

// MustWithOpts creates a new Client for the given configuration and options
// and panics if any error occurs.
func MustWithOpts(cfg *Config, opts Opts) *Client {
	client, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}
	return client
}

// Execute runs the request through the middleware chain and returns the call context,
// which carries the response together with the per-call meta (cache hit, dedupe hit,
// retry attempts done).
//
// The caller is responsible for closing the response body.
func (c *Client) Execute(req *http.Request) (*Context, error) {
	cc := NewContext(req)

	if c.timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
		cc.Request = req.WithContext(ctx)
		err := c.run(cc)
		if err != nil || cc.Response == nil || cc.Response.Body == nil {
			cancel()
			return cc, err
		}
		// The deadline must stay in effect until the body is consumed.
		cc.Response.Body = &cancelOnCloseBody{ReadCloser: cc.Response.Body, cancel: cancel}
		return cc, nil
	}

	return cc, c.run(cc)
}

// Do runs the request through the middleware chain.
// The caller is responsible for closing the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	cc, err := c.Execute(req)
	if err != nil {
		return nil, err
	}
	return cc.Response, nil
}

// Get issues a GET request to the given URL through the middleware chain.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Head issues a HEAD request to the given URL through the middleware chain.
func (c *Client) Head(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// RoundTripper adapts the client to http.RoundTripper, so the whole chain can serve
// as a transport for a standard http.Client.
func (c *Client) RoundTripper() http.RoundTripper {
	return clientRoundTripper{c}
}

type clientRoundTripper struct {
	client *Client
}

func (rt clientRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.client.Do(req)
}

func (c *Client) run(cc *Context) error {
	return c.upper.Handle(cc, func() error { return c.runLower(cc) })
}

// runLower executes the chain below the cache: circuit breaker, rate limit and the
// retried transport. The cache middleware re-enters it for background revalidation.
func (c *Client) runLower(cc *Context) error {
	return c.lower.Handle(cc, func() error {
		transportNext := func() error {
			resp, err := c.transport(cc.Request)
			if err != nil {
				return err
			}
			cc.Response = resp
			return nil
		}
		if c.Retry != nil {
			return c.Retry.Handle(cc, transportNext)
		}
		return transportNext()
	})
}

// refresh runs the chain below the cache for a background revalidation request.
func (c *Client) refresh(req *http.Request) (*http.Response, error) {
	cc := NewContext(req)
	if err := c.runLower(cc); err != nil {
		return nil, err
	}
	return cc.Response, nil
}
