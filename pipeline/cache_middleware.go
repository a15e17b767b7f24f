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
	"net/http"
	"strings"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-resilience/cachestore"
)

// Default parameter values for CacheMiddleware.
const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheMaxEntries = 1000
)

// CachedResponse is an immutable snapshot of a response stored in the cache.
// It's mutated only by replacement: a new snapshot is stored under the same key.
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Restore materializes an *http.Response from the snapshot.
// Every call produces an independent body reader.
func (cr *CachedResponse) Restore(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", cr.StatusCode, http.StatusText(cr.StatusCode)),
		StatusCode:    cr.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cr.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(cr.Body)),
		ContentLength: int64(len(cr.Body)),
		Request:       req,
	}
}

// CacheKeyFunc produces the key under which a response is cached for a request.
type CacheKeyFunc func(req *http.Request) string

// NewCacheKeyFunc returns a key function combining the request method, the canonicalized
// URL (lowercased scheme/host, default ports dropped, sorted query, fragment ignored)
// and the values of the given headers.
func NewCacheKeyFunc(headers ...string) CacheKeyFunc {
	return func(req *http.Request) string {
		var sb strings.Builder
		sb.WriteString(req.Method)
		sb.WriteString(" ")
		sb.WriteString(canonicalizeURL(req.URL))
		for _, h := range headers {
			sb.WriteString("\n")
			sb.WriteString(h)
			sb.WriteString(":")
			sb.WriteString(req.Header.Get(h))
		}
		return sb.String()
	}
}

// DefaultCacheKey builds a key from the request method and the canonicalized URL.
var DefaultCacheKey = NewCacheKeyFunc()

// ValidateResponseFunc determines if a response is eligible for caching.
type ValidateResponseFunc func(resp *http.Response) bool

// DefaultValidateResponse allows caching of 2xx responses only.
func DefaultValidateResponse(resp *http.Response) bool {
	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}

// RefreshFunc re-executes the downstream part of the chain for background revalidation.
// Client wires it to the chain below the cache middleware.
type RefreshFunc func(req *http.Request) (*http.Response, error)

// CacheMiddleware short-circuits the chain with a stored response when a fresh (or
// stale-but-revalidatable) entry exists, and stores eligible responses on the way out.
//
// Effective TTL is taken from response headers in priority order: no-store (do not
// cache), no-cache (TTL 0), s-maxage, max-age, then the configured default TTL.
// Responses with Cache-Control: private and responses failing ValidateResponse are
// never cached. When a stored response carries stale-while-revalidate, it is served
// once past its expiry while an un-awaited background revalidation replaces or evicts
// the entry.
type CacheMiddleware struct {
	// Logger is used for logging.
	Logger log.FieldLogger

	// Store holds the cached responses.
	Store *cachestore.Store[string, *CachedResponse]

	// CacheableMethods is a set of HTTP methods eligible for caching. GET by default.
	CacheableMethods map[string]struct{}

	// KeyFunc produces the cache key for a request. By default, DefaultCacheKey.
	KeyFunc CacheKeyFunc

	// DefaultTTL is used when the response carries no freshness headers.
	DefaultTTL time.Duration

	// ValidateResponse determines if a response is eligible for caching.
	// By default, DefaultValidateResponse.
	ValidateResponse ValidateResponseFunc

	// Refresh re-executes the downstream chain for background revalidation of stale
	// entries. When nil, stale entries are treated as misses.
	Refresh RefreshFunc

	// OnCacheHit and OnCacheMiss are optional observers. They must never alter control
	// flow; their own panic doesn't break the pipeline.
	OnCacheHit  func(key string)
	OnCacheMiss func(key string)

	// Collector is a metrics collector.
	Collector MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string
}

// CacheMiddlewareOpts represents an options for CacheMiddleware.
type CacheMiddlewareOpts struct {
	Logger log.FieldLogger

	// MaxEntries bounds the cache size; the least recently used entry is evicted
	// at capacity. By default, DefaultCacheMaxEntries.
	MaxEntries int

	// CacheableMethods is a list of HTTP methods eligible for caching. GET by default.
	CacheableMethods []string

	// KeyFunc produces the cache key for a request. By default, DefaultCacheKey.
	KeyFunc CacheKeyFunc

	// DefaultTTL is used when the response carries no freshness headers.
	// By default, DefaultCacheTTL.
	DefaultTTL time.Duration

	// ValidateResponse determines if a response is eligible for caching.
	// By default, DefaultValidateResponse.
	ValidateResponse ValidateResponseFunc

	// Refresh re-executes the downstream chain for background revalidation of stale entries.
	Refresh RefreshFunc

	// OnCacheHit and OnCacheMiss are optional observers.
	OnCacheHit  func(key string)
	OnCacheMiss func(key string)

	// Collector is a metrics collector for the middleware.
	Collector MetricsCollector

	// StoreCollector is a metrics collector for the underlying store.
	StoreCollector cachestore.MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string
}

// NewCacheMiddleware returns a new instance of CacheMiddleware with default options.
func NewCacheMiddleware() (*CacheMiddleware, error) {
	return NewCacheMiddlewareWithOpts(CacheMiddlewareOpts{})
}

// NewCacheMiddlewareWithOpts creates a new instance of CacheMiddleware with specified options.
func NewCacheMiddlewareWithOpts(opts CacheMiddlewareOpts) (*CacheMiddleware, error) {
	if opts.MaxEntries < 0 {
		return nil, fmt.Errorf("max entries must be positive")
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultCacheMaxEntries
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("default TTL must not be negative")
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultCacheKey
	}
	if opts.ValidateResponse == nil {
		opts.ValidateResponse = DefaultValidateResponse
	}

	methods := opts.CacheableMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	methodSet := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		methodSet[m] = struct{}{}
	}

	store, err := cachestore.New[string, *CachedResponse](opts.MaxEntries, opts.StoreCollector)
	if err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}

	return &CacheMiddleware{
		Logger:           opts.Logger,
		Store:            store,
		CacheableMethods: methodSet,
		KeyFunc:          opts.KeyFunc,
		DefaultTTL:       opts.DefaultTTL,
		ValidateResponse: opts.ValidateResponse,
		Refresh:          opts.Refresh,
		OnCacheHit:       opts.OnCacheHit,
		OnCacheMiss:      opts.OnCacheMiss,
		Collector:        opts.Collector,
		RequestType:      opts.RequestType,
	}, nil
}

// Handle serves the call from the cache when possible and stores eligible responses.
func (mw *CacheMiddleware) Handle(c *Context, next Next) error {
	if _, ok := mw.CacheableMethods[c.Request.Method]; !ok {
		return next()
	}

	key := mw.KeyFunc(c.Request)

	if cached, stale, ok := mw.Store.Get(key); ok {
		if !stale {
			mw.serveFromCache(c, key, cached, false)
			return nil
		}
		if mw.Refresh != nil && mw.Store.TryMarkRevalidating(key) {
			mw.serveFromCache(c, key, cached, true)
			mw.startRevalidation(key, c.Request)
			return nil
		}
		// The stale entry is already being refreshed (or there is no refresher);
		// fall through to the network and let the stored response be replaced.
	}

	if mw.Collector != nil {
		mw.Collector.CacheMiss(mw.RequestType)
	}
	if mw.OnCacheMiss != nil {
		callObserver(func() { mw.OnCacheMiss(key) })
	}

	if err := next(); err != nil {
		return err
	}
	if c.Response != nil {
		mw.maybeStore(key, c)
	}
	return nil
}

func (mw *CacheMiddleware) serveFromCache(c *Context, key string, cached *CachedResponse, stale bool) {
	c.Response = cached.Restore(c.Request)
	c.SetMeta(MetaKeyCacheHit, true)
	if stale {
		c.SetMeta(MetaKeyCacheStale, true)
	}
	if mw.Collector != nil {
		mw.Collector.CacheHit(mw.RequestType)
	}
	if mw.OnCacheHit != nil {
		callObserver(func() { mw.OnCacheHit(key) })
	}
}

// maybeStore snapshots the response body and stores the response if it's cacheable.
// The body of c.Response is replaced with an equivalent in-memory reader, so the
// snapshot is transparent for the caller.
func (mw *CacheMiddleware) maybeStore(key string, c *Context) {
	resp := c.Response
	if !mw.ValidateResponse(resp) {
		return
	}

	directives := parseCacheControl(resp.Header.Get("Cache-Control"))
	if directives.noStore || directives.private {
		return
	}

	ttl := mw.DefaultTTL
	switch {
	case directives.noCache:
		ttl = 0
	case directives.sMaxAge != nil:
		ttl = *directives.sMaxAge
	case directives.maxAge != nil:
		ttl = *directives.maxAge
	}

	var staleFor time.Duration
	if directives.staleWhileRevalidate != nil {
		staleFor = *directives.staleWhileRevalidate
	}
	if ttl == 0 && staleFor == 0 {
		return
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		mw.Logger.Error("failed to read response body for caching",
			log.String("cache_key", key), log.Error(err))
		return
	}

	mw.Store.Add(key, &CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now(),
	}, ttl, staleFor)
}

// startRevalidation fires an un-awaited background refresh of a stale entry.
// The refresh uses a detached context so the caller's cancellation doesn't abort it.
func (mw *CacheMiddleware) startRevalidation(key string, req *http.Request) {
	refreshReq := req.Clone(context.Background())
	refreshReq.Body = nil

	go func() {
		resp, err := mw.Refresh(refreshReq)
		if err != nil {
			mw.Logger.Warn("background cache revalidation failed",
				log.String("cache_key", key), log.Error(err))
			mw.Store.Remove(key)
			return
		}
		refreshCtx := &Context{Request: refreshReq, Response: resp, Meta: make(map[string]interface{})}
		mw.maybeStore(key, refreshCtx)
		if refreshCtx.Response != nil && refreshCtx.Response.Body != nil {
			_ = refreshCtx.Response.Body.Close()
		}
		if !mw.ValidateResponse(resp) {
			mw.Store.Remove(key)
		}
	}()
}
