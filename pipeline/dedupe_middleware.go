/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"bytes"
	"container/list"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
)

// Default parameter values for DedupeMiddleware.
const (
	DefaultDedupeMaxAge     = time.Minute
	DefaultDedupeMaxPending = 1000
)

// DedupeKeyFunc produces the fingerprint under which identical in-flight requests
// are coalesced.
type DedupeKeyFunc func(req *http.Request) string

// NewDedupeKeyFunc returns a fingerprint function combining the request method and the
// canonicalized URL, optionally extended with a hash of the request body (requests
// without GetBody are fingerprinted without it) and the values of the given headers.
func NewDedupeKeyFunc(hashBody bool, headers ...string) DedupeKeyFunc {
	return func(req *http.Request) string {
		h := fnv.New64a()
		_, _ = h.Write([]byte(req.Method))
		_, _ = h.Write([]byte(canonicalizeURL(req.URL)))
		for _, name := range headers {
			_, _ = h.Write([]byte(name))
			_, _ = h.Write([]byte(req.Header.Get(name)))
		}
		if hashBody && req.Body != nil && req.GetBody != nil {
			if body, err := req.GetBody(); err == nil {
				bodyHash := sha256.New()
				_, _ = io.Copy(bodyHash, body)
				_ = body.Close()
				_, _ = h.Write(bodyHash.Sum(nil))
			}
		}
		return fmt.Sprintf("%x", h.Sum64())
	}
}

// DefaultDedupeKey builds a fingerprint from the request method and the canonicalized URL.
var DefaultDedupeKey = NewDedupeKeyFunc(false)

type dedupeResult struct {
	cached *CachedResponse
	err    error
}

// dedupeEntry represents one in-flight execution shared between callers.
// The result is published before done is closed and never mutated afterwards.
type dedupeEntry struct {
	done      chan struct{}
	result    dedupeResult
	startedAt time.Time
	elem      *list.Element
}

// DedupeMiddleware collapses concurrent identical requests into one in-flight execution.
// The first caller for a fingerprint executes the downstream chain; concurrent callers
// with the same fingerprint await the shared result instead of issuing a duplicate
// transport call. A joined caller's cancellation aborts only its own wait, not the
// shared execution. Entries are removed as soon as the shared execution settles;
// completed results are not retained.
type DedupeMiddleware struct {
	// Logger is used for logging.
	Logger log.FieldLogger

	// KeyFunc produces the request fingerprint. By default, DefaultDedupeKey.
	KeyFunc DedupeKeyFunc

	// DedupableMethods is a set of HTTP methods eligible for deduplication.
	// By default, GET, HEAD and OPTIONS; unsafe methods are eligible only when the
	// request context carries an idempotent hint (see NewContextWithIdempotentHint).
	DedupableMethods map[string]struct{}

	// MaxAge bounds how long an in-flight entry can be joined. Callers arriving past
	// it start a fresh execution, which protects against stuck in-flight calls.
	MaxAge time.Duration

	// MaxPending bounds the number of tracked in-flight entries. Registering past the
	// bound evicts the oldest pending entry (its execution continues, but no new
	// callers can join it).
	MaxPending int

	// OnDedupe is an optional observer called when a caller joins an in-flight request.
	// It must never alter control flow; its own panic doesn't break the pipeline.
	OnDedupe func(key string)

	// Collector is a metrics collector.
	Collector MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string

	mu      sync.Mutex
	entries map[string]*dedupeEntry
	pending *list.List // fingerprints in registration order, oldest at the back
}

// DedupeMiddlewareOpts represents an options for DedupeMiddleware.
type DedupeMiddlewareOpts struct {
	Logger log.FieldLogger

	// KeyFunc produces the request fingerprint. By default, DefaultDedupeKey.
	KeyFunc DedupeKeyFunc

	// DedupableMethods is a list of HTTP methods eligible for deduplication.
	// By default, GET, HEAD and OPTIONS.
	DedupableMethods []string

	// MaxAge bounds how long an in-flight entry can be joined.
	// By default, DefaultDedupeMaxAge.
	MaxAge time.Duration

	// MaxPending bounds the number of tracked in-flight entries.
	// By default, DefaultDedupeMaxPending.
	MaxPending int

	// OnDedupe is an optional observer called when a caller joins an in-flight request.
	OnDedupe func(key string)

	// Collector is a metrics collector.
	Collector MetricsCollector

	// RequestType is a value for the "type" metrics label.
	RequestType string
}

// NewDedupeMiddleware returns a new instance of DedupeMiddleware with default options.
func NewDedupeMiddleware() (*DedupeMiddleware, error) {
	return NewDedupeMiddlewareWithOpts(DedupeMiddlewareOpts{})
}

// NewDedupeMiddlewareWithOpts creates a new instance of DedupeMiddleware with specified options.
func NewDedupeMiddlewareWithOpts(opts DedupeMiddlewareOpts) (*DedupeMiddleware, error) {
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("max age must not be negative")
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = DefaultDedupeMaxAge
	}
	if opts.MaxPending < 0 {
		return nil, fmt.Errorf("max pending must be positive")
	}
	if opts.MaxPending == 0 {
		opts.MaxPending = DefaultDedupeMaxPending
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultDedupeKey
	}

	methods := opts.DedupableMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	}
	methodSet := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		methodSet[m] = struct{}{}
	}

	return &DedupeMiddleware{
		Logger:           opts.Logger,
		KeyFunc:          opts.KeyFunc,
		DedupableMethods: methodSet,
		MaxAge:           opts.MaxAge,
		MaxPending:       opts.MaxPending,
		OnDedupe:         opts.OnDedupe,
		Collector:        opts.Collector,
		RequestType:      opts.RequestType,
		entries:          make(map[string]*dedupeEntry),
		pending:          list.New(),
	}, nil
}

// PendingLen returns the number of tracked in-flight entries.
func (mw *DedupeMiddleware) PendingLen() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return len(mw.entries)
}

// Handle executes the downstream chain once per fingerprint and shares the result
// with concurrent identical callers.
func (mw *DedupeMiddleware) Handle(c *Context, next Next) error {
	if !mw.requestIsDedupable(c.Request) {
		return next()
	}

	key := mw.KeyFunc(c.Request)
	entry, owner := mw.getOrRegister(key)
	if !owner {
		return mw.join(c, key, entry)
	}

	err := next()
	mw.settle(key, entry, c, err)
	return err
}

func (mw *DedupeMiddleware) requestIsDedupable(req *http.Request) bool {
	if _, ok := mw.DedupableMethods[req.Method]; ok {
		return true
	}
	return GetIdempotentHintFromContext(req.Context())
}

// getOrRegister finds a joinable in-flight entry or registers a new one.
// The registration happens under the same lock as the lookup, so two concurrent
// callers with the same fingerprint cannot both become owners.
func (mw *DedupeMiddleware) getOrRegister(key string) (entry *dedupeEntry, owner bool) {
	now := time.Now()

	mw.mu.Lock()
	defer mw.mu.Unlock()

	if existing, ok := mw.entries[key]; ok {
		if now.Sub(existing.startedAt) <= mw.MaxAge {
			return existing, false
		}
		mw.removeLocked(key, existing)
	}

	if len(mw.entries) >= mw.MaxPending {
		if oldest := mw.pending.Back(); oldest != nil {
			oldestKey := oldest.Value.(string)
			mw.removeLocked(oldestKey, mw.entries[oldestKey])
			mw.Logger.Warn("dedupe pending bound exceeded, evicted the oldest in-flight entry",
				log.String("dedupe_key", oldestKey))
		}
	}

	entry = &dedupeEntry{done: make(chan struct{}), startedAt: now}
	entry.elem = mw.pending.PushFront(key)
	mw.entries[key] = entry
	return entry, true
}

// join awaits the shared execution. Cancellation of the joined caller's own context
// aborts only its wait.
func (mw *DedupeMiddleware) join(c *Context, key string, entry *dedupeEntry) error {
	if mw.Collector != nil {
		mw.Collector.DedupeJoin(mw.RequestType)
	}
	if mw.OnDedupe != nil {
		callObserver(func() { mw.OnDedupe(key) })
	}

	select {
	case <-entry.done:
	case <-c.Request.Context().Done():
		return fmt.Errorf("canceled while awaiting an in-flight identical request: %w", c.Request.Context().Err())
	}

	c.SetMeta(MetaKeyDedupeHit, true)
	if entry.result.err != nil {
		return entry.result.err
	}
	if entry.result.cached != nil {
		c.Response = entry.result.cached.Restore(c.Request)
	}
	return nil
}

// settle publishes the result, releases the waiters and removes the entry.
// The owner's response body is snapshotted so every caller gets an independent reader.
func (mw *DedupeMiddleware) settle(key string, entry *dedupeEntry, c *Context, err error) {
	switch {
	case err != nil:
		entry.result.err = err
	case c.Response != nil:
		body, readErr := io.ReadAll(c.Response.Body)
		_ = c.Response.Body.Close()
		c.Response.Body = io.NopCloser(bytes.NewReader(body))
		if readErr != nil {
			entry.result.err = fmt.Errorf("read shared response body: %w", readErr)
		} else {
			entry.result.cached = &CachedResponse{
				StatusCode: c.Response.StatusCode,
				Header:     c.Response.Header.Clone(),
				Body:       body,
				StoredAt:   time.Now(),
			}
		}
	}
	close(entry.done)

	mw.mu.Lock()
	if mw.entries[key] == entry {
		mw.removeLocked(key, entry)
	}
	mw.mu.Unlock()
}

func (mw *DedupeMiddleware) removeLocked(key string, entry *dedupeEntry) {
	if entry == nil {
		return
	}
	delete(mw.entries, key)
	if entry.elem != nil {
		mw.pending.Remove(entry.elem)
		entry.elem = nil
	}
}
