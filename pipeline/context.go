/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/http"
)

// Meta keys that are set by the built-in middlewares.
const (
	// MetaKeyCacheHit is set to true when the response was served from the cache.
	MetaKeyCacheHit = "cacheHit"

	// MetaKeyCacheStale is set to true when a stale cache entry was served
	// while a background revalidation is running.
	MetaKeyCacheStale = "cacheStale"

	// MetaKeyDedupeHit is set to true when the call joined an in-flight identical request.
	MetaKeyDedupeHit = "dedupeHit"

	// MetaKeyRetryAttempts holds the number of retry attempts done (int).
	MetaKeyRetryAttempts = "retryAttempts"
)

// Context is the unit of work passed through the middleware chain.
// It's owned by a single logical call and must not be shared between calls.
type Context struct {
	// Request is the outgoing HTTP request. Middlewares may replace it
	// (e.g. to derive an attempt-scoped context) as the call progresses.
	Request *http.Request

	// Response is the result of the call. It's set by the terminal transport
	// or by a short-circuiting middleware (cache, dedupe).
	Response *http.Response

	// Meta holds per-call information produced by middlewares (see MetaKey* constants).
	Meta map[string]interface{}

	// State is a scratch area middlewares may use to pass values to each other
	// within a single call.
	State map[string]interface{}
}

// NewContext creates a new Context for the given request.
func NewContext(req *http.Request) *Context {
	return &Context{
		Request: req,
		Meta:    make(map[string]interface{}),
		State:   make(map[string]interface{}),
	}
}

// SetMeta sets a meta value for the call.
func (c *Context) SetMeta(key string, value interface{}) {
	c.Meta[key] = value
}

// MetaBool returns a boolean meta value. Missing or non-boolean values are reported as false.
func (c *Context) MetaBool(key string) bool {
	b, ok := c.Meta[key].(bool)
	return ok && b
}

// MetaInt returns an integer meta value. Missing or non-integer values are reported as 0.
func (c *Context) MetaInt(key string) int {
	n, _ := c.Meta[key].(int)
	return n
}
