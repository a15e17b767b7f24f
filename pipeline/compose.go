/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"fmt"
)

// Next proceeds to the rest of the middleware chain.
// Within a single middleware invocation it may be called at most once;
// a second call fails with MultipleNextCallsError.
type Next func() error

// Middleware processes a call context and either proceeds by calling next
// or short-circuits by setting c.Response (or returning an error) without calling it.
type Middleware interface {
	Handle(c *Context, next Next) error
}

// The MiddlewareFunc type is an adapter to allow the use of ordinary functions as middlewares.
type MiddlewareFunc func(c *Context, next Next) error

// Handle implements Middleware.
func (f MiddlewareFunc) Handle(c *Context, next Next) error {
	return f(c, next)
}

// MultipleNextCallsError is returned when a middleware calls next() more than once
// within a single invocation.
type MultipleNextCallsError struct {
	// Index is the position in the composed chain at which the violation was detected.
	Index int
}

func (e *MultipleNextCallsError) Error() string {
	return fmt.Sprintf("next() called multiple times (middleware index %d)", e.Index)
}

// Compose chains middlewares into a single one.
// Middlewares are executed in the passed order on the way in and in the reverse order
// on the way out. The terminal next passed to the composed middleware's Handle is
// invoked after the last middleware in the chain; it may be nil.
//
// The dispatcher is index-guarded: it tracks the highest dispatched index, and calling
// next again at an index that was already dispatched is a protocol violation.
// Each Handle invocation of the composed middleware uses a fresh guard, so the same
// composed value is safe for concurrent and repeated use.
func Compose(mws ...Middleware) Middleware {
	return MiddlewareFunc(func(c *Context, next Next) error {
		lastIndex := -1
		var dispatch func(i int) error
		dispatch = func(i int) error {
			if i <= lastIndex {
				return &MultipleNextCallsError{Index: i - 1}
			}
			lastIndex = i
			if i == len(mws) {
				if next == nil {
					return nil
				}
				return next()
			}
			return mws[i].Handle(c, func() error { return dispatch(i + 1) })
		}
		return dispatch(0)
	})
}

// PassthroughMiddleware is a no-op middleware that just proceeds to the rest of the chain.
// Disabled plugins reduce to it.
func PassthroughMiddleware() Middleware {
	return MiddlewareFunc(func(c *Context, next Next) error {
		return next()
	})
}
