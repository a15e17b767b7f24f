/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

// UserAgentUpdateStrategy represents a strategy for updating User-Agent HTTP header.
type UserAgentUpdateStrategy int

// User-Agent update strategies.
const (
	UserAgentUpdateStrategySetIfEmpty UserAgentUpdateStrategy = iota
	UserAgentUpdateStrategyAppend
	UserAgentUpdateStrategyPrepend
)

// UserAgentMiddleware sets User-Agent HTTP header in all outgoing requests.
type UserAgentMiddleware struct {
	UserAgent      string
	UpdateStrategy UserAgentUpdateStrategy
}

// UserAgentMiddlewareOpts represents an options for UserAgentMiddleware.
type UserAgentMiddlewareOpts struct {
	UpdateStrategy UserAgentUpdateStrategy
}

// NewUserAgentMiddleware creates a new UserAgentMiddleware.
func NewUserAgentMiddleware(userAgent string) *UserAgentMiddleware {
	return NewUserAgentMiddlewareWithOpts(userAgent, UserAgentMiddlewareOpts{})
}

// NewUserAgentMiddlewareWithOpts creates a new UserAgentMiddleware with specified options.
func NewUserAgentMiddlewareWithOpts(userAgent string, opts UserAgentMiddlewareOpts) *UserAgentMiddleware {
	return &UserAgentMiddleware{userAgent, opts.UpdateStrategy}
}

// Handle updates the User-Agent header and calls the next middleware.
func (mw *UserAgentMiddleware) Handle(c *Context, next Next) error {
	userAgent := c.Request.Header.Get("User-Agent")

	switch mw.UpdateStrategy {
	case UserAgentUpdateStrategySetIfEmpty:
		if userAgent != "" {
			return next()
		}
		userAgent = mw.UserAgent

	case UserAgentUpdateStrategyAppend:
		if userAgent == "" {
			userAgent = mw.UserAgent
		} else {
			userAgent += " " + mw.UserAgent
		}

	case UserAgentUpdateStrategyPrepend:
		if userAgent == "" {
			userAgent = mw.UserAgent
		} else {
			userAgent = mw.UserAgent + " " + userAgent
		}
	}

	c.Request.Header.Set("User-Agent", userAgent)
	return next()
}
