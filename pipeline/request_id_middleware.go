/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/http"

	"github.com/rs/xid"
)

// RequestIDHeader is the HTTP header carrying the request id.
const RequestIDHeader = "X-Request-ID"

// RequestIDProvider generates a new request id.
type RequestIDProvider func() string

// NewRequestID generates a new unique request id.
func NewRequestID() string {
	return xid.New().String()
}

// RequestIDMiddleware sets the X-Request-ID header in all outgoing requests.
// A request id already present on the request is kept.
type RequestIDMiddleware struct {
	Provider RequestIDProvider
}

// NewRequestIDMiddleware creates a new RequestIDMiddleware generating xid-based request ids.
func NewRequestIDMiddleware() *RequestIDMiddleware {
	return &RequestIDMiddleware{Provider: NewRequestID}
}

// Handle sets the X-Request-ID header and calls the next middleware.
func (mw *RequestIDMiddleware) Handle(c *Context, next Next) error {
	if c.Request.Header.Get(RequestIDHeader) == "" {
		if c.Request.Header == nil {
			c.Request.Header = make(http.Header)
		}
		c.Request.Header.Set(RequestIDHeader, mw.Provider())
	}
	return next()
}
