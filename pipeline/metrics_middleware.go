/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"strconv"
	"time"
)

// MetricsMiddleware measures requests done and observes their durations.
type MetricsMiddleware struct {
	// RequestType is a type of request. e.g. service 'auth-service', an action 'login' or specific information to correlate.
	RequestType string

	// Collector is a metrics collector.
	Collector MetricsCollector
}

// MetricsMiddlewareOpts represents an options for MetricsMiddleware.
type MetricsMiddlewareOpts struct {
	// RequestType is a type of request. e.g. service 'auth-service', an action 'login' or specific information to correlate.
	RequestType string

	// Collector is a metrics collector.
	Collector MetricsCollector
}

// NewMetricsMiddleware creates a middleware that measures requests done.
func NewMetricsMiddleware() *MetricsMiddleware {
	return NewMetricsMiddlewareWithOpts(MetricsMiddlewareOpts{})
}

// NewMetricsMiddlewareWithOpts creates a middleware that measures requests done with the specified options.
func NewMetricsMiddlewareWithOpts(opts MetricsMiddlewareOpts) *MetricsMiddleware {
	requestType := opts.RequestType
	if requestType == "" {
		requestType = DefaultRequestType
	}
	return &MetricsMiddleware{RequestType: requestType, Collector: opts.Collector}
}

// Handle measures the downstream call.
func (mw *MetricsMiddleware) Handle(c *Context, next Next) error {
	if mw.Collector == nil {
		return next()
	}

	status := "0"
	start := time.Now()

	err := next()
	if err == nil && c.Response != nil {
		status = strconv.Itoa(c.Response.StatusCode)
	}

	mw.Collector.RequestDuration(
		mw.RequestType, c.Request.Host, requestSummary(c.Request, mw.RequestType), status, start)
	return err
}
