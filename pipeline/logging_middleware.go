/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/acronis/go-appkit/log"
)

// LoggingMode represents a mode of logging.
type LoggingMode string

const (
	LoggingModeNone   LoggingMode = "none"
	LoggingModeAll    LoggingMode = "all"
	LoggingModeFailed LoggingMode = "failed"
)

// IsValid checks if the logger mode is valid.
func (lm LoggingMode) IsValid() bool {
	switch lm {
	case LoggingModeNone, LoggingModeAll, LoggingModeFailed:
		return true
	}
	return false
}

// LoggingMiddleware logs outgoing requests and their outcomes.
type LoggingMiddleware struct {
	// ReqType is a type of request. e.g. service 'auth-service', an action 'login' or specific information to correlate.
	ReqType string

	// Opts are the options for the logging middleware.
	Opts LoggingMiddlewareOpts
}

// LoggingMiddlewareOpts represents an options for LoggingMiddleware.
type LoggingMiddlewareOpts struct {
	// Logger is used when LoggerProvider is not set.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// Mode of logging: none, all, failed.
	Mode LoggingMode

	// SlowRequestThreshold is a threshold for slow requests.
	SlowRequestThreshold time.Duration
}

// NewLoggingMiddleware creates a middleware that logs requests.
func NewLoggingMiddleware(reqType string) *LoggingMiddleware {
	return &LoggingMiddleware{ReqType: reqType}
}

// NewLoggingMiddlewareWithOpts creates a middleware that logs requests with options.
func NewLoggingMiddlewareWithOpts(reqType string, opts LoggingMiddlewareOpts) *LoggingMiddleware {
	return &LoggingMiddleware{ReqType: reqType, Opts: opts}
}

// getLogger returns a logger from the context or from the options.
func (mw *LoggingMiddleware) getLogger(ctx context.Context) log.FieldLogger {
	if mw.Opts.LoggerProvider != nil {
		return mw.Opts.LoggerProvider(ctx)
	}
	return mw.Opts.Logger
}

// Handle logs the downstream call and its outcome.
func (mw *LoggingMiddleware) Handle(c *Context, next Next) error {
	if mw.Opts.Mode == LoggingModeNone {
		return next()
	}

	logger := mw.getLogger(c.Request.Context())
	start := time.Now()

	err := next()
	elapsed := time.Since(start)
	if logger == nil || elapsed < mw.Opts.SlowRequestThreshold {
		return err
	}

	common := "client http request %s %s req type %s "
	args := []interface{}{c.Request.Method, c.Request.URL.String(), mw.ReqType, elapsed.Seconds(), err}
	message := common + "time taken %.3f, err %+v"
	loggerAtLevel := logger.Infof

	if c.Response != nil {
		if mw.Opts.Mode == LoggingModeFailed && err == nil && c.Response.StatusCode < http.StatusBadRequest {
			return err
		}
		args = []interface{}{
			c.Request.Method, c.Request.URL.String(), mw.ReqType, c.Response.StatusCode, elapsed.Seconds(), err,
		}
		message = common + "status code %d, time taken %.3f, err %+v"
	}

	if err != nil {
		loggerAtLevel = logger.Errorf
	}
	loggerAtLevel(message, args...)

	return err
}
