/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import "context"

type ctxKey int

const (
	ctxKeyRequestType ctxKey = iota
	ctxKeyIdempotentHint
)

// NewContextWithRequestType creates a new context with request type.
func NewContextWithRequestType(ctx context.Context, requestType string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestType, requestType)
}

// GetRequestTypeFromContext extracts request type from the context.
func GetRequestTypeFromContext(ctx context.Context) string {
	value := ctx.Value(ctxKeyRequestType)
	if value == nil {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return s
}

// NewContextWithIdempotentHint returns a derived context that carries an "idempotent request" hint.
// When set to true, the request is considered idempotent even if it's not a GET/HEAD/OPTIONS request.
// RetryMiddleware uses this hint to decide whether it's safe to retry unsafe methods
// like POST and PATCH, and DedupeMiddleware uses it to make such requests eligible
// for coalescing.
func NewContextWithIdempotentHint(ctx context.Context, isIdempotent bool) context.Context {
	return context.WithValue(ctx, ctxKeyIdempotentHint, isIdempotent)
}

// GetIdempotentHintFromContext extracts the "idempotent request" hint from context.
// Returns false when the key is not present. See NewContextWithIdempotentHint for details.
func GetIdempotentHintFromContext(ctx context.Context) bool {
	value := ctx.Value(ctxKeyIdempotentHint)
	if value == nil {
		return false
	}
	b, ok := value.(bool)
	return ok && b
}
