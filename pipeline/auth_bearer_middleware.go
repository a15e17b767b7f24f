/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"context"
	"fmt"
)

// AuthBearerError is returned by AuthBearerMiddleware when the token cannot be obtained.
type AuthBearerError struct {
	Inner error
}

func (e *AuthBearerError) Error() string {
	return fmt.Sprintf("obtain bearer token: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *AuthBearerError) Unwrap() error {
	return e.Inner
}

// AuthProvider provides auth information that is used for bearer authorization.
type AuthProvider interface {
	GetToken(ctx context.Context, scope ...string) (string, error)
}

// AuthBearerMiddlewareOpts is options for AuthBearerMiddleware.
type AuthBearerMiddlewareOpts struct {
	TokenScope []string
}

// AuthBearerMiddleware sets Authorization HTTP header in all outgoing requests.
// Requests carrying an Authorization header already are passed through unchanged.
type AuthBearerMiddleware struct {
	AuthProvider AuthProvider
	opts         AuthBearerMiddlewareOpts
}

// NewAuthBearerMiddleware creates a new AuthBearerMiddleware.
func NewAuthBearerMiddleware(authProvider AuthProvider) *AuthBearerMiddleware {
	return NewAuthBearerMiddlewareWithOpts(authProvider, AuthBearerMiddlewareOpts{})
}

// NewAuthBearerMiddlewareWithOpts creates a new AuthBearerMiddleware with options.
func NewAuthBearerMiddlewareWithOpts(authProvider AuthProvider, opts AuthBearerMiddlewareOpts) *AuthBearerMiddleware {
	return &AuthBearerMiddleware{authProvider, opts}
}

// Handle sets the Authorization header and calls the next middleware.
func (mw *AuthBearerMiddleware) Handle(c *Context, next Next) error {
	if c.Request.Header.Get("Authorization") != "" {
		return next()
	}
	token, err := mw.AuthProvider.GetToken(c.Request.Context(), mw.opts.TokenScope...)
	if err != nil {
		return &AuthBearerError{Inner: err}
	}
	c.Request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return next()
}
