/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package pipeline provides a middleware pipeline for wrapping outgoing HTTP calls
// with composable resilience policies: retries with backoff, per-key circuit breaking,
// response caching, request deduplication and rate limiting.
//
// Middlewares are executed in the classic onion model: Compose runs them in order on
// the way in and unwinds them in reverse order on the way out. Each middleware may
// proceed by calling next() exactly once or short-circuit by returning without calling
// it. The Client type assembles the conventional chain around an injectable Transport.
package pipeline
