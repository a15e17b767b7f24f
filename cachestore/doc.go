/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package cachestore provides a bounded in-memory LRU store with per-entry TTL and
// an optional staleness window, intended as storage for HTTP response caching with
// stale-while-revalidate semantics. Expired entries within their staleness window are
// still returned (marked stale) so the caller can serve them once while refreshing
// in the background.
package cachestore
