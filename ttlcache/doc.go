/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ttlcache provides a generic in-memory cache with per-entry TTL.
//
// Unlike an LRU cache it has no size bound and no eviction order: entries
// live until their TTL elapses and are removed lazily by the read that
// observes the expiry (an optional periodic cleanup can be run for
// long-living processes, see RunPeriodicCleanup). Writes are
// last-writer-wins.
//
// The cache is intended for eliminating redundant calls for idempotent,
// slow-changing data: the caller picks the TTL per call site and must encode
// every parameter that affects the value into the key, so that "same key"
// implies "same expected value". GetOrLoad additionally coalesces concurrent
// loads of the same key, so an expensive upstream call is made only once.
package ttlcache
