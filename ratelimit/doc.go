/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides client-side admission control for calling
// external APIs that enforce several rate windows at the same time.
//
// Many public APIs publish limits like "20 requests per second AND
// 100 requests per 2 minutes" and additionally mandate cool-downs via
// the Retry-After header of 429 responses. This package models each
// window as a token bucket and composes them into a single admission
// gate that grants permission only when every window has budget left.
//
// Key features:
//   - Token bucket per window with whole-unit refill and window reset
//   - MultiWindowLimiter serializing admission FIFO across all windows
//   - Externally triggered pause of all windows on server backpressure
//   - Context-aware blocking with token refund on cancellation
//   - Optional Prometheus metrics for waits and throttle pauses
package ratelimit
