/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window describes a single enforced rate constraint:
// at most Limit admissions within any Interval.
type Window struct {
	Interval time.Duration
	Limit    int
}

// String returns the window in a "20/1s" form.
func (w Window) String() string {
	return fmt.Sprintf("%d/%s", w.Limit, w.Interval)
}

// TokenBucket bounds the call rate for exactly one time window.
//
// The bucket starts full. Tokens are replenished one whole refill unit
// (Interval/Limit) at a time; once a full Interval has elapsed since the last
// refill, the bucket resets to full capacity. A bucket can be paused from the
// outside (see Pause) when the upstream signals explicit throttling; while
// paused it holds zero tokens and grants no admissions.
type TokenBucket struct {
	interval time.Duration
	capacity int
	unit     time.Duration // time to accrue one token

	mu          sync.Mutex
	tokens      int
	lastRefill  time.Time
	pausedUntil time.Time

	now func() time.Time
}

// NewTokenBucket creates a new TokenBucket for the provided window.
// The window must have a positive limit and interval, otherwise every future
// acquisition would block forever.
func NewTokenBucket(window Window) (*TokenBucket, error) {
	if window.Limit <= 0 {
		return nil, fmt.Errorf("window limit must be positive")
	}
	if window.Interval <= 0 {
		return nil, fmt.Errorf("window interval must be positive")
	}
	b := &TokenBucket{
		interval: window.Interval,
		capacity: window.Limit,
		unit:     window.Interval / time.Duration(window.Limit),
		tokens:   window.Limit,
		now:      time.Now,
	}
	b.lastRefill = b.now()
	return b, nil
}

// Window returns the window the bucket was created for.
func (b *TokenBucket) Window() Window {
	return Window{Interval: b.interval, Limit: b.capacity}
}

// Acquire blocks until at least one token is available, then consumes it.
// It returns the context's error if ctx is canceled or its deadline exceeded
// while waiting.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.now()
		if b.takeLocked(now) {
			b.mu.Unlock()
			return nil
		}
		wait := b.nextTokenDelayLocked(now)
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// Pause may have been set while sleeping, the next iteration re-evaluates.
		}
	}
}

// TryAcquire consumes a token if one is available right now and reports
// whether it did.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked(b.now())
}

// Pause empties the bucket and suppresses all admissions and refills for the
// passed duration. Refill restarts from zero when the pause elapses.
// An already scheduled longer pause is not shortened.
func (b *TokenBucket) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	until := b.now().Add(d)
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	b.tokens = 0
	b.lastRefill = b.pausedUntil
}

// Tokens returns the number of currently available tokens.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

// release returns a previously consumed token. It's used by MultiWindowLimiter
// to roll back a partial multi-bucket acquisition on context cancellation.
func (b *TokenBucket) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.pausedUntil) {
		return // Paused bucket holds zero tokens.
	}
	if b.tokens < b.capacity {
		b.tokens++
	}
}

func (b *TokenBucket) takeLocked(now time.Time) bool {
	b.refillLocked(now)
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	if now.Before(b.pausedUntil) {
		b.tokens = 0
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed >= b.interval {
		b.tokens = b.capacity
		b.lastRefill = now
		return
	}
	if elapsed < b.unit {
		return
	}
	n := int(elapsed / b.unit)
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	// Advance only by the consumed whole units so fractional progress
	// toward the next token survives across checks.
	b.lastRefill = b.lastRefill.Add(time.Duration(n) * b.unit)
}

func (b *TokenBucket) nextTokenDelayLocked(now time.Time) time.Duration {
	if now.Before(b.pausedUntil) {
		return b.pausedUntil.Sub(now)
	}
	d := b.unit - now.Sub(b.lastRefill)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}
