/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/acronis/go-appkit/log"
)

// MultiWindowLimiter enforces several simultaneous rate windows as one
// admission gate. A caller is admitted only when every configured window
// has budget left; admission is serialized so one window's scarcity cannot
// be bypassed by interleaving callers.
//
// The limiter is a shared global gate: ReportThrottled pauses all windows at
// once and every caller blocks until the pause elapses.
type MultiWindowLimiter struct {
	// admission is a 1-slot semaphore serving as the composite admission lock.
	// Goroutines blocked on a channel send are released in FIFO order,
	// which gives plain FIFO fairness to waiters.
	admission chan struct{}

	buckets []*TokenBucket
	windows []Window

	logger  log.FieldLogger
	metrics MetricsCollector
}

// MultiWindowLimiterOpts represents options for MultiWindowLimiter.
type MultiWindowLimiterOpts struct {
	// Logger is used for logging throttle pauses.
	Logger log.FieldLogger

	// MetricsCollector is used to collect limiter metrics.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector MetricsCollector
}

// NewMultiWindowLimiter creates a new MultiWindowLimiter for the provided windows.
func NewMultiWindowLimiter(windows []Window) (*MultiWindowLimiter, error) {
	return NewMultiWindowLimiterWithOpts(windows, MultiWindowLimiterOpts{})
}

// NewMultiWindowLimiterWithOpts creates a new MultiWindowLimiter for the provided
// windows and options. For options that are not presented, the default values will be used.
func NewMultiWindowLimiterWithOpts(windows []Window, opts MultiWindowLimiterOpts) (*MultiWindowLimiter, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("at least one rate window is required")
	}

	sorted := make([]Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Interval < sorted[j].Interval })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Interval == sorted[i-1].Interval {
			return nil, fmt.Errorf("duplicate rate window interval %s", sorted[i].Interval)
		}
	}

	buckets := make([]*TokenBucket, 0, len(sorted))
	for _, w := range sorted {
		bucket, err := NewTokenBucket(w)
		if err != nil {
			return nil, fmt.Errorf("new token bucket for window %s: %w", w, err)
		}
		buckets = append(buckets, bucket)
	}

	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetricsCollector
	}

	return &MultiWindowLimiter{
		admission: make(chan struct{}, 1),
		buckets:   buckets,
		windows:   sorted,
		logger:    opts.Logger,
		metrics:   opts.MetricsCollector,
	}, nil
}

// Windows returns the configured windows sorted by interval in ascending order.
func (l *MultiWindowLimiter) Windows() []Window {
	windows := make([]Window, len(l.windows))
	copy(windows, l.windows)
	return windows
}

// WaitForPermission blocks until a token has been granted by every configured
// window, acquiring them in the fixed ascending-interval order. Only one
// caller evaluates the bucket set at a time, so admission is FIFO with
// respect to the order in which callers enter the gate.
//
// If ctx is canceled while waiting, tokens already consumed from earlier
// buckets are returned and the context's error is reported.
func (l *MultiWindowLimiter) WaitForPermission(ctx context.Context) error {
	startedAt := time.Now()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.admission <- struct{}{}:
	}
	defer func() { <-l.admission }()

	for i, bucket := range l.buckets {
		if err := bucket.Acquire(ctx); err != nil {
			for j := 0; j < i; j++ {
				l.buckets[j].release()
			}
			return err
		}
	}

	l.metrics.ObserveWaitTime(time.Since(startedAt))
	return nil
}

// TryPermission consumes a token from every window if all of them have budget
// right now and reports whether the admission was granted. No tokens are
// consumed when the admission is denied.
func (l *MultiWindowLimiter) TryPermission() bool {
	select {
	case l.admission <- struct{}{}:
	default:
		return false
	}
	defer func() { <-l.admission }()

	for i, bucket := range l.buckets {
		if !bucket.TryAcquire() {
			for j := 0; j < i; j++ {
				l.buckets[j].release()
			}
			return false
		}
	}
	return true
}

// ReportThrottled pauses every window for the passed duration.
// It models a cool-down mandated by the server (e.g. the Retry-After value of
// a 429 response): for the whole duration zero admissions are granted, after
// it each window resumes at its normal refill rate.
//
// It's safe to call while other goroutines are blocked in WaitForPermission.
func (l *MultiWindowLimiter) ReportThrottled(d time.Duration) {
	if d <= 0 {
		return
	}
	for _, bucket := range l.buckets {
		bucket.Pause(d)
	}
	l.metrics.IncThrottledPauses(d)
	l.logger.Warn("rate limiter paused on server throttling signal",
		log.DurationIn(d, time.Millisecond))
}
