/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-apiclient/ratelimit"
	"github.com/acronis/go-apiclient/ttlcache"
)

// Opts provides options for NewWithOpts and MustWithOpts functions.
type Opts struct {
	// Delegate is the next RoundTripper in the chain.
	Delegate http.RoundTripper

	// CredentialProvider provides the API key for outgoing requests.
	// When it's nil, the static key from the configuration is used.
	CredentialProvider CredentialProvider

	// RequestIDProvider is a function that provides a request ID.
	RequestIDProvider func(ctx context.Context) string

	// Logger is used for logging.
	// When it's necessary to use context-specific logger, LoggerProvider should be used instead.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MetricsCollector is a metrics collector for the dispatcher.
	MetricsCollector MetricsCollector

	// LimiterMetricsCollector is a metrics collector for the admission gate.
	LimiterMetricsCollector ratelimit.MetricsCollector

	// CacheMetricsCollector is a metrics collector for the response cache.
	CacheMetricsCollector ttlcache.MetricsCollector
}

// New creates a new Dispatcher from the configuration: the outbound transport
// is decorated with request ID and credential headers, the admission gate is
// built from the configured rate windows, and the response cache is attached
// when enabled. Returns an error if any occurs.
func New(cfg *Config) (*Dispatcher, error) {
	return NewWithOpts(cfg, Opts{})
}

// Must creates a new Dispatcher from the configuration and panics if any error occurs.
func Must(cfg *Config) *Dispatcher {
	d, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return d
}

// NewWithOpts creates a new Dispatcher from the configuration and options
// and returns an error if any occurs.
func NewWithOpts(cfg *Config, opts Opts) (*Dispatcher, error) {
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	delegate = NewRequestIDRoundTripperWithOpts(delegate, RequestIDRoundTripperOpts{
		RequestIDProvider: opts.RequestIDProvider,
	})

	credential := opts.CredentialProvider
	if credential == nil && cfg.Auth.Key != "" {
		credential = StaticCredential(cfg.Auth.Key)
	}
	if credential != nil {
		delegate = NewAPIKeyRoundTripperWithOpts(delegate, credential, APIKeyRoundTripperOpts{
			HeaderName: cfg.Auth.HeaderName,
		})
	}

	limiter, err := ratelimit.NewMultiWindowLimiterWithOpts(cfg.RateLimits.Windows, ratelimit.MultiWindowLimiterOpts{
		Logger:           opts.Logger,
		MetricsCollector: opts.LimiterMetricsCollector,
	})
	if err != nil {
		return nil, fmt.Errorf("create multi-window limiter: %w", err)
	}

	var cache *ttlcache.Cache[string, []byte]
	if cfg.Cache.Enabled {
		cache = ttlcache.New[string, []byte](opts.CacheMetricsCollector)
	}

	return NewDispatcherWithOpts(limiter, &http.Client{Transport: delegate, Timeout: cfg.Timeout}, DispatcherOpts{
		Cache:                  cache,
		Logger:                 opts.Logger,
		LoggerProvider:         opts.LoggerProvider,
		MetricsCollector:       opts.MetricsCollector,
		CoalesceIdenticalCalls: cfg.Cache.CoalesceIdenticalCalls,
		DefaultRetryAfter:      cfg.Throttling.DefaultRetryAfter,
		DefaultCacheTTL:        cfg.Cache.DefaultTTL,
		TransportRetryPolicy:   cfg.TransportRetries.GetPolicy(),
	})
}

// MustWithOpts creates a new Dispatcher from the configuration and options
// and panics if any error occurs.
func MustWithOpts(cfg *Config, opts Opts) *Dispatcher {
	d, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}
	return d
}
