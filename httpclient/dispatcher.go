/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-apiclient/ratelimit"
	"github.com/acronis/go-apiclient/ttlcache"
)

// DefaultRetryAfter is the cool-down applied after a 429 response
// that carries no Retry-After header.
const DefaultRetryAfter = time.Second

// Request describes one logical call to the upstream API.
// The same Request value is re-issued verbatim when the call is retried
// after a throttling response.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	// URL is the full request URL including query parameters.
	URL string

	// Header holds additional headers for the request.
	Header http.Header

	// Body is the request body. Keeping it as a byte slice makes the request
	// trivially re-issuable on retry.
	Body []byte

	// CacheKey enables response caching for the call. The caller must encode
	// every parameter that affects the result (endpoint, region, pagination
	// window, etc.) into the key; MakeCacheKey helps with that.
	// Empty key disables caching.
	CacheKey string

	// CacheTTL bounds how long the response may be served from the cache.
	// Zero falls back to the dispatcher's default TTL.
	CacheTTL time.Duration
}

// Dispatcher performs logical calls to the upstream API end-to-end:
// cache lookup, limiter admission, transport exchange, response
// classification, and cache population.
//
// Throttling (429) is absorbed internally: the limiter is paused for the
// server-supplied cool-down and the call is retried with identical
// parameters, so from the caller's perspective a throttled call simply takes
// longer. The retry count is unbounded since the server's signal is treated
// as authoritative. All other non-2xx outcomes are terminal typed errors.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	limiter    *ratelimit.MultiWindowLimiter
	cache      *ttlcache.Cache[string, []byte]
	httpClient *http.Client

	logger         log.FieldLogger
	loggerProvider func(ctx context.Context) log.FieldLogger
	metrics        MetricsCollector

	coalesceIdenticalCalls bool
	defaultRetryAfter      time.Duration
	defaultCacheTTL        time.Duration
	transportRetryPolicy   retry.Policy
}

// DispatcherOpts represents options for Dispatcher.
type DispatcherOpts struct {
	// Cache stores successful response bodies. Nil disables caching.
	Cache *ttlcache.Cache[string, []byte]

	// Logger is used for logging.
	// When it's necessary to use context-specific logger, LoggerProvider should be used instead.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MetricsCollector is used to collect dispatcher metrics.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector MetricsCollector

	// CoalesceIdenticalCalls makes concurrent cache misses for the same key
	// share one upstream call instead of each spending limiter budget.
	CoalesceIdenticalCalls bool

	// DefaultRetryAfter is the cool-down applied after a 429 response without
	// a Retry-After header. By default, DefaultRetryAfter const is used.
	DefaultRetryAfter time.Duration

	// DefaultCacheTTL is used for requests that enable caching without
	// specifying a TTL.
	DefaultCacheTTL time.Duration

	// TransportRetryPolicy enables retrying network-level failures.
	// Nil (the default) makes every transport failure terminal for the call.
	// It is never applied to 429 responses, which are governed solely by the
	// server-supplied cool-down.
	TransportRetryPolicy retry.Policy
}

// NewDispatcher creates a new Dispatcher with the provided limiter and HTTP client.
func NewDispatcher(limiter *ratelimit.MultiWindowLimiter, httpClient *http.Client) (*Dispatcher, error) {
	return NewDispatcherWithOpts(limiter, httpClient, DispatcherOpts{})
}

// NewDispatcherWithOpts creates a new Dispatcher with the provided limiter, HTTP client and options.
// For options that are not presented, the default values will be used.
func NewDispatcherWithOpts(
	limiter *ratelimit.MultiWindowLimiter, httpClient *http.Client, opts DispatcherOpts,
) (*Dispatcher, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetricsCollector
	}
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = DefaultRetryAfter
	}

	return &Dispatcher{
		limiter:                limiter,
		cache:                  opts.Cache,
		httpClient:             httpClient,
		logger:                 opts.Logger,
		loggerProvider:         opts.LoggerProvider,
		metrics:                opts.MetricsCollector,
		coalesceIdenticalCalls: opts.CoalesceIdenticalCalls,
		defaultRetryAfter:      opts.DefaultRetryAfter,
		defaultCacheTTL:        opts.DefaultCacheTTL,
		transportRetryPolicy:   opts.TransportRetryPolicy,
	}, nil
}

// Do performs one logical call and returns the response body.
// The body is served from the cache when the request enables caching and a
// fresh entry exists; only a successful (2xx) exchange populates the cache.
func (d *Dispatcher) Do(ctx context.Context, req *Request) ([]byte, error) {
	ttl := req.CacheTTL
	if ttl == 0 {
		ttl = d.defaultCacheTTL
	}
	if d.cache == nil || req.CacheKey == "" || ttl <= 0 {
		return d.doCall(ctx, req)
	}

	if d.coalesceIdenticalCalls {
		return d.cache.GetOrLoad(req.CacheKey, ttl, func() ([]byte, error) {
			return d.doCall(ctx, req)
		})
	}

	if body, ok := d.cache.Get(req.CacheKey); ok {
		return body, nil
	}
	body, err := d.doCall(ctx, req)
	if err != nil {
		return nil, err
	}
	d.cache.Set(req.CacheKey, body, ttl)
	return body, nil
}

// DoJSON performs one logical call and unmarshals the JSON response body into T.
func DoJSON[T any](ctx context.Context, d *Dispatcher, req *Request) (T, error) {
	var result T
	body, err := d.Do(ctx, req)
	if err != nil {
		return result, err
	}
	if err = json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("unmarshal response body: %w", err)
	}
	return result, nil
}

// nolint: gocyclo
func (d *Dispatcher) doCall(ctx context.Context, req *Request) ([]byte, error) {
	logger := d.loggerForContext(ctx).With(
		log.String("method", requestMethod(req)),
		log.String("url", req.URL),
	)

	var transportBackOff backoff.BackOff
	for {
		httpReq, err := newHTTPRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		if err = d.limiter.WaitForPermission(ctx); err != nil {
			return nil, err
		}

		startedAt := time.Now()
		resp, err := d.httpClient.Do(httpReq)
		if err != nil {
			d.metrics.IncTransportErrors()
			if wait, retryAgain := d.nextTransportRetryDelay(&transportBackOff); retryAgain {
				logger.Warn("transport failure, retrying", log.Error(err),
					log.DurationIn(wait, time.Millisecond))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			return nil, &TransportError{Method: requestMethod(req), URL: req.URL, Inner: err}
		}

		body, readErr := readResponseBody(resp)
		d.metrics.ObserveRequest(requestMethod(req), resp.StatusCode, time.Since(startedAt))
		if readErr != nil {
			return nil, &TransportError{Method: requestMethod(req), URL: req.URL, Inner: readErr}
		}

		switch {
		case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := retryAfterFromResponse(resp, d.defaultRetryAfter)
			logger.Warn("upstream throttled the call, retrying after cool-down",
				log.DurationIn(retryAfter, time.Millisecond))
			d.metrics.IncThrottledRetries()
			d.limiter.ReportThrottled(retryAfter)
			// Retry the same logical call with identical parameters.

		case resp.StatusCode == http.StatusNotFound:
			return nil, &NotFoundError{Method: requestMethod(req), URL: req.URL}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &UnauthorizedError{
				Method: requestMethod(req), URL: req.URL, StatusCode: resp.StatusCode}

		default:
			return nil, &APIError{
				Method: requestMethod(req), URL: req.URL, StatusCode: resp.StatusCode, Body: body}
		}
	}
}

func (d *Dispatcher) nextTransportRetryDelay(bf *backoff.BackOff) (wait time.Duration, retryAgain bool) {
	if d.transportRetryPolicy == nil {
		return 0, false
	}
	if *bf == nil {
		*bf = d.transportRetryPolicy.NewBackOff()
	}
	wait = (*bf).NextBackOff()
	return wait, wait != backoff.Stop
}

func (d *Dispatcher) loggerForContext(ctx context.Context) log.FieldLogger {
	if d.loggerProvider != nil {
		return d.loggerProvider(ctx)
	}
	return d.logger
}

func requestMethod(req *Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

func newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var bodyReader io.Reader
	if len(req.Body) != 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, requestMethod(req), req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	return httpReq, nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	defer func() {
		_ = resp.Body.Close()
	}()
	return io.ReadAll(resp.Body)
}

func retryAfterFromResponse(resp *http.Response, defaultRetryAfter time.Duration) time.Duration {
	retryAfterVal := resp.Header.Get("Retry-After")
	if retryAfterVal == "" {
		return defaultRetryAfter
	}

	parsedInt, parseIntErr := strconv.Atoi(retryAfterVal)
	if parseIntErr != nil {
		parsedTime, parsedTimeErr := time.Parse(time.RFC1123, retryAfterVal)
		if parsedTimeErr != nil {
			return defaultRetryAfter
		}
		if d := time.Until(parsedTime); d > 0 {
			return d
		}
		return defaultRetryAfter
	}
	if parsedInt < 0 {
		return defaultRetryAfter
	}
	return time.Duration(parsedInt) * time.Second
}

// MakeCacheKey builds a cache key from the endpoint identity and the
// parameters that affect the result. Parameters are encoded in sorted order
// so that equal parameter sets always produce equal keys.
func MakeCacheKey(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

// CloneHTTPRequest creates a shallow copy of the request along with a deep copy of the Headers.
func CloneHTTPRequest(req *http.Request) *http.Request {
	r := new(http.Request)
	*r = *req
	r.Header = CloneHTTPHeader(req.Header)
	return r
}

// CloneHTTPHeader creates a deep copy of an http.Header.
func CloneHTTPHeader(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		newValues := make([]string, len(values))
		copy(newValues, values)
		out[key] = newValues
	}
	return out
}
