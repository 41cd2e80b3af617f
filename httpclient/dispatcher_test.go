/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acronis/go-appkit/retry"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-apiclient/ratelimit"
	"github.com/acronis/go-apiclient/ttlcache"
)

const allowedTimeDeviation = time.Millisecond * 150

type recordedRequest struct {
	Method string
	URI    string
	Header http.Header
}

type upstreamStub struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest

	// handler is called with the 1-based number of the incoming request.
	handler func(reqNum int, rw http.ResponseWriter, r *http.Request)
}

func newUpstreamStub(handler func(reqNum int, rw http.ResponseWriter, r *http.Request)) *upstreamStub {
	stub := &upstreamStub{handler: handler}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.requests = append(stub.requests, recordedRequest{
			Method: r.Method,
			URI:    r.URL.RequestURI(),
			Header: r.Header.Clone(),
		})
		reqNum := len(stub.requests)
		stub.mu.Unlock()
		stub.handler(reqNum, rw, r)
	}))
	return stub
}

func (s *upstreamStub) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func newTestLimiter(t *testing.T, windows ...ratelimit.Window) *ratelimit.MultiWindowLimiter {
	t.Helper()
	if len(windows) == 0 {
		windows = []ratelimit.Window{{Interval: time.Second, Limit: 100}}
	}
	limiter, err := ratelimit.NewMultiWindowLimiter(windows)
	require.NoError(t, err)
	return limiter
}

func newTestDispatcher(t *testing.T, opts DispatcherOpts, windows ...ratelimit.Window) *Dispatcher {
	t.Helper()
	d, err := NewDispatcherWithOpts(newTestLimiter(t, windows...), &http.Client{}, opts)
	require.NoError(t, err)
	return d
}

type roundTripperFunc func(r *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestNewDispatcher(t *testing.T) {
	_, err := NewDispatcher(nil, &http.Client{})
	require.EqualError(t, err, "limiter is required")
}

func TestDispatcher_Do(t *testing.T) {
	t.Run("success returns body and populates cache", func(t *testing.T) {
		upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			_, _ = rw.Write([]byte(`{"name":"Braum","level":30}`))
		})
		defer upstream.Close()

		cache := ttlcache.New[string, []byte](nil)
		d := newTestDispatcher(t, DispatcherOpts{Cache: cache})

		req := &Request{URL: upstream.URL + "/entities/braum", CacheKey: "entities/braum", CacheTTL: time.Minute}

		body, err := d.Do(context.Background(), req)
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"Braum","level":30}`, string(body))

		// The second call must be served from the cache.
		body, err = d.Do(context.Background(), req)
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"Braum","level":30}`, string(body))
		require.Len(t, upstream.Requests(), 1, "the cached call must not reach the upstream")
	})

	t.Run("uncacheable request always reaches the upstream", func(t *testing.T) {
		upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
			_, _ = rw.Write([]byte(`{}`))
		})
		defer upstream.Close()

		d := newTestDispatcher(t, DispatcherOpts{Cache: ttlcache.New[string, []byte](nil)})

		for i := 0; i < 3; i++ {
			_, err := d.Do(context.Background(), &Request{URL: upstream.URL + "/live"})
			require.NoError(t, err)
		}
		require.Len(t, upstream.Requests(), 3)
	})

	t.Run("throttled call is retried after the server-supplied cool-down", func(t *testing.T) {
		upstream := newUpstreamStub(func(reqNum int, rw http.ResponseWriter, _ *http.Request) {
			if reqNum == 1 {
				rw.Header().Set("Retry-After", "1")
				rw.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = rw.Write([]byte(`{"ok":true}`))
		})
		defer upstream.Close()

		d := newTestDispatcher(t, DispatcherOpts{}, ratelimit.Window{Interval: time.Millisecond * 100, Limit: 10})

		reqURL := upstream.URL + "/entities/braum?region=euw&page=2"
		startedAt := time.Now()
		body, err := d.Do(context.Background(), &Request{
			URL:    reqURL,
			Header: http.Header{"Accept": []string{"application/json"}},
		})
		require.NoError(t, err)
		require.JSONEq(t, `{"ok":true}`, string(body))

		requests := upstream.Requests()
		require.Len(t, requests, 2, "exactly one retry is expected")
		require.Equal(t, requests[0].Method, requests[1].Method)
		require.Equal(t, requests[0].URI, requests[1].URI, "the retry must carry identical parameters")
		require.Equal(t, requests[0].Header.Get("Accept"), requests[1].Header.Get("Accept"))
		require.GreaterOrEqual(t, time.Since(startedAt), time.Second,
			"the retry must not be issued before the cool-down elapses")
		require.WithinDuration(t, startedAt.Add(time.Second), time.Now(), allowedTimeDeviation)
	})

	t.Run("missing Retry-After falls back to the default cool-down", func(t *testing.T) {
		upstream := newUpstreamStub(func(reqNum int, rw http.ResponseWriter, _ *http.Request) {
			if reqNum == 1 {
				rw.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = rw.Write([]byte(`{}`))
		})
		defer upstream.Close()

		d := newTestDispatcher(t, DispatcherOpts{DefaultRetryAfter: time.Millisecond * 300},
			ratelimit.Window{Interval: time.Millisecond * 100, Limit: 10})

		startedAt := time.Now()
		_, err := d.Do(context.Background(), &Request{URL: upstream.URL + "/live"})
		require.NoError(t, err)
		require.Len(t, upstream.Requests(), 2)
		require.GreaterOrEqual(t, time.Since(startedAt), time.Millisecond*300)
	})

	t.Run("404 is terminal with no retries and no cache mutation", func(t *testing.T) {
		upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusNotFound)
		})
		defer upstream.Close()

		cache := ttlcache.New[string, []byte](nil)
		d := newTestDispatcher(t, DispatcherOpts{Cache: cache})

		_, err := d.Do(context.Background(), &Request{
			URL: upstream.URL + "/entities/unknown", CacheKey: "entities/unknown", CacheTTL: time.Minute})

		var notFoundErr *NotFoundError
		require.ErrorAs(t, err, &notFoundErr)
		require.Equal(t, http.MethodGet, notFoundErr.Method)
		require.Len(t, upstream.Requests(), 1, "404 must never be retried")
		require.Equal(t, 0, cache.Len(), "no error path may write the cache")
	})

	t.Run("401 and 403 are terminal unauthorized", func(t *testing.T) {
		for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
			status := status
			t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
				upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
					rw.WriteHeader(status)
				})
				defer upstream.Close()

				d := newTestDispatcher(t, DispatcherOpts{})
				_, err := d.Do(context.Background(), &Request{URL: upstream.URL + "/live"})

				var unauthorizedErr *UnauthorizedError
				require.ErrorAs(t, err, &unauthorizedErr)
				require.Equal(t, status, unauthorizedErr.StatusCode)
				require.Len(t, upstream.Requests(), 1)
			})
		}
	})

	t.Run("unclassified status carries status and body", func(t *testing.T) {
		upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusBadGateway)
			_, _ = rw.Write([]byte(`{"error":"upstream exploded"}`))
		})
		defer upstream.Close()

		d := newTestDispatcher(t, DispatcherOpts{})
		_, err := d.Do(context.Background(), &Request{URL: upstream.URL + "/live"})

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		require.JSONEq(t, `{"error":"upstream exploded"}`, string(apiErr.Body))
		require.Len(t, upstream.Requests(), 1)
	})

	t.Run("transport failure is terminal by default", func(t *testing.T) {
		wantErr := errors.New("connection reset")
		httpClient := &http.Client{Transport: roundTripperFunc(func(_ *http.Request) (*http.Response, error) {
			return nil, wantErr
		})}
		d, err := NewDispatcherWithOpts(newTestLimiter(t), httpClient, DispatcherOpts{})
		require.NoError(t, err)

		_, err = d.Do(context.Background(), &Request{URL: "http://api.invalid/live"})

		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		require.ErrorIs(t, err, wantErr)
	})

	t.Run("transport failures are retried when a policy is configured", func(t *testing.T) {
		upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
			_, _ = rw.Write([]byte(`{}`))
		})
		defer upstream.Close()

		var attempts int32
		failingTransport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&attempts, 1) <= 2 {
				return nil, errors.New("connection refused")
			}
			return http.DefaultTransport.RoundTrip(r)
		})
		d, err := NewDispatcherWithOpts(newTestLimiter(t), &http.Client{Transport: failingTransport}, DispatcherOpts{
			TransportRetryPolicy: retry.NewConstantBackoffPolicy(time.Millisecond*50, 3),
		})
		require.NoError(t, err)

		body, err := d.Do(context.Background(), &Request{URL: upstream.URL + "/live"})
		require.NoError(t, err)
		require.JSONEq(t, `{}`, string(body))
		require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	})

	t.Run("transport retry attempts are bounded by the policy", func(t *testing.T) {
		var attempts int32
		failingTransport := roundTripperFunc(func(_ *http.Request) (*http.Response, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New("connection refused")
		})
		d, err := NewDispatcherWithOpts(newTestLimiter(t), &http.Client{Transport: failingTransport}, DispatcherOpts{
			TransportRetryPolicy: retry.NewConstantBackoffPolicy(time.Millisecond*10, 2),
		})
		require.NoError(t, err)

		_, err = d.Do(context.Background(), &Request{URL: "http://api.invalid/live"})

		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		require.EqualValues(t, 3, atomic.LoadInt32(&attempts), "initial attempt plus two retries")
	})

	t.Run("canceled context interrupts the cool-down wait", func(t *testing.T) {
		upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Retry-After", "30")
			rw.WriteHeader(http.StatusTooManyRequests)
		})
		defer upstream.Close()

		d := newTestDispatcher(t, DispatcherOpts{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*200)
		defer cancel()

		startedAt := time.Now()
		_, err := d.Do(ctx, &Request{URL: upstream.URL + "/live"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.WithinDuration(t, startedAt.Add(time.Millisecond*200), time.Now(), allowedTimeDeviation)
	})
}

func TestDispatcher_Do_ConcurrentCacheMisses(t *testing.T) {
	const callers = 3

	runConcurrentCalls := func(t *testing.T, coalesce bool) (upstreamCalls int, cache *ttlcache.Cache[string, []byte]) {
		t.Helper()

		upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
			time.Sleep(time.Millisecond * 100) // Keep the exchange in flight while all callers miss.
			_, _ = rw.Write([]byte(`{"name":"Braum"}`))
		})
		defer upstream.Close()

		cache = ttlcache.New[string, []byte](nil)
		d := newTestDispatcher(t, DispatcherOpts{Cache: cache, CoalesceIdenticalCalls: coalesce})

		var wg sync.WaitGroup
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func() {
				defer wg.Done()
				body, err := d.Do(context.Background(), &Request{
					URL: upstream.URL + "/entities/braum", CacheKey: "entities/braum", CacheTTL: time.Minute})
				require.NoError(t, err)
				require.JSONEq(t, `{"name":"Braum"}`, string(body))
			}()
		}
		wg.Wait()

		return len(upstream.Requests()), cache
	}

	t.Run("without coalescing each miss may call the upstream", func(t *testing.T) {
		upstreamCalls, cache := runConcurrentCalls(t, false)
		require.GreaterOrEqual(t, upstreamCalls, 1)
		require.LessOrEqual(t, upstreamCalls, callers)
		require.Equal(t, 1, cache.Len(), "the cache must hold exactly one consistent value")
	})

	t.Run("with coalescing exactly one upstream call is issued", func(t *testing.T) {
		upstreamCalls, cache := runConcurrentCalls(t, true)
		require.Equal(t, 1, upstreamCalls)
		require.Equal(t, 1, cache.Len())
	})
}

func TestDoJSON(t *testing.T) {
	type entity struct {
		Name  string `json:"name"`
		Level int    `json:"level"`
	}

	upstream := newUpstreamStub(func(_ int, rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"name":"Braum","level":30}`))
	})
	defer upstream.Close()

	d := newTestDispatcher(t, DispatcherOpts{})

	result, err := DoJSON[entity](context.Background(), d, &Request{URL: upstream.URL + "/entities/braum"})
	require.NoError(t, err)
	require.Equal(t, entity{Name: "Braum", Level: 30}, result)
}

func TestMakeCacheKey(t *testing.T) {
	require.Equal(t, "entities/braum", MakeCacheKey("entities/braum", nil))

	key := MakeCacheKey("entities/braum", url.Values{"region": {"euw"}, "page": {"2"}})
	require.Equal(t, "entities/braum?page=2&region=euw", key, "parameters must be encoded in sorted order")

	require.Equal(t,
		MakeCacheKey("e", url.Values{"a": {"1"}, "b": {"2"}}),
		MakeCacheKey("e", url.Values{"b": {"2"}, "a": {"1"}}))
}
