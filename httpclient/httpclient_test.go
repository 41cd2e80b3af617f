/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-apiclient/ratelimit"
)

func TestNew(t *testing.T) {
	var gotAPIKey, gotRequestID string
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-Riot-Token")
		gotRequestID = r.Header.Get("X-Request-ID")
		_, _ = rw.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := NewConfig()
	cfg.RateLimits.Windows = []ratelimit.Window{
		{Interval: time.Second, Limit: 20},
		{Interval: time.Minute * 2, Limit: 100},
	}
	cfg.Auth = AuthConfig{HeaderName: "X-Riot-Token", Key: "s3cr3t"}
	cfg.Cache = CacheConfig{Enabled: true, DefaultTTL: time.Minute}
	cfg.Timeout = time.Second * 5

	d, err := New(cfg)
	require.NoError(t, err)

	body, err := d.Do(context.Background(), &Request{URL: upstream.URL + "/live", CacheKey: "live"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, "s3cr3t", gotAPIKey, "the configured credential must be carried on the call")
	require.NotEmpty(t, gotRequestID, "every outgoing call must be stamped with a request ID")

	// Served from the attached cache, the upstream sees no second call.
	gotAPIKey = ""
	body, err = d.Do(context.Background(), &Request{URL: upstream.URL + "/live", CacheKey: "live"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Empty(t, gotAPIKey)
}

func TestNew_Errors(t *testing.T) {
	cfg := NewConfig()
	_, err := New(cfg)
	require.ErrorContains(t, err, "at least one rate window is required")
}
