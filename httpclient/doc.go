/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides a dispatcher for calling rate-limited JSON APIs
// reliably. A single logical call goes through a TTL response cache, a
// multi-window admission gate and the HTTP transport; 429 responses are
// absorbed by pausing the gate for the server-supplied cool-down and retrying
// the same call, other failures are classified into typed terminal errors.
//
// The outbound transport is decorated the usual way (http.RoundTripper
// chain): APIKeyRoundTripper carries the credential in a fixed custom header,
// RequestIDRoundTripper stamps X-Request-ID on every call.
package httpclient
