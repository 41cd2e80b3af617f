/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
)

// DefaultAPIKeyHeaderName is the default HTTP header carrying the credential
// on every outbound call.
const DefaultAPIKeyHeaderName = "X-API-Key"

// CredentialProvider provides the API key for outgoing requests.
type CredentialProvider interface {
	GetAPIKey(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialProvider that always returns the same key.
type StaticCredential string

// GetAPIKey implements CredentialProvider.
func (c StaticCredential) GetAPIKey(_ context.Context) (string, error) {
	return string(c), nil
}

// APIKeyRoundTripperError is returned in RoundTrip method of APIKeyRoundTripper
// when the credential cannot be obtained.
type APIKeyRoundTripperError struct {
	Inner error
}

func (e *APIKeyRoundTripperError) Error() string {
	return fmt.Sprintf("api key round trip: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *APIKeyRoundTripperError) Unwrap() error {
	return e.Inner
}

// APIKeyRoundTripperOpts is options for APIKeyRoundTripper.
type APIKeyRoundTripperOpts struct {
	// HeaderName is the HTTP header the credential is set in.
	// By default, DefaultAPIKeyHeaderName const is used.
	HeaderName string
}

// APIKeyRoundTripper implements http.RoundTripper interface
// and sets the credential HTTP header in all outgoing requests.
type APIKeyRoundTripper struct {
	Delegate   http.RoundTripper
	Credential CredentialProvider
	headerName string
}

// NewAPIKeyRoundTripper creates a new APIKeyRoundTripper.
func NewAPIKeyRoundTripper(delegate http.RoundTripper, credential CredentialProvider) *APIKeyRoundTripper {
	return NewAPIKeyRoundTripperWithOpts(delegate, credential, APIKeyRoundTripperOpts{})
}

// NewAPIKeyRoundTripperWithOpts creates a new APIKeyRoundTripper with options.
func NewAPIKeyRoundTripperWithOpts(
	delegate http.RoundTripper, credential CredentialProvider, opts APIKeyRoundTripperOpts,
) *APIKeyRoundTripper {
	if opts.HeaderName == "" {
		opts.HeaderName = DefaultAPIKeyHeaderName
	}
	return &APIKeyRoundTripper{delegate, credential, opts.HeaderName}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *APIKeyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer func() {
			_ = req.Body.Close() // Per RoundTripper contract.
		}()
	}
	if req.Header.Get(rt.headerName) != "" {
		return rt.Delegate.RoundTrip(req)
	}
	key, err := rt.Credential.GetAPIKey(req.Context())
	if err != nil {
		return nil, &APIKeyRoundTripperError{Inner: err}
	}
	req = CloneHTTPRequest(req)
	req.Header.Set(rt.headerName, key)
	return rt.Delegate.RoundTrip(req)
}
