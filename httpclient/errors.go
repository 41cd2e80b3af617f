/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
)

const maxErrorBodySize = 255

// NotFoundError is returned when the upstream responds with 404 Not Found.
// The call is never retried and the cache is not touched.
type NotFoundError struct {
	Method string
	URL    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: resource not found", e.Method, e.URL)
}

// UnauthorizedError is returned when the upstream responds with 401 or 403.
// It signals an invalid or insufficient credential; the call is never retried.
type UnauthorizedError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s %s: credential rejected (status %d)", e.Method, e.URL, e.StatusCode)
}

// APIError is returned for any non-2xx response that has no dedicated
// classification. It carries the status and the response body for diagnostics.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// TransportError is returned when the request could not be exchanged at the
// network level. It's terminal for the call unless a transport retry policy
// is configured on the dispatcher.
type TransportError struct {
	Method string
	URL    string
	Inner  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport failure: %s", e.Method, e.URL, e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *TransportError) Unwrap() error {
	return e.Inner
}
