// ABOUTME: Structured failures returned by the OpenCode client
// ABOUTME: TransportError for no response, APIError for non-2xx with status and body

package opencode

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches (via errors.Is) any APIError carrying a 404 status.
var ErrNotFound = errors.New("remote resource not found")

// TransportError means no response was obtained: connection failure, timeout,
// cancelled context or an undecodable body.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a response with a non-success status. Body is the response text verbatim.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s -> %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is reports 404 responses as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// StatusCode extracts the remote status code from err, if it carries one.
func StatusCode(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
