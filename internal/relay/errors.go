// ABOUTME: Relay failure type and staleness classification
// ABOUTME: Only a structured 404 (or a code-less error mentioning one) marks a session stale

package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/2389/opencode-bridge/internal/opencode"
)

// ErrNoSession is returned by operations that need a session when none was
// given and the agent has no binding.
var ErrNoSession = errors.New("no session")

// Error is a failed operation against one agent. SessionID is set whenever a
// session had been resolved, so the caller can still refer to it.
type Error struct {
	Agent     string
	SessionID string
	Stale     bool
	Err       error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStale reports whether err means the referenced remote session is gone.
//
// An *opencode.APIError is stale exactly when its status is 404, whatever its
// body says. Transport failures are never stale. Errors carrying no status
// at all fall back to looking for "404" or "not found" in the message.
func IsStale(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *opencode.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	var transportErr *opencode.TransportError
	if errors.As(err, &transportErr) {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(strings.ToLower(msg), "not found")
}
