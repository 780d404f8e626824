package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrOffline is returned when a write is attempted while the client has no
// connectivity. Offline writes are rejected, not queued.
var ErrOffline = errors.New("client is offline")

// ErrInvalidResultType is returned when a cached value cannot be asserted to
// the type requested by the caller.
var ErrInvalidResultType = errors.New("cached value has unexpected type")

// HTTPError carries a backend HTTP failure with enough structure for the
// retry policy to classify it.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err represents an authorization failure.
// Authorization failures are never retried.
func IsAuthError(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsTransient reports whether err is worth retrying: timeouts, connection
// failures and 5xx-equivalent responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}
