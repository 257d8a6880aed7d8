package backend

import (
	"errors"
	"fmt"
)

// ErrInvalidToken is returned when a request still fails authentication
// after one in-process renewal. The executor never renews twice for the
// same call.
var ErrInvalidToken = errors.New("invalid access token")

// ConnectivityError wraps transport-level failures: no network, DNS,
// timeouts. Always retryable later.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx, non-auth response. Reason carries the
// body-embedded error code when the backend supplies one; Context is a
// serialized description of the request for diagnostics.
type StatusError struct {
	Code    int
	Reason  string
	Context string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("backend rejected (%d %s): %s", e.Code, e.Reason, e.Context)
	}
	return fmt.Sprintf("backend rejected (%d): %s", e.Code, e.Context)
}

// AuthorizationDeniedError means the user must re-consent out of band.
// Handle is the resumable handle (e.g. a consent URL) the caller must
// surface; the pipeline never auto-retries this error.
type AuthorizationDeniedError struct {
	Handle string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied, user action required (%s)", e.Handle)
}
