package domain

import (
	"errors"
	"net/http"
)

// Error is a typed domain failure with a stable machine-readable code and
// the HTTP status class it maps to.
type Error struct {
	Code      string
	Status    int
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return e.Message }

var (
	ErrChallengeNotFound  = &Error{Code: "challenge_not_found", Status: http.StatusNotFound, Message: "challenge not found"}
	ErrSessionNotFound    = &Error{Code: "session_not_found", Status: http.StatusNotFound, Message: "session not found"}
	ErrSessionUnavailable = &Error{Code: "session_unavailable", Status: http.StatusNotFound, Message: "session unavailable"}

	ErrSessionNotRunning     = &Error{Code: "session_not_running", Status: http.StatusConflict, Message: "session is not running"}
	ErrExtensionLimitReached = &Error{Code: "extension_limit_reached", Status: http.StatusConflict, Message: "extension limit reached"}
	ErrProvisioningAborted   = &Error{Code: "provisioning_aborted", Status: http.StatusConflict, Message: "session was terminated while provisioning"}

	ErrCapacityExceeded = &Error{Code: "capacity_exceeded", Status: http.StatusTooManyRequests, Message: "lab capacity reached, retry shortly", Retryable: true}
	ErrNetworkExhausted = &Error{Code: "network_exhausted", Status: http.StatusServiceUnavailable, Message: "no free network blocks"}
)

// AsError extracts the domain error carried by err, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
