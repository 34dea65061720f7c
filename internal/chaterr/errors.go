// ABOUTME: Error taxonomy shared by the conversation engine and its transports
// ABOUTME: Every exported error wraps exactly one sentinel so callers can use errors.Is

package chaterr

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidArgument covers malformed user ids and empty or self conversation pairs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrValidation is returned for message content that fails validation (empty text).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a message id does not exist in the conversation.
	ErrNotFound = errors.New("not found")

	// ErrPermission is returned when a participant attempts a forbidden transition,
	// such as a sender marking their own message read.
	ErrPermission = errors.New("permission denied")

	// ErrIllegalState is returned for session operations outside the Bound state.
	ErrIllegalState = errors.New("illegal state")

	// ErrTransient marks timeouts and backend connectivity failures. Retryable.
	ErrTransient = errors.New("transient failure")
)

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Code returns a short machine-readable code for err, used on the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrIllegalState):
		return "illegal_state"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to the status code the HTTP API responds with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "invalid_argument", "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "permission":
		return http.StatusForbidden
	case "illegal_state":
		return http.StatusConflict
	case "transient":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
