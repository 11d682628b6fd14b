// Package apperrors defines the error taxonomy shared by the storage adapters, the
// backend registry, the quota enforcer and the file hierarchy manager.
//
// Callers wrap a sentinel with context using fmt.Errorf("%w: ...") and match it with
// errors.Is. Transport errors from remote backends are always folded into ErrIO by
// the adapters so no SDK error type leaks above the storage layer.
package apperrors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrNoBackendConfigured = errors.New("no storage backend configured")
	ErrBackendDisabled     = errors.New("storage backend disabled")
	ErrBackendInUse        = errors.New("storage backend in use")
	ErrIllegalMove         = errors.New("illegal move")
	ErrNotImplemented      = errors.New("not implemented")
	ErrIO                  = errors.New("storage i/o error")

	// ErrInvalidArgument covers malformed input such as empty names.
	ErrInvalidArgument = errors.New("invalid argument")
)

// HTTPStatus maps an error from the taxonomy onto an HTTP status code.
// Anything outside the taxonomy is a 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrBackendInUse):
		return http.StatusConflict
	case errors.Is(err, ErrIllegalMove), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrBackendDisabled):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoBackendConfigured), errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client. Known kinds return the
// sentinel text; anything else is reported generically.
func PublicMessage(err error) string {
	for _, known := range []error{
		ErrNotFound, ErrPermissionDenied, ErrQuotaExceeded, ErrNoBackendConfigured,
		ErrBackendDisabled, ErrBackendInUse, ErrIllegalMove, ErrNotImplemented,
		ErrIO, ErrInvalidArgument,
	} {
		if errors.Is(err, known) {
			if errors.Is(err, ErrIllegalMove) || errors.Is(err, ErrInvalidArgument) {
				// these carry a useful reason from the caller
				return err.Error()
			}
			return known.Error()
		}
	}
	return "internal server error"
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrNoBackendConfigured):
		return "no_backend"
	case errors.Is(err, ErrBackendDisabled):
		return "backend_disabled"
	case errors.Is(err, ErrBackendInUse):
		return "backend_in_use"
	case errors.Is(err, ErrIllegalMove):
		return "illegal_move"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}
