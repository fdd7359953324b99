package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
