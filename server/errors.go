package server

import (
	"net/http"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// statusFor maps an error to its HTTP status by sentinel.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, queue.ErrMaintenance), errors.IsServiceUnavailableError(err):
		return http.StatusServiceUnavailable
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the error text a client sees. Internal errors are not
// echoed back.
func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
