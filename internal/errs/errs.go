// Package errs holds the domain sentinel errors shared by services and transports.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrTicketClosed     = errors.New("ticket is closed")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrInvalidStatus    = errors.New("invalid ticket status")
	ErrInvalidPriority  = errors.New("invalid ticket priority")
	ErrInvalidRequester = errors.New("ticket requires either guest contact or user id")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidInput     = errors.New("invalid input")
)

// HTTPStatus maps a domain error to the response code used by the REST API.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTicketClosed):
		return http.StatusConflict
	case errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidPriority),
		errors.Is(err, ErrInvalidRequester),
		errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
