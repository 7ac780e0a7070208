package httpx

import (
	"context"
	"errors"
	"net/http"
)

// StatusError pins the problem status reported for Err.
type StatusError struct {
	Status int
	Title  string
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// WithStatus wraps err so RespondError reports it with status and title.
func WithStatus(status int, title string, err error) error {
	if err == nil {
		return nil
	}
	return &StatusError{Status: status, Title: title, Err: err}
}

// RespondError writes err as a problem document. Errors that carry no
// status are reported as an opaque 500.
func RespondError(w http.ResponseWriter, err error) {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		Problem(w, statusErr.Status, statusErr.Title, statusErr.Err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusGatewayTimeout, "Gateway Timeout", "request timed out")
	case errors.Is(err, context.Canceled):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "request cancelled")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
