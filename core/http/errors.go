package http

import (
	"github.com/pkg/errors"
)

var (
	// ErrProtocol is the root of every request framing error. The
	// connection answers 400 and closes.
	ErrProtocol = errors.New("protocol error")

	ErrBadRequestLine = errors.Wrap(ErrProtocol, "malformed request line")
	ErrBadHeader      = errors.Wrap(ErrProtocol, "malformed header")
	ErrBadChunk       = errors.Wrap(ErrProtocol, "malformed chunk")
	ErrMissingHost    = errors.Wrap(ErrProtocol, "missing host header")
	ErrTooLarge       = errors.Wrap(ErrProtocol, "request too large")

	// ErrHeadersSent is returned when a handler changes the status or
	// headers after they were written.
	ErrHeadersSent = errors.New("headers already sent")
	// ErrConnectionGone is returned when the owning connection has closed.
	ErrConnectionGone = errors.New("connection gone")
)

// StatusError carries the status code an application error should be
// rendered with.
type StatusError struct {
	Code int
	Err  error
}

// NewError creates an error rendered with status code.
func NewError(code int, msg string) error {
	return &StatusError{Code: code, Err: errors.New(msg)}
}

// WrapError attaches a status code to err.
func WrapError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &StatusError{Code: code, Err: errors.WithStack(err)}
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf maps an error to the status it is rendered with. Protocol
// errors are 400, ErrTooLarge is 413, everything else without a
// StatusError is 500.
func StatusOf(err error) int {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, ErrTooLarge):
		return StatusRequestEntityTooLarge
	case errors.Is(err, ErrProtocol):
		return StatusBadRequest
	}
	return StatusInternalServerError
}
