package server

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
	ErrServerClosed = errors.New("server closed")

	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// BindError means the listening socket could not be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ProtocolError is a request head that could not be accepted. Status is the
// code sent back to the client before the connection is closed.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Reason)
}

func badRequest(format string, args ...any) error {
	return &ProtocolError{Status: http.StatusBadRequest, Reason: fmt.Sprintf(format, args...)}
}

// statusOf maps handler errors onto response codes.
func statusOf(err error) int {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		return perr.Status
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}
