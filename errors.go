package resclient

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDisconnect      = errors.New("disconnect requested")
	ErrConnectionError = errors.New("connection error")
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrProtocol        = errors.New("protocol violation")
)

// ResError is a structured error as delivered by the gateway in an error
// response, or created locally for system level failures. Code is a dot
// separated string prefixed with its source domain, e.g. "system.notFound".
type ResError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	cause error
}

func (e *ResError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *ResError) Unwrap() error { return e.cause }

func newSystemError(code string, cause error, msg string) *ResError {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &ResError{Code: code, Message: msg, cause: cause}
}

func newDisconnectError() *ResError {
	return newSystemError("system.disconnect", ErrDisconnect, "disconnect")
}

func newConnectionError(cause error) *ResError {
	return newSystemError("system.connectionError", errors.Wrap(ErrConnectionError, cause.Error()), "")
}

// resErrorResource wraps an error entry of a resource bundle so that it can
// live in the cache and be referenced like any other resource.
type resErrorResource struct {
	rid string
	err *ResError
}

func (r *resErrorResource) ResourceID() string { return r.rid }

func (r *resErrorResource) Error() string { return r.err.Error() }

// ResError returns the underlying protocol error.
func (r *resErrorResource) ResError() *ResError { return r.err }
