package websocket

import (
	"context"
	"errors"
	"fmt"

	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/identity"
	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/auth"
)

var (
	// ErrBadRequest marks an invocation payload that could not be decoded or validated.
	ErrBadRequest = errors.New("bad request")
	// ErrPersistenceFailed marks a durable write the hub could not complete.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrUnknownMethod is returned for invocations of unregistered methods.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a connection's send buffer is full. The connection is closed.
	ErrSlowConsumer = errors.New("send buffer full")
)

// BadRequest wraps a validation failure as ErrBadRequest.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// ErrorCode maps a handler error to its wire code.
func ErrorCode(err error) string {
	var wire *devicehub.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &wire):
		return wire.Code
	case errors.Is(err, ErrBadRequest):
		return devicehub.CodeBadRequest
	case errors.Is(err, ErrUnknownMethod):
		return devicehub.CodeUnknownMethod
	case errors.Is(err, ErrPersistenceFailed):
		return devicehub.CodePersistenceFailed
	case errors.Is(err, correlator.ErrTargetUnreachable):
		return devicehub.CodeTargetUnreachable
	case errors.Is(err, correlator.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return devicehub.CodeTimedOut
	case errors.Is(err, correlator.ErrOutOfScope):
		return devicehub.CodeOutOfScope
	case errors.Is(err, correlator.ErrTargetDisconnected):
		return devicehub.CodeTargetDisconnected
	case errors.Is(err, identity.ErrInvalidContext),
		errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidJWT),
		errors.Is(err, auth.ErrExpiredJWT):
		return devicehub.CodeUnauthorized
	default:
		return devicehub.CodeInternal
	}
}

// failure renders err as a failed completion. Internal errors keep their
// detail out of the wire message.
func failure(id string, err error) devicehub.Envelope {
	code := ErrorCode(err)
	msg := err.Error()
	if code == devicehub.CodeInternal {
		msg = "internal error"
	}
	return devicehub.Failure(id, code, msg)
}
