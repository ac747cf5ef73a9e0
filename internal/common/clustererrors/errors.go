// Package clustererrors contains a typed error for the offer-matching core
// that carries its own gRPC status code, and a helper that recovers that
// code from anywhere in an error chain. gRPC interceptors in this package
// and in the admission package use it so that handlers can return plain Go
// errors while still producing correct gRPC status codes at the boundary.
package clustererrors

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a Go error that already knows which gRPC status code it should
// map to. A single tagged type, rather than one Go type per code, keeps
// CodeFromError from growing an errors.As check per error kind: it only
// ever has one type to look for.
type Error struct {
	Code    codes.Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// InvalidArgument reports that value failed validation for field name.
// reason is optional context appended to the message.
func InvalidArgument(name string, value interface{}, reason string) *Error {
	msg := fmt.Sprintf("value %v is invalid for field %q", value, name)
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{Code: codes.InvalidArgument, Message: msg}
}

// Unavailable reports that a bounded resource (e.g. the admission filter's
// concurrency pool) was exhausted.
func Unavailable(message string) *Error {
	return &Error{Code: codes.Unavailable, Message: message}
}

// Misuse reports a programming error: a collaborator behaved in a way its
// contract forbids (e.g. a downstream handler panicked instead of
// returning a gRPC-shaped response). It is never expected to be
// user-visible under correct operation.
func Misuse(message string) *Error {
	return &Error{Code: codes.Internal, Message: message}
}

// CodeFromError recovers the gRPC code for err: the code of an existing
// gRPC status, the Code carried by an *Error anywhere in the chain, or
// codes.Unknown if neither applies.
func CodeFromError(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codes.Unknown
}
