package domain

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrContentNotFound  = errors.New("content not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrInvalidProgress  = errors.New("invalid progress")
	ErrConcurrentUpdate = errors.New("concurrent update")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnavailable      = errors.New("dependency unavailable")
)

const errorDomain = "playback"

// Status converts a service error into a gRPC status carrying an ErrorInfo
// reason. Unknown errors become Internal with the message hidden.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return st
	}

	var (
		code   codes.Code
		reason string
		msg    = err.Error()
	)
	switch {
	case errors.Is(err, ErrContentNotFound):
		code, reason = codes.NotFound, "CONTENT_NOT_FOUND"
	case errors.Is(err, ErrSessionNotFound):
		code, reason = codes.NotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, ErrAccessDenied):
		code, reason = codes.PermissionDenied, "ACCESS_DENIED"
	case errors.Is(err, ErrInvalidProgress):
		code, reason = codes.InvalidArgument, "INVALID_PROGRESS"
	case errors.Is(err, ErrInvalidArgument):
		code, reason = codes.InvalidArgument, "INVALID_ARGUMENT"
	case errors.Is(err, ErrConcurrentUpdate):
		code, reason = codes.Aborted, "CONCURRENT_UPDATE"
	case errors.Is(err, ErrUnavailable):
		code, reason = codes.Unavailable, "UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		code, reason = codes.DeadlineExceeded, "TIMEOUT"
	case errors.Is(err, context.Canceled):
		code, reason = codes.Canceled, "CANCELED"
	default:
		code, reason, msg = codes.Internal, "INTERNAL", "internal error"
	}

	st := status.New(code, msg)
	st2, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain})
	if derr != nil {
		return st
	}
	return st2
}
