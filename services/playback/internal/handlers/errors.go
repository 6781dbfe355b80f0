package handlers

import (
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"

	"github.com/example/stream-platform/internal/platform/api"
	"github.com/example/stream-platform/services/playback/internal/domain"
)

// writeError maps a service error onto the API error envelope via its gRPC status.
func writeError(w http.ResponseWriter, requestID string, err error) {
	st := domain.Status(err)

	code := "INTERNAL"
	for _, d := range st.Details() {
		if v, ok := d.(*errdetails.ErrorInfo); ok && v.GetReason() != "" {
			code = v.GetReason()
		}
	}

	switch st.Code() {
	case codes.InvalidArgument:
		api.BadRequest(w, code, st.Message(), requestID, nil)
	case codes.Unauthenticated:
		api.Unauthorized(w, code, st.Message(), requestID)
	case codes.PermissionDenied:
		api.Forbidden(w, code, st.Message(), requestID)
	case codes.NotFound:
		api.NotFound(w, code, st.Message(), requestID)
	case codes.Aborted, codes.AlreadyExists:
		api.Conflict(w, code, st.Message(), requestID, nil)
	case codes.ResourceExhausted:
		api.RateLimited(w, code, st.Message(), requestID, nil)
	case codes.Unavailable, codes.DeadlineExceeded:
		api.Unavailable(w, code, st.Message(), requestID)
	default:
		api.Internal(w, requestID)
	}
}
