package clustererrors

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/clusterfabric/offermatcher/internal/common/requestid"
)

// toStatusError converts a plain Go error into a gRPC status error, using
// CodeFromError on the error's root cause. Errors that are already gRPC
// statuses pass through unchanged.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	cause := errors.Cause(err)
	return status.Error(CodeFromError(cause), cause.Error())
}

// annotateRequestIDTrailer attaches the request id carried by ctx, if any,
// to the outgoing gRPC trailer under requestid.MetadataKey. Correlating a
// failed response with the id logged server-side this way keeps the status
// message itself limited to the error's own text, rather than having the
// id baked into it.
func annotateRequestIDTrailer(ctx context.Context) {
	id, ok := requestid.FromContext(ctx)
	if !ok {
		return
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(requestid.MetadataKey, id))
}

// UnaryServerInterceptor converts a plain Go error returned by a handler
// into a gRPC status error and, on failure, tags the response with the
// call's request id as a trailer. Insert this before any logging
// interceptor so the full error chain is still logged while only the cause
// is returned to the caller.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		annotateRequestIDTrailer(ctx)
		return resp, toStatusError(err)
	}
}

// StreamServerInterceptor is the streaming analogue of
// UnaryServerInterceptor.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, stream)
		if err == nil {
			return nil
		}
		annotateRequestIDTrailer(stream.Context())
		return toStatusError(err)
	}
}
