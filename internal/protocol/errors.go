package protocol

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/rulekeeper/internal/types"
)

// Error mapping at the gRPC boundary:
//   ErrNotFound   <-> NOT_FOUND
//   ErrValidation <-> INVALID_ARGUMENT
//   ErrConflict   <-> ABORTED (FAILED_PRECONDITION and ALREADY_EXISTS also map back to it)
//   context timeouts -> DEADLINE_EXCEEDED
//   anything else -> UNAVAILABLE, which the client reads as ErrTransport.

// StatusFromError converts a store error into a gRPC status error.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// ErrorFromStatus converts a gRPC error into a rulekeeper error kind.
func ErrorFromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", types.ErrTransport, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return &types.ValidationError{Reason: st.Message()}
	case codes.Aborted, codes.FailedPrecondition, codes.AlreadyExists:
		return fmt.Errorf("%w: %s", types.ErrConflict, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", types.ErrTransport, st.Code(), st.Message())
	}
}

// Outcome labels an error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrValidation):
		return "validation"
	case errors.Is(err, types.ErrConflict):
		return "conflict"
	default:
		return "transport"
	}
}
