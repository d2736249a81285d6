package api

import (
	"context"
	"errors"

	"github.com/solatis/rulekeeper/internal/protocol"
	"github.com/solatis/rulekeeper/internal/types"
)

// Error mapping is done by protocol.StatusFromError:
// NotFound, Validation and Conflict keep their kind across the wire.
// Database errors map to UNAVAILABLE.
// Context timeouts map to DEADLINE_EXCEEDED.
// Auth errors are mapped in the auth package interceptor.

// fail logs err and converts it to a gRPC status.
// Expected kinds log at debug, everything else at error.
func (s *RuleStoreService) fail(ctx context.Context, method string, err error) error {
	switch {
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrConflict),
		errors.Is(err, context.Canceled):
		s.logger.DebugContext(ctx, "request rejected", "method", method, "error", err)
	default:
		s.logger.ErrorContext(ctx, "request failed", "method", method, "error", err)
	}
	return protocol.StatusFromError(err)
}
