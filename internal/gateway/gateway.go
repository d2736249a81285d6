// Package gateway is the request/response boundary to the remote rule store.
//
// Each call maps to exactly one outbound request and one resolution. The
// gateway keeps no state between calls, never retries, and does not
// deduplicate overlapping calls for the same rule; the edit-session layer
// guarantees it never issues them.
package gateway

import (
	"context"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/types"
)

// Gateway reads, writes and reorders rules.
//
// Errors are classified with errors.Is against types.ErrNotFound,
// types.ErrValidation, types.ErrConflict and types.ErrTransport.
type Gateway interface {
	// GetRule answers rule.get.
	GetRule(ctx context.Context, id types.RuleID) (types.Rule, error)

	// SaveObjectRule answers rule.createObjectMapping. Empty req.ID creates.
	SaveObjectRule(ctx context.Context, req bus.ObjectRuleRequest) (types.Ack, error)

	// SaveValueRule answers rule.createValueMapping. Empty req.ID creates.
	SaveValueRule(ctx context.Context, req bus.ValueRuleRequest) (types.Ack, error)

	// ReorderRule answers rule.orderRule.
	ReorderRule(ctx context.Context, req types.ReorderRequest) (types.Ack, error)
}
