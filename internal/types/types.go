// Package types provides domain models shared across rulekeeper components.
//
// Wire-format agnostic: document conversion happens in internal/protocol at
// the gRPC boundary. ID utilities in ids.go import uuid; everything else is
// standard library only.
package types

// RuleID identifies a mapping rule.
// String alias enables type safety while maintaining JSON string serialization.
type RuleID string

// Sentinel identifiers carried on the event bus.
const (
	// PendingRuleID is announced by a rule that does not exist in the store yet.
	PendingRuleID RuleID = "0"

	// BroadcastRuleID addresses every rule row on rulesView.toggle.
	BroadcastRuleID RuleID = "*"
)

// Resource limits enforced by the rule store.
const (
	// MaxPathDepth bounds the number of steps in a source path.
	MaxPathDepth = 16

	// MaxTypeRules bounds the target entity types of one object rule.
	MaxTypeRules = 64

	// MaxCommentLength bounds free-text descriptions.
	MaxCommentLength = 4096

	// MaxChildren bounds the number of direct children of one rule.
	MaxChildren = 10000
)

// EditSession is the coordinator's lightweight record for one rule row.
type EditSession struct {
	ID        RuleID
	IsEditing bool
	IsDirty   bool
}

// ReorderRequest moves a rule to a new position among its siblings.
// TargetPosition is clamped to [0, siblingCount-1] by the caller.
type ReorderRequest struct {
	ID             RuleID
	ParentID       RuleID
	TargetPosition int
}

// Ack acknowledges a successful write. ID is the created rule's id on create.
type Ack struct {
	ID       RuleID
	Revision int64
}
