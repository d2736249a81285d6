package api

import (
	"strings"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/types"
)

// Request validation happens before any repository call so malformed input
// never opens a transaction. Structural checks that need the stored tree
// (parent kind, child limits, revisions) belong to the repository.

func optionalID(field string, id types.RuleID) (types.RuleID, error) {
	if id == "" {
		return "", nil
	}
	if _, err := types.ParseRuleID(string(id)); err != nil {
		return "", types.Invalid(field, "malformed rule id %q", id)
	}
	return id, nil
}

func parseParentID(id types.RuleID) (types.RuleID, error) {
	if id == "" {
		return "", types.Invalid("parentId", "required")
	}
	return optionalID("parentId", id)
}

// common validates the fields shared by object and value requests.
func common(id, parentID types.RuleID, ruleType types.RuleType, target, source, comment string) (types.Rule, error) {
	var (
		r   types.Rule
		err error
	)
	if r.ID, err = optionalID("id", id); err != nil {
		return r, err
	}
	if r.ParentID, err = optionalID("parentId", parentID); err != nil {
		return r, err
	}
	if r.Type, err = types.ParseRuleType(string(ruleType)); err != nil {
		return r, err
	}

	target = strings.TrimSpace(target)
	if !rules.CanSave(types.Snapshot{Type: r.Type, TargetProperty: &target}) {
		return r, types.Invalid("targetProperty", "required for %s rules", r.Type)
	}
	if target != "" && !rules.IsIRI(target) {
		return r, types.Invalid("targetProperty", "%q is not an IRI", target)
	}
	r.MappingTarget.URI = target

	path, err := rules.ParseSourcePath(source)
	if err != nil {
		return r, err
	}
	r.SourcePath = path.String()

	if len(comment) > types.MaxCommentLength {
		return r, types.Invalid("comment", "exceeds %d bytes", types.MaxCommentLength)
	}
	r.Comment = comment
	return r, nil
}

func objectRule(req bus.ObjectRuleRequest) (types.Rule, error) {
	r, err := common(req.ID, req.ParentID, req.Type, req.TargetProperty, req.SourceProperty, req.Comment)
	if err != nil {
		return r, err
	}
	if !r.Type.HasChildren() {
		return r, types.Invalid("type", "object mapping cannot have type %q", r.Type)
	}
	if len(req.TargetEntityType) > types.MaxTypeRules {
		return r, types.Invalid("targetEntityType", "at most %d entity types", types.MaxTypeRules)
	}
	for _, uri := range req.TargetEntityType {
		if !rules.IsIRI(uri) {
			return r, types.Invalid("targetEntityType", "%q is not an IRI", uri)
		}
	}
	r.TypeRules = req.TargetEntityType
	r.Pattern = strings.TrimSpace(req.Pattern)
	r.MappingTarget.IsBackward = req.EntityConnection
	r.Revision = req.Revision
	return r, nil
}

func valueRule(req bus.ValueRuleRequest) (types.Rule, error) {
	r, err := common(req.ID, req.ParentID, req.Type, req.TargetProperty, req.SourceProperty, req.Comment)
	if err != nil {
		return r, err
	}
	if r.Type != types.RuleTypeValue {
		return r, types.Invalid("type", "value mapping cannot have type %q", r.Type)
	}
	r.MappingTarget.ValueType = strings.TrimSpace(req.PropertyType)
	r.Revision = req.Revision
	return r, nil
}
