package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Rule document codec.
 *
 * Rule document shape:
 *
 *   {
 *     "id": "...", "parentId": "...", "type": "object",
 *     "position": 0, "revision": 3,
 *     "mappingTarget": {"uri": "...", "isBackwardProperty": false,
 *                       "valueType": {"nodeType": "AutoDetectValueType"}},
 *     "sourcePath": "address/city",
 *     "metadata": {"description": "..."},
 *     "rules": {"typeRules": [{"typeUri": "..."}],
 *               "uriRule": {"pattern": "..."},
 *               "propertyRules": ["child-id", ...]}
 *   }
 *
 * Request documents use the flat payload field names of the bus topics.
 * Numbers travel as float64 (google.protobuf.Value); integers are range
 * checked on decode.
 */

// EncodeRule renders r as a rule document.
func EncodeRule(r types.Rule) (*structpb.Struct, error) {
	typeRules := make([]any, 0, len(r.TypeRules))
	for _, uri := range r.TypeRules {
		typeRules = append(typeRules, map[string]any{"typeUri": uri})
	}
	children := make([]any, 0, len(r.Children))
	for _, id := range r.Children {
		children = append(children, string(id))
	}

	target := map[string]any{
		"uri":                r.MappingTarget.URI,
		"isBackwardProperty": r.MappingTarget.IsBackward,
	}
	if r.Type == types.RuleTypeValue {
		target["valueType"] = map[string]any{"nodeType": r.MappingTarget.ValueType}
	}

	doc := map[string]any{
		"id":            string(r.ID),
		"parentId":      string(r.ParentID),
		"type":          string(r.Type),
		"position":      r.Position,
		"revision":      r.Revision,
		"mappingTarget": target,
		"sourcePath":    r.SourcePath,
		"metadata":      map[string]any{"description": r.Comment},
	}
	if r.Type.HasChildren() {
		doc["rules"] = map[string]any{
			"typeRules":     typeRules,
			"uriRule":       map[string]any{"pattern": r.Pattern},
			"propertyRules": children,
		}
	}
	return structpb.NewStruct(doc)
}

// DecodeRule parses a rule document.
func DecodeRule(doc *structpb.Struct) (types.Rule, error) {
	m := doc.AsMap()

	ruleType, err := types.ParseRuleType(str(m, "type"))
	if err != nil {
		return types.Rule{}, err
	}
	position, err := integer(m, "position")
	if err != nil {
		return types.Rule{}, err
	}
	revision, err := integer(m, "revision")
	if err != nil {
		return types.Rule{}, err
	}

	r := types.Rule{
		ID:       types.RuleID(str(m, "id")),
		ParentID: types.RuleID(str(m, "parentId")),
		Type:     ruleType,
		MappingTarget: types.MappingTarget{
			URI:        str(m, "mappingTarget", "uri"),
			IsBackward: boolean(m, "mappingTarget", "isBackwardProperty"),
			ValueType:  str(m, "mappingTarget", "valueType", "nodeType"),
		},
		SourcePath: str(m, "sourcePath"),
		Pattern:    str(m, "rules", "uriRule", "pattern"),
		Comment:    str(m, "metadata", "description"),
		Position:   int(position),
		Revision:   revision,
	}
	for _, item := range list(m, "rules", "typeRules") {
		if tr, ok := item.(map[string]any); ok {
			if uri, ok := tr["typeUri"].(string); ok {
				r.TypeRules = append(r.TypeRules, uri)
			}
		}
	}
	for _, item := range list(m, "rules", "propertyRules") {
		if id, ok := item.(string); ok {
			r.Children = append(r.Children, types.RuleID(id))
		}
	}
	return r, nil
}

// EncodeGetRequest renders a rule.get payload.
func EncodeGetRequest(req bus.GetRuleRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"id": string(req.ID)})
}

// DecodeGetRequest parses a rule.get payload.
func DecodeGetRequest(doc *structpb.Struct) bus.GetRuleRequest {
	return bus.GetRuleRequest{ID: types.RuleID(str(doc.AsMap(), "id"))}
}

// EncodeObjectRequest renders a rule.createObjectMapping payload.
func EncodeObjectRequest(req bus.ObjectRuleRequest) (*structpb.Struct, error) {
	entityTypes := make([]any, 0, len(req.TargetEntityType))
	for _, uri := range req.TargetEntityType {
		entityTypes = append(entityTypes, uri)
	}
	return structpb.NewStruct(map[string]any{
		"id":               string(req.ID),
		"parentId":         string(req.ParentID),
		"type":             string(req.Type),
		"comment":          req.Comment,
		"sourceProperty":   req.SourceProperty,
		"targetProperty":   req.TargetProperty,
		"targetEntityType": entityTypes,
		"pattern":          req.Pattern,
		"entityConnection": req.EntityConnection,
		"revision":         req.Revision,
	})
}

// DecodeObjectRequest parses a rule.createObjectMapping payload.
func DecodeObjectRequest(doc *structpb.Struct) (bus.ObjectRuleRequest, error) {
	m := doc.AsMap()
	revision, err := integer(m, "revision")
	if err != nil {
		return bus.ObjectRuleRequest{}, err
	}
	req := bus.ObjectRuleRequest{
		ID:               types.RuleID(str(m, "id")),
		ParentID:         types.RuleID(str(m, "parentId")),
		Type:             types.RuleType(str(m, "type")),
		Comment:          str(m, "comment"),
		SourceProperty:   str(m, "sourceProperty"),
		TargetProperty:   str(m, "targetProperty"),
		Pattern:          str(m, "pattern"),
		EntityConnection: boolean(m, "entityConnection"),
		Revision:         revision,
	}
	for _, item := range list(m, "targetEntityType") {
		uri, ok := item.(string)
		if !ok {
			return bus.ObjectRuleRequest{}, types.Invalid("targetEntityType", "expected strings, got %T", item)
		}
		req.TargetEntityType = append(req.TargetEntityType, uri)
	}
	return req, nil
}

// EncodeValueRequest renders a rule.createValueMapping payload.
func EncodeValueRequest(req bus.ValueRuleRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":             string(req.ID),
		"parentId":       string(req.ParentID),
		"type":           string(req.Type),
		"comment":        req.Comment,
		"targetProperty": req.TargetProperty,
		"propertyType":   req.PropertyType,
		"sourceProperty": req.SourceProperty,
		"revision":       req.Revision,
	})
}

// DecodeValueRequest parses a rule.createValueMapping payload.
func DecodeValueRequest(doc *structpb.Struct) (bus.ValueRuleRequest, error) {
	m := doc.AsMap()
	revision, err := integer(m, "revision")
	if err != nil {
		return bus.ValueRuleRequest{}, err
	}
	return bus.ValueRuleRequest{
		ID:             types.RuleID(str(m, "id")),
		ParentID:       types.RuleID(str(m, "parentId")),
		Type:           types.RuleType(str(m, "type")),
		Comment:        str(m, "comment"),
		TargetProperty: str(m, "targetProperty"),
		PropertyType:   str(m, "propertyType"),
		SourceProperty: str(m, "sourceProperty"),
		Revision:       revision,
	}, nil
}

// EncodeOrderRequest renders a rule.orderRule payload.
func EncodeOrderRequest(req types.ReorderRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":       string(req.ID),
		"pos":      req.TargetPosition,
		"parentId": string(req.ParentID),
	})
}

// DecodeOrderRequest parses a rule.orderRule payload.
func DecodeOrderRequest(doc *structpb.Struct) (types.ReorderRequest, error) {
	m := doc.AsMap()
	pos, err := integer(m, "pos")
	if err != nil {
		return types.ReorderRequest{}, err
	}
	return types.ReorderRequest{
		ID:             types.RuleID(str(m, "id")),
		ParentID:       types.RuleID(str(m, "parentId")),
		TargetPosition: int(pos),
	}, nil
}

// EncodeAck renders a write acknowledgement.
func EncodeAck(ack types.Ack) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":       string(ack.ID),
		"revision": ack.Revision,
	})
}

// DecodeAck parses a write acknowledgement.
func DecodeAck(doc *structpb.Struct) (types.Ack, error) {
	m := doc.AsMap()
	revision, err := integer(m, "revision")
	if err != nil {
		return types.Ack{}, err
	}
	return types.Ack{ID: types.RuleID(str(m, "id")), Revision: revision}, nil
}

// lookup walks nested objects; missing keys yield nil.
func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func str(m map[string]any, path ...string) string {
	s, _ := lookup(m, path...).(string)
	return s
}

func boolean(m map[string]any, path ...string) bool {
	b, _ := lookup(m, path...).(bool)
	return b
}

func list(m map[string]any, path ...string) []any {
	l, _ := lookup(m, path...).([]any)
	return l
}

func integer(m map[string]any, path ...string) (int64, error) {
	v := lookup(m, path...)
	if v == nil {
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, types.Invalid(fmt.Sprint(path), "expected an integer, got %v", v)
	}
	return int64(f), nil
}
