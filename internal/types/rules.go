// internal/types/rules.go
package types

import (
	"fmt"
	"slices"
	"strings"
)

/*
 * Domain types for the mapping rule tree.
 *
 * A Rule describes how a source field or structure maps to a target property
 * or sub-object. Object and root rules own an ordered list of children; value
 * rules are leaves. Snapshot is the editable subset of a Rule, copied at load
 * time and compared against the row's live copy by rules.IsChanged.
 *
 * Key types:
 *   - Rule: complete rule as stored
 *   - MappingTarget: target property URI, relation direction, value type
 *   - Snapshot: editable field set with optional scalars
 *   - Field: names one editable field for Snapshot.With
 */

// RuleType discriminates the three rule kinds.
type RuleType string

const (
	RuleTypeRoot   RuleType = "root"
	RuleTypeObject RuleType = "object"
	RuleTypeValue  RuleType = "value"
)

// ParseRuleType validates a rule type string.
func ParseRuleType(s string) (RuleType, error) {
	switch t := RuleType(s); t {
	case RuleTypeRoot, RuleTypeObject, RuleTypeValue:
		return t, nil
	default:
		return "", Invalid("type", "unknown rule type %q", s)
	}
}

// HasChildren reports whether rules of this type may own children.
func (t RuleType) HasChildren() bool {
	return t == RuleTypeRoot || t == RuleTypeObject
}

// DefaultPropertyType is the value type assigned when none is chosen.
const DefaultPropertyType = "AutoDetectValueType"

// MappingTarget is the target side of a mapping.
type MappingTarget struct {
	URI        string // target property URI (empty for root)
	IsBackward bool   // relation points from the child to the parent
	ValueType  string // datatype tag, value rules only
}

// Rule is a node in the mapping tree.
type Rule struct {
	ID            RuleID
	ParentID      RuleID // empty for the tree root
	Type          RuleType
	MappingTarget MappingTarget
	SourcePath    string
	Pattern       string   // URI template, object and root rules
	Comment       string
	TypeRules     []string // target entity type URIs, object and root rules
	Children      []RuleID // ordered, object and root rules
	Position      int      // index among siblings
	Revision      int64    // bumped on every write, used for conflict detection
}

// Field names one editable field of a Snapshot.
type Field int

const (
	FieldType Field = iota
	FieldTargetProperty
	FieldSourceProperty
	FieldComment
	FieldPattern
	FieldPropertyType
	FieldBackward
	FieldTargetEntityTypes
)

var fieldNames = [...]string{
	FieldType:              "type",
	FieldTargetProperty:    "targetProperty",
	FieldSourceProperty:    "sourceProperty",
	FieldComment:           "comment",
	FieldPattern:           "pattern",
	FieldPropertyType:      "propertyType",
	FieldBackward:          "entityConnection",
	FieldTargetEntityTypes: "targetEntityType",
}

func (f Field) String() string {
	if f < 0 || int(f) >= len(fieldNames) {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// ParseField resolves a field by its payload name.
func ParseField(s string) (Field, error) {
	for i, name := range fieldNames {
		if strings.EqualFold(name, s) {
			return Field(i), nil
		}
	}
	return 0, Invalid(s, "unknown field")
}

// Snapshot is the editable subset of a Rule.
// Nil scalars mean "absent"; rules.IsChanged treats them like empty values.
type Snapshot struct {
	Type              RuleType
	TargetProperty    *string
	SourceProperty    *string
	Comment           *string
	Pattern           *string
	PropertyType      *string
	Backward          *bool
	TargetEntityTypes []string
}

// SnapshotOf copies the editable fields of r.
func SnapshotOf(r Rule) Snapshot {
	s := Snapshot{
		Type:           r.Type,
		TargetProperty: optional(r.MappingTarget.URI),
		SourceProperty: optional(r.SourcePath),
		Comment:        optional(r.Comment),
		Pattern:        optional(r.Pattern),
	}
	if r.Type == RuleTypeValue {
		s.PropertyType = optional(r.MappingTarget.ValueType)
	} else {
		backward := r.MappingTarget.IsBackward
		s.Backward = &backward
		s.TargetEntityTypes = slices.Clone(r.TypeRules)
	}
	return s
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.TargetProperty = clonePtr(s.TargetProperty)
	c.SourceProperty = clonePtr(s.SourceProperty)
	c.Comment = clonePtr(s.Comment)
	c.Pattern = clonePtr(s.Pattern)
	c.PropertyType = clonePtr(s.PropertyType)
	c.Backward = clonePtr(s.Backward)
	c.TargetEntityTypes = slices.Clone(s.TargetEntityTypes)
	return c
}

// With returns a copy of s with field set to value.
// Scalars take a string, FieldBackward a bool, FieldTargetEntityTypes a []string.
func (s Snapshot) With(field Field, value any) (Snapshot, error) {
	c := s.Clone()
	switch field {
	case FieldTargetEntityTypes:
		v, ok := value.([]string)
		if !ok {
			return s, Invalid(field.String(), "expected a list of strings, got %T", value)
		}
		c.TargetEntityTypes = slices.Clone(v)
		return c, nil
	case FieldBackward:
		v, ok := value.(bool)
		if !ok {
			return s, Invalid(field.String(), "expected a bool, got %T", value)
		}
		c.Backward = &v
		return c, nil
	}

	v, ok := value.(string)
	if !ok {
		return s, Invalid(field.String(), "expected a string, got %T", value)
	}
	switch field {
	case FieldType:
		t, err := ParseRuleType(v)
		if err != nil {
			return s, err
		}
		c.Type = t
	case FieldTargetProperty:
		c.TargetProperty = &v
	case FieldSourceProperty:
		c.SourceProperty = &v
	case FieldComment:
		c.Comment = &v
	case FieldPattern:
		c.Pattern = &v
	case FieldPropertyType:
		c.PropertyType = &v
	default:
		return s, Invalid(field.String(), "not editable")
	}
	return c, nil
}

// Str dereferences an optional string, absent reads as empty.
func Str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Bool dereferences an optional bool, absent reads as false.
func Bool(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
