// internal/rules/validate.go
package rules

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/solatis/rulekeeper/internal/types"
)

// CanSave is the required-field predicate gating the save intent.
// Root rules are always saveable; object and value rules need a target property.
func CanSave(s types.Snapshot) bool {
	if s.Type == types.RuleTypeRoot {
		return true
	}
	return strings.TrimSpace(types.Str(s.TargetProperty)) != ""
}

// Acceptor decides whether a value may be assigned to a field.
// Rows consult it before applying an edit; a refused value never reaches the differ.
type Acceptor func(field types.Field, value any) bool

// AcceptAll accepts every value.
func AcceptAll(types.Field, any) bool { return true }

// DefaultAcceptor requires IRIs for the target property and target entity types.
// Empty values are accepted so a field can be cleared.
func DefaultAcceptor(field types.Field, value any) bool {
	switch field {
	case types.FieldTargetProperty:
		s, ok := value.(string)
		return ok && (s == "" || IsIRI(s))
	case types.FieldTargetEntityTypes:
		list, ok := value.([]string)
		if !ok {
			return false
		}
		for _, v := range list {
			if !IsIRI(v) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// IsIRI reports whether s is an absolute IRI or a prefixed name (foaf:name).
// Angle brackets around the value are allowed.
func IsIRI(s string) bool {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return false
	}
	return u.Opaque != "" || u.Host != "" || u.Path != ""
}
