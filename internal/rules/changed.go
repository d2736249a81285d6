// internal/rules/changed.go
package rules

import (
	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Change-set detection for rule edits.
 *
 * Compares the snapshot taken at load time against the row's live copy and
 * decides whether the user produced a semantically real edit.
 *
 * Normalization:
 *   - absent scalars equal the empty string (strings) or false (booleans)
 *   - target entity types compare as sets; order and duplicates are ignored
 *
 * Pure and allocation-light so it can run on every keystroke.
 */

// IsChanged reports whether current differs semantically from initial.
func IsChanged(initial, current types.Snapshot) bool {
	if initial.Type != current.Type {
		return true
	}
	if types.Str(initial.TargetProperty) != types.Str(current.TargetProperty) ||
		types.Str(initial.SourceProperty) != types.Str(current.SourceProperty) ||
		types.Str(initial.Comment) != types.Str(current.Comment) ||
		types.Str(initial.Pattern) != types.Str(current.Pattern) ||
		types.Str(initial.PropertyType) != types.Str(current.PropertyType) {
		return true
	}
	if types.Bool(initial.Backward) != types.Bool(current.Backward) {
		return true
	}
	return !sameSet(initial.TargetEntityTypes, current.TargetEntityTypes)
}

// sameSet compares two string lists as sets.
func sameSet(a, b []string) bool {
	left := make(map[string]struct{}, len(a))
	for _, v := range a {
		left[v] = struct{}{}
	}
	right := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, ok := left[v]; !ok {
			return false
		}
		right[v] = struct{}{}
	}
	return len(left) == len(right)
}
