// internal/rules/sourcepath.go
package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Source path parsing.
 *
 * A source path walks the input data from the parent rule's entity to the
 * value being mapped. Steps are separated by '/' (forward) or '\' (backward,
 * following a relation in reverse). A leading '/' is optional.
 *
 *   name                 one forward step
 *   address/city         two forward steps
 *   \employer/name       backward to the employer, then forward
 *
 * Enforces types.MaxPathDepth so the store never accepts paths it cannot
 * evaluate in bounded time.
 */

// PathStep is one step of a source path.
type PathStep struct {
	Property string
	Backward bool
}

// SourcePath is a parsed source path. The empty path selects the entity itself.
type SourcePath []PathStep

// ParseSourcePath parses s into steps.
// Returns a ValidationError for empty steps and ErrPathTooDeep past MaxPathDepth.
func ParseSourcePath(s string) (SourcePath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var path SourcePath
	backward := false
	start := 0
	if s[0] == '/' {
		start = 1
	} else if s[0] == '\\' {
		start = 1
		backward = true
	}

	for i := start; i <= len(s); i++ {
		if i < len(s) && s[i] != '/' && s[i] != '\\' {
			continue
		}
		prop := s[start:i]
		if prop == "" {
			return nil, types.Invalid("sourcePath", "empty step at offset %d", i)
		}
		path = append(path, PathStep{Property: prop, Backward: backward})
		if len(path) > types.MaxPathDepth {
			return nil, fmt.Errorf("%w: %w", types.ErrValidation, types.ErrPathTooDeep)
		}
		if i < len(s) {
			backward = s[i] == '\\'
		}
		start = i + 1
	}
	return path, nil
}

// String renders the path in canonical form (no leading '/').
func (p SourcePath) String() string {
	var b strings.Builder
	for i, step := range p {
		switch {
		case step.Backward:
			b.WriteByte('\\')
		case i > 0:
			b.WriteByte('/')
		}
		b.WriteString(step.Property)
	}
	return b.String()
}
