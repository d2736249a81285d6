package session

import (
	"strings"

	"github.com/solatis/rulekeeper/internal/types"
)

// Direction is a reorder intent.
type Direction int

const (
	MoveTop Direction = iota
	MoveUp
	MoveDown
	MoveBottom
)

var directionNames = [...]string{
	MoveTop:    "top",
	MoveUp:     "up",
	MoveDown:   "down",
	MoveBottom: "bottom",
}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return "unknown"
	}
	return directionNames[d]
}

// ParseDirection resolves top, up, down or bottom.
func ParseDirection(s string) (Direction, error) {
	for i, name := range directionNames {
		if strings.EqualFold(name, s) {
			return Direction(i), nil
		}
	}
	return 0, types.Invalid("direction", "unknown direction %q", s)
}

// ReorderTarget returns the position a rule at pos moves to among count
// siblings, clamped to [0, count-1].
func ReorderTarget(dir Direction, pos, count int) int {
	last := max(count-1, 0)
	var target int
	switch dir {
	case MoveTop:
		target = 0
	case MoveUp:
		target = pos - 1
	case MoveDown:
		target = pos + 1
	case MoveBottom:
		target = last
	default:
		target = pos
	}
	return min(max(target, 0), last)
}
