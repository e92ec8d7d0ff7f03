package config

import (
	"fmt"
	"reflect"
)

// Change records one option whose value differs between two snapshots.
type Change struct {
	// Key is the dotted option path.
	Key string

	// Left and Right are the previous and next values. For secret options
	// both are redacted.
	Left  any
	Right any

	// Class is what the change requires of the running process.
	Class ChangeClass

	// Secret mirrors the descriptor flag.
	Secret bool
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v (%s)", c.Key, c.Left, c.Right, c.Class)
}

const redacted = "<redacted>"

// Diff compares two snapshots option by option and returns the set of
// changes, in registry order. Identical snapshots produce an empty diff.
// Secret values are redacted in the result; the comparison itself uses
// the real values.
func Diff(prev, next *Config) []Change {
	var changes []Change
	for _, d := range Registry() {
		left := d.Get(prev)
		right := d.Get(next)
		if reflect.DeepEqual(left, right) {
			continue
		}
		if d.Secret {
			left, right = redacted, redacted
		}
		changes = append(changes, Change{
			Key:    d.Key,
			Left:   left,
			Right:  right,
			Class:  d.Class,
			Secret: d.Secret,
		})
	}
	return changes
}

// MaxClass returns the strongest requirement across a set of changes.
func MaxClass(changes []Change) ChangeClass {
	max := ClassNone
	for _, c := range changes {
		if c.Class > max {
			max = c.Class
		}
	}
	return max
}
