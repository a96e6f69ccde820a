package primitives

import (
	"fmt"
	"math"
)

// Key orders items in the tree. Items of one object are grouped by Object
// and ordered by Offset within it.
type Key struct {
	Object uint64
	Offset uint64
}

var (
	// MinKey is smaller than or equal to every key.
	MinKey = Key{}
	// MaxKey is greater than or equal to every key; it is the right
	// delimiting key of the rightmost node on each level.
	MaxKey = Key{Object: math.MaxUint64, Offset: math.MaxUint64}
)

// NewKey builds a key from its components.
func NewKey(object, offset uint64) Key {
	return Key{Object: object, Offset: offset}
}

// Compare returns -1, 0 or 1 when k is less than, equal to or greater than other.
func (k Key) Compare(other Key) int {
	switch {
	case k.Object < other.Object:
		return -1
	case k.Object > other.Object:
		return 1
	case k.Offset < other.Offset:
		return -1
	case k.Offset > other.Offset:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// Equals checks if two keys are equal
func (k Key) Equals(other Key) bool {
	return k == other
}

// String returns a string representation
func (k Key) String() string {
	switch k {
	case MinKey:
		return "<min>"
	case MaxKey:
		return "<max>"
	}
	return fmt.Sprintf("%d:%d", k.Object, k.Offset)
}
