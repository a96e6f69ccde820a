package primitives

import "fmt"

// BlockNumber addresses one node-sized block on the device.
// Block 0 is never handed out by the allocator and marks "no block".
type BlockNumber uint64

// Level is the height of a node above the leaves. Leaves live on LeafLevel,
// the level directly above them is the twig level.
type Level uint8

// Sentinel values for invalid/unset identifiers
const (
	// InvalidBlock represents an unallocated node or a missing child block.
	InvalidBlock BlockNumber = 0

	LeafLevel Level = 1
	TwigLevel Level = 2
)

// IsValid reports whether b was produced by the allocator.
func (b BlockNumber) IsValid() bool {
	return b != InvalidBlock
}

// String returns a string representation of the BlockNumber.
func (b BlockNumber) String() string {
	return fmt.Sprintf("#%d", uint64(b))
}

// IsLeaf reports whether nodes on this level carry items rather than child pointers.
func (l Level) IsLeaf() bool {
	return l == LeafLevel
}
