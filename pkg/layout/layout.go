// Package layout is the node format used by carry: byte-capacity nodes of
// sorted items, and the handlers that insert, grow, cut and re-link items
// while a level is locked.
package layout

import (
	"slices"

	dberror "carrytree/pkg/error"
	"carrytree/pkg/primitives"
	"carrytree/pkg/tree"
)

const (
	// NodeHeader is the space every node spends on its header.
	NodeHeader = 64
	// ItemHeader is the per-item overhead.
	ItemHeader = 24
	// PointerBody is the body size of an item pointing to a child.
	PointerBody = 8
)

// Layout measures nodes of a fixed byte size.
type Layout struct {
	nodeSize int
}

// New returns the layout for nodes of nodeSize bytes.
func New(nodeSize int) *Layout {
	return &Layout{nodeSize: nodeSize}
}

// NodeSize returns the byte size of a node.
func (l *Layout) NodeSize() int {
	return l.nodeSize
}

// Capacity returns the bytes available for items in one node.
func (l *Layout) Capacity() int {
	return l.nodeSize - NodeHeader
}

// MaxBody returns the largest leaf item body a node can hold.
func (l *Layout) MaxBody() int {
	return l.Capacity() - ItemHeader
}

// ItemSize returns the space it takes in a node.
func ItemSize(it tree.Item) int {
	if it.IsPointer() {
		return ItemHeader + PointerBody
	}
	return ItemHeader + len(it.Body)
}

// Used returns the bytes taken by n's items.
func (l *Layout) Used(n *tree.Node) int {
	used := 0
	for _, it := range n.Items() {
		used += ItemSize(it)
	}
	return used
}

// Free returns the bytes still available in n.
func (l *Layout) Free(n *tree.Node) int {
	return l.Capacity() - l.Used(n)
}

// Fits reports whether size more bytes fit in n.
func (l *Layout) Fits(n *tree.Node, size int) bool {
	return l.Free(n) >= size
}

// Lookup returns the position of key in n and whether an item with that key
// exists. When it does not, pos is where it would be inserted.
func Lookup(n *tree.Node, key primitives.Key) (pos int, found bool) {
	return slices.BinarySearchFunc(n.Items(), key, func(it tree.Item, k primitives.Key) int {
		return it.Key.Compare(k)
	})
}

// ChildFor returns the position of the pointer to follow for key in the
// internal node n: the last pointer whose key is not greater than key, or
// the first pointer.
func ChildFor(n *tree.Node, key primitives.Key) int {
	pos, found := Lookup(n, key)
	if found {
		return pos
	}
	if pos > 0 {
		pos--
	}
	return pos
}

// CreateItem inserts it at pos.
func CreateItem(t *tree.Tree, n *tree.Node, pos int, it tree.Item) {
	t.InsertItems(n, pos, it)
}

// CutRange removes items [from, to) from n and returns the bytes freed.
func CutRange(t *tree.Tree, n *tree.Node, from, to int) int {
	freed := 0
	for _, it := range t.RemoveItems(n, from, to) {
		freed += ItemSize(it)
	}
	return freed
}

// Direction of a shift.
type Direction int

const (
	// ShiftLeft moves items from the head of src to the tail of dst.
	ShiftLeft Direction = iota
	// ShiftRight moves items from the tail of src to the head of dst.
	ShiftRight
)

// Shift moves up to limit whole items from src into its neighbour dst, as
// many as dst has room for, and returns how many it moved. Pointers moved
// between internal nodes take their children along.
func (l *Layout) Shift(t *tree.Tree, src, dst *tree.Node, dir Direction, limit int) int {
	free := l.Free(dst)
	items := src.Items()
	count := 0
	switch dir {
	case ShiftLeft:
		for count < limit && count < len(items) && ItemSize(items[count]) <= free {
			free -= ItemSize(items[count])
			count++
		}
		if count > 0 {
			moved := t.RemoveItems(src, 0, count)
			t.InsertItems(dst, dst.NumItems(), moved...)
		}
	case ShiftRight:
		for count < limit && count < len(items) && ItemSize(items[len(items)-1-count]) <= free {
			free -= ItemSize(items[len(items)-1-count])
			count++
		}
		if count > 0 {
			moved := t.RemoveItems(src, len(items)-count, len(items))
			t.InsertItems(dst, 0, moved...)
		}
	}
	return count
}

func corrupted(op, format string, args ...any) error {
	return dberror.New(dberror.ErrCategoryData, dberror.CodeCorrupted, "node layout is inconsistent").
		WithDetail(format, args...).In(op, "layout")
}
