package tree

import (
	"fmt"
	"sync/atomic"

	"carrytree/pkg/concurrency/lock"
	"carrytree/pkg/primitives"
)

// Item is one entry of a node. Leaf items carry a body; internal items point
// to a child node one level down.
type Item struct {
	Key        primitives.Key
	Body       []byte
	Child      *Node
	ChildBlock primitives.BlockNumber
}

// IsPointer reports whether the item links to a child node.
func (it Item) IsPointer() bool {
	return it.Child != nil
}

// Node is an in-memory tree node.
//
// Items are protected by the node's long-term lock. Parent and sibling links
// are protected by the tree's structure lock, delimiting keys by the tree's
// delimiting-key lock.
type Node struct {
	lk    lock.Lock
	tree  *Tree
	block atomic.Uint64
	level primitives.Level

	items []Item

	parent *Node
	left   *Node
	right  *Node
	orphan bool
	uber   bool

	ld primitives.Key
	rd primitives.Key

	loaded atomic.Int32
}

func newNode(t *Tree, blk primitives.BlockNumber, level primitives.Level) *Node {
	n := &Node{tree: t, level: level}
	n.block.Store(uint64(blk))
	n.lk.SetLabel(fmt.Sprintf("node %s level %d", blk, level))
	return n
}

// Lock returns the node's long-term lock.
func (n *Node) Lock() *lock.Lock {
	return &n.lk
}

// Block returns the block the node currently lives in.
func (n *Node) Block() primitives.BlockNumber {
	return primitives.BlockNumber(n.block.Load())
}

// Level returns the node's height above the leaves.
func (n *Node) Level() primitives.Level {
	return n.level
}

// IsLeaf reports whether the node stores items rather than pointers.
func (n *Node) IsLeaf() bool {
	return n.level.IsLeaf()
}

// IsUber reports whether n is the above-root sentinel.
func (n *Node) IsUber() bool {
	return n.uber
}

// Tree returns the tree the node belongs to.
func (n *Node) Tree() *Tree {
	return n.tree
}

// NumItems returns the number of items. The caller holds the node locked.
func (n *Node) NumItems() int {
	return len(n.items)
}

// IsEmpty reports whether the node has no items.
func (n *Node) IsEmpty() bool {
	return len(n.items) == 0
}

// Item returns the item at pos.
func (n *Node) Item(pos int) Item {
	return n.items[pos]
}

// Items returns the node's items. The slice must not be modified.
func (n *Node) Items() []Item {
	return n.items
}

// Key returns the key of the item at pos.
func (n *Node) Key(pos int) primitives.Key {
	return n.items[pos].Key
}

// SetKey changes the key of the item at pos.
func (n *Node) SetKey(pos int, key primitives.Key) {
	n.items[pos].Key = key
}

// SetChildBlock records the block of the child referenced at pos.
func (n *Node) SetChildBlock(pos int, blk primitives.BlockNumber) {
	n.items[pos].ChildBlock = blk
}

// AppendBody grows the body of the leaf item at pos.
func (n *Node) AppendBody(pos int, data []byte) {
	n.items[pos].Body = append(n.items[pos].Body, data...)
}

// IndexOfChild returns the position of the pointer to child, or -1.
func (n *Node) IndexOfChild(child *Node) int {
	for i := range n.items {
		if n.items[i].Child == child {
			return i
		}
	}
	return -1
}

// Load pins the node's content in memory. Every Load is paired with Unload.
func (n *Node) Load() {
	n.loaded.Add(1)
}

// Unload drops a pin taken by Load.
func (n *Node) Unload() {
	n.loaded.Add(-1)
}

// Loaded returns the number of outstanding pins.
func (n *Node) Loaded() int {
	return int(n.loaded.Load())
}

func (n *Node) String() string {
	if n == nil {
		return "node(nil)"
	}
	if n.uber {
		return "node(uber)"
	}
	return fmt.Sprintf("node(%s level %d)", n.Block(), n.level)
}
