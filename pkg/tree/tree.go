// Package tree holds the in-memory balanced tree that carry operates on:
// nodes with their items, parent and sibling links, delimiting keys, the
// above-root sentinel and the root pointer.
//
// The package does not balance anything by itself. Node content is changed by
// the layout handlers while the carry engine holds the relevant node locks;
// this package keeps the links and keys those handlers rely on consistent.
package tree

import (
	"log/slog"
	"slices"
	"sync"

	dberror "carrytree/pkg/error"
	"carrytree/pkg/logging"
	"carrytree/pkg/primitives"
	"carrytree/pkg/storage/alloc"
	"carrytree/pkg/storage/space"

	"github.com/tidwall/btree"
)

// Tree is a balanced tree of Nodes.
type Tree struct {
	// mu guards the root pointer, the height, parent/sibling links, orphan
	// flags and the block index.
	mu sync.RWMutex
	// dk guards the delimiting keys of every node.
	dk sync.RWMutex

	uber   *Node
	root   *Node
	height primitives.Level
	index  btree.Map[primitives.BlockNumber, *Node]

	alloc *alloc.Allocator
	space *space.Pool

	abortMu sync.Mutex
	abort   error

	log *slog.Logger
}

// New creates a tree consisting of an empty leaf root.
func New(a *alloc.Allocator, pool *space.Pool) (*Tree, error) {
	t := &Tree{
		alloc: a,
		space: pool,
		log:   logging.WithComponent("tree"),
	}
	t.uber = newNode(t, primitives.InvalidBlock, 0)
	t.uber.uber = true
	t.uber.lk.SetLabel("uber")

	blk, err := a.Allocate(primitives.InvalidBlock, nil)
	if err != nil {
		return nil, err
	}
	root := t.register(blk, primitives.LeafLevel)
	root.parent = t.uber
	root.ld = primitives.MinKey
	root.rd = primitives.MaxKey

	t.root = root
	t.height = primitives.LeafLevel
	return t, nil
}

// register creates a node for blk and indexes it.
func (t *Tree) register(blk primitives.BlockNumber, level primitives.Level) *Node {
	n := newNode(t, blk, level)
	n.lk.SetDeleteHook(func() { t.Forget(n) })
	t.index.Set(blk, n)
	return n
}

// Uber returns the above-root sentinel. Locking it for write freezes the
// root pointer and the height.
func (t *Tree) Uber() *Node {
	return t.uber
}

// Root returns the current root.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Height returns the level of the root.
func (t *Tree) Height() primitives.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.height
}

// IsRoot reports whether n is the current root.
func (t *Tree) IsRoot(n *Node) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root == n
}

// Parent returns the node holding the pointer to n, the uber node for the
// root, or nil for an orphan.
func (t *Tree) Parent(n *Node) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.parent
}

// Left returns n's left sibling on the same level, or nil.
func (t *Tree) Left(n *Node) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.left
}

// Right returns n's right sibling on the same level, or nil.
func (t *Tree) Right(n *Node) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.right
}

// IsOrphan reports whether n was created by a split and no pointer to it has
// been inserted into a parent yet.
func (t *Tree) IsOrphan(n *Node) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.orphan
}

// Lookup returns the node stored in blk.
func (t *Tree) Lookup(blk primitives.BlockNumber) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Get(blk)
}

// NodeCount returns the number of live nodes.
func (t *Tree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Len()
}

// Nodes returns every live node ordered by block number.
func (t *Tree) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Node, 0, t.index.Len())
	t.index.Scan(func(_ primitives.BlockNumber, n *Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

// LevelNodes returns the nodes of one level from left to right.
func (t *Tree) LevelNodes(level primitives.Level) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	if n == nil || level > t.height {
		return nil
	}
	for n.level > level {
		if len(n.items) == 0 {
			return nil
		}
		n = n.items[0].Child
	}
	for n.left != nil {
		n = n.left
	}
	var out []*Node
	for ; n != nil; n = n.right {
		out = append(out, n)
	}
	return out
}

// NewNode allocates a node on level and links it into the sibling list right
// after rightOf. The node starts as an orphan with the empty delimiting-key
// span [rd(rightOf), rd(rightOf)). The block is charged to res.
func (t *Tree) NewNode(level primitives.Level, rightOf *Node, res *space.Reservation) (*Node, error) {
	blk, err := t.alloc.Allocate(rightOf.Block(), res)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	n := t.register(blk, level)
	n.orphan = true
	n.left = rightOf
	n.right = rightOf.right
	if rightOf.right != nil {
		rightOf.right.left = n
	}
	rightOf.right = n
	t.mu.Unlock()

	t.dk.Lock()
	n.ld = rightOf.rd
	n.rd = rightOf.rd
	t.dk.Unlock()

	logging.WithNode(uint64(blk), int(level)).Debug("node allocated", "right_of", rightOf.Block())
	return n, nil
}

// InsertItems inserts items at pos. Pointer items adopt their children:
// each child's parent becomes n and it stops being an orphan.
func (t *Tree) InsertItems(n *Node, pos int, items ...Item) {
	n.items = slices.Insert(n.items, pos, items...)
	if n.IsLeaf() {
		return
	}

	t.mu.Lock()
	for _, it := range items {
		if it.Child != nil {
			it.Child.parent = n
			it.Child.orphan = false
		}
	}
	t.mu.Unlock()
}

// RemoveItems cuts items [from, to) out of n and returns them.
func (t *Tree) RemoveItems(n *Node, from, to int) []Item {
	removed := slices.Clone(n.items[from:to])
	n.items = slices.Delete(n.items, from, to)
	return removed
}

// Relocate moves n to a freshly allocated block near its current one and
// frees the old block. The pointer in n's parent keeps the old block number
// until the parent is updated.
func (t *Tree) Relocate(n *Node) (primitives.BlockNumber, error) {
	old := n.Block()
	blk, err := t.alloc.Allocate(old, nil)
	if err != nil {
		return primitives.InvalidBlock, err
	}

	t.mu.Lock()
	t.index.Delete(old)
	n.block.Store(uint64(blk))
	t.index.Set(blk, n)
	t.mu.Unlock()

	t.alloc.Free(old)
	logging.WithNode(uint64(blk), int(n.level)).Debug("node relocated", "from", old)
	return old, nil
}

// Forget removes n from the tree: it is unlinked from its siblings, dropped
// from the index and its block is freed. It runs as the delete hook of a
// node's lock once the last writer of a node marked for deletion leaves.
func (t *Tree) Forget(n *Node) {
	t.mu.Lock()
	if cur, ok := t.index.Get(n.Block()); !ok || cur != n {
		t.mu.Unlock()
		return
	}
	if n.left != nil {
		n.left.right = n.right
	}
	if n.right != nil {
		n.right.left = n.left
	}
	n.left, n.right, n.parent = nil, nil, nil
	t.index.Delete(n.Block())
	t.mu.Unlock()

	t.alloc.Free(n.Block())
	logging.WithNode(uint64(n.Block()), int(n.level)).Debug("node destroyed")
}

// Discard destroys a node allocated during a failed propagation attempt,
// before any pointer to it was published.
func (t *Tree) Discard(n *Node) {
	n.lk.Kill()
	t.Forget(n)
}

// Abort marks the tree unusable after an unrecoverable propagation failure.
// Only the first cause is kept.
func (t *Tree) Abort(cause error) {
	t.abortMu.Lock()
	defer t.abortMu.Unlock()
	if t.abort == nil {
		t.abort = cause
		t.log.Error("tree aborted", "error", cause)
	}
}

// Aborted returns TREE_ABORTED if Abort was called.
func (t *Tree) Aborted() error {
	t.abortMu.Lock()
	defer t.abortMu.Unlock()
	if t.abort == nil {
		return nil
	}
	err := dberror.New(dberror.ErrCategorySystem, dberror.CodeTreeAborted, "tree aborted by an earlier balancing failure")
	err.Cause = t.abort
	return err.In("Aborted", "Tree")
}
