package tree

import (
	dberror "carrytree/pkg/error"
	"carrytree/pkg/logging"
	"carrytree/pkg/primitives"
	"carrytree/pkg/storage/space"
)

// AddRoot grows the tree by one level. A new, empty node becomes the root
// and oldRoot is re-parented under it; the caller inserts the pointer to
// oldRoot into the new root through the regular item insertion path.
//
// The caller holds the uber node and oldRoot locked for write. AddRoot fails
// with Retry if oldRoot stopped being the root in the meantime.
func (t *Tree) AddRoot(oldRoot *Node, res *space.Reservation) (*Node, error) {
	t.mu.RLock()
	current, height := t.root, t.height
	t.mu.RUnlock()
	if current != oldRoot {
		return nil, dberror.Retry("root changed").In("AddRoot", "Tree")
	}

	blk, err := t.alloc.Allocate(oldRoot.Block(), res)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	root := t.register(blk, height+1)
	root.parent = t.uber
	oldRoot.parent = root
	t.root = root
	t.height = height + 1
	t.mu.Unlock()

	t.SetDelimitingKeys(root, primitives.MinKey, primitives.MaxKey)

	logging.WithNode(uint64(blk), int(height+1)).Info("tree grew", "height", height+1, "old_root", oldRoot.Block())
	return root, nil
}

// KillRoot shrinks the tree by one level. oldRoot must be an internal node
// holding a single pointer; the node it points to becomes the root and
// oldRoot is emptied and marked for deletion. The node is destroyed when its
// last writer releases it.
//
// The caller holds the uber node and oldRoot locked for write.
func (t *Tree) KillRoot(oldRoot *Node) (*Node, error) {
	t.mu.Lock()
	if t.root != oldRoot {
		t.mu.Unlock()
		return nil, dberror.Retry("root changed").In("KillRoot", "Tree")
	}
	if oldRoot.IsLeaf() || len(oldRoot.items) != 1 {
		t.mu.Unlock()
		return nil, dberror.New(dberror.ErrCategoryData, dberror.CodeCorrupted, "root cannot be removed").
			WithDetail("%s holds %d items", oldRoot, len(oldRoot.items)).
			In("KillRoot", "Tree")
	}

	child := oldRoot.items[0].Child
	child.parent = t.uber
	t.root = child
	t.height = child.level
	oldRoot.items = nil
	t.mu.Unlock()

	t.SetRD(child, primitives.MaxKey)
	oldRoot.lk.MarkForDeletion()

	logging.WithNode(uint64(child.Block()), int(child.level)).Info("tree shrank",
		"height", child.level, "old_root", oldRoot.Block())
	return child, nil
}

// CollapseRoot turns an internal root that lost every pointer back into an
// empty leaf, so the tree has height 1 again.
//
// The caller holds the uber node and root locked for write.
func (t *Tree) CollapseRoot(root *Node) error {
	t.mu.Lock()
	if t.root != root {
		t.mu.Unlock()
		return dberror.Retry("root changed").In("CollapseRoot", "Tree")
	}
	if root.IsLeaf() || len(root.items) != 0 {
		t.mu.Unlock()
		return dberror.New(dberror.ErrCategoryData, dberror.CodeCorrupted, "root cannot be collapsed").
			WithDetail("%s holds %d items", root, len(root.items)).
			In("CollapseRoot", "Tree")
	}
	root.level = primitives.LeafLevel
	t.height = primitives.LeafLevel
	t.mu.Unlock()

	t.SetDelimitingKeys(root, primitives.MinKey, primitives.MaxKey)
	logging.WithNode(uint64(root.Block()), int(primitives.LeafLevel)).Info("tree collapsed to an empty leaf")
	return nil
}
