package tree

import (
	"testing"

	"carrytree/pkg/concurrency/lock"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/primitives"
	"carrytree/pkg/storage/alloc"
	"carrytree/pkg/storage/space"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*Tree, *space.Pool) {
	t.Helper()
	pool := space.NewPool(64)
	tr, err := New(alloc.New(64, pool), pool)
	require.NoError(t, err)
	return tr, pool
}

func key(n uint64) primitives.Key {
	return primitives.NewKey(n, 0)
}

func leafItems(keys ...uint64) []Item {
	items := make([]Item, len(keys))
	for i, k := range keys {
		items[i] = Item{Key: key(k), Body: []byte{byte(k)}}
	}
	return items
}

func TestNewTreeHasEmptyLeafRoot(t *testing.T) {
	tr, pool := newTestTree(t)

	root := tr.Root()
	require.True(t, root.IsLeaf())
	require.True(t, root.IsEmpty())
	require.Equal(t, primitives.LeafLevel, tr.Height())
	require.Same(t, tr.Uber(), tr.Parent(root))
	require.Equal(t, 1, tr.NodeCount())
	require.EqualValues(t, 1, pool.Stats().Used)

	ld, rd := tr.DelimitingKeys(root)
	require.Equal(t, primitives.MinKey, ld)
	require.Equal(t, primitives.MaxKey, rd)
}

func TestNewNodeLinksRightSibling(t *testing.T) {
	tr, _ := newTestTree(t)
	root := tr.Root()
	tr.InsertItems(root, 0, leafItems(1, 2, 3)...)
	tr.SetRD(root, primitives.MaxKey)

	n2, err := tr.NewNode(primitives.LeafLevel, root, nil)
	require.NoError(t, err)
	n3, err := tr.NewNode(primitives.LeafLevel, root, nil)
	require.NoError(t, err)

	require.Same(t, n3, tr.Right(root))
	require.Same(t, n2, tr.Right(n3))
	require.Same(t, n3, tr.Left(n2))
	require.True(t, tr.IsOrphan(n2))
	require.Nil(t, tr.Parent(n2))

	ld, rd := tr.DelimitingKeys(n2)
	require.Equal(t, primitives.MaxKey, ld)
	require.Equal(t, primitives.MaxKey, rd)
	require.Equal(t, []*Node{root, n3, n2}, tr.LevelNodes(primitives.LeafLevel))
}

func TestInsertPointerAdoptsChild(t *testing.T) {
	tr, _ := newTestTree(t)
	leaf := tr.Root()
	sibling, err := tr.NewNode(primitives.LeafLevel, leaf, nil)
	require.NoError(t, err)

	res, err := tr.space.Reserve(1)
	require.NoError(t, err)
	root, err := tr.AddRoot(leaf, res)
	require.NoError(t, err)
	res.Release()

	tr.InsertItems(root, 0,
		Item{Key: key(0), Child: leaf, ChildBlock: leaf.Block()},
		Item{Key: key(10), Child: sibling, ChildBlock: sibling.Block()})

	require.Same(t, root, tr.Parent(leaf))
	require.Same(t, root, tr.Parent(sibling))
	require.False(t, tr.IsOrphan(sibling))
	require.Equal(t, primitives.TwigLevel, tr.Height())
	require.Equal(t, 1, root.IndexOfChild(sibling))
}

func TestAddRootRefusesStaleRoot(t *testing.T) {
	tr, _ := newTestTree(t)
	leaf := tr.Root()
	other, err := tr.NewNode(primitives.LeafLevel, leaf, nil)
	require.NoError(t, err)

	_, err = tr.AddRoot(other, nil)
	require.True(t, dberror.IsRetry(err))
	require.Equal(t, primitives.LeafLevel, tr.Height())
}

func TestKillRootShrinksByOne(t *testing.T) {
	tr, pool := newTestTree(t)
	leaf := tr.Root()
	tr.InsertItems(leaf, 0, leafItems(5, 6)...)

	root, err := tr.AddRoot(leaf, nil)
	require.NoError(t, err)
	tr.InsertItems(root, 0, Item{Key: key(5), Child: leaf, ChildBlock: leaf.Block()})
	require.Equal(t, primitives.TwigLevel, tr.Height())

	m := lock.NewManager(nil)
	s := m.NewStack()
	h, err := m.Acquire(s, root.Lock(), lock.WriteLock, lock.HighPriority, 0)
	require.NoError(t, err)

	newRoot, err := tr.KillRoot(root)
	require.NoError(t, err)
	require.Same(t, leaf, newRoot)
	require.Same(t, leaf, tr.Root())
	require.Same(t, tr.Uber(), tr.Parent(leaf))
	require.Equal(t, primitives.LeafLevel, tr.Height())
	require.True(t, root.Lock().MarkedForDeletion())

	// The old root disappears once its writer leaves.
	m.Release(h)
	_, ok := tr.Lookup(root.Block())
	require.False(t, ok)
	require.Equal(t, 1, tr.NodeCount())
	require.EqualValues(t, 1, pool.Stats().Used)
}

func TestKillRootRejectsBusyRoot(t *testing.T) {
	tr, _ := newTestTree(t)
	_, err := tr.KillRoot(tr.Root())
	require.True(t, dberror.HasCode(err, dberror.CodeCorrupted))
}

func TestForgetUnlinksAndFrees(t *testing.T) {
	tr, pool := newTestTree(t)
	a := tr.Root()
	b, err := tr.NewNode(primitives.LeafLevel, a, nil)
	require.NoError(t, err)
	c, err := tr.NewNode(primitives.LeafLevel, b, nil)
	require.NoError(t, err)

	tr.Forget(b)
	tr.Forget(b)

	require.Same(t, c, tr.Right(a))
	require.Same(t, a, tr.Left(c))
	require.Equal(t, 2, tr.NodeCount())
	require.EqualValues(t, 2, pool.Stats().Used)
}

func TestSyncDelimitingKeysCascadesThroughDyingNodes(t *testing.T) {
	tr, _ := newTestTree(t)
	a := tr.Root()
	b, _ := tr.NewNode(primitives.LeafLevel, a, nil)
	c, _ := tr.NewNode(primitives.LeafLevel, b, nil)
	tr.InsertItems(a, 0, leafItems(1, 2)...)
	tr.InsertItems(c, 0, leafItems(7, 8)...)
	tr.SetDelimitingKeys(a, key(1), key(4))
	tr.SetDelimitingKeys(b, key(4), key(6))
	tr.SetDelimitingKeys(c, key(6), primitives.MaxKey)

	m := lock.NewManager(nil)
	s := m.NewStack()
	for _, n := range []*Node{a, b, c} {
		_, err := m.Acquire(s, n.Lock(), lock.WriteLock, lock.HighPriority, 0)
		require.NoError(t, err)
	}
	b.Lock().MarkForDeletion()

	owned := func(n *Node) bool { return n.Lock().IsWriteLockedBy(s) }
	tr.SyncDelimitingKeys(c, owned)

	require.Equal(t, key(7), tr.LD(c))
	require.Equal(t, key(7), tr.RD(b))
	require.Equal(t, key(7), tr.LD(b))
	require.Equal(t, key(7), tr.RD(a))
	require.Equal(t, key(1), tr.LD(a), "walk stops at the first live neighbour")
}

func TestSyncDelimitingKeysStopsAtForeignNode(t *testing.T) {
	tr, _ := newTestTree(t)
	a := tr.Root()
	b, _ := tr.NewNode(primitives.LeafLevel, a, nil)
	tr.InsertItems(b, 0, leafItems(9)...)
	tr.SetDelimitingKeys(a, key(0), key(3))

	tr.SyncDelimitingKeys(b, func(*Node) bool { return false })

	require.Equal(t, key(9), tr.LD(b))
	require.Equal(t, key(9), tr.RD(a), "the neighbour's right key is still updated")
	require.Equal(t, key(0), tr.LD(a))
}

func TestCovers(t *testing.T) {
	tr, _ := newTestTree(t)
	a := tr.Root()
	b, _ := tr.NewNode(primitives.LeafLevel, a, nil)
	tr.SetDelimitingKeys(a, key(5), key(10))
	tr.SetDelimitingKeys(b, key(10), primitives.MaxKey)

	require.True(t, tr.Covers(a, key(1)), "leftmost node covers keys below its left key")
	require.True(t, tr.Covers(a, key(9)))
	require.False(t, tr.Covers(a, key(10)))
	require.True(t, tr.Covers(b, key(10)))
	require.False(t, tr.Covers(b, key(9)))
	require.True(t, tr.Covers(b, key(1<<40)))
}

func TestRelocateMovesBlock(t *testing.T) {
	tr, pool := newTestTree(t)
	root := tr.Root()
	before := pool.Stats()

	old, err := tr.Relocate(root)
	require.NoError(t, err)
	require.NotEqual(t, old, root.Block())

	n, ok := tr.Lookup(root.Block())
	require.True(t, ok)
	require.Same(t, root, n)
	_, ok = tr.Lookup(old)
	require.False(t, ok)
	require.Equal(t, before, pool.Stats())
}

func TestAbort(t *testing.T) {
	tr, _ := newTestTree(t)
	require.NoError(t, tr.Aborted())

	tr.Abort(dberror.New(dberror.ErrCategorySystem, dberror.CodeCarryAborted, "boom"))
	tr.Abort(dberror.New(dberror.ErrCategorySystem, dberror.CodeNoMemory, "second"))

	err := tr.Aborted()
	require.True(t, dberror.HasCode(err, dberror.CodeTreeAborted))
	require.Contains(t, err.Error(), "boom")
}

func TestCollapseRootLeavesEmptyLeaf(t *testing.T) {
	tr, _ := newTestTree(t)
	leaf := tr.Root()
	root, err := tr.AddRoot(leaf, nil)
	require.NoError(t, err)

	require.True(t, dberror.HasCode(tr.CollapseRoot(leaf), dberror.CodeRetry))
	require.NoError(t, tr.CollapseRoot(root))
	require.True(t, root.IsLeaf())
	require.Equal(t, primitives.LeafLevel, tr.Height())
	require.Equal(t, primitives.MinKey, tr.LD(root))
}
