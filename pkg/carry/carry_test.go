package carry_test

import (
	"testing"

	"carrytree/pkg/carry"
	"carrytree/pkg/concurrency/lock"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/layout"
	"carrytree/pkg/primitives"
	"carrytree/pkg/storage/alloc"
	"carrytree/pkg/storage/space"
	"carrytree/pkg/tree"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// Nodes of 192 bytes hold exactly four items with 8-byte bodies.
const testNodeSize = layout.NodeHeader + 4*(layout.ItemHeader+8)

type fixture struct {
	tree   *tree.Tree
	space  *space.Pool
	locks  *lock.Manager
	layout *layout.Layout
	table  *carry.Table
}

func newFixture(t *testing.T, blocks uint64) *fixture {
	t.Helper()
	pool := space.NewPool(blocks)
	tr, err := tree.New(alloc.New(blocks, pool), pool)
	require.NoError(t, err)
	lay := layout.New(testNodeSize)
	return &fixture{tree: tr, space: pool, locks: lock.NewManager(nil), layout: lay, table: lay.Table()}
}

func (f *fixture) context(s *lock.Stack) *carry.Context {
	return &carry.Context{
		Tree:      f.tree,
		Locks:     f.locks,
		Stack:     s,
		Space:     f.space,
		Table:     f.table,
		Plugin:    f.layout,
		Metrics:   carry.NewMetrics(nil),
		PoolNodes: 2,
		PoolOps:   2,
	}
}

func key(n uint64) primitives.Key {
	return primitives.NewKey(n, 0)
}

func item(k uint64) tree.Item {
	return tree.Item{Key: key(k), Body: []byte("8 bytes!")}
}

func fill(tr *tree.Tree, n *tree.Node, keys ...uint64) {
	for _, k := range keys {
		tr.InsertItems(n, n.NumItems(), item(k))
	}
	tr.SetLD(n, key(keys[0]))
}

// twoLevels builds a root P over a single full leaf N1.
func (f *fixture) twoLevels(t *testing.T) (root, leaf *tree.Node) {
	t.Helper()
	leaf = f.tree.Root()
	fill(f.tree, leaf, 10, 20, 30, 40)
	root, err := f.tree.AddRoot(leaf, nil)
	require.NoError(t, err)
	require.NoError(t, f.layout.InsertPointer(root, leaf))
	return root, leaf
}

// insert posts an insertion into leaf, which the caller's stack holds, and
// carries it.
func (f *fixture) insert(t *testing.T, s *lock.Stack, leaf *tree.Node, k uint64) error {
	t.Helper()
	ctx := f.context(s)
	lvl := ctx.NewLevel()
	op, err := lvl.Post(carry.OpInsert, leaf, false)
	require.NoError(t, err)
	op.Key, op.Body = key(k), []byte("8 bytes!")
	return carry.Carry(ctx, lvl)
}

func (f *fixture) lockLeaf(t *testing.T, leaf *tree.Node) (*lock.Stack, *lock.Handle) {
	t.Helper()
	s := f.locks.NewStack()
	h, err := f.locks.Acquire(s, leaf.Lock(), lock.WriteLock, lock.LowPriority, 0)
	require.NoError(t, err)
	return s, h
}

func TestSplitLinksNewNodeAndSyncsKeys(t *testing.T) {
	f := newFixture(t, 64)
	root, n1 := f.twoLevels(t)
	s, h := f.lockLeaf(t, n1)

	require.NoError(t, f.insert(t, s, n1, 25))

	n2 := f.tree.Right(n1)
	require.NotNil(t, n2)
	require.Same(t, root, f.tree.Parent(n2))
	require.False(t, f.tree.IsOrphan(n2))
	require.Equal(t, 2, root.NumItems())
	require.Equal(t, key(30), root.Key(1))

	require.Equal(t, []primitives.Key{key(10), key(20), key(25)}, keysOf(n1))
	require.Equal(t, []primitives.Key{key(30), key(40)}, keysOf(n2))
	require.Equal(t, f.tree.LD(n2), f.tree.RD(n1), "left sibling ends where the right one starts")
	require.Equal(t, primitives.MaxKey, f.tree.RD(n2))

	require.Equal(t, 1, s.Held(), "only the caller's own lock remains")
	require.Equal(t, lock.LowPriority, s.Priority(), "the caller's priority is handed back")
	require.Zero(t, h.Lock().Snapshot().HipriOwners)
	require.False(t, root.Lock().IsLocked())
	require.Zero(t, n1.Loaded())
	require.Zero(t, n2.Loaded())
	f.locks.Release(h)
}

func TestSplitOfRootGrowsTree(t *testing.T) {
	f := newFixture(t, 64)
	leaf := f.tree.Root()
	fill(f.tree, leaf, 1, 2, 3, 4)
	s, h := f.lockLeaf(t, leaf)
	defer f.locks.Release(h)

	ctx := f.context(s)
	lvl := ctx.NewLevel()
	op, err := lvl.Post(carry.OpInsert, leaf, false)
	require.NoError(t, err)
	op.Key, op.Body = key(5), []byte("8 bytes!")
	require.NoError(t, carry.Carry(ctx, lvl))

	require.Equal(t, primitives.TwigLevel, f.tree.Height())
	root := f.tree.Root()
	require.Equal(t, 2, root.NumItems())
	require.Same(t, leaf, root.Item(0).Child)
	require.Equal(t, key(1), root.Key(0))
	require.Equal(t, f.tree.LD(root.Item(1).Child), root.Key(1))
	require.Equal(t, 1.0, testutil.ToFloat64(ctx.Metrics.RootsAdded))
	require.Equal(t, 1.0, testutil.ToFloat64(ctx.Metrics.Allocated))
}

func TestSpaceReservationIsReturned(t *testing.T) {
	f := newFixture(t, 64)
	_, n1 := f.twoLevels(t)
	before := f.space.Stats()
	s, h := f.lockLeaf(t, n1)
	defer f.locks.Release(h)

	require.NoError(t, f.insert(t, s, n1, 25))

	after := f.space.Stats()
	require.Zero(t, after.Reserved)
	require.Equal(t, before.Used+1, after.Used, "exactly the split node is charged")
	require.Equal(t, after.Total, after.Free+after.Used)
}

func TestOutOfSpaceLeavesTreeUntouched(t *testing.T) {
	f := newFixture(t, 3)
	_, n1 := f.twoLevels(t)
	before := f.space.Stats()
	s, h := f.lockLeaf(t, n1)
	defer f.locks.Release(h)

	err := f.insert(t, s, n1, 25)
	require.True(t, dberror.HasCode(err, dberror.CodeOutOfSpace), "got %v", err)
	require.Equal(t, before, f.space.Stats())
	require.Equal(t, 4, n1.NumItems())
	require.Equal(t, 1, s.Held())
	require.NoError(t, f.tree.Aborted())
}

func TestRetryRestartsLevel(t *testing.T) {
	f := newFixture(t, 64)
	_, n1 := f.twoLevels(t)
	s, h := f.lockLeaf(t, n1)
	defer f.locks.Release(h)

	tbl := *f.table
	insert := tbl[carry.OpInsert].Handle
	failures := 1
	tbl[carry.OpInsert].Handle = func(op *carry.Op, info *carry.OpInfo) error {
		if failures > 0 {
			failures--
			return dberror.Retry("busy")
		}
		return insert(op, info)
	}
	f.table = &tbl

	ctx := f.context(s)
	lvl := ctx.NewLevel()
	op, err := lvl.Post(carry.OpInsert, n1, false)
	require.NoError(t, err)
	op.Key, op.Body = key(5), []byte("8 bytes!")

	require.NoError(t, carry.Carry(ctx, lvl))
	require.Equal(t, 1.0, testutil.ToFloat64(ctx.Metrics.Restarts))
	require.Equal(t, key(5), n1.Key(0))
	require.Equal(t, 1, s.Held())
}

func TestRetryOnNonRestartableLevelIsFatal(t *testing.T) {
	f := newFixture(t, 64)
	_, n1 := f.twoLevels(t)
	s, h := f.lockLeaf(t, n1)
	defer f.locks.Release(h)

	tbl := *f.table
	tbl[carry.OpCut].Handle = func(*carry.Op, *carry.OpInfo) error { return dberror.Retry("busy") }
	f.table = &tbl

	ctx := f.context(s)
	lvl := ctx.NewLevel()
	lvl.SetRestartable(false)
	op, err := lvl.Post(carry.OpCut, n1, false)
	require.NoError(t, err)
	op.Key, op.To = key(10), key(10)

	err = carry.Carry(ctx, lvl)
	require.True(t, dberror.HasCode(err, dberror.CodeCarryAborted))
}

func TestRestartBudgetEscalates(t *testing.T) {
	f := newFixture(t, 64)
	_, n1 := f.twoLevels(t)
	s, h := f.lockLeaf(t, n1)
	defer f.locks.Release(h)

	tbl := *f.table
	tbl[carry.OpCut].Handle = func(*carry.Op, *carry.OpInfo) error { return dberror.Retry("busy") }
	f.table = &tbl

	ctx := f.context(s)
	ctx.MaxRestarts = 2
	lvl := ctx.NewLevel()
	op, err := lvl.Post(carry.OpCut, n1, false)
	require.NoError(t, err)
	op.Key, op.To = key(10), key(10)

	err = carry.Carry(ctx, lvl)
	require.True(t, dberror.HasCode(err, dberror.CodeCarryAborted))
	require.Equal(t, 2.0, testutil.ToFloat64(ctx.Metrics.Restarts))
}

func TestFatalHandlerAbortsTree(t *testing.T) {
	f := newFixture(t, 64)
	root, n1 := f.twoLevels(t)
	s, h := f.lockLeaf(t, n1)

	tbl := *f.table
	tbl[carry.OpUpdate].Handle = func(*carry.Op, *carry.OpInfo) error {
		return dberror.New(dberror.ErrCategoryData, dberror.CodeCorrupted, "bad pointer")
	}
	f.table = &tbl

	// A cut at position 0 changes the leftmost key and posts an update,
	// which fails on the level above.
	ctx := f.context(s)
	lvl := ctx.NewLevel()
	op, err := lvl.Post(carry.OpCut, n1, false)
	require.NoError(t, err)
	op.Key, op.To = key(10), key(10)

	err = carry.Carry(ctx, lvl)
	require.True(t, dberror.HasCode(err, dberror.CodeCarryAborted), "got %v", err)
	require.True(t, dberror.HasCode(f.tree.Aborted(), dberror.CodeTreeAborted))
	require.Equal(t, 1.0, testutil.ToFloat64(ctx.Metrics.Aborts))
	require.Equal(t, 1, s.Held())
	require.False(t, root.Lock().IsLocked())
	f.locks.Release(h)

	s2, h2 := f.lockLeaf(t, n1)
	defer f.locks.Release(h2)
	err = f.insert(t, s2, n1, 11)
	require.True(t, dberror.HasCode(err, dberror.CodeTreeAborted))
}

func TestEmptiedLeafIsRemovedAndRootKilled(t *testing.T) {
	f := newFixture(t, 64)
	root, n1 := f.twoLevels(t)
	s, h := f.lockLeaf(t, n1)
	require.NoError(t, f.insert(t, s, n1, 25))
	f.locks.Release(h)
	n2 := f.tree.Right(n1)

	// Cutting everything out of N2 removes it; the root is left with a
	// single pointer and N1 takes its place.
	s, h = f.lockLeaf(t, n2)
	ctx := f.context(s)
	lvl := ctx.NewLevel()
	op, err := lvl.Post(carry.OpCut, n2, false)
	require.NoError(t, err)
	op.Key, op.To = key(30), key(40)
	require.NoError(t, carry.Carry(ctx, lvl))
	f.locks.Release(h)

	require.Same(t, n1, f.tree.Root())
	require.Equal(t, primitives.LeafLevel, f.tree.Height())
	require.Same(t, f.tree.Uber(), f.tree.Parent(n1))
	require.Nil(t, f.tree.Right(n1))
	require.Equal(t, primitives.MaxKey, f.tree.RD(n1))
	require.Equal(t, 1, f.tree.NodeCount())
	require.Equal(t, 1.0, testutil.ToFloat64(ctx.Metrics.RootsKilled))
	_, ok := f.tree.Lookup(root.Block())
	require.False(t, ok)
}

func keysOf(n *tree.Node) []primitives.Key {
	var out []primitives.Key
	for _, it := range n.Items() {
		out = append(out, it.Key)
	}
	return out
}
