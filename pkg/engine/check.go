package engine

import (
	"fmt"

	dberror "carrytree/pkg/error"
	"carrytree/pkg/primitives"
	"carrytree/pkg/storage/space"
	"carrytree/pkg/tree"
)

// Check verifies the structure of a quiescent tree: key order inside nodes,
// delimiting keys, pointer keys and blocks, parent and sibling links, height
// and that no node is pinned, orphaned or awaiting deletion.
func (e *Engine) Check() error {
	if err := e.tree.Aborted(); err != nil {
		return err
	}
	c := checker{t: e.tree}
	c.run()
	if len(c.problems) == 0 {
		return nil
	}
	err := dberror.New(dberror.ErrCategoryData, dberror.CodeCorrupted, "tree check failed").
		WithDetail("%d problems, first: %s", len(c.problems), c.problems[0])
	return err.In("Check", "Engine")
}

type checker struct {
	t        *tree.Tree
	problems []string
}

func (c *checker) failf(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) run() {
	t := c.t
	root := t.Root()
	if t.Parent(root) != t.Uber() {
		c.failf("root %s is not a child of the uber node", root)
	}
	if root.Level() != t.Height() {
		c.failf("root %s sits on level %d, height is %d", root, root.Level(), t.Height())
	}
	if !root.IsLeaf() && root.IsEmpty() {
		c.failf("internal root %s is empty", root)
	}

	for level := t.Height(); level >= primitives.LeafLevel; level-- {
		nodes := t.LevelNodes(level)
		if len(nodes) == 0 {
			c.failf("level %d has no nodes", level)
			continue
		}
		for i, n := range nodes {
			c.node(n)
			if i > 0 {
				c.siblings(nodes[i-1], n)
			}
		}
		if rd := t.RD(nodes[len(nodes)-1]); !rd.Equals(primitives.MaxKey) {
			c.failf("rightmost %s ends at %s", nodes[len(nodes)-1], rd)
		}
		if t.Left(nodes[0]) != nil {
			c.failf("leftmost %s has a left sibling", nodes[0])
		}
	}
}

func (c *checker) node(n *tree.Node) {
	t := c.t
	if t.IsOrphan(n) {
		c.failf("%s is an orphan", n)
	}
	if n.Lock().MarkedForDeletion() {
		c.failf("%s is marked for deletion", n)
	}
	if n.Loaded() != 0 {
		c.failf("%s is still pinned %d times", n, n.Loaded())
	}
	if n.IsEmpty() && !t.IsRoot(n) {
		c.failf("non-root %s is empty", n)
	}

	items := n.Items()
	for i := 1; i < len(items); i++ {
		if !items[i-1].Key.Less(items[i].Key) {
			c.failf("%s: keys %s and %s out of order", n, items[i-1].Key, items[i].Key)
		}
	}
	ld, rd := t.DelimitingKeys(n)
	if len(items) > 0 {
		if !ld.Equals(items[0].Key) {
			c.failf("%s: left key %s, first item %s", n, ld, items[0].Key)
		}
		if !items[len(items)-1].Key.Less(rd) {
			c.failf("%s: last item %s not below right key %s", n, items[len(items)-1].Key, rd)
		}
	}

	if n.IsLeaf() {
		for _, it := range items {
			if it.IsPointer() {
				c.failf("leaf %s holds a pointer", n)
			}
		}
		return
	}
	for _, it := range items {
		child := it.Child
		switch {
		case child == nil:
			c.failf("internal %s holds a leaf item %s", n, it.Key)
		case t.Parent(child) != n:
			c.failf("%s points to %s whose parent is %s", n, child, t.Parent(child))
		case it.ChildBlock != child.Block():
			c.failf("%s records block %s for %s", n, it.ChildBlock, child)
		case child.Level() != n.Level()-1:
			c.failf("%s on level %d points to %s", n, n.Level(), child)
		case !it.Key.Equals(t.LD(child)):
			c.failf("%s: pointer key %s, child %s starts at %s", n, it.Key, child, t.LD(child))
		}
	}
}

func (c *checker) siblings(left, right *tree.Node) {
	t := c.t
	if t.Right(left) != right || t.Left(right) != left {
		c.failf("%s and %s are not linked", left, right)
	}
	if !t.RD(left).Equals(t.LD(right)) {
		c.failf("%s ends at %s, %s starts at %s", left, t.RD(left), right, t.LD(right))
	}
}

// Stats describes the tree and the engine's activity.
type Stats struct {
	Height    primitives.Level
	Nodes     int
	LeafItems int
	Space     space.Stats
	Descents  uint64
	Restarts  uint64
}

// Stats walks the leaf level; the tree should be quiescent.
func (e *Engine) Stats() Stats {
	st := Stats{
		Height:   e.tree.Height(),
		Nodes:    e.tree.NodeCount(),
		Space:    e.space.Stats(),
		Descents: e.descents.Load(),
		Restarts: e.restarts.Load(),
	}
	for _, n := range e.tree.LevelNodes(primitives.LeafLevel) {
		st.LeafItems += n.NumItems()
	}
	return st
}
