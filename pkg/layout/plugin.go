package layout

import (
	"carrytree/pkg/carry"
	"carrytree/pkg/tree"
)

// Table returns the carry dispatch table backed by this layout.
func (l *Layout) Table() *carry.Table {
	return &carry.Table{
		carry.OpInsert: {Handle: l.insert, Estimate: l.estimateGrowth},
		carry.OpPaste:  {Handle: l.paste, Estimate: l.estimateGrowth},
		carry.OpCut:    {Handle: l.cut},
		carry.OpDelete: {Handle: l.delete},
		carry.OpUpdate: {Handle: l.update},
		carry.OpModify: {Handle: l.modify},
	}
}

// estimateGrowth covers two new nodes on every level plus a new root.
func (l *Layout) estimateGrowth(_ *carry.Op, t *tree.Tree) uint64 {
	return 2*uint64(t.Height()) + 1
}

// PrepareForRemoval marks the empty node for deletion and asks the level
// above to drop the pointer to it.
func (l *Layout) PrepareForRemoval(info *carry.OpInfo, cn *carry.Node) error {
	n := cn.Real()
	n.Lock().MarkForDeletion()
	if info.Tree().IsOrphan(n) {
		return nil
	}
	op := info.Post(cn, carry.OpDelete, carry.ParentRef(n))
	op.Child = n
	return nil
}

// InsertPointer fills a freshly created root with the pointer to the old one.
func (l *Layout) InsertPointer(root, child *tree.Node) error {
	t := root.Tree()
	key := t.LD(child)
	t.InsertItems(root, 0, tree.Item{Key: key, Child: child, ChildBlock: child.Block()})
	t.SetLD(root, key)
	return nil
}

// fixLeftmost keeps n's left delimiting key equal to its first key and asks
// the parent to refresh the pointer key when it changes.
func (l *Layout) fixLeftmost(info *carry.OpInfo, cn *carry.Node, n *tree.Node) {
	if n.IsEmpty() {
		return
	}
	t := info.Tree()
	first := n.Key(0)
	if t.LD(n).Equals(first) {
		return
	}
	t.SetLD(n, first)
	if t.IsRoot(n) || t.IsOrphan(n) {
		return
	}
	op := info.Post(cn, carry.OpUpdate, carry.ParentRef(n))
	op.Child = n
}

// parentOf returns the locked parent of child together with its carry node.
func (l *Layout) parentOf(info *carry.OpInfo, child *tree.Node, op string) (*tree.Node, *carry.Node, error) {
	p := info.Tree().Parent(child)
	if p == nil {
		return nil, nil, corrupted(op, "%s has no parent", child)
	}
	if p.IsUber() {
		return p, nil, nil
	}
	pcn := info.Doing.NodeOf(p)
	if pcn == nil || !info.Owns(p) {
		return nil, nil, corrupted(op, "parent %s of %s is not locked", p, child)
	}
	return p, pcn, nil
}
