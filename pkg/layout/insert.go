package layout

import (
	"slices"

	"carrytree/pkg/carry"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/tree"
)

func (l *Layout) insert(op *carry.Op, info *carry.OpInfo) error {
	if op.Child != nil {
		return l.insertPointer(op, info)
	}

	cn := info.Node
	n := cn.Real()
	pos, found := Lookup(n, op.Key)
	if found {
		return dberror.New(dberror.ErrCategoryUser, dberror.CodeExists, "key already present").
			WithDetail("%s in %s", op.Key, n).In("insert", "layout")
	}
	return l.insertAt(info, cn, pos, tree.Item{Key: op.Key, Body: slices.Clone(op.Body)})
}

// insertPointer links a node allocated by a split on the level below. The
// pointer goes right after the pointer to the nearest adopted node on its
// left.
func (l *Layout) insertPointer(op *carry.Op, info *carry.OpInfo) error {
	t := info.Tree()
	child := op.Child
	if child.Lock().MarkedForDeletion() || !t.IsOrphan(child) {
		return nil
	}

	left := l.adoptedLeft(info, child)
	if left == nil {
		return corrupted("insertPointer", "orphan %s has no adopted left neighbour", child)
	}
	p, pcn, err := l.parentOf(info, left, "insertPointer")
	if err != nil {
		return err
	}
	if pcn == nil {
		return corrupted("insertPointer", "left neighbour %s of orphan %s is the root", left, child)
	}
	pos := p.IndexOfChild(left)
	if pos < 0 {
		return corrupted("insertPointer", "%s does not point to %s", p, left)
	}

	it := tree.Item{Key: t.LD(child), Child: child, ChildBlock: child.Block()}
	return l.insertAt(info, pcn, pos+1, it)
}

// adoptedLeft walks left from child to the first node its parent still
// points to, skipping orphans and nodes whose pointer was already removed.
func (l *Layout) adoptedLeft(info *carry.OpInfo, child *tree.Node) *tree.Node {
	t := info.Tree()
	for left := t.Left(child); left != nil; left = t.Left(left) {
		if t.IsOrphan(left) {
			continue
		}
		p := t.Parent(left)
		if p == nil || p.IsUber() || !info.Owns(p) || p.IndexOfChild(left) >= 0 {
			return left
		}
	}
	return nil
}

func (l *Layout) paste(op *carry.Op, info *carry.OpInfo) error {
	t := info.Tree()
	cn := info.Node
	n := cn.Real()
	pos, found := Lookup(n, op.Key)
	if !found {
		return dberror.New(dberror.ErrCategoryUser, dberror.CodeNotFound, "no item to paste into").
			WithDetail("%s in %s", op.Key, n).In("paste", "layout")
	}
	if l.Fits(n, len(op.Body)) {
		n.AppendBody(pos, op.Body)
		return nil
	}

	it := n.Item(pos)
	grown := tree.Item{Key: it.Key, Body: append(slices.Clone(it.Body), op.Body...)}
	if ItemSize(grown) > l.Capacity() {
		return dberror.New(dberror.ErrCategoryUser, dberror.CodeItemTooLarge, "item outgrows a node").
			WithDetail("%s would take %d bytes", it.Key, ItemSize(grown)).In("paste", "layout")
	}
	t.RemoveItems(n, pos, pos+1)
	return l.insertAt(info, cn, pos, grown)
}

// insertAt puts it at pos in cn's node, making room first if needed: items
// left of pos move to the left neighbour, items right of pos to the right
// neighbour, and at last the node is split, allocating up to two new right
// siblings.
func (l *Layout) insertAt(info *carry.OpInfo, cn *carry.Node, pos int, it tree.Item) error {
	t := info.Tree()
	n := cn.Real()
	size := ItemSize(it)
	if size > l.Capacity() {
		return dberror.New(dberror.ErrCategoryUser, dberror.CodeItemTooLarge, "item does not fit in a node").
			WithDetail("%s takes %d bytes", it.Key, size).In("insert", "layout")
	}

	put := func(dst *carry.Node, at int) error {
		CreateItem(t, dst.Real(), at, it)
		l.fixLeftmost(info, dst, dst.Real())
		return nil
	}

	if l.Fits(n, size) {
		return put(cn, pos)
	}

	if pos > 0 {
		left, err := info.LockLeft(cn)
		if err != nil {
			return err
		}
		if left != nil {
			wasEmpty := left.Real().IsEmpty()
			if moved := l.Shift(t, n, left.Real(), ShiftLeft, pos); moved > 0 {
				pos -= moved
				if wasEmpty {
					l.fixLeftmost(info, left, left.Real())
				}
				l.fixLeftmost(info, cn, n)
			}
			if l.Fits(n, size) {
				return put(cn, pos)
			}
		}
	}

	right, err := info.LockRight(cn)
	if err != nil {
		return err
	}
	if right != nil {
		if pos == n.NumItems() && l.Fits(right.Real(), size) {
			return put(right, 0)
		}
		if moved := l.Shift(t, n, right.Real(), ShiftRight, n.NumItems()-pos); moved > 0 {
			l.fixLeftmost(info, right, right.Real())
		}
		if l.Fits(n, size) {
			return put(cn, pos)
		}
		if pos == n.NumItems() && l.Fits(right.Real(), size) {
			return put(right, 0)
		}
	}

	return l.split(info, cn, pos, it)
}

// split moves items [pos, end) of cn's node into a new right sibling and
// places it in whichever node has room, allocating a second sibling between
// the two when neither has.
func (l *Layout) split(info *carry.OpInfo, cn *carry.Node, pos int, it tree.Item) error {
	t := info.Tree()
	n := cn.Real()
	size := ItemSize(it)

	n2, err := info.NewNode(cn)
	if err != nil {
		return err
	}
	if tail := t.RemoveItems(n, pos, n.NumItems()); len(tail) > 0 {
		t.InsertItems(n2.Real(), 0, tail...)
	}

	switch {
	case l.Fits(n, size):
		CreateItem(t, n, pos, it)
		l.fixLeftmost(info, cn, n)
	case l.Fits(n2.Real(), size):
		CreateItem(t, n2.Real(), 0, it)
	default:
		n3, err := info.NewNode(cn)
		if err != nil {
			return err
		}
		CreateItem(t, n3.Real(), 0, it)
		l.fixLeftmost(info, n3, n3.Real())
	}
	l.fixLeftmost(info, n2, n2.Real())
	return nil
}
