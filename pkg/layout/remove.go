package layout

import (
	"carrytree/pkg/carry"
	"carrytree/pkg/primitives"
)

// cut removes the leaf items with keys in [op.Key, op.To].
func (l *Layout) cut(op *carry.Op, info *carry.OpInfo) error {
	cn := info.Node
	n := cn.Real()
	from, _ := Lookup(n, op.Key)
	to, found := Lookup(n, op.To)
	if found {
		to++
	}
	if from >= to {
		return nil
	}
	CutRange(info.Tree(), n, from, to)
	if from == 0 {
		l.fixLeftmost(info, cn, n)
	}
	return nil
}

// delete removes the pointer to op.Child. A root left with one pointer hands
// the root over to that child; a root left with none becomes an empty leaf.
func (l *Layout) delete(op *carry.Op, info *carry.OpInfo) error {
	t := info.Tree()
	child := op.Child
	p, pcn, err := l.parentOf(info, child, "delete")
	if err != nil {
		return err
	}
	if pcn == nil {
		return corrupted("delete", "pointer to root %s cannot be removed", child)
	}
	pos := p.IndexOfChild(child)
	if pos < 0 {
		return corrupted("delete", "%s does not point to %s", p, child)
	}

	CutRange(t, p, pos, pos+1)
	if pos == 0 {
		l.fixLeftmost(info, pcn, p)
	}

	if !t.IsRoot(p) || p.Level() == primitives.LeafLevel {
		return nil
	}
	switch p.NumItems() {
	case 0:
		return info.CollapseRoot(p)
	case 1:
		if !p.Item(0).Child.Lock().MarkedForDeletion() {
			return info.KillRoot(p)
		}
	}
	return nil
}
