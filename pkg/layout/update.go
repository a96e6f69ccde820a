package layout

import (
	"carrytree/pkg/carry"
)

// update sets the key of the pointer to op.Child to the child's left
// delimiting key.
func (l *Layout) update(op *carry.Op, info *carry.OpInfo) error {
	t := info.Tree()
	child := op.Child
	if child.Lock().MarkedForDeletion() || child.IsEmpty() {
		return nil
	}
	p, pcn, err := l.parentOf(info, child, "update")
	if err != nil {
		return err
	}
	if pcn == nil {
		return nil
	}
	pos := p.IndexOfChild(child)
	if pos < 0 {
		return corrupted("update", "%s does not point to %s", p, child)
	}

	key := t.LD(child)
	if p.Key(pos).Equals(key) {
		return nil
	}
	p.SetKey(pos, key)
	if pos == 0 {
		l.fixLeftmost(info, pcn, p)
	}
	return nil
}

// modify records the new block of op.Child after it was relocated.
func (l *Layout) modify(op *carry.Op, info *carry.OpInfo) error {
	child := op.Child
	p, pcn, err := l.parentOf(info, child, "modify")
	if err != nil {
		return err
	}
	if pcn == nil {
		return nil
	}
	pos := p.IndexOfChild(child)
	if pos < 0 {
		return corrupted("modify", "%s does not point to %s", p, child)
	}
	p.SetChildBlock(pos, child.Block())
	return nil
}
