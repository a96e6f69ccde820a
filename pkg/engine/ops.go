package engine

import (
	"slices"

	"carrytree/pkg/carry"
	"carrytree/pkg/concurrency/lock"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/layout"
	"carrytree/pkg/primitives"
	"carrytree/pkg/tree"
)

func userError(code, message, op string, key primitives.Key) error {
	return dberror.New(dberror.ErrCategoryUser, code, message).WithDetail("key %s", key).In(op, "Engine")
}

func (s *Session) checkItem(op string, key primitives.Key, size int) error {
	if key.Equals(primitives.MaxKey) {
		return userError(dberror.CodeInvalidArgument, "the maximal key is reserved", op, key)
	}
	if size > s.e.layout.Capacity() {
		return userError(dberror.CodeItemTooLarge, "item does not fit in a node", op, key)
	}
	return nil
}

// Insert adds a leaf item. It fails with EXISTS if key is present.
func (s *Session) Insert(key primitives.Key, body []byte) error {
	if err := s.checkItem("Insert", key, layout.ItemSize(tree.Item{Key: key, Body: body})); err != nil {
		return err
	}
	return s.withLeaf(key, lock.WriteLock, func(leaf *tree.Node) error {
		if _, found := layout.Lookup(leaf, key); found {
			return userError(dberror.CodeExists, "key already present", "Insert", key)
		}
		return s.carry(func(l *carry.Level) error {
			op, err := l.Post(carry.OpInsert, leaf, false)
			if err != nil {
				return err
			}
			op.Key, op.Body = key, slices.Clone(body)
			return nil
		})
	})
}

// Paste appends data to the body of the item with key.
func (s *Session) Paste(key primitives.Key, data []byte) error {
	return s.withLeaf(key, lock.WriteLock, func(leaf *tree.Node) error {
		pos, found := layout.Lookup(leaf, key)
		if !found {
			return userError(dberror.CodeNotFound, "no such key", "Paste", key)
		}
		grown := layout.ItemSize(leaf.Item(pos)) + len(data)
		if err := s.checkItem("Paste", key, grown); err != nil {
			return err
		}
		return s.carry(func(l *carry.Level) error {
			op, err := l.Post(carry.OpPaste, leaf, false)
			if err != nil {
				return err
			}
			op.Key, op.Body = key, slices.Clone(data)
			return nil
		})
	})
}

// Delete removes the item with key.
func (s *Session) Delete(key primitives.Key) error {
	return s.withLeaf(key, lock.WriteLock, func(leaf *tree.Node) error {
		if _, found := layout.Lookup(leaf, key); !found {
			return userError(dberror.CodeNotFound, "no such key", "Delete", key)
		}
		return s.postCut(leaf, key, key)
	})
}

// Cut removes every item with a key in [from, to] and returns how many it
// removed. The range is cut one leaf at a time.
func (s *Session) Cut(from, to primitives.Key) (int, error) {
	if to.Less(from) {
		return 0, nil
	}
	removed := 0
	cur := from
	for {
		var next primitives.Key
		last := false
		err := s.withLeaf(cur, lock.WriteLock, func(leaf *tree.Node) error {
			next = s.e.tree.RD(leaf)
			last = next.Equals(primitives.MaxKey) || to.Less(next)

			lo, _ := layout.Lookup(leaf, cur)
			hi, found := layout.Lookup(leaf, to)
			if found {
				hi++
			}
			if lo >= hi {
				return nil
			}
			removed += hi - lo
			return s.postCut(leaf, cur, to)
		})
		if err != nil || last {
			return removed, err
		}
		cur = next
	}
}

func (s *Session) postCut(leaf *tree.Node, from, to primitives.Key) error {
	return s.carry(func(l *carry.Level) error {
		op, err := l.Post(carry.OpCut, leaf, false)
		if err != nil {
			return err
		}
		op.Key, op.To = from, to
		return nil
	})
}

// Relocate moves the leaf holding key to a new block and updates the pointer
// to it.
func (s *Session) Relocate(key primitives.Key) error {
	t := s.e.tree
	return s.withLeaf(key, lock.WriteLock, func(leaf *tree.Node) error {
		if _, err := t.Relocate(leaf); err != nil {
			return err
		}
		if t.IsRoot(leaf) {
			return nil
		}
		return s.carry(func(l *carry.Level) error {
			op, err := l.Post(carry.OpModify, leaf, true)
			if err != nil {
				return err
			}
			op.Child = leaf
			return nil
		})
	})
}

// Lookup returns a copy of the body stored under key.
func (s *Session) Lookup(key primitives.Key) ([]byte, error) {
	var body []byte
	err := s.withLeaf(key, lock.ReadLock, func(leaf *tree.Node) error {
		pos, found := layout.Lookup(leaf, key)
		if !found {
			return userError(dberror.CodeNotFound, "no such key", "Lookup", key)
		}
		body = slices.Clone(leaf.Item(pos).Body)
		return nil
	})
	return body, err
}

// Scan calls fn for every item with a key in [from, to] in key order until fn
// returns false. Items are collected under locks and fn runs after every lock
// is released.
func (s *Session) Scan(from, to primitives.Key, fn func(key primitives.Key, body []byte) bool) error {
	var items []tree.Item
	cur := from
	for done := false; !done; {
		err := s.withLeaf(cur, lock.ReadLock, func(leaf *tree.Node) error {
			var err error
			items, cur, done, err = s.scanRight(leaf, cur, to, items)
			return err
		})
		if err != nil {
			return err
		}
	}
	for _, it := range items {
		if !fn(it.Key, it.Body) {
			break
		}
	}
	return nil
}

// scanRight collects items from leaf and its right siblings, coupling read
// locks left to right. When a sibling cannot be taken it returns the key to
// resume from.
func (s *Session) scanRight(leaf *tree.Node, from, to primitives.Key, items []tree.Item) ([]tree.Item, primitives.Key, bool, error) {
	t := s.e.tree
	m := s.e.locks
	n := leaf
	for {
		pos, _ := layout.Lookup(n, from)
		for _, it := range n.Items()[pos:] {
			if to.Less(it.Key) {
				return items, from, true, nil
			}
			items = append(items, tree.Item{Key: it.Key, Body: slices.Clone(it.Body)})
		}
		rd := t.RD(n)
		right := t.Right(n)
		if right == nil || rd.Equals(primitives.MaxKey) || to.Less(rd) {
			return items, from, true, nil
		}
		from = rd

		h, err := m.Acquire(s.stack, right.Lock(), lock.ReadLock, lock.LowPriority, 0)
		if dberror.IsInvalid(err) {
			return items, from, false, nil
		}
		if err != nil {
			return items, from, false, err
		}
		if t.Left(right) != n {
			m.Release(h)
			return items, from, false, nil
		}
		s.releaseNode(n)
		n = right
	}
}

// releaseNode drops the session's handles on n.
func (s *Session) releaseNode(n *tree.Node) {
	for _, h := range s.stack.Handles() {
		if h.Lock() == n.Lock() {
			s.e.locks.Release(h)
		}
	}
}
