package tree

import "carrytree/pkg/primitives"

// LD returns n's left delimiting key: the smallest key n is responsible for.
func (t *Tree) LD(n *Node) primitives.Key {
	t.dk.RLock()
	defer t.dk.RUnlock()
	return n.ld
}

// RD returns n's right delimiting key: the first key n is not responsible for.
func (t *Tree) RD(n *Node) primitives.Key {
	t.dk.RLock()
	defer t.dk.RUnlock()
	return n.rd
}

// DelimitingKeys returns both delimiting keys of n.
func (t *Tree) DelimitingKeys(n *Node) (ld, rd primitives.Key) {
	t.dk.RLock()
	defer t.dk.RUnlock()
	return n.ld, n.rd
}

// SetLD sets n's left delimiting key.
func (t *Tree) SetLD(n *Node, key primitives.Key) {
	t.dk.Lock()
	n.ld = key
	t.dk.Unlock()
}

// SetRD sets n's right delimiting key.
func (t *Tree) SetRD(n *Node, key primitives.Key) {
	t.dk.Lock()
	n.rd = key
	t.dk.Unlock()
}

// SetDelimitingKeys sets both delimiting keys of n.
func (t *Tree) SetDelimitingKeys(n *Node, ld, rd primitives.Key) {
	t.dk.Lock()
	n.ld, n.rd = ld, rd
	t.dk.Unlock()
}

// Covers reports whether key falls into n's key range. The leftmost node of
// a level also covers keys below its left delimiting key.
func (t *Tree) Covers(n *Node, key primitives.Key) bool {
	t.mu.RLock()
	leftmost := n.left == nil
	t.mu.RUnlock()

	t.dk.RLock()
	defer t.dk.RUnlock()
	if key.Compare(n.rd) >= 0 && n.rd != primitives.MaxKey {
		return false
	}
	return leftmost || key.Compare(n.ld) >= 0
}

// SyncDelimitingKeys makes spot's left delimiting key equal to its leftmost
// key (its right delimiting key when empty) and pushes the same pivot into
// the right delimiting key of its left neighbour. The walk continues left
// through neighbours that are marked for deletion, since their key span
// collapses into the pivot, and stops at the first neighbour that owned
// does not accept: another balancing owns it.
//
// The caller holds spot locked for write.
func (t *Tree) SyncDelimitingKeys(spot *Node, owned func(*Node) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.dk.Lock()
	defer t.dk.Unlock()

	pivot := spot.rd
	if len(spot.items) > 0 {
		pivot = spot.items[0].Key
	}
	spot.ld = pivot

	for n := spot.left; n != nil; n = n.left {
		n.rd = pivot
		if !owned(n) {
			break
		}
		if !n.lk.MarkedForDeletion() {
			break
		}
		n.ld = pivot
	}
}
