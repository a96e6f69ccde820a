package carry

import (
	"carrytree/pkg/concurrency/lock"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/tree"
)

type unlockMode int

const (
	// unlockDone releases an applied level and synchronises delimiting keys.
	unlockDone unlockMode = iota
	// unlockRestart releases a failed attempt and destroys the nodes it
	// allocated.
	unlockRestart
	// unlockAbort releases without touching the tree.
	unlockAbort
)

func corrupted(format string, args ...any) error {
	return dberror.New(dberror.ErrCategoryData, dberror.CodeCorrupted, "tree structure is inconsistent").
		WithDetail(format, args...).In("lock", "carry")
}

// lockLevel write-locks every carry node of l from left to right.
func (c *Context) lockLevel(l *Level) error {
	for i := 0; i < len(l.nodes); i++ {
		if err := c.lockNode(l, l.nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

// lockNode resolves cn's reference and locks the node it names.
func (c *Context) lockNode(l *Level, cn *Node) error {
	if cn.handle != nil {
		return nil
	}

	var err error
	switch cn.Ref.Kind {
	case Direct:
		err = c.lockDirect(cn, cn.Ref.Base, 0)
	case ParentOf:
		err = c.lockParent(l, cn, cn.Ref.Base)
	case Orphan:
		if base := c.orphanBase(cn); base != nil {
			err = c.lockParent(l, cn, base)
		} else {
			err = corrupted("no adopted node left of orphan %s", cn.Ref.Base)
		}
	case LeftOf:
		err = c.lockLeft(cn, cn.Ref.Base)
	default:
		err = corrupted("unknown reference %s", cn.Ref)
	}
	if err != nil {
		return err
	}

	cn.real.Load()
	cn.loaded = true
	l.locked = append(l.locked, cn.real)
	return nil
}

func (c *Context) acquire(n *tree.Node, flags lock.Flags) (*lock.Handle, error) {
	return c.Locks.Acquire(c.Stack, n.Lock(), lock.WriteLock, lock.HighPriority, flags)
}

func (c *Context) lockDirect(cn *Node, n *tree.Node, flags lock.Flags) error {
	h, err := c.acquire(n, flags)
	if err != nil {
		return err
	}
	cn.real, cn.handle = n, h
	return nil
}

// lockParent locks the parent of child. The parent is re-read after the lock
// is granted because a concurrent carry may have moved child meanwhile.
func (c *Context) lockParent(l *Level, cn *Node, child *tree.Node) error {
	for {
		p := c.Tree.Parent(child)
		switch {
		case p == nil:
			return corrupted("%s has no parent", child)
		case p.IsUber():
			root, h, err := c.addRoot(l, child)
			if dberror.IsRetry(err) {
				continue
			}
			if err != nil {
				return err
			}
			cn.real, cn.handle = root, h
			return nil
		}

		h, err := c.acquire(p, 0)
		if dberror.IsInvalid(err) {
			continue
		}
		if err != nil {
			return err
		}
		if c.Tree.Parent(child) == p {
			cn.real, cn.handle = p, h
			return nil
		}
		c.Locks.Release(h)
	}
}

// orphanBase finds the node whose parent will adopt cn's orphan: the nearest
// node at or left of the orphan's origin that already has a parent.
func (c *Context) orphanBase(cn *Node) *tree.Node {
	origin := cn.origin
	if origin == nil || origin.level == nil {
		return nil
	}
	nodes := origin.level.nodes
	for i := origin.level.indexOf(origin); i >= 0; i-- {
		if r := nodes[i].real; r != nil && !c.Tree.IsOrphan(r) {
			return r
		}
	}
	return nil
}

func (c *Context) lockLeft(cn *Node, base *tree.Node) error {
	left := c.Tree.Left(base)
	if left == nil {
		return corrupted("%s has no left neighbour", base)
	}
	h, err := c.acquire(left, lock.NonBlocking)
	if err != nil {
		return err
	}
	if c.Tree.Right(left) != base {
		c.Locks.Release(h)
		return dberror.Retry("left neighbour changed").In("lockLeft", "carry")
	}
	cn.real, cn.handle = left, h
	return nil
}

// addRoot grows the tree above oldRoot. The uber node is held for write for
// the duration so that no reader starts a descent from the old root.
func (c *Context) addRoot(l *Level, oldRoot *tree.Node) (*tree.Node, *lock.Handle, error) {
	if l.newRoot != nil {
		// Only one root per pass: a second request means oldRoot is no
		// longer the root the level saw.
		return nil, nil, corrupted("second root requested above %s", oldRoot)
	}

	uh, err := c.acquire(c.Tree.Uber(), 0)
	if err != nil {
		return nil, nil, err
	}
	defer c.Locks.Release(uh)

	root, err := c.Tree.AddRoot(oldRoot, c.res)
	if err != nil {
		return nil, nil, err
	}
	h, err := c.acquire(root, lock.NonBlocking)
	if err != nil {
		return nil, nil, corrupted("fresh root %s is locked: %v", root, err)
	}
	if err := c.Plugin.InsertPointer(root, oldRoot); err != nil {
		c.Locks.Release(h)
		return nil, nil, err
	}

	l.newRoot = root
	c.Metrics.RootsAdded.Inc()
	return root, h, nil
}

// unlockLevel releases every lock the carry holds on l, right to left.
// It may be called more than once.
func (c *Context) unlockLevel(l *Level, mode unlockMode) {
	if mode == unlockDone {
		owned := func(n *tree.Node) bool { return n.Lock().IsWriteLockedBy(c.Stack) }
		for i := len(l.nodes) - 1; i >= 0; i-- {
			if cn := l.nodes[i]; cn.Locked() {
				c.Tree.SyncDelimitingKeys(cn.real, owned)
			}
		}
	}
	if mode == unlockRestart {
		for _, cn := range l.nodes {
			if cn.deallocate && cn.real != nil {
				c.Tree.Discard(cn.real)
				cn.deallocate = false
			}
		}
	}

	for i := len(l.nodes) - 1; i >= 0; i-- {
		cn := l.nodes[i]
		if cn.loaded {
			cn.real.Unload()
			cn.loaded = false
		}
		if cn.handle != nil {
			c.Locks.Release(cn.handle)
			cn.handle = nil
		}
		if mode == unlockRestart && cn.Ref.Kind != Direct {
			cn.real = nil
		}
	}
	if mode == unlockRestart {
		l.discard()
		l.newRoot = nil
	}
	l.locked = l.locked[:0]
}
