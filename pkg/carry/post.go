package carry

import (
	"carrytree/pkg/concurrency/lock"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/tree"
)

// OpInfo is passed to handlers: the running context, the level being applied,
// the level collecting work for the parent level and the carry node the
// current operation targets.
type OpInfo struct {
	Ctx   *Context
	Doing *Level
	Todo  *Level
	Node  *Node
}

// Tree returns the tree being balanced.
func (i *OpInfo) Tree() *tree.Tree {
	return i.Ctx.Tree
}

// Owns reports whether the propagation holds n locked for write.
func (i *OpInfo) Owns(n *tree.Node) bool {
	return n.Lock().IsWriteLockedBy(i.Ctx.Stack)
}

// Post queues an operation on ref for the level above. origin is the doing
// carry node the operation stems from; the new carry node is placed so that
// todo stays ordered like the doing nodes it came from.
func (i *OpInfo) Post(origin *Node, code Opcode, ref Ref) *Op {
	todo := i.Todo
	cn := todo.find(ref)
	if cn == nil {
		at := i.Doing.indexOf(origin)
		pos := len(todo.nodes)
		for j, other := range todo.nodes {
			if i.Doing.indexOf(other.origin) > at {
				pos = j
				break
			}
		}
		cn = todo.insertNode(pos, ref, origin)
	}
	return todo.addOp(code, cn)
}

// AddNodeAfter adds the freshly allocated n to the doing level right after
// ref and locks it. The node is destroyed and its record dropped if the
// level is restarted.
func (i *OpInfo) AddNodeAfter(ref *Node, n *tree.Node) (*Node, error) {
	l := i.Doing
	cn := l.insertNode(l.indexOf(ref)+1, DirectRef(n), ref.origin)
	cn.deallocate = true
	cn.free = true
	if err := i.Ctx.lockDirect(cn, n, lock.NonBlocking); err != nil {
		return nil, corrupted("fresh node %s is locked: %v", n, err)
	}
	n.Load()
	cn.loaded = true
	l.locked = append(l.locked, n)
	return cn, nil
}

// NewNode allocates a right sibling of after's node, adds it to the doing
// level and posts the insertion of a pointer to it into the level above.
func (i *OpInfo) NewNode(after *Node) (*Node, error) {
	base := after.real
	n, err := i.Ctx.Tree.NewNode(base.Level(), base, i.Ctx.res)
	if err != nil {
		return nil, err
	}
	i.Ctx.Metrics.Allocated.Inc()

	cn, err := i.AddNodeAfter(after, n)
	if err != nil {
		i.Ctx.Tree.Discard(n)
		return nil, err
	}
	op := i.Post(cn, OpInsert, OrphanRef(n))
	op.Child = n
	return cn, nil
}

// LockLeft locks cn's left neighbour without blocking, since it lies against
// the lock order. It returns nil if there is no neighbour or it is busy.
func (i *OpInfo) LockLeft(cn *Node) (*Node, error) {
	left := i.Ctx.Tree.Left(cn.real)
	if left == nil {
		return nil, nil
	}
	return i.lockNeighbor(cn, left, i.Doing.indexOf(cn), lock.NonBlocking)
}

// LockRight locks cn's right neighbour. It blocks only when no carry node of
// the level lies between cn and the neighbour, otherwise a busy neighbour is
// reported as nil.
func (i *OpInfo) LockRight(cn *Node) (*Node, error) {
	right := i.Ctx.Tree.Right(cn.real)
	if right == nil {
		return nil, nil
	}
	l := i.Doing
	at := l.indexOf(cn)
	flags := lock.NonBlocking
	if at == len(l.nodes)-1 || l.nodes[at+1].real == right {
		flags = 0
	}
	return i.lockNeighbor(cn, right, at+1, flags)
}

func (i *OpInfo) lockNeighbor(cn *Node, n *tree.Node, pos int, flags lock.Flags) (*Node, error) {
	if nb := i.Doing.NodeOf(n); nb != nil {
		return nb, nil
	}
	h, err := i.Ctx.acquire(n, flags)
	switch {
	case dberror.IsRetry(err) || dberror.IsInvalid(err):
		return nil, nil
	case err != nil:
		return nil, err
	}

	linked := i.Ctx.Tree.Right(n) == cn.real
	if pos > i.Doing.indexOf(cn) {
		linked = i.Ctx.Tree.Left(n) == cn.real
	}
	if !linked {
		i.Ctx.Locks.Release(h)
		return nil, nil
	}

	l := i.Doing
	nb := l.insertNode(pos, DirectRef(n), cn.origin)
	nb.free = true
	nb.real, nb.handle = n, h
	n.Load()
	nb.loaded = true
	l.locked = append(l.locked, n)
	return nb, nil
}

// KillRoot removes root, which holds a single pointer, and makes its child
// the new root.
func (i *OpInfo) KillRoot(root *tree.Node) error {
	uh, err := i.Ctx.acquire(i.Ctx.Tree.Uber(), 0)
	if err != nil {
		return err
	}
	defer i.Ctx.Locks.Release(uh)

	if _, err := i.Ctx.Tree.KillRoot(root); err != nil {
		return err
	}
	i.Ctx.Metrics.RootsKilled.Inc()
	return nil
}

// CollapseRoot turns the internal root, left without pointers, into an empty
// leaf.
func (i *OpInfo) CollapseRoot(root *tree.Node) error {
	uh, err := i.Ctx.acquire(i.Ctx.Tree.Uber(), 0)
	if err != nil {
		return err
	}
	defer i.Ctx.Locks.Release(uh)

	if err := i.Ctx.Tree.CollapseRoot(root); err != nil {
		return err
	}
	i.Ctx.Metrics.RootsKilled.Inc()
	return nil
}
