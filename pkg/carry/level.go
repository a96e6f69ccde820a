package carry

import (
	"slices"

	"carrytree/pkg/tree"
)

// Level holds the carry nodes and operations of one tree level. Nodes are
// kept in left-to-right tree order; operations are applied in posting order.
type Level struct {
	ctx   *Context
	name  string
	nodes []*Node
	ops   []*Op

	restartable bool
	// newRoot is the root created while resolving this level, if any.
	newRoot *tree.Node
	// locked lists tree nodes in the order the last lock attempt acquired them.
	locked []*tree.Node
}

// Nodes returns the carry nodes of the level.
func (l *Level) Nodes() []*Node {
	return l.nodes
}

// Ops returns the operations of the level.
func (l *Level) Ops() []*Op {
	return l.ops
}

// Name returns the role of the level in the propagation.
func (l *Level) Name() string {
	return l.name
}

// Restartable reports whether a Retry may restart the level.
func (l *Level) Restartable() bool {
	return l.restartable
}

// SetRestartable controls whether a Retry may restart the level. A Retry on a
// non-restartable level aborts the propagation.
func (l *Level) SetRestartable(ok bool) {
	l.restartable = ok
}

// LockOrder returns the tree nodes acquired by the last lock attempt, in
// acquisition order.
func (l *Level) LockOrder() []*tree.Node {
	return l.locked
}

// Post queues an operation on node, or on node's parent when toParent is
// set, from outside a running carry. A direct reference is locked for write
// right away. The returned operation is filled in by the caller.
func (l *Level) Post(code Opcode, node *tree.Node, toParent bool) (*Op, error) {
	ref := DirectRef(node)
	if toParent {
		ref = ParentRef(node)
	}
	cn := l.find(ref)
	if cn == nil {
		cn = l.insertNode(len(l.nodes), ref, nil)
		if ref.Kind == Direct {
			if err := l.ctx.lockNode(l, cn); err != nil {
				l.dropNode(cn)
				return nil, err
			}
		}
	}
	return l.addOp(code, cn), nil
}

func (l *Level) find(ref Ref) *Node {
	for _, cn := range l.nodes {
		if cn.Ref == ref {
			return cn
		}
	}
	return nil
}

func (l *Level) indexOf(cn *Node) int {
	return slices.Index(l.nodes, cn)
}

func (l *Level) insertNode(pos int, ref Ref, origin *Node) *Node {
	cn := l.ctx.pool.newNode()
	cn.Ref = ref
	cn.origin = origin
	cn.level = l
	l.nodes = slices.Insert(l.nodes, pos, cn)
	return cn
}

func (l *Level) dropNode(cn *Node) {
	if i := l.indexOf(cn); i >= 0 {
		l.nodes = slices.Delete(l.nodes, i, i+1)
	}
	l.ctx.pool.freeNode(cn)
}

func (l *Level) addOp(code Opcode, cn *Node) *Op {
	op := l.ctx.pool.newOp()
	op.Code = code
	op.Node = cn
	l.ops = append(l.ops, op)
	return op
}

// reset returns every record to the pool. The level must be unlocked.
func (l *Level) reset() {
	for _, op := range l.ops {
		l.ctx.pool.freeOp(op)
	}
	for _, cn := range l.nodes {
		l.ctx.pool.freeNode(cn)
	}
	l.ops = l.ops[:0]
	l.nodes = l.nodes[:0]
	l.locked = l.locked[:0]
	l.newRoot = nil
	l.restartable = true
}

// discard drops the records flagged free after a failed attempt.
func (l *Level) discard() {
	l.nodes = slices.DeleteFunc(l.nodes, func(cn *Node) bool {
		if cn.free {
			l.ctx.pool.freeNode(cn)
			return true
		}
		return false
	})
}

// NodeOf returns the locked carry node of the level standing for n, or nil.
func (l *Level) NodeOf(n *tree.Node) *Node {
	for _, cn := range l.nodes {
		if cn.real == n && cn.Locked() {
			return cn
		}
	}
	return nil
}
