package carry

import (
	"fmt"

	"carrytree/pkg/concurrency/lock"
	"carrytree/pkg/primitives"
	"carrytree/pkg/tree"
)

// Node is one tree node taking part in a level of the propagation.
type Node struct {
	slot

	Ref Ref
	// origin is the carry node of the level below whose operation created
	// this one. It orders the node inside its level and resolves Orphan refs.
	origin *Node
	level  *Level

	real   *tree.Node
	handle *lock.Handle
	loaded bool

	// deallocate: the tree node was allocated by this propagation and is
	// destroyed if the level is restarted.
	deallocate bool
	// free: the record is dropped from its level if the level is restarted.
	free bool
}

// Real returns the resolved tree node, or nil before the level is locked.
func (n *Node) Real() *tree.Node {
	return n.real
}

// Origin returns the carry node one level down that posted this one.
func (n *Node) Origin() *Node {
	return n.origin
}

// Locked reports whether the node is currently held by the carry.
func (n *Node) Locked() bool {
	return n.handle != nil && !n.handle.Released()
}

func (n *Node) String() string {
	if n.real != nil {
		return fmt.Sprintf("{%s -> %s}", n.Ref, n.real)
	}
	return fmt.Sprintf("{%s}", n.Ref)
}

// Opcode enumerates the mutations carry knows how to apply.
type Opcode uint8

const (
	// OpInsert inserts a leaf item, or a pointer to Child in an internal node.
	OpInsert Opcode = iota
	// OpDelete removes the pointer to Child.
	OpDelete
	// OpCut removes the leaf items with keys in [Key, To].
	OpCut
	// OpPaste appends Body to the item with Key.
	OpPaste
	// OpUpdate refreshes the key of the pointer to Child.
	OpUpdate
	// OpModify refreshes the block number recorded for Child.
	OpModify

	opcodeCount
)

var opcodeNames = [...]string{
	OpInsert: "insert",
	OpDelete: "delete",
	OpCut:    "cut",
	OpPaste:  "paste",
	OpUpdate: "update",
	OpModify: "modify",
}

func (c Opcode) String() string {
	if int(c) < len(opcodeNames) {
		return opcodeNames[c]
	}
	return fmt.Sprintf("op(%d)", uint8(c))
}

// Op is a pending mutation of the tree node behind Node.
type Op struct {
	slot

	Code Opcode
	Node *Node

	Key   primitives.Key
	To    primitives.Key
	Body  []byte
	Child *tree.Node
}

// ID returns the pool identity of the record.
func (op *Op) ID() ID {
	return ID{Index: op.idx, Generation: op.gen}
}

func (op *Op) String() string {
	switch op.Code {
	case OpInsert, OpPaste:
		if op.Child != nil {
			return fmt.Sprintf("%s %s child %s", op.Code, op.Node, op.Child)
		}
		return fmt.Sprintf("%s %s key %s (%d bytes)", op.Code, op.Node, op.Key, len(op.Body))
	case OpCut:
		return fmt.Sprintf("%s %s [%s, %s]", op.Code, op.Node, op.Key, op.To)
	default:
		return fmt.Sprintf("%s %s child %s", op.Code, op.Node, op.Child)
	}
}
