package carry

import (
	"carrytree/pkg/tree"
)

// Handler applies op to its locked node. New work for the level above is
// posted through info. A handler may return Retry only before it has changed
// anything.
type Handler func(op *Op, info *OpInfo) error

// Estimator returns how many blocks applying op may allocate in the worst
// case, for the tree as it is now.
type Estimator func(op *Op, t *tree.Tree) uint64

// Operation is one entry of the dispatch table.
type Operation struct {
	Handle   Handler
	Estimate Estimator
}

// Table maps every opcode to its handler and estimator.
type Table [opcodeCount]Operation

// Plugin is the part of the node layout the driver calls outside the table.
type Plugin interface {
	// PrepareForRemoval is called for every non-root node the level left
	// empty. It marks the node for deletion and posts the removal of the
	// pointer to it.
	PrepareForRemoval(info *OpInfo, cn *Node) error
	// InsertPointer makes child the sole content of the freshly created root.
	InsertPointer(root, child *tree.Node) error
}

func (t *Table) estimate(l *Level, tr *tree.Tree) uint64 {
	var blocks uint64
	for _, op := range l.ops {
		if est := t[op.Code].Estimate; est != nil {
			blocks += est(op, tr)
		}
	}
	return blocks
}
