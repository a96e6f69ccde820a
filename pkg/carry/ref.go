package carry

import (
	"fmt"

	"carrytree/pkg/tree"
)

// RefKind says how a carry node finds its tree node.
type RefKind uint8

const (
	// Direct names the node itself.
	Direct RefKind = iota
	// ParentOf names the parent of Base.
	ParentOf
	// LeftOf names the left sibling of Base.
	LeftOf
	// Orphan names the future parent of Base, a node allocated during this
	// propagation that no parent points to yet.
	Orphan
)

func (k RefKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case ParentOf:
		return "parent-of"
	case LeftOf:
		return "left-of"
	case Orphan:
		return "orphan"
	default:
		return fmt.Sprintf("ref(%d)", uint8(k))
	}
}

// Ref is a symbolic reference to a tree node, resolved when its level is
// locked.
type Ref struct {
	Kind RefKind
	Base *tree.Node
}

// DirectRef refers to n.
func DirectRef(n *tree.Node) Ref { return Ref{Kind: Direct, Base: n} }

// ParentRef refers to n's parent.
func ParentRef(n *tree.Node) Ref { return Ref{Kind: ParentOf, Base: n} }

// LeftRef refers to n's left sibling.
func LeftRef(n *tree.Node) Ref { return Ref{Kind: LeftOf, Base: n} }

// OrphanRef refers to the node that will adopt the orphan n.
func OrphanRef(n *tree.Node) Ref { return Ref{Kind: Orphan, Base: n} }

func (r Ref) String() string {
	return fmt.Sprintf("%s %s", r.Kind, r.Base)
}
