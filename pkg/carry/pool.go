package carry

// slot identifies a record inside an arena. gen changes every time the slot
// is recycled, so a stale reference can be told apart from the current one.
type slot struct {
	idx  int32
	gen  uint32
	live bool
}

func (s *slot) header() *slot { return s }

// ID returns the pool identity of the record.
func (s *slot) ID() ID {
	return ID{Index: s.idx, Generation: s.gen}
}

type record interface {
	header() *slot
}

// arena hands out records from fixed-capacity chunks. Chunks are never
// reallocated, so pointers to records stay valid until the record is freed.
type arena[T any, P interface {
	*T
	record
}] struct {
	chunkSize int
	chunks    [][]T
	free      []int32
	live      int
}

func newArena[T any, P interface {
	*T
	record
}](chunkSize int) arena[T, P] {
	if chunkSize <= 0 {
		chunkSize = 16
	}
	return arena[T, P]{chunkSize: chunkSize}
}

func (a *arena[T, P]) at(idx int32) P {
	return P(&a.chunks[int(idx)/a.chunkSize][int(idx)%a.chunkSize])
}

func (a *arena[T, P]) alloc() P {
	var p P
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		p = a.at(idx)
		gen := p.header().gen
		var zero T
		*p = zero
		h := p.header()
		h.idx, h.gen = idx, gen
	} else {
		last := len(a.chunks) - 1
		if last < 0 || len(a.chunks[last]) == a.chunkSize {
			a.chunks = append(a.chunks, make([]T, 0, a.chunkSize))
			last++
		}
		idx := int32(last*a.chunkSize + len(a.chunks[last]))
		var zero T
		a.chunks[last] = append(a.chunks[last], zero)
		p = a.at(idx)
		p.header().idx = idx
	}
	p.header().live = true
	a.live++
	return p
}

// release returns p to the arena. It reports false for a record that was
// already freed.
func (a *arena[T, P]) release(p P) bool {
	h := p.header()
	if !h.live {
		return false
	}
	h.live = false
	h.gen++
	a.free = append(a.free, h.idx)
	a.live--
	return true
}

// lookup returns the record at idx if it is still generation gen.
func (a *arena[T, P]) lookup(idx int32, gen uint32) (P, bool) {
	if idx < 0 || int(idx) >= len(a.chunks)*a.chunkSize {
		return nil, false
	}
	chunk := a.chunks[int(idx)/a.chunkSize]
	if int(idx)%a.chunkSize >= len(chunk) {
		return nil, false
	}
	p := a.at(idx)
	h := p.header()
	if !h.live || h.gen != gen {
		return nil, false
	}
	return p, true
}

// Pool supplies carry nodes and operations for one Carry call.
type Pool struct {
	nodes arena[Node, *Node]
	ops   arena[Op, *Op]
	stale int
}

// NewPool creates a pool whose arenas grow in chunks of the given sizes.
func NewPool(nodeChunk, opChunk int) *Pool {
	return &Pool{
		nodes: newArena[Node, *Node](nodeChunk),
		ops:   newArena[Op, *Op](opChunk),
	}
}

// ID names a pool record independently of its address.
type ID struct {
	Index      int32
	Generation uint32
}

func (p *Pool) newNode() *Node {
	return p.nodes.alloc()
}

func (p *Pool) newOp() *Op {
	return p.ops.alloc()
}

func (p *Pool) freeNode(n *Node) {
	if !p.nodes.release(n) {
		p.stale++
	}
}

func (p *Pool) freeOp(op *Op) {
	if !p.ops.release(op) {
		p.stale++
	}
}

// NodeByID returns the carry node named by id, unless it has been freed.
func (p *Pool) NodeByID(id ID) (*Node, bool) {
	return p.nodes.lookup(id.Index, id.Generation)
}

// OpByID returns the operation named by id, unless it has been freed.
func (p *Pool) OpByID(id ID) (*Op, bool) {
	return p.ops.lookup(id.Index, id.Generation)
}

// Live returns the number of carry nodes and operations in use.
func (p *Pool) Live() (nodes, ops int) {
	return p.nodes.live, p.ops.live
}

// Stale returns how many frees hit an already freed record.
func (p *Pool) Stale() int {
	return p.stale
}
