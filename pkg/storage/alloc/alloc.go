// Package alloc hands out block numbers for new tree nodes.
package alloc

import (
	"sync"

	dberror "carrytree/pkg/error"
	"carrytree/pkg/primitives"
	"carrytree/pkg/storage/space"

	"github.com/tidwall/btree"
)

// Allocator assigns block numbers. Freed blocks are kept in an ordered set so
// that a new node can be placed on the first free block right of its left
// neighbour.
type Allocator struct {
	mu    sync.Mutex
	free  btree.Map[primitives.BlockNumber, struct{}]
	next  primitives.BlockNumber
	limit primitives.BlockNumber
	inUse int
	space *space.Pool
}

// New creates an allocator for blocks 1..capacity accounted against pool.
func New(capacity uint64, pool *space.Pool) *Allocator {
	return &Allocator{
		next:  1,
		limit: primitives.BlockNumber(capacity),
		space: pool,
	}
}

// Allocate returns a block for a node placed right of hint. The block is
// charged to res when res is non-nil, otherwise claimed directly from the
// space pool.
func (a *Allocator) Allocate(hint primitives.BlockNumber, res *space.Reservation) (primitives.BlockNumber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	blk, ok := a.pick(hint)
	if !ok {
		return primitives.InvalidBlock, dberror.New(dberror.ErrCategorySystem, dberror.CodeOutOfSpace, "no block numbers left").
			WithDetail("limit %d", a.limit).
			In("Allocate", "Allocator")
	}

	var err error
	if res != nil {
		err = res.Consume()
	} else {
		err = a.space.Claim()
	}
	if err != nil {
		return primitives.InvalidBlock, err
	}

	if blk == a.next {
		a.next++
	} else {
		a.free.Delete(blk)
	}
	a.inUse++
	return blk, nil
}

// pick chooses a block without taking it. Caller holds mu.
func (a *Allocator) pick(hint primitives.BlockNumber) (primitives.BlockNumber, bool) {
	var found primitives.BlockNumber
	take := func(b primitives.BlockNumber, _ struct{}) bool {
		found = b
		return false
	}
	a.free.Ascend(hint+1, take)
	if !found.IsValid() {
		a.free.Ascend(primitives.InvalidBlock, take)
	}
	if found.IsValid() {
		return found, true
	}
	if a.next > a.limit {
		return primitives.InvalidBlock, false
	}
	return a.next, true
}

// Free returns blk to the allocator and its space to the pool.
func (a *Allocator) Free(blk primitives.BlockNumber) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !blk.IsValid() || blk >= a.next {
		return
	}
	if _, dup := a.free.Get(blk); dup {
		return
	}
	a.free.Set(blk, struct{}{})
	a.inUse--
	a.space.Free(1)
}

// InUse returns the number of allocated blocks.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// FreeBlocks returns the number of blocks freed and not reused yet.
func (a *Allocator) FreeBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Len()
}
