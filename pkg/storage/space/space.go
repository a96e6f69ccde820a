// Package space accounts for free device blocks shared by all tree mutations.
package space

import (
	"fmt"
	"sync"

	dberror "carrytree/pkg/error"
	"carrytree/pkg/logging"

	"github.com/dustin/go-humanize"
)

// Pool is the process-wide block counter.
//
// Every block is in exactly one of three states: free, reserved (promised to
// a running mutation) or used (backing a node).
type Pool struct {
	mu       sync.Mutex
	total    uint64
	free     uint64
	reserved uint64
	used     uint64
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Total    uint64
	Free     uint64
	Reserved uint64
	Used     uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("total=%s free=%s reserved=%s used=%s",
		humanize.Comma(int64(s.Total)), humanize.Comma(int64(s.Free)),
		humanize.Comma(int64(s.Reserved)), humanize.Comma(int64(s.Used)))
}

// NewPool creates a pool of total blocks, all free.
func NewPool(total uint64) *Pool {
	return &Pool{total: total, free: total}
}

// Reserve sets aside blocks for one mutation. It fails with OUT_OF_SPACE
// without changing anything when fewer blocks are free.
func (p *Pool) Reserve(blocks uint64) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if blocks > p.free {
		return nil, dberror.New(dberror.ErrCategorySystem, dberror.CodeOutOfSpace, "not enough free blocks").
			WithDetail("wanted %d, free %d", blocks, p.free).
			In("Reserve", "SpacePool")
	}
	p.free -= blocks
	p.reserved += blocks
	return &Reservation{pool: p, reserved: blocks}, nil
}

// Claim marks one block as used by a node that lives outside any
// reservation, such as the initial root.
func (p *Pool) Claim() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free == 0 {
		return dberror.New(dberror.ErrCategorySystem, dberror.CodeOutOfSpace, "no free block").In("Claim", "SpacePool")
	}
	p.free--
	p.used++
	return nil
}

// Free returns blocks that backed destroyed nodes.
func (p *Pool) Free(blocks uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if blocks > p.used {
		logging.WithComponent("space").Error("freeing more blocks than used",
			"blocks", blocks, "used", p.used)
		blocks = p.used
	}
	p.used -= blocks
	p.free += blocks
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Total: p.total, Free: p.free, Reserved: p.reserved, Used: p.used}
}

// Reservation is the share of the pool promised to one mutation. It is owned
// by the goroutine running that mutation.
type Reservation struct {
	pool     *Pool
	reserved uint64
	consumed uint64
	grabbed  uint64
	released bool
}

// Consume turns one block of the reservation into a used block. When the
// reservation is exhausted the block is taken straight from the free pool;
// OUT_OF_SPACE is returned if there is none.
func (r *Reservation) Consume() error {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.released {
		return dberror.New(dberror.ErrCategorySystem, dberror.CodeInvalidArgument, "reservation already released").
			In("Consume", "SpacePool")
	}
	if r.consumed < r.reserved {
		r.consumed++
		p.reserved--
		p.used++
		return nil
	}
	if p.free == 0 {
		return dberror.New(dberror.ErrCategorySystem, dberror.CodeOutOfSpace, "reservation exhausted and pool empty").
			WithDetail("reserved %d", r.reserved).
			In("Consume", "SpacePool")
	}
	r.grabbed++
	p.free--
	p.used++
	return nil
}

// Release returns the unconsumed part of the reservation to the pool and
// reports how many blocks went back. Calling it again returns 0.
func (r *Reservation) Release() uint64 {
	if r == nil {
		return 0
	}
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.released {
		return 0
	}
	r.released = true
	back := r.reserved - r.consumed
	p.reserved -= back
	p.free += back
	return back
}

// Reserved returns the number of blocks originally reserved.
func (r *Reservation) Reserved() uint64 {
	return r.reserved
}

// Consumed returns the number of reserved blocks turned into used blocks.
func (r *Reservation) Consumed() uint64 {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.consumed
}

// Grabbed returns the number of blocks taken past the reservation.
func (r *Reservation) Grabbed() uint64 {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.grabbed
}
