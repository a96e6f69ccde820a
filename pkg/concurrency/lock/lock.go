package lock

import (
	"fmt"
	"slices"
	"sync"
)

// Mode is the access mode of a lock request.
type Mode int

const (
	ReadLock Mode = iota
	WriteLock
)

func (m Mode) String() string {
	if m == WriteLock {
		return "write"
	}
	return "read"
}

// Priority is the lock-ordering class of a stack.
type Priority int32

const (
	// LowPriority is used by top-down lockers.
	LowPriority Priority = iota
	// HighPriority is used by bottom-up lockers.
	HighPriority
)

func (p Priority) String() string {
	if p == HighPriority {
		return "high"
	}
	return "low"
}

// Flags modify a single Acquire call.
type Flags int

const (
	// NonBlocking makes Acquire fail with Retry instead of sleeping.
	NonBlocking Flags = 1 << iota
)

// Lock is the long-term lock embedded in every tree node.
// The zero value is an unlocked lock.
type Lock struct {
	guard sync.Mutex

	// nrReaders is positive for N readers and negative for a (recursive) writer.
	nrReaders            int
	nrHipriOwners        int
	nrHipriRequests      int
	nrHipriWriteRequests int

	owners     []*Handle
	requestors []*request

	// banshee marks a lock whose node is to be destroyed when its last writer leaves.
	banshee bool
	dying   bool

	label    string
	onDelete func()
}

// Handle binds one stack to one lock while the lock is held.
type Handle struct {
	stack *Stack
	lock  *Lock
	mode  Mode

	// hipri records whether this owner is counted in lock.nrHipriOwners.
	hipri bool
	// signaled is set when this owner must yield to a high-priority requester.
	signaled bool
	released bool
}

type request struct {
	stack *Stack
	mode  Mode
	hipri bool
}

// SetLabel names the lock in diagnostics.
func (l *Lock) SetLabel(label string) {
	l.guard.Lock()
	l.label = label
	l.guard.Unlock()
}

// SetDeleteHook installs the function run once when the last writer of a
// lock marked for deletion releases it.
func (l *Lock) SetDeleteHook(fn func()) {
	l.guard.Lock()
	l.onDelete = fn
	l.guard.Unlock()
}

// MarkForDeletion arranges for the lock's node to be destroyed when its last
// writer releases it. The caller must hold the lock for write.
func (l *Lock) MarkForDeletion() {
	l.guard.Lock()
	l.banshee = true
	l.guard.Unlock()
}

// MarkedForDeletion reports whether MarkForDeletion was called.
func (l *Lock) MarkedForDeletion() bool {
	l.guard.Lock()
	defer l.guard.Unlock()
	return l.banshee
}

// Kill makes the lock dying right away and wakes every waiter. It is used
// for nodes that are dropped without ever being write locked.
func (l *Lock) Kill() {
	l.guard.Lock()
	l.dying = true
	l.wakeAll()
	l.guard.Unlock()
}

// IsDying reports whether the lock's node is being destroyed.
func (l *Lock) IsDying() bool {
	l.guard.Lock()
	defer l.guard.Unlock()
	return l.dying
}

// IsLocked reports whether any stack holds the lock.
func (l *Lock) IsLocked() bool {
	l.guard.Lock()
	defer l.guard.Unlock()
	return len(l.owners) > 0
}

// IsWriteLocked reports whether some stack holds the lock for write.
func (l *Lock) IsWriteLocked() bool {
	l.guard.Lock()
	defer l.guard.Unlock()
	return l.nrReaders < 0
}

// IsWriteLockedBy reports whether s holds the lock for write.
func (l *Lock) IsWriteLockedBy(s *Stack) bool {
	l.guard.Lock()
	defer l.guard.Unlock()
	return l.writeLockedBy(s)
}

// State is a consistent snapshot of a lock used by diagnostics and tests.
type State struct {
	Readers       int
	HipriOwners   int
	HipriRequests int
	Owners        int
	Waiters       int
	Dying         bool
}

// Snapshot returns the current state of the lock.
func (l *Lock) Snapshot() State {
	l.guard.Lock()
	defer l.guard.Unlock()
	return State{
		Readers:       l.nrReaders,
		HipriOwners:   l.nrHipriOwners,
		HipriRequests: l.nrHipriRequests,
		Owners:        len(l.owners),
		Waiters:       len(l.requestors),
		Dying:         l.dying,
	}
}

func (l *Lock) String() string {
	st := l.Snapshot()
	return fmt.Sprintf("lock(%s readers=%d hipri_owners=%d hipri_requests=%d owners=%d waiters=%d dying=%t)",
		l.label, st.Readers, st.HipriOwners, st.HipriRequests, st.Owners, st.Waiters, st.Dying)
}

// deadlockCondition: a high-priority request is pending and nobody among the
// owners can be relied upon to finish without yielding.
func (l *Lock) deadlockCondition() bool {
	return l.nrHipriRequests > 0 && l.nrHipriOwners == 0
}

// livelockCondition keeps a stream of high-priority readers from starving a
// queued high-priority writer.
func (l *Lock) livelockCondition(mode Mode) bool {
	return mode == ReadLock && l.nrReaders >= 0 && l.nrHipriWriteRequests > 0
}

func (l *Lock) compatible(mode Mode) bool {
	if mode == ReadLock {
		return l.nrReaders >= 0
	}
	return l.nrReaders == 0
}

func (l *Lock) writeLockedBy(s *Stack) bool {
	return l.nrReaders < 0 && len(l.owners) > 0 && l.owners[0].stack == s
}

func (l *Lock) ownedBy(s *Stack) bool {
	return slices.ContainsFunc(l.owners, func(h *Handle) bool { return h.stack == s })
}

// grantable decides whether s may take the lock now. Caller holds guard.
func (l *Lock) grantable(s *Stack, mode Mode, hipri bool) bool {
	if !hipri && l.deadlockCondition() {
		return false
	}
	if hipri && l.livelockCondition(mode) && !l.ownedBy(s) {
		return false
	}
	return l.compatible(mode)
}

// grant records s as a new owner. Caller holds guard.
func (l *Lock) grant(s *Stack, mode Mode) *Handle {
	h := &Handle{stack: s, lock: l, mode: mode}
	if mode == ReadLock {
		l.nrReaders++
	} else {
		l.nrReaders--
	}
	if s.Priority() == HighPriority {
		h.hipri = true
		l.nrHipriOwners++
	} else if l.deadlockCondition() {
		// Recursive write grants bypass the deadlock check; make sure the new
		// owner still learns that it has to yield.
		h.signaled = true
		s.nrSignaled.Add(1)
	}
	l.owners = append(l.owners, h)
	return h
}

// drop removes h from the owners. Caller holds guard.
func (l *Lock) drop(h *Handle) {
	l.owners = deleteFirst(l.owners, h)
	if h.mode == ReadLock {
		l.nrReaders--
	} else {
		l.nrReaders++
	}
	if h.hipri {
		l.nrHipriOwners--
		h.hipri = false
	}
	if h.signaled {
		h.signaled = false
		h.stack.nrSignaled.Add(-1)
	}
}

// signalLowPriorityOwners flags every low-priority owner so that it notices
// the deadlock condition. Caller holds guard. Returns the number of owners signaled.
func (l *Lock) signalLowPriorityOwners(requester *Stack) int {
	n := 0
	for _, h := range l.owners {
		if h.signaled || h.stack == requester || h.stack.Priority() == HighPriority {
			continue
		}
		h.signaled = true
		h.stack.nrSignaled.Add(1)
		h.stack.wakeup()
		n++
	}
	return n
}

// Stack returns the stack owning the handle.
func (h *Handle) Stack() *Stack {
	return h.stack
}

// Lock returns the lock the handle refers to.
func (h *Handle) Lock() *Lock {
	return h.lock
}

// Mode returns the mode the lock was granted in.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	h.lock.guard.Lock()
	defer h.lock.guard.Unlock()
	return h.released
}

// Signaled reports whether the owner was asked to yield.
func (h *Handle) Signaled() bool {
	h.lock.guard.Lock()
	defer h.lock.guard.Unlock()
	return h.signaled
}
