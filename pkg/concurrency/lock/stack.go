package lock

import (
	"fmt"
	"sync/atomic"
)

// Stack is the per-worker lock state: the current priority class, the locks
// currently held and the number of pending deadlock-avoidance signals.
//
// A Stack is used by one goroutine at a time. Other stacks only touch its
// atomic fields and its wake channel.
type Stack struct {
	id         uint64
	curpri     atomic.Int32
	nrSignaled atomic.Int32
	handles    []*Handle

	// wake is the stack's semaphore. Capacity one: a wakeup posted while the
	// stack is running is consumed by its next sleep.
	wake chan struct{}
}

func newStack(id uint64) *Stack {
	return &Stack{
		id:   id,
		wake: make(chan struct{}, 1),
	}
}

// ID returns the identifier the manager assigned to the stack.
func (s *Stack) ID() uint64 {
	return s.id
}

// Priority returns the current priority class.
func (s *Stack) Priority() Priority {
	return Priority(s.curpri.Load())
}

// CheckDeadlock reports whether the stack received a signal while low
// priority. Such a stack must release all of its locks before locking again.
func (s *Stack) CheckDeadlock() bool {
	return s.Priority() == LowPriority && s.nrSignaled.Load() > 0
}

// Signaled returns the number of pending signals.
func (s *Stack) Signaled() int {
	return int(s.nrSignaled.Load())
}

// Held returns the number of locks held by the stack.
func (s *Stack) Held() int {
	return len(s.handles)
}

// Handles returns a copy of the handles held by the stack, oldest first.
func (s *Stack) Handles() []*Handle {
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

func (s *Stack) String() string {
	return fmt.Sprintf("stack(%d pri=%s held=%d signaled=%d)", s.id, s.Priority(), len(s.handles), s.Signaled())
}

func (s *Stack) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stack) sleep() {
	<-s.wake
}
