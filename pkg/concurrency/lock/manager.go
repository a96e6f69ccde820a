package lock

import (
	"log/slog"
	"sync/atomic"

	dberror "carrytree/pkg/error"
	"carrytree/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager hands out lock stacks and grants, queues and releases node locks.
// Lock state lives in the Lock values themselves; the manager only carries
// the shared metrics and the logger.
type Manager struct {
	nextStack atomic.Uint64
	metrics   *Metrics
	log       *slog.Logger
}

// NewManager creates a lock manager whose metrics are registered on reg
// (nil keeps them unregistered).
func NewManager(reg prometheus.Registerer) *Manager {
	return &Manager{
		metrics: NewMetrics(reg),
		log:     logging.WithComponent("lock"),
	}
}

// Metrics returns the manager's counters.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// NewStack creates a low-priority stack holding no locks.
func (m *Manager) NewStack() *Stack {
	return newStack(m.nextStack.Add(1))
}

// Acquire takes l in mode for stack s at priority pri.
//
// The stack's priority is switched to pri first (see SetPriority). The call
// fails with:
//   - Invalid if the lock is dying, or becomes dying while s waits,
//   - Retry if the lock cannot be granted right away and flags has NonBlocking,
//   - DeadlockDetected if s is low priority and has been signaled, either
//     before the call or while waiting.
//
// A write request on a lock s already holds for write is granted at once,
// signaled or not. Otherwise Acquire sleeps until the lock can be granted.
func (m *Manager) Acquire(s *Stack, l *Lock, mode Mode, pri Priority, flags Flags) (*Handle, error) {
	if s.Priority() != pri {
		m.SetPriority(s, pri)
	}
	hipri := pri == HighPriority

	l.guard.Lock()
	var (
		req *request
		h   *Handle
		err error
	)
	for {
		if l.dying {
			err = dberror.Invalid(l.label).In("Acquire", "LockManager")
			m.metrics.Invalid.Inc()
			break
		}
		if mode == WriteLock && l.writeLockedBy(s) {
			h = l.grant(s, mode)
			break
		}
		if s.CheckDeadlock() {
			err = m.deadlock(s, l)
			m.metrics.Deadlocks.Inc()
			break
		}
		if l.grantable(s, mode, hipri) {
			h = l.grant(s, mode)
			break
		}
		if flags&NonBlocking != 0 {
			err = dberror.Retry(l.label).In("Acquire", "LockManager")
			m.metrics.Retries.Inc()
			break
		}

		if req == nil {
			req = &request{stack: s, mode: mode, hipri: hipri}
			l.enqueue(req)
		}
		if hipri && l.nrHipriOwners == 0 {
			if n := l.signalLowPriorityOwners(s); n > 0 {
				m.metrics.Signals.Add(float64(n))
				m.log.Debug("signaled low priority owners", "stack", s.id, "lock", l.label, "owners", n)
			}
		}

		m.metrics.Waits.Inc()
		l.guard.Unlock()
		s.sleep()
		l.guard.Lock()
	}

	if req != nil {
		l.dequeue(req)
		// The wake that let us run may have been meant for whoever is next.
		l.wakeHead()
	}
	l.guard.Unlock()

	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	m.metrics.Acquired.WithLabelValues(mode.String(), pri.String()).Inc()
	return h, nil
}

func (m *Manager) deadlock(s *Stack, l *Lock) error {
	m.log.Debug("deadlock avoidance unwind", "stack", s.id, "lock", l.label, "held", len(s.handles))
	return dberror.Deadlock(l.label).In("Acquire", "LockManager")
}

// Release drops the lock referenced by h. Releasing a handle twice, or a nil
// handle, does nothing.
//
// If h was the last writer of a lock marked for deletion, the lock becomes
// dying, every waiter is woken (and will observe Invalid) and the lock's
// delete hook runs after the lock's guard is dropped.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	l := h.lock

	l.guard.Lock()
	if h.released {
		l.guard.Unlock()
		return
	}
	h.released = true
	l.drop(h)

	var hook func()
	switch {
	case h.mode == WriteLock && l.nrReaders == 0 && l.banshee && !l.dying:
		l.dying = true
		l.wakeAll()
		hook = l.onDelete
	default:
		if l.deadlockCondition() {
			// The last high-priority owner left while high-priority requests
			// are queued: the remaining low-priority owners have to yield.
			if n := l.signalLowPriorityOwners(nil); n > 0 {
				m.metrics.Signals.Add(float64(n))
			}
		}
		l.wakeHead()
	}
	l.guard.Unlock()

	h.stack.handles = deleteFirst(h.stack.handles, h)
	m.metrics.Released.Inc()

	if hook != nil {
		hook()
	}
}

// ReleaseAll releases every lock held by s, newest first.
func (m *Manager) ReleaseAll(s *Stack) {
	for len(s.handles) > 0 {
		m.Release(s.handles[len(s.handles)-1])
	}
}

// SetPriority switches the priority class of s.
//
// Becoming high priority counts s as a high-priority owner of every lock it
// holds and clears its signals. Becoming low priority undoes the counting and
// signals s on each held lock that is now in the deadlock condition.
func (m *Manager) SetPriority(s *Stack, pri Priority) {
	if s.Priority() == pri {
		return
	}

	// Publish the new class first: a requester holding a lock's guard sees
	// either the old class with our handle not yet rescanned, or the new one.
	s.curpri.Store(int32(pri))
	for _, h := range s.handles {
		l := h.lock
		l.guard.Lock()
		if pri == HighPriority {
			if !h.hipri {
				h.hipri = true
				l.nrHipriOwners++
			}
			if h.signaled {
				h.signaled = false
				s.nrSignaled.Add(-1)
			}
		} else {
			if h.hipri {
				h.hipri = false
				l.nrHipriOwners--
			}
			if l.deadlockCondition() && !h.signaled {
				h.signaled = true
				s.nrSignaled.Add(1)
			}
		}
		l.guard.Unlock()
	}
}

// Waiters returns the stacks queued on l, head first.
func (m *Manager) Waiters(l *Lock) []*Stack {
	l.guard.Lock()
	defer l.guard.Unlock()
	return l.waiters()
}
