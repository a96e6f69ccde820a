package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dberror "carrytree/pkg/error"
)

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestLock(label string) *Lock {
	l := &Lock{}
	l.SetLabel(label)
	return l
}

func TestSharedReaders(t *testing.T) {
	m := NewManager(nil)
	l := newTestLock("x")
	a, b := m.NewStack(), m.NewStack()

	if _, err := m.Acquire(a, l, ReadLock, LowPriority, 0); err != nil {
		t.Fatalf("first reader: %v", err)
	}
	if _, err := m.Acquire(b, l, ReadLock, LowPriority, 0); err != nil {
		t.Fatalf("second reader: %v", err)
	}

	st := l.Snapshot()
	if st.Readers != 2 || st.Owners != 2 {
		t.Fatalf("expected 2 readers, got %+v", st)
	}

	m.ReleaseAll(a)
	m.ReleaseAll(b)
	if l.IsLocked() {
		t.Fatalf("lock still held after releasing everything: %v", l)
	}
}

func TestWriterExcludesOthers(t *testing.T) {
	m := NewManager(nil)
	l := newTestLock("x")
	a, b := m.NewStack(), m.NewStack()

	if _, err := m.Acquire(a, l, WriteLock, LowPriority, 0); err != nil {
		t.Fatalf("writer: %v", err)
	}

	_, err := m.Acquire(b, l, ReadLock, LowPriority, NonBlocking)
	if !dberror.IsRetry(err) {
		t.Fatalf("expected Retry for reader against writer, got %v", err)
	}
	_, err = m.Acquire(b, l, WriteLock, HighPriority, NonBlocking)
	if !dberror.IsRetry(err) {
		t.Fatalf("expected Retry for writer against writer, got %v", err)
	}
	if b.Held() != 0 {
		t.Fatalf("refused stack should hold nothing, holds %d", b.Held())
	}
}

func TestRecursiveWrite(t *testing.T) {
	m := NewManager(nil)
	l := newTestLock("x")
	s := m.NewStack()

	h1, err := m.Acquire(s, l, WriteLock, HighPriority, 0)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	h2, err := m.Acquire(s, l, WriteLock, HighPriority, NonBlocking)
	if err != nil {
		t.Fatalf("recursive write must always succeed: %v", err)
	}

	if st := l.Snapshot(); st.Readers != -2 || st.HipriOwners != 2 {
		t.Fatalf("unexpected state after recursive write: %+v", st)
	}

	m.Release(h2)
	if !l.IsWriteLockedBy(s) {
		t.Fatal("lock should still be write locked after releasing one level")
	}
	m.Release(h1)
	if l.IsLocked() {
		t.Fatal("lock should be free")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	l := newTestLock("x")
	a, b := m.NewStack(), m.NewStack()

	ha, _ := m.Acquire(a, l, ReadLock, LowPriority, 0)
	if _, err := m.Acquire(b, l, ReadLock, LowPriority, 0); err != nil {
		t.Fatalf("second reader: %v", err)
	}

	m.Release(ha)
	m.Release(ha)
	m.Release(nil)

	st := l.Snapshot()
	if st.Readers != 1 || st.Owners != 1 {
		t.Fatalf("double release changed state: %+v", st)
	}
	if !ha.Released() {
		t.Fatal("handle should report released")
	}
}

func TestBlockedWriterWokenByRelease(t *testing.T) {
	m := NewManager(nil)
	l := newTestLock("x")
	a, b := m.NewStack(), m.NewStack()

	ha, _ := m.Acquire(a, l, ReadLock, LowPriority, 0)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(b, l, WriteLock, LowPriority, 0)
		done <- err
	}()

	waitFor(t, "writer to queue", func() bool { return l.Snapshot().Waiters == 1 })
	m.Release(ha)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("writer failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer was never woken")
	}
	if !l.IsWriteLockedBy(b) {
		t.Fatal("writer should own the lock")
	}
}

func TestReadersCascadeAfterWriter(t *testing.T) {
	m := NewManager(nil)
	l := newTestLock("x")
	w := m.NewStack()
	hw, _ := m.Acquire(w, l, WriteLock, LowPriority, 0)

	const readers = 4
	var wg sync.WaitGroup
	var granted atomic.Int32
	for i := 0; i < readers; i++ {
		s := m.NewStack()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(s, l, ReadLock, LowPriority, 0); err == nil {
				granted.Add(1)
			}
		}()
	}

	waitFor(t, "readers to queue", func() bool { return l.Snapshot().Waiters == readers })
	m.Release(hw)
	wg.Wait()

	if granted.Load() != readers {
		t.Fatalf("expected all %d readers granted, got %d", readers, granted.Load())
	}
	if st := l.Snapshot(); st.Readers != readers {
		t.Fatalf("expected %d readers, got %+v", readers, st)
	}
}

// A holds X at low priority and is about to lock Y. B asks for X at high
// priority. B must signal A, and A must unwind instead of locking Y.
func TestHighPriorityRequestSignalsLowPriorityOwner(t *testing.T) {
	m := NewManager(nil)
	x, y := newTestLock("x"), newTestLock("y")
	a, b := m.NewStack(), m.NewStack()

	if _, err := m.Acquire(a, x, WriteLock, LowPriority, 0); err != nil {
		t.Fatalf("A lock X: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(b, x, WriteLock, HighPriority, 0)
		done <- err
	}()

	waitFor(t, "A to be signaled", a.CheckDeadlock)
	if st := x.Snapshot(); st.HipriRequests != 1 || st.HipriOwners != 0 {
		t.Fatalf("X should be in the deadlock condition: %+v", st)
	}

	_, err := m.Acquire(a, y, ReadLock, LowPriority, 0)
	if !dberror.IsDeadlock(err) {
		t.Fatalf("expected DeadlockDetected for A on Y, got %v", err)
	}
	if y.IsLocked() {
		t.Fatal("A must not acquire Y while signaled")
	}

	m.ReleaseAll(a)
	if a.Signaled() != 0 {
		t.Fatalf("signals must be cleared with the handles, got %d", a.Signaled())
	}

	if err := <-done; err != nil {
		t.Fatalf("B should get X after A unwinds: %v", err)
	}
	if !x.IsWriteLockedBy(b) {
		t.Fatal("B should own X")
	}
}

func TestSignaledWriterRetakesOwnLock(t *testing.T) {
	m := NewManager(nil)
	x, y := newTestLock("x"), newTestLock("y")
	a, b := m.NewStack(), m.NewStack()

	h1, err := m.Acquire(a, x, WriteLock, LowPriority, 0)
	if err != nil {
		t.Fatalf("A lock X: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(b, x, WriteLock, HighPriority, 0)
		done <- err
	}()
	waitFor(t, "A to be signaled", a.CheckDeadlock)

	h2, err := m.Acquire(a, x, WriteLock, LowPriority, NonBlocking)
	if err != nil {
		t.Fatalf("recursive write must succeed while signaled: %v", err)
	}
	if st := x.Snapshot(); st.Readers != -2 || st.Owners != 2 {
		t.Fatalf("expected two write owners, got %+v", st)
	}
	if a.Signaled() != 2 {
		t.Fatalf("both handles should carry the signal, got %d", a.Signaled())
	}

	// The recursive grant is not a new lock: anything else is still refused.
	if _, err := m.Acquire(a, y, ReadLock, LowPriority, 0); !dberror.IsDeadlock(err) {
		t.Fatalf("expected DeadlockDetected for A on Y, got %v", err)
	}

	m.Release(h2)
	if !a.CheckDeadlock() {
		t.Fatal("A should stay signaled through its first handle")
	}
	m.Release(h1)
	if err := <-done; err != nil {
		t.Fatalf("B should get X after A unwinds: %v", err)
	}
	if !x.IsWriteLockedBy(b) {
		t.Fatal("B should own X")
	}
}

// A low-priority stack waiting on one lock is cancelled when a high-priority
// requester signals it through another lock it owns.
func TestSignalCancelsLowPriorityWait(t *testing.T) {
	m := NewManager(nil)
	x, y := newTestLock("x"), newTestLock("y")
	holder, low, high := m.NewStack(), m.NewStack(), m.NewStack()

	if _, err := m.Acquire(holder, x, WriteLock, LowPriority, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(low, y, WriteLock, LowPriority, 0); err != nil {
		t.Fatal(err)
	}

	lowDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(low, x, WriteLock, LowPriority, 0)
		lowDone <- err
	}()
	waitFor(t, "low to queue on X", func() bool { return x.Snapshot().Waiters == 1 })

	highDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(high, y, WriteLock, HighPriority, 0)
		highDone <- err
	}()

	if err := <-lowDone; !dberror.IsDeadlock(err) {
		t.Fatalf("waiting low-priority stack should fail with DeadlockDetected, got %v", err)
	}
	m.ReleaseAll(low)

	if err := <-highDone; err != nil {
		t.Fatalf("high-priority request should be granted: %v", err)
	}
	if x.Snapshot().Waiters != 0 {
		t.Fatal("cancelled request left in X's queue")
	}
}

func TestLowPriorityRefusedUnderDeadlockCondition(t *testing.T) {
	m := NewManager(nil)
	x := newTestLock("x")
	reader, writer, late := m.NewStack(), m.NewStack(), m.NewStack()

	if _, err := m.Acquire(reader, x, ReadLock, LowPriority, 0); err != nil {
		t.Fatal(err)
	}
	go m.Acquire(writer, x, WriteLock, HighPriority, 0)
	waitFor(t, "high-priority request", func() bool { return x.Snapshot().HipriRequests == 1 })

	// A read is compatible with the current owner but must still be refused.
	_, err := m.Acquire(late, x, ReadLock, LowPriority, NonBlocking)
	if !dberror.IsRetry(err) {
		t.Fatalf("expected Retry under the deadlock condition, got %v", err)
	}

	m.ReleaseAll(reader)
	waitFor(t, "writer to be granted", func() bool { return x.IsWriteLockedBy(writer) })
}

func TestHighPriorityQueuedAhead(t *testing.T) {
	m := NewManager(nil)
	x := newTestLock("x")
	owner, low, high := m.NewStack(), m.NewStack(), m.NewStack()

	if _, err := m.Acquire(owner, x, WriteLock, HighPriority, 0); err != nil {
		t.Fatal(err)
	}

	go m.Acquire(low, x, WriteLock, LowPriority, 0)
	waitFor(t, "low to queue", func() bool { return x.Snapshot().Waiters == 1 })
	go m.Acquire(high, x, WriteLock, HighPriority, 0)
	waitFor(t, "high to queue", func() bool { return x.Snapshot().Waiters == 2 })

	waiters := m.Waiters(x)
	if waiters[0] != high || waiters[1] != low {
		t.Fatalf("high-priority request should be at the head: %v", waiters)
	}

	m.ReleaseAll(owner)
	waitFor(t, "high to be granted", func() bool { return x.IsWriteLockedBy(high) })
	if x.IsWriteLockedBy(low) {
		t.Fatal("low-priority request overtook the high-priority one")
	}
}

func TestSetPriorityRescansHeldLocks(t *testing.T) {
	m := NewManager(nil)
	x, y := newTestLock("x"), newTestLock("y")
	s := m.NewStack()

	m.Acquire(s, x, ReadLock, LowPriority, 0)
	m.Acquire(s, y, WriteLock, LowPriority, 0)

	m.SetPriority(s, HighPriority)
	if x.Snapshot().HipriOwners != 1 || y.Snapshot().HipriOwners != 1 {
		t.Fatalf("high priority not counted: x=%+v y=%+v", x.Snapshot(), y.Snapshot())
	}

	m.SetPriority(s, LowPriority)
	if x.Snapshot().HipriOwners != 0 || y.Snapshot().HipriOwners != 0 {
		t.Fatalf("high priority not uncounted: x=%+v y=%+v", x.Snapshot(), y.Snapshot())
	}
	if s.CheckDeadlock() {
		t.Fatal("no high-priority request pending, stack must not be signaled")
	}
}

func TestSetPriorityLowSignalsItself(t *testing.T) {
	m := NewManager(nil)
	x := newTestLock("x")
	s, other := m.NewStack(), m.NewStack()

	if _, err := m.Acquire(s, x, WriteLock, HighPriority, 0); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(other, x, WriteLock, HighPriority, 0)
		done <- err
	}()
	waitFor(t, "queued request", func() bool { return x.Snapshot().HipriRequests == 1 })

	// x has a high-priority owner, so s was not signaled yet.
	if s.Signaled() != 0 {
		t.Fatal("high-priority owner must not be signaled")
	}

	m.SetPriority(s, LowPriority)
	if !s.CheckDeadlock() {
		t.Fatal("stack turning low priority on a contended lock must signal itself")
	}

	m.SetPriority(s, HighPriority)
	if s.Signaled() != 0 {
		t.Fatal("becoming high priority clears signals")
	}

	m.ReleaseAll(s)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestMarkedLockDiesOnLastWriter(t *testing.T) {
	m := NewManager(nil)
	x := newTestLock("x")
	owner, waiter := m.NewStack(), m.NewStack()

	var deleted atomic.Int32
	x.SetDeleteHook(func() { deleted.Add(1) })

	h, err := m.Acquire(owner, x, WriteLock, HighPriority, 0)
	if err != nil {
		t.Fatal(err)
	}
	x.MarkForDeletion()

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(waiter, x, ReadLock, LowPriority, 0)
		done <- err
	}()
	waitFor(t, "waiter to queue", func() bool { return x.Snapshot().Waiters == 1 })

	m.Release(h)
	m.Release(h)

	if err := <-done; !dberror.IsInvalid(err) {
		t.Fatalf("waiter on a dying lock should see Invalid, got %v", err)
	}
	if deleted.Load() != 1 {
		t.Fatalf("delete hook should run exactly once, ran %d times", deleted.Load())
	}
	if _, err := m.Acquire(owner, x, WriteLock, HighPriority, 0); !dberror.IsInvalid(err) {
		t.Fatalf("acquiring a dead lock should fail with Invalid, got %v", err)
	}
}

// Low-priority workers lock left to right, high-priority workers right to
// left. Low-priority workers unwind on DeadlockDetected and start over; every
// worker must eventually finish.
func TestMixedOrderMakesProgress(t *testing.T) {
	m := NewManager(nil)
	const nlocks = 6
	locks := make([]*Lock, nlocks)
	owner := make([]atomic.Uint64, nlocks)
	for i := range locks {
		locks[i] = newTestLock(string(rune('a' + i)))
	}

	var wg sync.WaitGroup
	var violations atomic.Int32
	lockAll := func(s *Stack, pri Priority) error {
		for k := 0; k < nlocks; k++ {
			i := k
			if pri == HighPriority {
				i = nlocks - 1 - k
			}
			if _, err := m.Acquire(s, locks[i], WriteLock, pri, 0); err != nil {
				return err
			}
			if !owner[i].CompareAndSwap(0, s.ID()) {
				violations.Add(1)
			}
		}
		return nil
	}
	unlockAll := func(s *Stack) {
		for j := range owner {
			owner[j].CompareAndSwap(s.ID(), 0)
		}
		m.ReleaseAll(s)
	}
	worker := func(pri Priority, rounds int) {
		defer wg.Done()
		s := m.NewStack()
		for r := 0; r < rounds; r++ {
			for {
				err := lockAll(s, pri)
				unlockAll(s)
				if err == nil {
					break
				}
				if !dberror.IsDeadlock(err) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}
	}

	for i := 0; i < 4; i++ {
		wg.Add(2)
		go worker(LowPriority, 50)
		go worker(HighPriority, 50)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatal("workers did not finish: deadlock")
	}

	if violations.Load() != 0 {
		t.Fatalf("mutual exclusion violated %d times", violations.Load())
	}
	for _, l := range locks {
		if l.IsLocked() {
			t.Fatalf("lock left held: %v", l)
		}
	}
}
