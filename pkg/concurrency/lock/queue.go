package lock

// The requestor queue of a Lock is an ordered slice of pending requests.
// High-priority requests are kept ahead of every low-priority request and
// FIFO among themselves; low-priority requests are appended at the back.
// All functions here expect the caller to hold l.guard.

// enqueue registers r as waiting on l and updates the high-priority counters.
func (l *Lock) enqueue(r *request) {
	if !r.hipri {
		l.requestors = append(l.requestors, r)
		return
	}

	pos := 0
	for pos < len(l.requestors) && l.requestors[pos].hipri {
		pos++
	}
	l.requestors = append(l.requestors, nil)
	copy(l.requestors[pos+1:], l.requestors[pos:])
	l.requestors[pos] = r

	l.nrHipriRequests++
	if r.mode == WriteLock {
		l.nrHipriWriteRequests++
	}
}

// dequeue removes r from the waiters, whether it was granted or gave up.
func (l *Lock) dequeue(r *request) {
	before := len(l.requestors)
	l.requestors = deleteFirst(l.requestors, r)
	if len(l.requestors) == before || !r.hipri {
		return
	}
	l.nrHipriRequests--
	if r.mode == WriteLock {
		l.nrHipriWriteRequests--
	}
}

// wakeHead wakes the first waiting stack, if any.
func (l *Lock) wakeHead() {
	if len(l.requestors) > 0 {
		l.requestors[0].stack.wakeup()
	}
}

// wakeAll wakes every waiting stack. Used when the lock becomes dying.
func (l *Lock) wakeAll() {
	for _, r := range l.requestors {
		r.stack.wakeup()
	}
}

// waiters returns the stacks queued on l, head first.
func (l *Lock) waiters() []*Stack {
	out := make([]*Stack, len(l.requestors))
	for i, r := range l.requestors {
		out[i] = r.stack
	}
	return out
}
