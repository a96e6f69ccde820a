// Package lock implements long-term tree node locks with two priority classes
// and signal-based deadlock avoidance.
//
// # Overview
//
// Tree nodes are locked in two incompatible directions. Lookups descend from
// the root towards the leaves (top-down), while balancing ("carry") climbs from
// the leaves towards the root (bottom-up). Mixing both orders with plain
// reader/writer locks deadlocks: a lookup holding a parent waits for a child
// that a balancer holds while the balancer waits for the parent.
//
// Every lock request therefore belongs to a priority class:
//
//   - [HighPriority] is used by bottom-up (carry) lockers.
//   - [LowPriority]  is used by top-down lockers.
//
// # Components
//
// [Manager] is the single public entry point. Callers create one [Stack] per
// worker with [Manager.NewStack], acquire locks with [Manager.Acquire] and drop
// them with [Manager.Release] / [Manager.ReleaseAll]. Each tree node embeds a
// [Lock] which records:
//
//   - the reader/writer count (positive: readers, negative: recursive writer),
//   - the number of owners whose stack is currently high priority,
//   - the number of pending high-priority requests,
//   - the ordered owner handles and the ordered queue of waiting stacks.
//
// A [Handle] binds exactly one (stack, lock) pair while the lock is held.
//
// # Deadlock Avoidance
//
// A lock is in the "deadlock condition" when it has at least one pending
// high-priority request and no high-priority owner. While the condition holds:
//
//  1. Low-priority requests for that lock are never granted, even if they are
//     otherwise compatible.
//  2. Before a high-priority requester goes to sleep on such a lock it signals
//     every low-priority owner: the owner's handle is flagged, its stack's
//     signal count is incremented and the stack is woken.
//  3. A low-priority stack with a non-zero signal count fails every further
//     acquisition with DeadlockDetected (see [Stack.CheckDeadlock]) and must
//     release all of its locks before it can make progress again.
//
// High-priority requests queue ahead of low-priority ones, so once low-priority
// owners unwind, the high-priority requester is served first.
//
// # Invariants
//
//   - A lock is unlocked iff its owner list is empty.
//   - Readers and writers are mutually exclusive; the only exception is a stack
//     re-acquiring a write lock it already holds.
//   - Releasing a handle twice has no effect.
//   - A signaled low-priority stack never acquires a new lock until it has
//     released every lock it holds.
//   - When the last writer of a lock marked for deletion releases it, the lock
//     becomes dying, every waiter is woken and observes Invalid, and the
//     lock's delete hook runs exactly once.
package lock
