// Package storage is the root of the block-level resources used by the tree.
//
// Nodes occupy fixed-size blocks. Before a tree mutation touches any node it
// reserves the worst-case number of blocks it may need; nodes created while
// the mutation propagates are then allocated out of that reservation.
//
// # Sub-packages
//
//   - [carrytree/pkg/storage/space] – Process-wide reservation counter. A
//     Reservation is taken per mutation, consumed by allocations and returned
//     (reserved minus consumed) when the mutation completes or fails.
//   - [carrytree/pkg/storage/alloc] – Block allocator. Hands out block numbers,
//     preferring free blocks to the right of a hint so that new siblings stay
//     close to their neighbours, and takes freed blocks back.
package storage
