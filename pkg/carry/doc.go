// Package carry propagates a tree mutation upwards one level at a time.
//
// A mutation is expressed as operations posted into a Level. Carry locks the
// level's nodes left to right, applies the operations through the dispatch
// Table, lets the node-layout Plugin prepare emptied nodes for removal, and
// moves on to the operations the handlers posted for the level above. Three
// levels are live at any time:
//
//   - done:  the level applied last; still locked until the level above it
//     has been applied, then released with delimiting-key synchronisation,
//   - doing: the level being locked and applied,
//   - todo:  operations accumulated for the next level up.
//
// Carry nodes refer to tree nodes symbolically (see Ref) so that a handler
// can target "the parent of X" before that parent is known or locked.
// Resolution happens when the level is locked, with the stack running at
// high lock priority.
//
// Lock contention that cannot be waited out (Retry, a dying node) restarts
// the current level from its lock step. Any other failure is fatal: the three
// levels are dumped to the log, the tree is aborted and CARRY_ABORTED is
// returned.
package carry
