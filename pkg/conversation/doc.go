// Package conversation models a chat as a branching tree of messages.
//
// Messages form a tree through parent/child links: each message points at
// exactly one parent (or none, for the root) and parents keep an ordered
// list of their children, where each child is one branch (an alternate
// response). A BranchState records which branch is selected under each
// parent, and the active path (the messages actually shown) is the chain
// from the root to the current leaf, resolved through that selection.
//
// The Graph type is an arena of nodes by id. Mutating operations are pure:
// they clone and return a new snapshot, which makes optimistic updates and
// rollback in the request layer straightforward.
package conversation
