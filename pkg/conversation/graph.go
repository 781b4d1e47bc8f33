package conversation

import (
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrOrphanParent is returned when attaching a message whose explicit
// parent id does not resolve to an existing message.
var ErrOrphanParent = errors.New("parent message not found")

// ErrInvalidBranchIndex is returned for an out-of-range branch switch.
var ErrInvalidBranchIndex = errors.New("branch index out of range")

// BranchState maps a parent message id to the index into that parent's
// ChildrenIDs currently selected for display. Parents without an entry
// default to branch 0.
type BranchState map[NodeID]int

// Clone returns a copy of the branch state.
func (bs BranchState) Clone() BranchState {
	ret := make(BranchState, len(bs))
	for k, v := range bs {
		ret[k] = v
	}
	return ret
}

type BranchInfo struct {
	CurrentIndex  int `json:"currentIndex"`
	TotalBranches int `json:"totalBranches"`
}

// Graph is the arena of message nodes for one conversation, keyed by id.
//
// Mutating operations never modify the receiver; they return a new snapshot
// built from a deep clone, so callers can hold on to previous snapshots for
// rollback. Parent/child links are stored redundantly (ParentID on the
// child, ChildrenIDs on the parent) and kept consistent by every operation.
type Graph struct {
	Nodes  map[NodeID]*Message `json:"nodes"`
	RootID NodeID              `json:"rootID"`
}

func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[NodeID]*Message),
	}
}

func (g *Graph) Clone() *Graph {
	return clone.Clone(g).(*Graph)
}

func (g *Graph) Get(id NodeID) (*Message, bool) {
	msg, ok := g.Nodes[id]
	return msg, ok
}

func (g *Graph) Len() int {
	return len(g.Nodes)
}

// InferParent derives the parent for a new message from the active path:
// an assistant message hangs off the most recent user message, a user
// message off the most recent assistant message. The first message of a
// conversation has no parent.
func (g *Graph) InferParent(msg *Message, currentID NodeID, branch BranchState) NodeID {
	path := g.ActivePath(currentID, branch)
	if len(path) == 0 {
		return NullNode
	}

	var want Role
	switch msg.Role {
	case RoleAssistant:
		want = RoleUser
	case RoleUser:
		want = RoleAssistant
	default:
		return NullNode
	}

	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == want {
			return path[i].ID
		}
	}
	return NullNode
}

// Attach inserts msg into a new graph snapshot. If msg carries no parent
// id, one is derived via InferParent. An explicit parent id that does not
// resolve fails with ErrOrphanParent. The message id is appended to the
// parent's ChildrenIDs in creation order.
func (g *Graph) Attach(msg *Message, currentID NodeID, branch BranchState) (*Graph, error) {
	if msg.ParentID != NullNode {
		if _, ok := g.Nodes[msg.ParentID]; !ok {
			return nil, errors.Wrapf(ErrOrphanParent, "attach %s to %s", msg.ID, msg.ParentID)
		}
	} else {
		msg.ParentID = g.InferParent(msg, currentID, branch)
	}

	log.Trace().
		Str("message_id", msg.ID.String()).
		Str("parent_id", msg.ParentID.String()).
		Str("role", string(msg.Role)).
		Int("node_count", len(g.Nodes)).
		Msg("attaching message")

	next := g.Clone()
	next.insert(clone.Clone(msg).(*Message))
	return next, nil
}

// insert links msg into the arena in place. Only called on fresh snapshots.
func (g *Graph) insert(msg *Message) {
	g.Nodes[msg.ID] = msg
	if g.RootID == NullNode {
		g.RootID = msg.ID
	}
	if parent, ok := g.Nodes[msg.ParentID]; ok {
		if !containsID(parent.ChildrenIDs, msg.ID) {
			parent.ChildrenIDs = append(parent.ChildrenIDs, msg.ID)
		}
	}
}

// Replace swaps the stored message with the same id for msg, preserving the
// stored ParentID and ChildrenIDs. Used while a stream is rewriting an
// in-progress message.
func (g *Graph) Replace(msg *Message) (*Graph, error) {
	existing, ok := g.Nodes[msg.ID]
	if !ok {
		return nil, errors.Errorf("replace: message %s not found", msg.ID)
	}

	next := g.Clone()
	replacement := clone.Clone(msg).(*Message)
	replacement.ParentID = existing.ParentID
	replacement.ChildrenIDs = append([]NodeID(nil), existing.ChildrenIDs...)
	next.Nodes[msg.ID] = replacement
	return next, nil
}

// RemoveSubtree removes the message and all its descendants, unlinking the
// message from its parent's ChildrenIDs.
func (g *Graph) RemoveSubtree(id NodeID) *Graph {
	next := g.Clone()
	node, ok := next.Nodes[id]
	if !ok {
		return next
	}

	if parent, ok := next.Nodes[node.ParentID]; ok {
		parent.ChildrenIDs = removeID(parent.ChildrenIDs, id)
	}
	next.removeRecursive(id)
	if next.RootID == id {
		next.RootID = NullNode
	}
	return next
}

func (g *Graph) removeRecursive(id NodeID) {
	node, ok := g.Nodes[id]
	if !ok {
		return
	}
	for _, childID := range node.ChildrenIDs {
		g.removeRecursive(childID)
	}
	delete(g.Nodes, id)
}

// ActivePath walks from currentID up to the root, then drills forward from
// currentID by following the selected branch (or branch 0) until a leaf is
// reached. An empty path is returned for a null currentID.
func (g *Graph) ActivePath(currentID NodeID, branch BranchState) Conversation {
	if currentID == NullNode {
		return nil
	}
	if _, ok := g.Nodes[currentID]; !ok {
		return nil
	}

	var path Conversation
	id := currentID
	for id != NullNode {
		node, ok := g.Nodes[id]
		if !ok {
			break
		}
		path = append(Conversation{node}, path...)
		id = node.ParentID
	}

	// Drill forward below currentID.
	node := g.Nodes[currentID]
	for len(node.ChildrenIDs) > 0 {
		idx := branch[node.ID]
		if idx < 0 || idx >= len(node.ChildrenIDs) {
			idx = 0
		}
		child, ok := g.Nodes[node.ChildrenIDs[idx]]
		if !ok {
			break
		}
		path = append(path, child)
		node = child
	}

	return path
}

// Thread returns the linear chain from the root to the given message,
// following parent links only.
func (g *Graph) Thread(id NodeID) Conversation {
	var thread Conversation
	for id != NullNode {
		node, ok := g.Nodes[id]
		if !ok {
			break
		}
		thread = append(Conversation{node}, thread...)
		id = node.ParentID
	}
	return thread
}

// Drill follows the branch selection from id down to a leaf and returns the
// leaf id.
func (g *Graph) Drill(id NodeID, branch BranchState) NodeID {
	node, ok := g.Nodes[id]
	if !ok {
		return id
	}
	for len(node.ChildrenIDs) > 0 {
		idx := branch[node.ID]
		if idx < 0 || idx >= len(node.ChildrenIDs) {
			idx = 0
		}
		child, ok := g.Nodes[node.ChildrenIDs[idx]]
		if !ok {
			break
		}
		node = child
	}
	return node.ID
}

// SwitchBranch selects branchIndex under parentID and returns the updated
// branch state together with the new current leaf, computed by drilling
// from the newly selected child with the updated map. Selecting the already
// active branch is a no-op.
func (g *Graph) SwitchBranch(branch BranchState, parentID NodeID, branchIndex int) (BranchState, NodeID, error) {
	parent, ok := g.Nodes[parentID]
	if !ok {
		return branch, NullNode, errors.Wrapf(ErrOrphanParent, "switch branch under %s", parentID)
	}
	if branchIndex < 0 || branchIndex >= len(parent.ChildrenIDs) {
		return branch, NullNode, errors.Wrapf(ErrInvalidBranchIndex,
			"index %d, %d branches", branchIndex, len(parent.ChildrenIDs))
	}

	current := branch[parentID]
	selected := parent.ChildrenIDs[branchIndex]
	if current == branchIndex {
		return branch, g.Drill(selected, branch), nil
	}

	next := branch.Clone()
	next[parentID] = branchIndex
	return next, g.Drill(selected, next), nil
}

// BranchInfo reports the selected index and total branch count under a
// parent. A total of one or less means no branch navigation is warranted;
// that judgement is left to the caller.
func (g *Graph) BranchInfo(branch BranchState, parentID NodeID) (BranchInfo, error) {
	parent, ok := g.Nodes[parentID]
	if !ok {
		return BranchInfo{}, errors.Wrapf(ErrOrphanParent, "branch info for %s", parentID)
	}
	return BranchInfo{
		CurrentIndex:  branch[parentID],
		TotalBranches: len(parent.ChildrenIDs),
	}, nil
}

// Siblings returns the ids of all children of the message's parent,
// including the message itself, in branch order.
func (g *Graph) Siblings(id NodeID) []NodeID {
	node, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	parent, ok := g.Nodes[node.ParentID]
	if !ok {
		return []NodeID{id}
	}
	return append([]NodeID(nil), parent.ChildrenIDs...)
}

// subtreeContains reports whether targetID is reachable from rootID by
// following child links (rootID itself included).
func (g *Graph) subtreeContains(rootID, targetID NodeID) bool {
	if rootID == targetID {
		return true
	}
	node, ok := g.Nodes[rootID]
	if !ok {
		return false
	}
	for _, childID := range node.ChildrenIDs {
		if g.subtreeContains(childID, targetID) {
			return true
		}
	}
	return false
}

func containsID(ids []NodeID, id NodeID) bool {
	for _, cur := range ids {
		if cur == id {
			return true
		}
	}
	return false
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	ret := ids[:0]
	for _, cur := range ids {
		if cur != id {
			ret = append(ret, cur)
		}
	}
	return ret
}
