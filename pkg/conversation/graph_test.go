package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustAttach(t *testing.T, g *Graph, msg *Message, currentID NodeID, branch BranchState) *Graph {
	t.Helper()
	next, err := g.Attach(msg, currentID, branch)
	require.NoError(t, err)
	return next
}

// buildLinear grows user/assistant/user/assistant... and returns the graph
// plus the messages in order.
func buildLinear(t *testing.T, contents ...string) (*Graph, []*Message) {
	t.Helper()
	g := NewGraph()
	branch := make(BranchState)
	current := NullNode

	msgs := make([]*Message, 0, len(contents))
	for i, content := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg := NewMessage(role, content, WithCreatedAt(time.Now().Add(time.Duration(i)*time.Second)))
		g = mustAttach(t, g, msg, current, branch)
		current = msg.ID
		msgs = append(msgs, msg)
	}
	return g, msgs
}

func TestAttachInfersParents(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1", "q2", "a2")

	require.Equal(t, msgs[0].ID, g.RootID)

	stored := func(i int) *Message {
		msg, ok := g.Get(msgs[i].ID)
		require.True(t, ok)
		return msg
	}

	require.Equal(t, NullNode, stored(0).ParentID)
	require.Equal(t, msgs[0].ID, stored(1).ParentID)
	require.Equal(t, msgs[1].ID, stored(2).ParentID)
	require.Equal(t, msgs[2].ID, stored(3).ParentID)

	// ChildrenIDs mirror the parent links.
	require.Equal(t, []NodeID{msgs[1].ID}, stored(0).ChildrenIDs)
	require.Equal(t, []NodeID{msgs[2].ID}, stored(1).ChildrenIDs)
}

func TestAttachOrphanParent(t *testing.T) {
	g := NewGraph()
	msg := NewMessage(RoleUser, "hello", WithParentID(NewNodeID()))

	_, err := g.Attach(msg, NullNode, nil)
	require.ErrorIs(t, err, ErrOrphanParent)
}

func TestAttachDoesNotMutateReceiver(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1")
	before := g.Len()

	next := mustAttach(t, g, NewMessage(RoleUser, "q2"), msgs[1].ID, nil)

	require.Equal(t, before, g.Len())
	require.Equal(t, before+1, next.Len())
}

func TestActivePathLinear(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1", "q2", "a2")

	path := g.ActivePath(msgs[3].ID, nil)
	require.Len(t, path, 4)
	for i, msg := range msgs {
		require.Equal(t, msg.ID, path[i].ID)
	}

	// Same path seen from an interior node: ancestors plus drill-forward.
	path = g.ActivePath(msgs[1].ID, nil)
	require.Len(t, path, 4)
	require.Equal(t, msgs[3].ID, path[3].ID)
}

func TestActivePathNullAndUnknown(t *testing.T) {
	g, _ := buildLinear(t, "q1", "a1")
	require.Nil(t, g.ActivePath(NullNode, nil))
	require.Nil(t, g.ActivePath(NewNodeID(), nil))
}

func TestBranchingAndSwitch(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1")
	branch := make(BranchState)

	// Second assistant reply under the same user message.
	alt := NewMessage(RoleAssistant, "a1-alt", WithParentID(msgs[0].ID))
	g = mustAttach(t, g, alt, msgs[1].ID, branch)

	info, err := g.BranchInfo(branch, msgs[0].ID)
	require.NoError(t, err)
	require.Equal(t, 0, info.CurrentIndex)
	require.Equal(t, 2, info.TotalBranches)

	// Default selection still shows the first reply.
	path := g.ActivePath(msgs[0].ID, branch)
	require.Equal(t, msgs[1].ID, path[len(path)-1].ID)

	next, leaf, err := g.SwitchBranch(branch, msgs[0].ID, 1)
	require.NoError(t, err)
	require.Equal(t, alt.ID, leaf)

	path = g.ActivePath(msgs[0].ID, next)
	require.Equal(t, alt.ID, path[len(path)-1].ID)

	// The original branch state is untouched.
	require.Equal(t, 0, branch[msgs[0].ID])
}

func TestSwitchBranchNoOp(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1")
	branch := make(BranchState)

	next, leaf, err := g.SwitchBranch(branch, msgs[0].ID, 0)
	require.NoError(t, err)
	require.Equal(t, msgs[1].ID, leaf)
	// Selecting the active branch returns the same map.
	require.Equal(t, BranchState(branch), next)
}

func TestSwitchBranchOutOfRange(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1")

	_, _, err := g.SwitchBranch(make(BranchState), msgs[0].ID, 5)
	require.ErrorIs(t, err, ErrInvalidBranchIndex)

	_, _, err = g.SwitchBranch(make(BranchState), msgs[0].ID, -1)
	require.ErrorIs(t, err, ErrInvalidBranchIndex)
}

func TestSwitchBranchPreservesDeeperSelection(t *testing.T) {
	// Branch selections below the switch point survive a switch above them.
	g, msgs := buildLinear(t, "q1", "a1", "q2", "a2")
	branch := make(BranchState)

	a2alt := NewMessage(RoleAssistant, "a2-alt", WithParentID(msgs[2].ID))
	g = mustAttach(t, g, a2alt, msgs[3].ID, branch)

	branch, leaf, err := g.SwitchBranch(branch, msgs[2].ID, 1)
	require.NoError(t, err)
	require.Equal(t, a2alt.ID, leaf)

	a1alt := NewMessage(RoleAssistant, "a1-alt", WithParentID(msgs[0].ID))
	g = mustAttach(t, g, a1alt, leaf, branch)

	branch, _, err = g.SwitchBranch(branch, msgs[0].ID, 1)
	require.NoError(t, err)
	branch, leaf, err = g.SwitchBranch(branch, msgs[0].ID, 0)
	require.NoError(t, err)

	// Back on the first branch, the deeper selection still points at the
	// alternate a2.
	require.Equal(t, a2alt.ID, leaf)
	require.Equal(t, 1, branch[msgs[2].ID])
}

func TestRemoveSubtree(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1", "q2", "a2")

	next := g.RemoveSubtree(msgs[1].ID)
	require.Equal(t, 1, next.Len())

	root, ok := next.Get(msgs[0].ID)
	require.True(t, ok)
	require.Empty(t, root.ChildrenIDs)

	// Original snapshot untouched.
	require.Equal(t, 4, g.Len())
}

func TestRemoveSubtreeRoot(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1")
	next := g.RemoveSubtree(msgs[0].ID)
	require.Equal(t, 0, next.Len())
	require.Equal(t, NullNode, next.RootID)
}

func TestReplacePreservesLinks(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1", "q2")

	updated := NewMessage(RoleAssistant, "a1 rewritten", WithID(msgs[1].ID))
	next, err := g.Replace(updated)
	require.NoError(t, err)

	stored, ok := next.Get(msgs[1].ID)
	require.True(t, ok)
	require.Equal(t, "a1 rewritten", stored.Content)
	require.Equal(t, msgs[0].ID, stored.ParentID)
	require.Equal(t, []NodeID{msgs[2].ID}, stored.ChildrenIDs)
}

func TestReplaceUnknown(t *testing.T) {
	g, _ := buildLinear(t, "q1")
	_, err := g.Replace(NewMessage(RoleAssistant, "nope"))
	require.Error(t, err)
}

func TestThread(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1", "q2", "a2")

	thread := g.Thread(msgs[2].ID)
	require.Len(t, thread, 3)
	require.Equal(t, msgs[0].ID, thread[0].ID)
	require.Equal(t, msgs[2].ID, thread[2].ID)
}

func TestSiblings(t *testing.T) {
	g, msgs := buildLinear(t, "q1", "a1")
	alt := NewMessage(RoleAssistant, "a1-alt", WithParentID(msgs[0].ID))
	g = mustAttach(t, g, alt, msgs[1].ID, nil)

	siblings := g.Siblings(msgs[1].ID)
	require.Equal(t, []NodeID{msgs[1].ID, alt.ID}, siblings)
}
