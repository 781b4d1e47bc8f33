package conversation

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// DeduplicateUserMessages collapses user messages with identical content
// into a single survivor and returns the pruned snapshot.
//
// Within a duplicate group the survivor is the message with a non-empty
// child list, ties broken by most children, otherwise the most recently
// created one. This tie-break is a compatibility heuristic carried over
// from older conversation dumps; it is kept verbatim. Children of removed
// duplicates are re-pointed at the survivor so that no parent reference
// dangles, except when the survivor sits inside the child's own subtree:
// re-pointing there would close a parent cycle, so such children keep a
// null parent and become roots.
func (g *Graph) DeduplicateUserMessages() *Graph {
	groups := make(map[string][]*Message)
	for _, msg := range g.Nodes {
		if msg.Role != RoleUser {
			continue
		}
		groups[msg.Content] = append(groups[msg.Content], msg)
	}

	var removed []NodeID
	survivors := make(map[NodeID]NodeID)
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if len(a.ChildrenIDs) != len(b.ChildrenIDs) {
				return len(a.ChildrenIDs) > len(b.ChildrenIDs)
			}
			return a.CreatedAt.After(b.CreatedAt)
		})

		keep := group[0]
		for _, msg := range group[1:] {
			removed = append(removed, msg.ID)
			survivors[msg.ID] = keep.ID
		}
	}

	if len(removed) == 0 {
		return g
	}

	log.Debug().
		Int("removed", len(removed)).
		Int("node_count", len(g.Nodes)).
		Msg("deduplicating user messages")

	next := g.Clone()
	removedSet := make(map[NodeID]bool, len(removed))
	for _, id := range removed {
		removedSet[id] = true
	}

	for _, id := range removed {
		node := next.Nodes[id]
		if node == nil {
			continue
		}
		keepID := survivors[id]
		keep := next.Nodes[keepID]

		// Adopt orphaned children onto the survivor. A child whose subtree
		// contains the survivor cannot be adopted without making the child
		// its own ancestor; it gets a null parent instead.
		orphanRoot := NullNode
		for _, childID := range node.ChildrenIDs {
			child, ok := next.Nodes[childID]
			if !ok {
				continue
			}
			if childID == keepID || next.subtreeContains(childID, keepID) {
				child.ParentID = NullNode
				if orphanRoot == NullNode {
					orphanRoot = childID
				}
				continue
			}
			child.ParentID = keepID
			if keep != nil && !containsID(keep.ChildrenIDs, childID) {
				keep.ChildrenIDs = append(keep.ChildrenIDs, childID)
			}
		}

		delete(next.Nodes, id)
		if next.RootID == id {
			if orphanRoot != NullNode {
				next.RootID = orphanRoot
			} else {
				next.RootID = keepID
			}
		}
	}

	// Unlink dangling references to removed ids.
	for _, node := range next.Nodes {
		filtered := node.ChildrenIDs[:0]
		for _, childID := range node.ChildrenIDs {
			if !removedSet[childID] {
				filtered = append(filtered, childID)
			}
		}
		node.ChildrenIDs = filtered
	}

	return next
}
