package chat

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/conversation"
)

// Session is the explicit cross-call state for one conversation: the graph
// snapshot, the branch selection and the current leaf. The caller owns it
// and passes it into every orchestrator operation; persistence goes through
// the injected Store, never through package state.
type Session struct {
	ID        string                   `json:"id"`
	Graph     *conversation.Graph      `json:"graph"`
	Branch    conversation.BranchState `json:"branch,omitempty"`
	CurrentID conversation.NodeID      `json:"currentID"`
}

func NewSession() *Session {
	return &Session{
		ID:     uuid.NewString(),
		Graph:  conversation.NewGraph(),
		Branch: make(conversation.BranchState),
	}
}

// ActivePath resolves the displayed message sequence for this session.
func (s *Session) ActivePath() conversation.Conversation {
	return s.Graph.ActivePath(s.CurrentID, s.Branch)
}

// Messages returns every message in the session's graph, in no particular
// order.
func (s *Session) Messages() conversation.Conversation {
	ret := make(conversation.Conversation, 0, s.Graph.Len())
	for _, msg := range s.Graph.Nodes {
		ret = append(ret, msg)
	}
	return ret
}

func sessionKey(id string) string {
	return "conversations/" + id + ".json"
}

// SaveSession serializes the full session to the store. Called at
// message-finalization boundaries.
func SaveSession(store Store, session *Session) error {
	if store == nil {
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	return errors.Wrap(store.Set(sessionKey(session.ID), data), "save session")
}

// LoadSession restores a session from the store and deduplicates user
// messages that older dumps may have doubled up.
func LoadSession(store Store, id string) (*Session, error) {
	data, err := store.Get(sessionKey(id))
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "unmarshal session")
	}
	if session.Graph == nil {
		session.Graph = conversation.NewGraph()
	}
	if session.Branch == nil {
		session.Branch = make(conversation.BranchState)
	}
	session.Graph = session.Graph.DeduplicateUserMessages()
	if _, ok := session.Graph.Get(session.CurrentID); !ok {
		session.CurrentID = session.Graph.Drill(session.Graph.RootID, session.Branch)
	}
	return &session, nil
}
