package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NodeID uuid.UUID

func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	var uuid uuid.UUID
	if err := json.Unmarshal(data, &uuid); err != nil {
		return err
	}
	*id = NodeID(uuid)
	return nil
}

// MarshalText makes NodeID usable as a JSON map key.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(id).String()), nil
}

func (id *NodeID) UnmarshalText(data []byte) error {
	parsed, err := uuid.Parse(string(data))
	if err != nil {
		return err
	}
	*id = NodeID(parsed)
	return nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// NullNode marks the absence of a parent. The root of a conversation is the
// single message whose ParentID is NullNode.
var NullNode = NodeID(uuid.Nil)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is a single node in the conversation graph.
//
// Content is the concatenation of all text parts and is kept in sync with
// Parts for backward compatibility. ChildrenIDs is ordered by branch
// creation; branch index i always refers to the same child until that
// branch is removed. Data is a free-form side channel (reasoning
// signatures, tool maps, error text) and must never duplicate ParentID or
// ChildrenIDs.
type Message struct {
	ID          NodeID    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	ParentID    NodeID    `json:"parentID"`
	ChildrenIDs []NodeID  `json:"childrenIDs,omitempty"`
	Model       string    `json:"model,omitempty"`

	Parts       []MessagePart          `json:"parts,omitempty"`
	Annotations []interface{}          `json:"annotations,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithModel(model string) MessageOption {
	return func(m *Message) {
		m.Model = model
	}
}

func WithParts(parts ...MessagePart) MessageOption {
	return func(m *Message) {
		m.Parts = parts
	}
}

func WithData(data map[string]interface{}) MessageOption {
	return func(m *Message) {
		m.Data = data
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:        NewNodeID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	if len(ret.Parts) == 0 && content != "" {
		ret.Parts = []MessagePart{&TextPart{Text: content}}
	}

	return ret
}

// LastTextPart returns the last text part, or nil if there is none.
func (m *Message) LastTextPart() *TextPart {
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if p, ok := m.Parts[i].(*TextPart); ok {
			return p
		}
	}
	return nil
}

// ToolInvocation finds the tool invocation part with the given call id.
func (m *Message) ToolInvocation(toolCallID string) (*ToolInvocationPart, bool) {
	for _, part := range m.Parts {
		if p, ok := part.(*ToolInvocationPart); ok && p.ToolCallID == toolCallID {
			return p, true
		}
	}
	return nil, false
}

// Intermediate representation for unmarshaling, since Parts needs the
// tagged-variant decoder.
type messageAlias struct {
	ID          NodeID                 `json:"id"`
	Role        Role                   `json:"role"`
	Content     string                 `json:"content"`
	CreatedAt   time.Time              `json:"createdAt"`
	ParentID    NodeID                 `json:"parentID"`
	ChildrenIDs []NodeID               `json:"childrenIDs,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Parts       []json.RawMessage      `json:"parts,omitempty"`
	Annotations []interface{}          `json:"annotations,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var ma messageAlias
	if err := json.Unmarshal(data, &ma); err != nil {
		return err
	}

	parts := make([]MessagePart, 0, len(ma.Parts))
	for _, raw := range ma.Parts {
		part, err := unmarshalPart(raw)
		if err != nil {
			return err
		}
		parts = append(parts, part)
	}

	m.ID = ma.ID
	m.Role = ma.Role
	m.Content = ma.Content
	m.CreatedAt = ma.CreatedAt
	m.ParentID = ma.ParentID
	m.ChildrenIDs = ma.ChildrenIDs
	m.Model = ma.Model
	m.Parts = parts
	m.Annotations = ma.Annotations
	m.Data = ma.Data
	return nil
}

func (m *Message) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(m.Parts))
	for _, part := range m.Parts {
		raw, err := marshalPart(part)
		if err != nil {
			return nil, err
		}
		parts = append(parts, raw)
	}

	return json.Marshal(messageAlias{
		ID:          m.ID,
		Role:        m.Role,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		ParentID:    m.ParentID,
		ChildrenIDs: m.ChildrenIDs,
		Model:       m.Model,
		Parts:       parts,
		Annotations: m.Annotations,
		Data:        m.Data,
	})
}

// Conversation is an ordered sequence of messages, usually an active path
// from the root to a leaf.
type Conversation []*Message
