package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeReasoning      PartType = "reasoning"
	PartTypeToolInvocation PartType = "tool-invocation"
	PartTypeSource         PartType = "source"
)

// MessagePart is an interface for the different kinds of content a message
// can carry. The concrete variants are TextPart, ReasoningPart,
// ToolInvocationPart and SourcePart.
type MessagePart interface {
	PartType() PartType
	String() string
}

type TextPart struct {
	Text        string `json:"text"`
	IsContinued bool   `json:"isContinued,omitempty"`
}

func (p *TextPart) PartType() PartType {
	return PartTypeText
}

func (p *TextPart) String() string {
	return p.Text
}

var _ MessagePart = (*TextPart)(nil)

type ReasoningDetailKind string

const (
	ReasoningDetailText     ReasoningDetailKind = "text"
	ReasoningDetailRedacted ReasoningDetailKind = "redacted"
)

// ReasoningDetail is one entry in a reasoning part. Text details carry the
// streamed reasoning text and an optional signature; redacted details carry
// opaque provider data instead.
type ReasoningDetail struct {
	Kind      ReasoningDetailKind `json:"kind"`
	Text      string              `json:"text,omitempty"`
	Signature string              `json:"signature,omitempty"`
	Data      string              `json:"data,omitempty"`
}

type ReasoningPart struct {
	Reasoning   string            `json:"reasoning"`
	Details     []ReasoningDetail `json:"details,omitempty"`
	IsContinued bool              `json:"isContinued,omitempty"`
}

func (p *ReasoningPart) PartType() PartType {
	return PartTypeReasoning
}

func (p *ReasoningPart) String() string {
	return p.Reasoning
}

// AppendText appends delta to the running reasoning text and to the latest
// text detail, opening a new detail if the last one is redacted or missing.
func (p *ReasoningPart) AppendText(delta string) {
	p.Reasoning += delta
	n := len(p.Details)
	if n == 0 || p.Details[n-1].Kind != ReasoningDetailText {
		p.Details = append(p.Details, ReasoningDetail{Kind: ReasoningDetailText})
		n++
	}
	p.Details[n-1].Text += delta
}

var _ MessagePart = (*ReasoningPart)(nil)

type ToolInvocationState string

const (
	ToolStatePartialCall ToolInvocationState = "partial-call"
	ToolStateCall        ToolInvocationState = "call"
	ToolStateResult      ToolInvocationState = "result"
)

// ToolInvocationPart tracks a model-initiated tool call through its
// partial-call, call and result states. ArgsText accumulates the raw
// streamed argument text; Args holds the latest (possibly repaired) parse.
type ToolInvocationPart struct {
	State      ToolInvocationState `json:"state"`
	ToolCallID string              `json:"toolCallId"`
	ToolName   string              `json:"toolName"`
	Args       interface{}         `json:"args,omitempty"`
	ArgsText   string              `json:"argsText,omitempty"`
	Result     interface{}         `json:"result,omitempty"`
}

func (p *ToolInvocationPart) PartType() PartType {
	return PartTypeToolInvocation
}

func (p *ToolInvocationPart) String() string {
	return fmt.Sprintf("ToolInvocation{State: %s, ID: %s, Name: %s}", p.State, p.ToolCallID, p.ToolName)
}

var _ MessagePart = (*ToolInvocationPart)(nil)

type SourcePart struct {
	Source map[string]interface{} `json:"source"`
}

func (p *SourcePart) PartType() PartType {
	return PartTypeSource
}

func (p *SourcePart) String() string {
	return fmt.Sprintf("Source{%v}", p.Source)
}

var _ MessagePart = (*SourcePart)(nil)

// Intermediate representation for unmarshaling a part.
type partAlias struct {
	Type    PartType        `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func marshalPart(p MessagePart) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(partAlias{Type: p.PartType(), Payload: payload})
}

func unmarshalPart(data []byte) (MessagePart, error) {
	var pa partAlias
	if err := json.Unmarshal(data, &pa); err != nil {
		return nil, err
	}

	switch pa.Type {
	case PartTypeText:
		var p *TextPart
		if err := json.Unmarshal(pa.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeReasoning:
		var p *ReasoningPart
		if err := json.Unmarshal(pa.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeToolInvocation:
		var p *ToolInvocationPart
		if err := json.Unmarshal(pa.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeSource:
		var p *SourcePart
		if err := json.Unmarshal(pa.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, errors.Errorf("unknown part type %q", pa.Type)
	}
}
