package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeStartStep              EventType = "start_step"
	EventTypeText                   EventType = "text"
	EventTypeReasoning              EventType = "reasoning"
	EventTypeRedactedReasoning      EventType = "redacted_reasoning"
	EventTypeReasoningSignature     EventType = "reasoning_signature"
	EventTypeSource                 EventType = "source"
	EventTypeMessageAnnotation      EventType = "message_annotation"
	EventTypeData                   EventType = "data"
	EventTypeToolCallStreamingStart EventType = "tool_call_streaming_start"
	EventTypeToolCallDelta          EventType = "tool_call_delta"
	EventTypeToolCall               EventType = "tool_call"
	EventTypeToolResult             EventType = "tool_result"
	EventTypeFinishStep             EventType = "finish_step"
	EventTypeFinishMessage          EventType = "finish_message"
	EventTypeError                  EventType = "error"
)

// Event is one decoded record from the structured-event wire protocol:
// a type tag plus a type-specific value payload.
type Event struct {
	Type  EventType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (e Event) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type))
	if len(e.Value) > 0 {
		ev.RawJSON("value", e.Value)
	}
}

var _ zerolog.LogObjectMarshaler = Event{}

// NewEvent builds an event with a marshaled value payload. Marshal failures
// are programming errors on the caller's side and yield an empty value.
func NewEvent(t EventType, value interface{}) Event {
	raw, err := json.Marshal(value)
	if err != nil {
		return Event{Type: t}
	}
	return Event{Type: t, Value: raw}
}

// Decode unmarshals the event value into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Value) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(e.Value, v), "decode %s value", e.Type)
}

type StartStep struct {
	MessageID string `json:"messageId,omitempty"`
}

type FinishStep struct {
	FinishReason string `json:"finishReason"`
	IsContinued  bool   `json:"isContinued,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type FinishMessage struct {
	FinishReason string `json:"finishReason"`
	Usage        *Usage `json:"usage,omitempty"`
}

type ToolCallStart struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type ToolCallDelta struct {
	ToolCallID    string `json:"toolCallId"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
}

type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type ReasoningSignature struct {
	Signature string `json:"signature"`
}

type RedactedReasoning struct {
	Data string `json:"data"`
}

const (
	FinishReasonStop  = "stop"
	FinishReasonError = "error"
)
