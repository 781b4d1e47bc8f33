package chat

import (
	"github.com/rs/zerolog"

	"github.com/go-go-golems/grillo/pkg/conversation"
)

type EventType string

const (
	EventTypeStart     EventType = "start"
	EventTypePartial   EventType = "partial"
	EventTypeFinal     EventType = "final"
	EventTypeInterrupt EventType = "interrupt"
	EventTypeError     EventType = "error"
)

// EventMetadata correlates lifecycle events with a conversation and the
// message the request is writing into.
type EventMetadata struct {
	ConversationID string              `json:"conversation_id"`
	MessageID      conversation.NodeID `json:"message_id"`
	Model          string              `json:"model,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("conversation_id", em.ConversationID)
	e.Str("message_id", em.MessageID.String())
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}

// Event is one request-lifecycle notification published to the registered
// sinks.
type Event struct {
	Type     EventType     `json:"type"`
	Metadata EventMetadata `json:"meta"`

	// Completion is the accumulated assistant text so far (partial, final
	// and interrupt events).
	Completion string `json:"completion,omitempty"`
	// ErrorString carries the failure for error events.
	ErrorString string `json:"error_string,omitempty"`
	// FinishReason is set on final events.
	FinishReason string `json:"finish_reason,omitempty"`
}

func (e Event) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type))
	ev.Object("meta", e.Metadata)
	if e.Completion != "" {
		ev.Str("completion", e.Completion)
	}
	if e.ErrorString != "" {
		ev.Str("error", e.ErrorString)
	}
	if e.FinishReason != "" {
		ev.Str("finish_reason", e.FinishReason)
	}
}

var _ zerolog.LogObjectMarshaler = Event{}

func NewStartEvent(metadata EventMetadata) Event {
	return Event{Type: EventTypeStart, Metadata: metadata}
}

func NewPartialEvent(metadata EventMetadata, completion string) Event {
	return Event{Type: EventTypePartial, Metadata: metadata, Completion: completion}
}

func NewFinalEvent(metadata EventMetadata, completion string, finishReason string) Event {
	return Event{Type: EventTypeFinal, Metadata: metadata, Completion: completion, FinishReason: finishReason}
}

func NewInterruptEvent(metadata EventMetadata, completion string) Event {
	return Event{Type: EventTypeInterrupt, Metadata: metadata, Completion: completion}
}

func NewErrorEvent(metadata EventMetadata, err error) Event {
	return Event{Type: EventTypeError, Metadata: metadata, ErrorString: err.Error()}
}
