package chat

// EventSink is a destination for request-lifecycle events. Implementations
// can publish to a message bus, a log, or a UI update channel.
type EventSink interface {
	PublishEvent(event Event) error
}

// NullSink discards all events. Useful for tests or when event publishing
// is not desired.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)
