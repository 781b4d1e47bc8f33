package chat

import (
	"context"

	"github.com/pkg/errors"
)

// ErrRequestInFlight is returned when an operation would start a second
// concurrent request for the same orchestrator. Callers must Stop first.
var ErrRequestInFlight = errors.New("a request is already in flight")

// TransportError wraps a network or HTTP failure. It triggers rollback and
// flips the orchestrator to the error state.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAbort reports whether err stems from user-initiated cancellation.
// Aborts are silent: the orchestrator returns to ready and the error is
// not surfaced as a failure.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}
