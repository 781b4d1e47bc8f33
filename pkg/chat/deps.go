package chat

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/conversation"
)

// Doer issues HTTP requests. *http.Client satisfies it; tests inject their
// own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CombineFunc joins already-generated content with a continuation,
// guarding against duplicated fragments at the seam.
type CombineFunc func(prefix, suffix string) string

// DefaultCombine drops the longest overlap between the end of prefix and
// the start of suffix before joining.
func DefaultCombine(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	if suffix == "" {
		return prefix
	}
	max := len(prefix)
	if len(suffix) < max {
		max = len(suffix)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(prefix, suffix[:n]) {
			return prefix + suffix[n:]
		}
	}
	return prefix + suffix
}

// Deps is the injected dependency bundle for the orchestrator: id
// generation, logging, transport, persistence and content combination are
// all supplied by the caller so they can be replaced in tests.
type Deps struct {
	Client  Doer
	NewID   func() conversation.NodeID
	Logger  zerolog.Logger
	Store   Store
	Combine CombineFunc
	Sinks   []EventSink

	// OnError is invoked for every non-abort failure, after state has been
	// rolled back (unless KeepOnError is set on the orchestrator).
	OnError func(error)
}

func (d *Deps) fillDefaults() {
	if d.Client == nil {
		d.Client = http.DefaultClient
	}
	if d.NewID == nil {
		d.NewID = conversation.NewNodeID
	}
	if d.Combine == nil {
		d.Combine = DefaultCombine
	}
}

func (d *Deps) publishEvent(event Event) {
	for _, sink := range d.Sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to publish event to sink")
		}
	}
}
