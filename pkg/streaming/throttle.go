package streaming

import (
	"time"

	"github.com/go-go-golems/grillo/pkg/conversation"
)

// SnapshotFunc receives throttled copies of the in-progress message.
type SnapshotFunc func(msg *conversation.Message)

// DefaultThrottleInterval is the minimum spacing between coalesced
// snapshot emissions.
const DefaultThrottleInterval = 50 * time.Millisecond

// throttle coalesces bursts of deltas into periodic snapshots. The very
// first offer always emits, so a caller sees at least one update even for
// an instant stream; Flush bypasses the interval entirely.
type throttle struct {
	interval time.Duration
	sink     SnapshotFunc
	last     time.Time
	emitted  bool
	now      func() time.Time
}

func newThrottle(interval time.Duration, sink SnapshotFunc) *throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &throttle{
		interval: interval,
		sink:     sink,
		now:      time.Now,
	}
}

// Offer emits a snapshot if this is the first delta or the interval has
// elapsed since the last emission.
func (t *throttle) Offer(a *Accumulator) {
	if t.sink == nil {
		return
	}
	now := t.now()
	if t.emitted && now.Sub(t.last) < t.interval {
		return
	}
	t.emitted = true
	t.last = now
	t.sink(a.Snapshot())
}

// Flush emits unconditionally. Used on finish_message and stream end.
func (t *throttle) Flush(a *Accumulator) {
	if t.sink == nil {
		return
	}
	t.emitted = true
	t.last = t.now()
	t.sink(a.Snapshot())
}
