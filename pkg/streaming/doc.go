// Package streaming folds a sequence of wire events into a single
// in-progress message and emits throttled snapshots of it.
//
// The Accumulator holds the folding state for one message; the Decoder
// drives it from a response body and dispatches tool calls. Snapshot
// emission is rate limited but the final state is always flushed when the
// stream finishes normally.
package streaming
