package streaming

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/conversation"
	"github.com/go-go-golems/grillo/pkg/wire"
)

// ToolResultFunc produces a result for a finalized tool call. It runs in
// its own goroutine; the invocation transitions to the result state when it
// returns.
type ToolResultFunc func(ctx context.Context, toolCallID string, toolName string, args interface{}) (interface{}, error)

// Result is the outcome of decoding one response stream.
type Result struct {
	Message      *conversation.Message
	FinishReason string
	Usage        *wire.Usage
	ErrText      string
}

type DecoderOption func(*Decoder)

func WithThrottleInterval(interval time.Duration) DecoderOption {
	return func(d *Decoder) {
		d.throttleInterval = interval
	}
}

func WithToolResultFunc(fn ToolResultFunc) DecoderOption {
	return func(d *Decoder) {
		d.onToolCall = fn
	}
}

// Decoder turns a response body into an ordered sequence of updates to one
// in-progress message, emitting throttled snapshots to a caller supplied
// sink.
//
// Two wire protocols are supported: DecodeText consumes the body as raw
// text, DecodeData as newline-delimited event records (structured or
// legacy-prefixed, see package wire). Deltas are applied in exactly the
// order they are read; throttling coalesces emissions but never reorders or
// drops the final state of any field. Cancellation is cooperative: the
// context is checked between chunk reads, and an aborted stream leaves the
// last emitted snapshot authoritative (no final flush).
type Decoder struct {
	throttleInterval time.Duration
	onToolCall       ToolResultFunc
}

func NewDecoder(options ...DecoderOption) *Decoder {
	ret := &Decoder{
		throttleInterval: DefaultThrottleInterval,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// DecodeText consumes a plain-text protocol body: every chunk is appended
// directly to the message content and a single running text part. Finish is
// signaled only by stream end and always reports a stop finish reason.
func (d *Decoder) DecodeText(ctx context.Context, body io.Reader, msg *conversation.Message, sink SnapshotFunc) (*Result, error) {
	acc := NewAccumulator(msg)
	emit := newThrottle(d.throttleInterval, sink)

	reader := bufio.NewReader(body)
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			log.Debug().Msg("text stream cancelled")
			return nil, err
		}

		n, err := reader.Read(buf)
		if n > 0 {
			acc.appendText(string(buf[:n]))
			emit.Offer(acc)
		}
		if err != nil {
			if err != io.EOF {
				return nil, errors.Wrap(err, "read text stream")
			}
			break
		}
	}

	acc.Seal()
	emit.Flush(acc)
	return d.result(acc), nil
}

// DecodeData consumes a structured-event protocol body: one record per
// line, each either a type+value JSON record or a legacy prefixed line.
// Malformed records are logged and skipped; the stream continues.
func (d *Decoder) DecodeData(ctx context.Context, body io.Reader, msg *conversation.Message, sink SnapshotFunc) (*Result, error) {
	acc := NewAccumulator(msg)
	emit := newThrottle(d.throttleInterval, sink)

	// Tool-result callbacks run concurrently with the read loop; commits
	// to the accumulator and emitter go through mu.
	var mu sync.Mutex
	var callbacks sync.WaitGroup

	reader := bufio.NewReader(body)
	recordCount := 0
	for {
		if err := ctx.Err(); err != nil {
			log.Debug().Int("records", recordCount).Msg("data stream cancelled")
			return nil, err
		}

		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			recordCount++
			d.applyLine(ctx, line, acc, emit, &mu, &callbacks)
		}
		if err != nil {
			if err != io.EOF {
				return nil, errors.Wrap(err, "read data stream")
			}
			log.Debug().Int("records", recordCount).Msg("data stream finished")
			break
		}
	}

	callbacks.Wait()

	mu.Lock()
	defer mu.Unlock()
	acc.Seal()
	emit.Flush(acc)
	return d.result(acc), nil
}

func (d *Decoder) applyLine(
	ctx context.Context,
	line []byte,
	acc *Accumulator,
	emit *throttle,
	mu *sync.Mutex,
	callbacks *sync.WaitGroup,
) {
	ev, err := wire.ParseLine(line)
	if err != nil {
		log.Debug().Err(err).Msg("skipping malformed record")
		return
	}

	mu.Lock()
	toolCall, err := acc.Apply(ev)
	if err != nil {
		log.Debug().Err(err).Str("event_type", string(ev.Type)).Msg("event not applied")
		mu.Unlock()
		return
	}
	if ev.Type == wire.EventTypeFinishMessage {
		emit.Flush(acc)
	} else {
		emit.Offer(acc)
	}
	mu.Unlock()

	if toolCall != nil && d.onToolCall != nil {
		callbacks.Add(1)
		go func(call wire.ToolCall) {
			defer callbacks.Done()
			var args interface{}
			mu.Lock()
			if part, ok := acc.msg.ToolInvocation(call.ToolCallID); ok {
				args = part.Args
			}
			mu.Unlock()

			result, err := d.onToolCall(ctx, call.ToolCallID, call.ToolName, args)
			if err != nil {
				log.Warn().Err(err).Str("tool_call_id", call.ToolCallID).Msg("tool result callback failed")
				return
			}

			mu.Lock()
			acc.ApplyToolResult(call.ToolCallID, result)
			emit.Flush(acc)
			mu.Unlock()
		}(*toolCall)
	}
}

func (d *Decoder) result(acc *Accumulator) *Result {
	return &Result{
		Message:      acc.Snapshot(),
		FinishReason: acc.FinishReason(),
		Usage:        acc.Usage(),
		ErrText:      acc.ErrText(),
	}
}
