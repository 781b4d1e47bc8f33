package streaming

import (
	"encoding/json"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/conversation"
	"github.com/go-go-golems/grillo/pkg/wire"
)

// Accumulator folds decoded wire events into one in-progress message.
//
// It tracks the "current" text and reasoning parts of the active step so
// that deltas append to the right place, and resets those pointers on step
// boundaries unless the step is flagged as a continuation. The accumulator
// never terminates on a bad event: Apply reports the problem and the stream
// moves on.
//
// Usage mirrors a streaming merge:
//  1. Create with NewAccumulator around the in-progress message slot.
//  2. Call Apply for every decoded event.
//  3. Read throttled copies via Snapshot, and Seal at stream end.
type Accumulator struct {
	msg *conversation.Message

	currentText      *conversation.TextPart
	currentReasoning *conversation.ReasoningPart

	step         int
	finishReason string
	usage        *wire.Usage
	errText      string
	sealed       bool
}

func NewAccumulator(msg *conversation.Message) *Accumulator {
	return &Accumulator{msg: msg}
}

// Snapshot returns a deep copy of the in-progress message.
func (a *Accumulator) Snapshot() *conversation.Message {
	return clone.Clone(a.msg).(*conversation.Message)
}

func (a *Accumulator) FinishReason() string {
	if a.errText != "" {
		return wire.FinishReasonError
	}
	return a.finishReason
}

func (a *Accumulator) Usage() *wire.Usage {
	return a.usage
}

func (a *Accumulator) ErrText() string {
	return a.errText
}

func (a *Accumulator) Sealed() bool {
	return a.sealed
}

// Apply folds one event into the message. The returned ToolCallStart is
// non-nil when a finalized tool_call should be dispatched to a caller
// supplied tool-result callback.
func (a *Accumulator) Apply(ev wire.Event) (*wire.ToolCall, error) {
	switch ev.Type {
	case wire.EventTypeStartStep:
		var start wire.StartStep
		if err := ev.Decode(&start); err != nil {
			return nil, err
		}
		if start.MessageID != "" {
			a.assignMessageID(start.MessageID)
		}
		return nil, nil

	case wire.EventTypeText:
		a.appendText(wire.DecodeTextValue(ev.Value))
		return nil, nil

	case wire.EventTypeReasoning:
		a.reasoningPart().AppendText(wire.DecodeTextValue(ev.Value))
		return nil, nil

	case wire.EventTypeRedactedReasoning:
		var redacted wire.RedactedReasoning
		if err := ev.Decode(&redacted); err != nil {
			return nil, err
		}
		part := a.reasoningPart()
		part.Details = append(part.Details, conversation.ReasoningDetail{
			Kind: conversation.ReasoningDetailRedacted,
			Data: redacted.Data,
		})
		return nil, nil

	case wire.EventTypeReasoningSignature:
		var sig wire.ReasoningSignature
		if err := ev.Decode(&sig); err != nil {
			return nil, err
		}
		part := a.currentReasoning
		if part == nil || len(part.Details) == 0 {
			log.Debug().Msg("reasoning signature without reasoning detail, dropping")
			return nil, nil
		}
		part.Details[len(part.Details)-1].Signature = sig.Signature
		return nil, nil

	case wire.EventTypeSource:
		var source map[string]interface{}
		if err := ev.Decode(&source); err != nil {
			return nil, err
		}
		a.msg.Parts = append(a.msg.Parts, &conversation.SourcePart{Source: source})
		return nil, nil

	case wire.EventTypeMessageAnnotation:
		var many []interface{}
		if err := json.Unmarshal(ev.Value, &many); err == nil {
			a.msg.Annotations = append(a.msg.Annotations, many...)
			return nil, nil
		}
		var one interface{}
		if err := ev.Decode(&one); err != nil {
			return nil, err
		}
		a.msg.Annotations = append(a.msg.Annotations, one)
		return nil, nil

	case wire.EventTypeData:
		var data map[string]interface{}
		if err := ev.Decode(&data); err != nil {
			return nil, err
		}
		if a.msg.Data == nil {
			a.msg.Data = make(map[string]interface{}, len(data))
		}
		for k, v := range data {
			a.msg.Data[k] = v
		}
		return nil, nil

	case wire.EventTypeToolCallStreamingStart:
		var start wire.ToolCallStart
		if err := ev.Decode(&start); err != nil {
			return nil, err
		}
		a.msg.Parts = append(a.msg.Parts, &conversation.ToolInvocationPart{
			State:      conversation.ToolStatePartialCall,
			ToolCallID: start.ToolCallID,
			ToolName:   start.ToolName,
		})
		return nil, nil

	case wire.EventTypeToolCallDelta:
		var delta wire.ToolCallDelta
		if err := ev.Decode(&delta); err != nil {
			return nil, err
		}
		part, ok := a.msg.ToolInvocation(delta.ToolCallID)
		if !ok {
			return nil, errors.Errorf("tool_call_delta for unknown call %q", delta.ToolCallID)
		}
		part.ArgsText += delta.ArgsTextDelta
		if args, ok := wire.RepairPartialJSON(part.ArgsText); ok {
			part.Args = args
		}
		return nil, nil

	case wire.EventTypeToolCall:
		var call wire.ToolCall
		if err := ev.Decode(&call); err != nil {
			return nil, err
		}
		part, ok := a.msg.ToolInvocation(call.ToolCallID)
		if !ok {
			part = &conversation.ToolInvocationPart{ToolCallID: call.ToolCallID}
			a.msg.Parts = append(a.msg.Parts, part)
		}
		part.State = conversation.ToolStateCall
		if call.ToolName != "" {
			part.ToolName = call.ToolName
		}
		if len(call.Args) > 0 {
			var args interface{}
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, errors.Wrapf(err, "tool_call args for %q", call.ToolCallID)
			}
			part.Args = args
			part.ArgsText = string(call.Args)
		} else if args, ok := wire.RepairPartialJSON(part.ArgsText); ok {
			part.Args = args
		}
		return &wire.ToolCall{ToolCallID: part.ToolCallID, ToolName: part.ToolName, Args: call.Args}, nil

	case wire.EventTypeToolResult:
		var result wire.ToolResult
		if err := ev.Decode(&result); err != nil {
			return nil, err
		}
		var value interface{}
		if len(result.Result) > 0 {
			if err := json.Unmarshal(result.Result, &value); err != nil {
				return nil, errors.Wrapf(err, "tool_result for %q", result.ToolCallID)
			}
		}
		a.ApplyToolResult(result.ToolCallID, value)
		return nil, nil

	case wire.EventTypeFinishStep:
		var finish wire.FinishStep
		if err := ev.Decode(&finish); err != nil {
			finish = wire.FinishStep{FinishReason: wire.FinishReasonStop}
		}
		a.step++
		if finish.IsContinued {
			if a.currentText != nil {
				a.currentText.IsContinued = true
			}
			if a.currentReasoning != nil {
				a.currentReasoning.IsContinued = true
			}
		} else {
			a.currentText = nil
			a.currentReasoning = nil
		}
		return nil, nil

	case wire.EventTypeFinishMessage:
		var finish wire.FinishMessage
		if err := ev.Decode(&finish); err != nil {
			finish = wire.FinishMessage{FinishReason: wire.FinishReasonStop}
		}
		a.finishReason = finish.FinishReason
		if a.finishReason == "" {
			a.finishReason = wire.FinishReasonStop
		}
		if finish.Usage != nil {
			a.usage = finish.Usage
			if a.msg.Data == nil {
				a.msg.Data = make(map[string]interface{})
			}
			a.msg.Data["usage"] = *finish.Usage
		}
		a.Seal()
		return nil, nil

	case wire.EventTypeError:
		errText := wire.DecodeTextValue(ev.Value)
		a.errText = errText
		if a.msg.Data == nil {
			a.msg.Data = make(map[string]interface{})
		}
		a.msg.Data["error"] = errText
		return nil, nil

	default:
		return nil, errors.Errorf("unknown event type %q", ev.Type)
	}
}

// ApplyToolResult attaches a result to the invocation with the given id,
// creating the part when no tool_call record preceded it.
func (a *Accumulator) ApplyToolResult(toolCallID string, result interface{}) {
	part, ok := a.msg.ToolInvocation(toolCallID)
	if !ok {
		part = &conversation.ToolInvocationPart{ToolCallID: toolCallID}
		a.msg.Parts = append(a.msg.Parts, part)
	}
	part.Result = result
	part.State = conversation.ToolStateResult
}

// Seal finalizes the message: the finish reason defaults to stop, and a
// message that streamed no text gets one empty text part so downstream
// consumers never see a partless message.
func (a *Accumulator) Seal() {
	if a.sealed {
		return
	}
	a.sealed = true
	if a.finishReason == "" {
		a.finishReason = wire.FinishReasonStop
	}

	hasText := false
	for _, part := range a.msg.Parts {
		if _, ok := part.(*conversation.TextPart); ok {
			hasText = true
			break
		}
	}
	if !hasText {
		a.msg.Parts = append(a.msg.Parts, &conversation.TextPart{})
	}
}

func (a *Accumulator) appendText(delta string) {
	if delta == "" {
		return
	}
	a.msg.Content += delta
	if a.currentText == nil {
		a.currentText = &conversation.TextPart{}
		a.msg.Parts = append(a.msg.Parts, a.currentText)
	}
	a.currentText.Text += delta
}

func (a *Accumulator) reasoningPart() *conversation.ReasoningPart {
	if a.currentReasoning == nil {
		a.currentReasoning = &conversation.ReasoningPart{}
		a.msg.Parts = append(a.msg.Parts, a.currentReasoning)
	}
	return a.currentReasoning
}

// assignMessageID adopts a server-assigned message id when it parses as a
// node id; opaque ids are kept in the data side channel instead so that
// graph links stay intact.
func (a *Accumulator) assignMessageID(id string) {
	var nodeID conversation.NodeID
	if err := nodeID.UnmarshalText([]byte(id)); err == nil {
		a.msg.ID = nodeID
		return
	}
	if a.msg.Data == nil {
		a.msg.Data = make(map[string]interface{})
	}
	a.msg.Data["remoteMessageId"] = id
}
