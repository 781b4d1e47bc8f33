package wire

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DecodeError marks a malformed record. It is always recovered locally:
// the decoder logs it and moves on to the next record.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return "decode record: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Legacy line prefixes. Older backends frame their event stream as
// <letter>:<payload> lines instead of type+value JSON records.
const (
	legacyPrefixStartStep     = 'f'
	legacyPrefixText          = '0'
	legacyPrefixFinishStep    = 'e'
	legacyPrefixFinishMessage = 'd'
)

// ParseLine decodes one newline-terminated record from the structured-event
// protocol. Records are either already in type+value JSON form, or in the
// legacy prefix form, which is translated into the structured vocabulary.
// Malformed payloads for start/finish prefixes fall back to a minimal
// synthetic event of the matching type instead of aborting the stream.
func ParseLine(line []byte) (Event, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return Event{}, &DecodeError{Line: "", Err: errors.New("empty record")}
	}

	if line[0] == '{' {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return Event{}, &DecodeError{Line: string(line), Err: err}
		}
		if ev.Type == "" {
			return Event{}, &DecodeError{Line: string(line), Err: errors.New("record without type")}
		}
		return ev, nil
	}

	idx := bytes.IndexByte(line, ':')
	if idx != 1 {
		return Event{}, &DecodeError{Line: string(line), Err: errors.New("unrecognized record framing")}
	}
	prefix := line[0]
	payload := line[2:]

	switch prefix {
	case legacyPrefixText:
		return NewEvent(EventTypeText, ExtractText(string(payload))), nil

	case legacyPrefixStartStep:
		var start StartStep
		if err := json.Unmarshal(payload, &start); err != nil {
			log.Debug().Err(err).Str("payload", string(payload)).Msg("malformed start_step record, using defaults")
			return NewEvent(EventTypeStartStep, StartStep{}), nil
		}
		return NewEvent(EventTypeStartStep, start), nil

	case legacyPrefixFinishStep:
		var finish FinishStep
		if err := json.Unmarshal(payload, &finish); err != nil {
			log.Debug().Err(err).Str("payload", string(payload)).Msg("malformed finish_step record, using defaults")
			return NewEvent(EventTypeFinishStep, FinishStep{FinishReason: FinishReasonStop}), nil
		}
		if finish.FinishReason == "" {
			finish.FinishReason = FinishReasonStop
		}
		return NewEvent(EventTypeFinishStep, finish), nil

	case legacyPrefixFinishMessage:
		var finish FinishMessage
		if err := json.Unmarshal(payload, &finish); err != nil {
			log.Debug().Err(err).Str("payload", string(payload)).Msg("malformed finish_message record, using defaults")
			return NewEvent(EventTypeFinishMessage, FinishMessage{FinishReason: FinishReasonStop}), nil
		}
		if finish.FinishReason == "" {
			finish.FinishReason = FinishReasonStop
		}
		return NewEvent(EventTypeFinishMessage, finish), nil

	default:
		return Event{}, &DecodeError{Line: string(line), Err: errors.Errorf("unknown record prefix %q", prefix)}
	}
}

// ExtractText recovers a text delta from a payload of unknown framing:
// a proper JSON string first, then a quoted string with manual escape
// handling, then the raw payload as a last resort.
func ExtractText(payload string) string {
	var s string
	if err := json.Unmarshal([]byte(payload), &s); err == nil {
		return s
	}
	if s, ok := extractQuoted(payload); ok {
		return s
	}
	return payload
}

// DecodeTextValue applies the same recovery chain to the value of a
// structured text record.
func DecodeTextValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return ExtractText(string(raw))
}

// extractQuoted pulls the content between the first and last double quote
// and unescapes the small set of sequences the legacy framing produces.
func extractQuoted(payload string) (string, bool) {
	start := strings.IndexByte(payload, '"')
	end := strings.LastIndexByte(payload, '"')
	if start < 0 || end <= start {
		return "", false
	}
	return unescape(payload[start+1 : end]), true
}

func unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
