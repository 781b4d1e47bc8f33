package wire

import (
	"encoding/json"
	"strings"
)

// RepairPartialJSON parses tool argument text that may have been cut off
// mid-stream. It first tries the text as-is, then heuristically closes open
// strings and brackets. The second return value reports whether any parse
// succeeded.
func RepairPartialJSON(text string) (interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, true
	}

	repaired := closePartialJSON(trimmed)
	if err := json.Unmarshal([]byte(repaired), &v); err == nil {
		return v, true
	}
	return nil, false
}

// closePartialJSON appends the closers a truncated JSON document is
// missing: an unterminated string gets its quote, a dangling key gets a
// null, a trailing comma is dropped, and open brackets are closed in
// reverse order.
func closePartialJSON(text string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	s := text
	if inString {
		s += `"`
	}

	s = strings.TrimRight(s, " \t\n\r")
	if strings.HasSuffix(s, ":") {
		s += "null"
	} else if strings.HasSuffix(s, ",") {
		s = s[:len(s)-1]
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
