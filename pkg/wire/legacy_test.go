package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLineStructuredText(t *testing.T) {
	ev, err := ParseLine([]byte(`{"type":"text","value":"Hello"}` + "\n"))
	require.NoError(t, err)
	require.Equal(t, EventTypeText, ev.Type)
	require.Equal(t, "Hello", DecodeTextValue(ev.Value))
}

func TestParseLineLegacyTextMatchesStructured(t *testing.T) {
	legacy, err := ParseLine([]byte(`0:"Hello"`))
	require.NoError(t, err)

	structured, err := ParseLine([]byte(`{"type":"text","value":"Hello"}`))
	require.NoError(t, err)

	require.Equal(t, structured.Type, legacy.Type)
	require.Equal(t, DecodeTextValue(structured.Value), DecodeTextValue(legacy.Value))
}

func TestParseLineLegacyTextEscapes(t *testing.T) {
	ev, err := ParseLine([]byte(`0:"line1\nline2\t\"quoted\""`))
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\t\"quoted\"", DecodeTextValue(ev.Value))
}

func TestParseLineLegacyStartStep(t *testing.T) {
	ev, err := ParseLine([]byte(`f:{"messageId":"abc-123"}`))
	require.NoError(t, err)
	require.Equal(t, EventTypeStartStep, ev.Type)

	var start StartStep
	require.NoError(t, ev.Decode(&start))
	require.Equal(t, "abc-123", start.MessageID)
}

func TestParseLineLegacyFinishDefaults(t *testing.T) {
	// Malformed payloads degrade to synthetic defaults instead of killing
	// the stream.
	cases := []struct {
		line string
		typ  EventType
	}{
		{`f:not json at all`, EventTypeStartStep},
		{`e:{broken`, EventTypeFinishStep},
		{`d:{broken`, EventTypeFinishMessage},
	}

	for _, c := range cases {
		ev, err := ParseLine([]byte(c.line))
		require.NoError(t, err, c.line)
		require.Equal(t, c.typ, ev.Type, c.line)
	}

	ev, err := ParseLine([]byte(`d:{broken`))
	require.NoError(t, err)
	var finish FinishMessage
	require.NoError(t, ev.Decode(&finish))
	require.Equal(t, FinishReasonStop, finish.FinishReason)
}

func TestParseLineLegacyFinishMessageUsage(t *testing.T) {
	ev, err := ParseLine([]byte(`d:{"finishReason":"stop","usage":{"promptTokens":10,"completionTokens":20}}`))
	require.NoError(t, err)
	require.Equal(t, EventTypeFinishMessage, ev.Type)

	var finish FinishMessage
	require.NoError(t, ev.Decode(&finish))
	require.Equal(t, FinishReasonStop, finish.FinishReason)
	require.NotNil(t, finish.Usage)
	require.Equal(t, 10, finish.Usage.PromptTokens)
	require.Equal(t, 20, finish.Usage.CompletionTokens)
}

func TestParseLineErrors(t *testing.T) {
	cases := []string{
		"",
		"\n",
		`x:unknown prefix`,
		`no framing at all`,
		`{"value":"missing type"}`,
		`{broken json`,
	}

	for _, c := range cases {
		_, err := ParseLine([]byte(c))
		require.Error(t, err, c)
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr, c)
	}
}

func TestExtractText(t *testing.T) {
	require.Equal(t, "hello", ExtractText(`"hello"`))
	require.Equal(t, "a\nb", ExtractText(`junk"a\nb"junk`))
	require.Equal(t, "raw payload", ExtractText(`raw payload`))
	require.Equal(t, `"unterminated`, ExtractText(`"unterminated`))
}
