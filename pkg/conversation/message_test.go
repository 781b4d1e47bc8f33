package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := NewMessage(RoleAssistant, "the answer",
		WithModel("test-model"),
		WithParts(
			&TextPart{Text: "the answer"},
			&ReasoningPart{
				Reasoning: "thinking",
				Details: []ReasoningDetail{
					{Kind: ReasoningDetailText, Text: "thinking", Signature: "sig"},
					{Kind: ReasoningDetailRedacted, Data: "opaque"},
				},
			},
			&ToolInvocationPart{
				State:      ToolStateResult,
				ToolCallID: "call-1",
				ToolName:   "search",
				Args:       map[string]interface{}{"q": "weather"},
				Result:     "sunny",
			},
		),
	)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, msg.ID, decoded.ID)
	require.Equal(t, msg.Content, decoded.Content)
	require.Len(t, decoded.Parts, 3)

	text, ok := decoded.Parts[0].(*TextPart)
	require.True(t, ok)
	require.Equal(t, "the answer", text.Text)

	reasoning, ok := decoded.Parts[1].(*ReasoningPart)
	require.True(t, ok)
	require.Len(t, reasoning.Details, 2)
	require.Equal(t, "sig", reasoning.Details[0].Signature)

	tool, ok := decoded.Parts[2].(*ToolInvocationPart)
	require.True(t, ok)
	require.Equal(t, ToolStateResult, tool.State)
	require.Equal(t, "sunny", tool.Result)
}

func TestUnknownPartType(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"id":"00000000-0000-0000-0000-000000000001","role":"assistant","parts":[{"type":"bogus","payload":{}}]}`), &msg)
	require.Error(t, err)
}

func TestGraphJSONRoundTrip(t *testing.T) {
	// NodeIDs must survive as JSON object keys.
	g, msgs := buildLinear(t, "q1", "a1")

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded Graph
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, g.RootID, decoded.RootID)
	require.Equal(t, g.Len(), decoded.Len())
	stored, ok := decoded.Get(msgs[1].ID)
	require.True(t, ok)
	require.Equal(t, "a1", stored.Content)
	require.Equal(t, msgs[0].ID, stored.ParentID)
}

func TestToolInvocationLookup(t *testing.T) {
	msg := NewMessage(RoleAssistant, "",
		WithParts(&ToolInvocationPart{ToolCallID: "call-7", State: ToolStatePartialCall}),
	)

	part, ok := msg.ToolInvocation("call-7")
	require.True(t, ok)
	require.Equal(t, ToolStatePartialCall, part.State)

	_, ok = msg.ToolInvocation("missing")
	require.False(t, ok)
}
