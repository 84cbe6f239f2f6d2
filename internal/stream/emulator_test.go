package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
)

func textResponse(text string) *canonical.Response {
	return &canonical.Response{
		ID:    "msg_123",
		Model: "claude-sonnet-4",
		Choices: []canonical.Choice{{
			Message: canonical.Message{
				Role:    canonical.RoleAssistant,
				Content: []canonical.ContentBlock{{Type: canonical.BlockText, Text: text}},
			},
			FinishReason: canonical.FinishStop,
		}},
		Usage: &canonical.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}
}

func drain(t *testing.T, es *EventStream) []Event {
	t.Helper()
	var events []Event
	for {
		evt, err := es.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, evt)
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestEmulate_EventOrder(t *testing.T) {
	em := NewEmulatorWithPacing(1, 0)
	events := drain(t, em.Emulate(textResponse("hello world")))

	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)
}

func TestEmulate_DeltasConcatenateToOriginal(t *testing.T) {
	const text = "the quick brown fox jumps over the lazy dog"
	em := NewEmulatorWithPacing(3, 0)
	events := drain(t, em.Emulate(textResponse(text)))

	var sb strings.Builder
	deltas := 0
	for _, evt := range events {
		if evt.Type != "content_block_delta" {
			continue
		}
		deltas++
		delta := evt.Data["delta"].(map[string]any)
		sb.WriteString(delta["text"].(string))
	}

	assert.GreaterOrEqual(t, deltas, 2)
	assert.Equal(t, text, sb.String())
}

func TestEmulate_MessageStartEchoesIdentity(t *testing.T) {
	em := NewEmulatorWithPacing(1, 0)
	es := em.Emulate(textResponse("hi"))

	evt, err := es.Next()
	require.NoError(t, err)
	require.Equal(t, "message_start", evt.Type)

	msg := evt.Data["message"].(map[string]any)
	assert.Equal(t, "msg_123", msg["id"])
	assert.Equal(t, "claude-sonnet-4", msg["model"])
	usage := msg["usage"].(map[string]any)
	assert.Equal(t, 10, usage["input_tokens"])
}

func TestEmulate_MessageDeltaCarriesStopAndUsage(t *testing.T) {
	resp := textResponse("hi")
	resp.Choices[0].FinishReason = canonical.FinishLength

	em := NewEmulatorWithPacing(1, 0)
	events := drain(t, em.Emulate(resp))

	var msgDelta Event
	for _, evt := range events {
		if evt.Type == "message_delta" {
			msgDelta = evt
		}
	}
	require.NotNil(t, msgDelta.Data)

	delta := msgDelta.Data["delta"].(map[string]any)
	assert.Equal(t, "max_tokens", delta["stop_reason"])
	usage := msgDelta.Data["usage"].(map[string]any)
	assert.Equal(t, 2, usage["output_tokens"])
}

func TestEmulate_ToolUseSingleJSONDelta(t *testing.T) {
	resp := &canonical.Response{
		ID:    "msg_tool",
		Model: "claude-sonnet-4",
		Choices: []canonical.Choice{{
			Message: canonical.Message{
				Role: canonical.RoleAssistant,
				Content: []canonical.ContentBlock{{
					Type:  canonical.BlockToolUse,
					ID:    "toolu_1",
					Name:  "get_weather",
					Input: map[string]any{"city": "Berlin"},
				}},
			},
			FinishReason: canonical.FinishToolCalls,
		}},
	}

	em := NewEmulatorWithPacing(1, 0)
	events := drain(t, em.Emulate(resp))

	var deltas []Event
	var start Event
	for _, evt := range events {
		switch evt.Type {
		case "content_block_start":
			start = evt
		case "content_block_delta":
			deltas = append(deltas, evt)
		}
	}

	block := start.Data["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "get_weather", block["name"])

	require.Len(t, deltas, 1, "tool arguments go out as one JSON delta")
	delta := deltas[0].Data["delta"].(map[string]any)
	assert.Equal(t, "input_json_delta", delta["type"])
	assert.JSONEq(t, `{"city":"Berlin"}`, delta["partial_json"].(string))
}

func TestEmulate_MultipleBlocks(t *testing.T) {
	resp := textResponse("first")
	resp.Choices[0].Message.Content = append(resp.Choices[0].Message.Content,
		canonical.ContentBlock{Type: canonical.BlockText, Text: "second"})

	em := NewEmulatorWithPacing(1, 0)
	events := drain(t, em.Emulate(resp))

	starts, stops := 0, 0
	for _, evt := range events {
		switch evt.Type {
		case "content_block_start":
			starts++
			assert.Equal(t, stops, evt.Data["index"])
		case "content_block_stop":
			stops++
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, stops)
}

func TestEmulate_EmptyResponse(t *testing.T) {
	resp := &canonical.Response{ID: "msg_empty", Model: "m"}
	em := NewEmulatorWithPacing(1, 0)
	events := drain(t, em.Emulate(resp))

	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, eventTypes(events))
}

func TestEvent_SSEFraming(t *testing.T) {
	evt := Event{Type: "message_stop", Data: map[string]any{"type": "message_stop"}}
	framed := string(evt.SSE())

	assert.True(t, strings.HasPrefix(framed, "event: message_stop\ndata: "))
	assert.True(t, strings.HasSuffix(framed, "\n\n"))
	assert.Contains(t, framed, `"type":"message_stop"`)
}

func TestEmulate_StreamIsNotRestartable(t *testing.T) {
	em := NewEmulatorWithPacing(1, 0)
	es := em.Emulate(textResponse("hi"))

	drain(t, es)
	_, err := es.Next()
	assert.Equal(t, io.EOF, err)
}
