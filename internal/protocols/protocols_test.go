package protocols

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/transform"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Initialize(transform.NewEngine(nil))
	return r
}

func buildRequest(t *testing.T, mutate func(*canonical.Builder)) *canonical.Request {
	t.Helper()
	b := canonical.NewBuilder().
		GenerateID().
		Model("claude-3-5-sonnet").
		OriginalFormat("anthropic").
		AddMessage(canonical.TextMessage(canonical.RoleUser, "hello"))
	if mutate != nil {
		mutate(b)
	}
	req, err := b.Build()
	require.NoError(t, err)
	return req
}

func asTree(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var tree map[string]any
	require.NoError(t, json.Unmarshal(raw, &tree))
	return tree
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry()

	h, err := r.Resolve(ProtocolAnthropic, "")
	require.NoError(t, err)
	assert.Equal(t, ProtocolAnthropic, h.Name())

	// Family match: compatible servers resolve to the openai handler.
	h, err = r.Resolve("openai-compatible", "")
	require.NoError(t, err)
	assert.Equal(t, ProtocolOpenAI, h.Name())

	_, err = r.Resolve("grpc", "unknown-model")
	assert.Error(t, err)
}

func TestAnthropic_TransformRequest(t *testing.T) {
	h := NewAnthropicHandler(transform.NewEngine(nil))

	req := buildRequest(t, func(b *canonical.Builder) {
		b.System("be terse").
			Temperature(0.5).
			AddTool(canonical.Tool{
				Name:        "get_weather",
				Description: "look up weather",
				Parameters:  map[string]any{"type": "object"},
			}).
			ToolChoice(canonical.ToolChoice{Mode: canonical.ToolChoiceRequired})
	})

	raw, err := h.TransformRequest(req)
	require.NoError(t, err)
	tree := asTree(t, raw)

	assert.Equal(t, "claude-3-5-sonnet", tree["model"])
	assert.Equal(t, float64(4096), tree["max_tokens"], "default applies when unset")
	assert.Equal(t, 0.5, tree["temperature"])
	assert.Equal(t, "be terse", tree["system"])
	assert.NotContains(t, tree, "_transformation", "engine metadata never goes on the wire")
	assert.NotContains(t, tree, "metadata")

	tools := tree["tools"].([]any)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "get_weather", tool["name"])
	assert.Contains(t, tool, "input_schema")

	tc := tree["tool_choice"].(map[string]any)
	assert.Equal(t, "any", tc["type"])
}

func TestAnthropic_ToolResultBecomesUserMessage(t *testing.T) {
	h := NewAnthropicHandler(transform.NewEngine(nil))

	req := buildRequest(t, func(b *canonical.Builder) {
		b.AddMessage(canonical.Message{
			Role: canonical.RoleTool,
			Content: []canonical.ContentBlock{{
				Type:      canonical.BlockToolResult,
				ToolUseID: "toolu_1",
				Content:   "sunny",
			}},
		})
	})

	raw, err := h.TransformRequest(req)
	require.NoError(t, err)
	tree := asTree(t, raw)

	messages := tree["messages"].([]any)
	require.Len(t, messages, 2)
	last := messages[1].(map[string]any)
	assert.Equal(t, "user", last["role"])

	block := last["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])
}

func TestAnthropic_TransformResponse(t *testing.T) {
	h := NewAnthropicHandler(transform.NewEngine(nil))

	raw := []byte(`{
		"id": "msg_abc",
		"type": "message",
		"model": "claude-sonnet-4",
		"content": [
			{"type": "text", "text": "checking"},
			{"type": "tool_use", "id": "toolu_9", "name": "get_weather", "input": {"city": "Berlin"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`)

	resp, err := h.TransformResponse(raw)
	require.NoError(t, err)

	assert.Equal(t, "msg_abc", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, canonical.FinishToolCalls, resp.Choices[0].FinishReason)

	blocks := resp.Choices[0].Message.Content
	require.Len(t, blocks, 2)
	assert.Equal(t, canonical.BlockText, blocks[0].Type)
	assert.Equal(t, canonical.BlockToolUse, blocks[1].Type)
	assert.Equal(t, "Berlin", blocks[1].Input["city"])

	require.NotNil(t, resp.Usage)
	assert.Equal(t, 19, resp.Usage.TotalTokens)
}

func TestAnthropic_ErrorResponse(t *testing.T) {
	h := NewAnthropicHandler(transform.NewEngine(nil))

	_, err := h.TransformResponse([]byte(`{
		"id": "msg_err",
		"type": "error",
		"error": {"type": "overloaded_error", "message": "try later"}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded_error")
}

func TestOpenAI_TransformRequest(t *testing.T) {
	h := NewOpenAIHandler(transform.NewEngine(nil))

	req := buildRequest(t, func(b *canonical.Builder) {
		b.System("be helpful").
			MaxTokens(2048).
			StopSequences("END").
			AddMessage(canonical.Message{
				Role: canonical.RoleAssistant,
				Content: []canonical.ContentBlock{{
					Type:  canonical.BlockToolUse,
					ID:    "toolu_42",
					Name:  "lookup",
					Input: map[string]any{"q": "x"},
				}},
			}).
			AddMessage(canonical.Message{
				Role: canonical.RoleTool,
				Content: []canonical.ContentBlock{{
					Type:      canonical.BlockToolResult,
					ToolUseID: "toolu_42",
					Content:   "found it",
				}},
			})
	})

	raw, err := h.TransformRequest(req)
	require.NoError(t, err)
	tree := asTree(t, raw)

	assert.Equal(t, float64(2048), tree["max_completion_tokens"])
	assert.Equal(t, []any{"END"}, tree["stop"])
	assert.NotContains(t, tree, "max_tokens")
	assert.NotContains(t, tree, "stop_sequences")

	messages := tree["messages"].([]any)
	require.Len(t, messages, 4, "system + user + assistant + tool")

	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, "be helpful", system["content"])

	assistant := messages[2].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	call := calls[0].(map[string]any)
	assert.Equal(t, "call_42", call["id"], "tool ids cross into openai vocabulary")

	toolMsg := messages[3].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_42", toolMsg["tool_call_id"])
	assert.Equal(t, "found it", toolMsg["content"])
}

func TestOpenAI_ImageBecomesDataURL(t *testing.T) {
	h := NewOpenAIHandler(transform.NewEngine(nil))

	req := buildRequest(t, func(b *canonical.Builder) {
		b.AddMessage(canonical.Message{
			Role: canonical.RoleUser,
			Content: []canonical.ContentBlock{
				{Type: canonical.BlockText, Text: "what is this"},
				{Type: canonical.BlockImage, MediaType: "image/png", Data: "aGk="},
			},
		})
	})

	raw, err := h.TransformRequest(req)
	require.NoError(t, err)
	tree := asTree(t, raw)

	messages := tree["messages"].([]any)
	parts := messages[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)

	img := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.Equal(t, "data:image/png;base64,aGk=", img["url"])
}

func TestOpenAI_TransformResponse(t *testing.T) {
	h := NewOpenAIHandler(transform.NewEngine(nil))

	raw := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{
					"id": "call_7",
					"type": "function",
					"function": {"name": "lookup", "arguments": "{\"q\":\"x\"}"}
				}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
	}`)

	resp, err := h.TransformResponse(raw)
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	block := resp.Choices[0].Message.Content[0]
	assert.Equal(t, canonical.BlockToolUse, block.Type)
	assert.Equal(t, "toolu_7", block.ID)
	assert.Equal(t, "x", block.Input["q"])
	assert.Equal(t, canonical.FinishToolCalls, resp.Choices[0].FinishReason)
}

func TestGemini_TransformRequest(t *testing.T) {
	h := NewGeminiHandler(transform.NewEngine(nil))

	req := buildRequest(t, func(b *canonical.Builder) {
		b.System("answer in French").
			Temperature(0.3).
			MaxTokens(512).
			AddTool(canonical.Tool{Name: "lookup", Parameters: map[string]any{"type": "object"}}).
			ToolChoice(canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}).
			AddMessage(canonical.TextMessage(canonical.RoleAssistant, "bonjour"))
	})

	raw, err := h.TransformRequest(req)
	require.NoError(t, err)
	tree := asTree(t, raw)

	gc := tree["generationConfig"].(map[string]any)
	assert.Equal(t, 0.3, gc["temperature"])
	assert.Equal(t, float64(512), gc["maxOutputTokens"])

	si := tree["systemInstruction"].(map[string]any)
	parts := si["parts"].([]any)
	assert.Equal(t, "answer in French", parts[0].(map[string]any)["text"])

	contents := tree["contents"].([]any)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].(map[string]any)["role"])
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])

	tools := tree["tools"].([]any)
	decls := tools[0].(map[string]any)["functionDeclarations"].([]any)
	assert.Equal(t, "lookup", decls[0].(map[string]any)["name"])

	tc := tree["toolConfig"].(map[string]any)["functionCallingConfig"].(map[string]any)
	assert.Equal(t, "AUTO", tc["mode"])
}

func TestGemini_TransformResponse(t *testing.T) {
	h := NewGeminiHandler(transform.NewEngine(nil))

	raw := []byte(`{
		"candidates": [{
			"content": {
				"role": "model",
				"parts": [
					{"text": "let me check"},
					{"functionCall": {"name": "lookup", "args": {"q": "x"}}}
				]
			},
			"finishReason": "STOP",
			"index": 0
		}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 6, "totalTokenCount": 10}
	}`)

	resp, err := h.TransformResponse(raw)
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	blocks := resp.Choices[0].Message.Content
	require.Len(t, blocks, 2)
	assert.Equal(t, canonical.BlockToolUse, blocks[1].Type)
	assert.Equal(t, "lookup", blocks[1].Name)
	assert.NotEmpty(t, blocks[1].ID, "generated tool ids are never empty")

	// A function call in the parts forces the tool_calls finish reason.
	assert.Equal(t, canonical.FinishToolCalls, resp.Choices[0].FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestGemini_FinishReasonMapping(t *testing.T) {
	h := NewGeminiHandler(transform.NewEngine(nil))

	raw := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "truncated"}]},
			"finishReason": "MAX_TOKENS"
		}]
	}`)

	resp, err := h.TransformResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, canonical.FinishLength, resp.Choices[0].FinishReason)
}

func TestCanHandle_ModelHeuristics(t *testing.T) {
	r := newTestRegistry()

	anthropic, _ := r.Get(ProtocolAnthropic)
	openai, _ := r.Get(ProtocolOpenAI)
	gemini, _ := r.Get(ProtocolGemini)

	assert.True(t, anthropic.CanHandle("unknown", "claude-3-opus"))
	assert.True(t, openai.CanHandle("unknown", "gpt-4o"))
	assert.True(t, gemini.CanHandle("unknown", "gemini-1.5-pro"))
	assert.False(t, anthropic.CanHandle("unknown", "gpt-4o"))
}
