package protocols

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/transform"
)

// OpenAIHandler converts between the canonical model and the OpenAI Chat
// Completions wire format. It also serves openai-compatible local servers.
type OpenAIHandler struct {
	engine *transform.Engine
}

func NewOpenAIHandler(engine *transform.Engine) *OpenAIHandler {
	return &OpenAIHandler{engine: engine}
}

func (h *OpenAIHandler) Name() string { return ProtocolOpenAI }

func (h *OpenAIHandler) CanHandle(protocol, model string) bool {
	if familyMatch(protocol, ProtocolOpenAI) {
		return true
	}
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

func (h *OpenAIHandler) requestRules() []transform.Rule {
	return []transform.Rule{
		{Source: "model", Target: "model", Required: true},
		{Source: "max_tokens", Target: "max_completion_tokens"},
		{Source: "temperature", Target: "temperature"},
		{Source: "top_p", Target: "top_p"},
		{Source: "stream", Target: "stream"},
		{Source: "stop_sequences", Target: "stop"},
		{Source: "messages", Target: "messages", Required: true, Transform: openAIMessages},
		{Source: "tools", Target: "tools", Transform: openAITools},
		{Source: "tool_choice", Target: "tool_choice", Transform: openAIToolChoice},
	}
}

func (h *OpenAIHandler) TransformRequest(req *canonical.Request) ([]byte, error) {
	source, err := requestToTree(req)
	if err != nil {
		return nil, err
	}

	target := map[string]any{}
	ctx := transform.NewContext("openai", "request")
	ctx.Strict = false
	ctx.Extra = map[string]any{"system": req.System}
	if err := h.engine.ApplyRules(h.requestRules(), source, target, ctx); err != nil {
		return nil, err
	}

	return json.Marshal(target)
}

// openAIMessages flattens canonical block content into Chat Completions
// messages: the system prompt becomes a leading system message, assistant
// tool_use blocks become tool_calls, and tool_result blocks become tool-role
// messages.
func openAIMessages(value any, ctx *transform.Context) (any, error) {
	messages, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("messages is not an array")
	}

	var out []any
	if system, _ := ctx.Extra["system"].(string); system != "" {
		out = append(out, map[string]any{"role": "system", "content": system})
	}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		content, _ := msg["content"].([]any)

		switch role {
		case canonical.RoleAssistant:
			out = append(out, openAIAssistantMessage(content))
		case canonical.RoleTool:
			out = append(out, openAIToolMessages(content)...)
		default:
			converted, err := openAIUserMessage(role, content)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
	}

	return out, nil
}

func openAIUserMessage(role string, content []any) (map[string]any, error) {
	var text strings.Builder
	var parts []any
	hasImage := false

	for _, rawBlock := range content {
		block, ok := rawBlock.(map[string]any)
		if !ok {
			continue
		}
		blockType, _ := block["type"].(string)
		switch blockType {
		case canonical.BlockText:
			t, _ := block["text"].(string)
			text.WriteString(t)
			parts = append(parts, map[string]any{"type": "text", "text": t})
		case canonical.BlockImage:
			hasImage = true
			mediaType, _ := block["media_type"].(string)
			data, _ := block["data"].(string)
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": fmt.Sprintf("data:%s;base64,%s", mediaType, data)},
			})
		case canonical.BlockToolResult:
			// Tool results inside user messages surface as tool-role turns.
			return nil, fmt.Errorf("tool_result block in %s message", role)
		}
	}

	if hasImage {
		return map[string]any{"role": role, "content": parts}, nil
	}
	return map[string]any{"role": role, "content": text.String()}, nil
}

func openAIAssistantMessage(content []any) map[string]any {
	var text strings.Builder
	var toolCalls []any

	for _, rawBlock := range content {
		block, ok := rawBlock.(map[string]any)
		if !ok {
			continue
		}
		blockType, _ := block["type"].(string)
		switch blockType {
		case canonical.BlockText:
			t, _ := block["text"].(string)
			text.WriteString(t)
		case canonical.BlockToolUse:
			var arguments string
			if input := block["input"]; input != nil {
				if data, err := json.Marshal(input); err == nil {
					arguments = string(data)
				}
			}
			id, _ := block["id"].(string)
			toolCalls = append(toolCalls, map[string]any{
				"id":   strings.Replace(id, "toolu_", "call_", 1),
				"type": "function",
				"function": map[string]any{
					"name":      block["name"],
					"arguments": arguments,
				},
			})
		}
	}

	msg := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	return msg
}

func openAIToolMessages(content []any) []any {
	var out []any
	for _, rawBlock := range content {
		block, ok := rawBlock.(map[string]any)
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType != canonical.BlockToolResult {
			continue
		}

		var body string
		switch c := block["content"].(type) {
		case string:
			body = c
		default:
			if data, err := json.Marshal(c); err == nil {
				body = string(data)
			}
		}

		toolUseID, _ := block["tool_use_id"].(string)
		out = append(out, map[string]any{
			"role":         "tool",
			"tool_call_id": strings.Replace(toolUseID, "toolu_", "call_", 1),
			"content":      body,
		})
	}
	return out
}

func openAITools(value any, _ *transform.Context) (any, error) {
	tools, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("tools is not an array")
	}

	out := make([]any, 0, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn := map[string]any{"name": tool["name"]}
		if desc, ok := tool["description"]; ok {
			fn["description"] = desc
		}
		if params, ok := tool["parameters"]; ok {
			fn["parameters"] = params
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out, nil
}

func openAIToolChoice(value any, _ *transform.Context) (any, error) {
	tc, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool_choice is not an object")
	}

	mode, _ := tc["mode"].(string)
	switch mode {
	case canonical.ToolChoiceRequired:
		return "required", nil
	case canonical.ToolChoiceNone:
		return "none", nil
	case canonical.ToolChoiceFunction:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc["function_name"]},
		}, nil
	default:
		return "auto", nil
	}
}

// OpenAI wire response structures.
type openAIWireResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openAIWireChoice `json:"choices"`
	Usage   *openAIWireUsage   `json:"usage,omitempty"`
	Error   *openAIWireError   `json:"error,omitempty"`
}

type openAIWireChoice struct {
	Index        int               `json:"index"`
	Message      openAIWireMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIWireMessage struct {
	Role      string               `json:"role"`
	Content   *string              `json:"content"`
	ToolCalls []openAIWireToolCall `json:"tool_calls,omitempty"`
}

type openAIWireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIWireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIWireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (h *OpenAIHandler) TransformResponse(raw []byte) (*canonical.Response, error) {
	var wire openAIWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal openai response: %w", err)
	}

	if wire.Error != nil {
		return nil, fmt.Errorf("openai error response (%s): %s", wire.Error.Type, wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("no choices in openai response")
	}

	resp := &canonical.Response{ID: wire.ID, Model: wire.Model}
	for _, choice := range wire.Choices {
		msg := canonical.Message{Role: canonical.RoleAssistant}
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			msg.Content = append(msg.Content, canonical.ContentBlock{
				Type: canonical.BlockText,
				Text: *choice.Message.Content,
			})
		}
		for _, tc := range choice.Message.ToolCalls {
			var input map[string]any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return nil, fmt.Errorf("parse tool call arguments: %w", err)
				}
			}
			msg.Content = append(msg.Content, canonical.ContentBlock{
				Type:  canonical.BlockToolUse,
				ID:    strings.Replace(tc.ID, "call_", "toolu_", 1),
				Name:  tc.Function.Name,
				Input: input,
			})
		}

		resp.Choices = append(resp.Choices, canonical.Choice{
			Index:        choice.Index,
			Message:      msg,
			FinishReason: openAIFinishReason(choice.FinishReason),
		})
	}

	if wire.Usage != nil {
		resp.Usage = &canonical.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}

	return resp, nil
}

func openAIFinishReason(reason string) string {
	switch reason {
	case "length":
		return canonical.FinishLength
	case "tool_calls":
		return canonical.FinishToolCalls
	case "function_call":
		return canonical.FinishFunctionCall
	case "content_filter":
		return canonical.FinishContentFilter
	default:
		return canonical.FinishStop
	}
}
