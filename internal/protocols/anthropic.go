package protocols

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/transform"
)

// AnthropicHandler converts between the canonical model and the Anthropic
// Messages wire format.
type AnthropicHandler struct {
	engine *transform.Engine
}

func NewAnthropicHandler(engine *transform.Engine) *AnthropicHandler {
	return &AnthropicHandler{engine: engine}
}

func (h *AnthropicHandler) Name() string { return ProtocolAnthropic }

func (h *AnthropicHandler) CanHandle(protocol, model string) bool {
	return familyMatch(protocol, ProtocolAnthropic) || strings.HasPrefix(model, "claude")
}

const defaultMaxTokens = 4096

func (h *AnthropicHandler) requestRules() []transform.Rule {
	return []transform.Rule{
		{Source: "model", Target: "model", Required: true},
		{Source: "max_tokens", Target: "max_tokens", Default: defaultMaxTokens},
		{Source: "temperature", Target: "temperature"},
		{Source: "top_p", Target: "top_p"},
		{Source: "stream", Target: "stream"},
		{Source: "system", Target: "system"},
		{Source: "stop_sequences", Target: "stop_sequences"},
		{Source: "messages", Target: "messages", Required: true, Transform: anthropicMessages},
		{Source: "tools", Target: "tools", Transform: anthropicTools},
		{Source: "tool_choice", Target: "tool_choice", Transform: anthropicToolChoice},
	}
}

func (h *AnthropicHandler) TransformRequest(req *canonical.Request) ([]byte, error) {
	source, err := requestToTree(req)
	if err != nil {
		return nil, err
	}

	target := map[string]any{}
	ctx := transform.NewContext("anthropic", "request")
	ctx.Strict = false
	if err := h.engine.ApplyRules(h.requestRules(), source, target, ctx); err != nil {
		return nil, err
	}

	return json.Marshal(target)
}

// anthropicMessages rewrites canonical messages into Anthropic content-block
// messages. Tool-role messages become user messages carrying tool_result
// blocks; image blocks gain the base64 source envelope.
func anthropicMessages(value any, _ *transform.Context) (any, error) {
	messages, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("messages is not an array")
	}

	out := make([]any, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		role, _ := msg["role"].(string)
		if role == canonical.RoleTool {
			role = canonical.RoleUser
		}

		var blocks []any
		if content, ok := msg["content"].([]any); ok {
			for _, rawBlock := range content {
				block, ok := rawBlock.(map[string]any)
				if !ok {
					continue
				}
				blocks = append(blocks, anthropicBlock(block))
			}
		}
		if blocks == nil {
			blocks = []any{}
		}

		out = append(out, map[string]any{"role": role, "content": blocks})
	}

	return out, nil
}

func anthropicBlock(block map[string]any) map[string]any {
	blockType, _ := block["type"].(string)
	switch blockType {
	case canonical.BlockToolUse:
		return map[string]any{
			"type":  "tool_use",
			"id":    block["id"],
			"name":  block["name"],
			"input": block["input"],
		}
	case canonical.BlockToolResult:
		return map[string]any{
			"type":        "tool_result",
			"tool_use_id": block["tool_use_id"],
			"content":     block["content"],
		}
	case canonical.BlockImage:
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": block["media_type"],
				"data":       block["data"],
			},
		}
	default:
		text, _ := block["text"].(string)
		return map[string]any{"type": "text", "text": text}
	}
}

func anthropicTools(value any, _ *transform.Context) (any, error) {
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
		entry := map[string]any{"name": tool["name"]}
		if desc, ok := tool["description"]; ok {
			entry["description"] = desc
		}
		if params, ok := tool["parameters"]; ok {
			entry["input_schema"] = params
		}
		out = append(out, entry)
	}
	return out, nil
}

func anthropicToolChoice(value any, _ *transform.Context) (any, error) {
	tc, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool_choice is not an object")
	}

	mode, _ := tc["mode"].(string)
	switch mode {
	case canonical.ToolChoiceRequired:
		return map[string]any{"type": "any"}, nil
	case canonical.ToolChoiceNone:
		return map[string]any{"type": "none"}, nil
	case canonical.ToolChoiceFunction:
		return map[string]any{"type": "tool", "name": tc["function_name"]}, nil
	default:
		return map[string]any{"type": "auto"}, nil
	}
}

// Anthropic wire response structures.
type anthropicWireResponse struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Model      string                 `json:"model"`
	Content    []anthropicWireContent `json:"content,omitempty"`
	StopReason string                 `json:"stop_reason,omitempty"`
	Usage      *anthropicWireUsage    `json:"usage,omitempty"`
	Error      *anthropicWireError    `json:"error,omitempty"`
}

type anthropicWireContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type anthropicWireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicWireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (h *AnthropicHandler) TransformResponse(raw []byte) (*canonical.Response, error) {
	var wire anthropicWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic response: %w", err)
	}

	if wire.Error != nil {
		return nil, fmt.Errorf("anthropic error response (%s): %s", wire.Error.Type, wire.Error.Message)
	}

	msg := canonical.Message{Role: canonical.RoleAssistant}
	for _, block := range wire.Content {
		switch block.Type {
		case "tool_use":
			msg.Content = append(msg.Content, canonical.ContentBlock{
				Type:  canonical.BlockToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		case "tool_result":
			msg.Content = append(msg.Content, canonical.ContentBlock{
				Type:      canonical.BlockToolResult,
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
			})
		default:
			if block.Text != "" {
				msg.Content = append(msg.Content, canonical.ContentBlock{
					Type: canonical.BlockText,
					Text: block.Text,
				})
			}
		}
	}

	resp := &canonical.Response{
		ID:    wire.ID,
		Model: wire.Model,
		Choices: []canonical.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: anthropicStopToFinish(wire.StopReason),
		}},
	}

	if wire.Usage != nil {
		resp.Usage = &canonical.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}

	return resp, nil
}

func anthropicStopToFinish(reason string) string {
	switch reason {
	case "max_tokens":
		return canonical.FinishLength
	case "tool_use":
		return canonical.FinishToolCalls
	default:
		return canonical.FinishStop
	}
}

// FinishToStopReason maps a canonical finish reason back to the Anthropic
// stop_reason vocabulary; the streaming emulator uses it when replaying a
// buffered response as Anthropic SSE events.
func FinishToStopReason(reason string) string {
	switch reason {
	case canonical.FinishLength:
		return "max_tokens"
	case canonical.FinishToolCalls, canonical.FinishFunctionCall:
		return "tool_use"
	case canonical.FinishContentFilter:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}
