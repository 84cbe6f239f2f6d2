package protocols

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/transform"
)

// GeminiHandler converts between the canonical model and the Gemini
// generateContent wire format.
type GeminiHandler struct {
	engine *transform.Engine
}

func NewGeminiHandler(engine *transform.Engine) *GeminiHandler {
	return &GeminiHandler{engine: engine}
}

func (h *GeminiHandler) Name() string { return ProtocolGemini }

func (h *GeminiHandler) CanHandle(protocol, model string) bool {
	return familyMatch(protocol, ProtocolGemini) || strings.HasPrefix(model, "gemini")
}

func (h *GeminiHandler) requestRules() []transform.Rule {
	return []transform.Rule{
		{Source: "temperature", Target: "generationConfig.temperature"},
		{Source: "top_p", Target: "generationConfig.topP"},
		{Source: "max_tokens", Target: "generationConfig.maxOutputTokens"},
		{Source: "stop_sequences", Target: "generationConfig.stopSequences"},
		{Source: "system", Target: "systemInstruction.parts[0].text"},
		{Source: "messages", Target: "contents", Required: true, Transform: geminiContents},
		{Source: "tools", Target: "tools[0].functionDeclarations", Transform: geminiFunctionDeclarations},
		{Source: "tool_choice", Target: "toolConfig.functionCallingConfig.mode", Transform: geminiCallingMode},
	}
}

func (h *GeminiHandler) TransformRequest(req *canonical.Request) ([]byte, error) {
	source, err := requestToTree(req)
	if err != nil {
		return nil, err
	}

	target := map[string]any{}
	ctx := transform.NewContext("gemini", "request")
	ctx.Strict = false
	if err := h.engine.ApplyRules(h.requestRules(), source, target, ctx); err != nil {
		return nil, err
	}

	return json.Marshal(target)
}

// geminiContents rewrites canonical messages into Gemini contents. Assistant
// turns use the "model" role; tool results become functionResponse parts on a
// user turn.
func geminiContents(value any, _ *transform.Context) (any, error) {
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
		geminiRole := "user"
		if role == canonical.RoleAssistant {
			geminiRole = "model"
		}

		var parts []any
		if content, ok := msg["content"].([]any); ok {
			for _, rawBlock := range content {
				block, ok := rawBlock.(map[string]any)
				if !ok {
					continue
				}
				if part := geminiPart(block); part != nil {
					parts = append(parts, part)
				}
			}
		}
		if len(parts) == 0 {
			parts = []any{map[string]any{"text": ""}}
		}

		out = append(out, map[string]any{"role": geminiRole, "parts": parts})
	}

	return out, nil
}

func geminiPart(block map[string]any) map[string]any {
	blockType, _ := block["type"].(string)
	switch blockType {
	case canonical.BlockToolUse:
		return map[string]any{
			"functionCall": map[string]any{
				"name": block["name"],
				"args": block["input"],
			},
		}
	case canonical.BlockToolResult:
		return map[string]any{
			"functionResponse": map[string]any{
				"name":     block["tool_use_id"],
				"response": map[string]any{"result": block["content"]},
			},
		}
	case canonical.BlockImage:
		return map[string]any{
			"inlineData": map[string]any{
				"mimeType": block["media_type"],
				"data":     block["data"],
			},
		}
	case canonical.BlockText:
		return map[string]any{"text": block["text"]}
	default:
		return nil
	}
}

func geminiFunctionDeclarations(value any, _ *transform.Context) (any, error) {
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
		decl := map[string]any{"name": tool["name"]}
		if desc, ok := tool["description"]; ok {
			decl["description"] = desc
		}
		if params, ok := tool["parameters"]; ok {
			decl["parameters"] = params
		}
		out = append(out, decl)
	}
	return out, nil
}

func geminiCallingMode(value any, _ *transform.Context) (any, error) {
	tc, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool_choice is not an object")
	}

	mode, _ := tc["mode"].(string)
	switch mode {
	case canonical.ToolChoiceRequired, canonical.ToolChoiceFunction:
		return "ANY", nil
	case canonical.ToolChoiceNone:
		return "NONE", nil
	default:
		return "AUTO", nil
	}
}

// Gemini wire response structures.
type geminiWireResponse struct {
	Candidates    []geminiWireCandidate `json:"candidates,omitempty"`
	UsageMetadata *geminiWireUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string                `json:"modelVersion,omitempty"`
	ResponseID    string                `json:"responseId,omitempty"`
	Error         *geminiWireError      `json:"error,omitempty"`
}

type geminiWireCandidate struct {
	Content      *geminiWireContent `json:"content,omitempty"`
	FinishReason string             `json:"finishReason,omitempty"`
	Index        int                `json:"index,omitempty"`
}

type geminiWireContent struct {
	Parts []geminiWirePart `json:"parts,omitempty"`
	Role  string           `json:"role,omitempty"`
}

type geminiWirePart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
}

type geminiWireUsage struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type geminiWireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (h *GeminiHandler) TransformResponse(raw []byte) (*canonical.Response, error) {
	var wire geminiWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal gemini response: %w", err)
	}

	if wire.Error != nil {
		return nil, fmt.Errorf("gemini error response (%s): %s", wire.Error.Status, wire.Error.Message)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in gemini response")
	}

	resp := &canonical.Response{ID: wire.ResponseID, Model: wire.ModelVersion}
	if resp.ID == "" {
		resp.ID = "msg_" + uuid.NewString()
	}

	for i, candidate := range wire.Candidates {
		msg := canonical.Message{Role: canonical.RoleAssistant}
		hasToolCall := false
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.FunctionCall != nil {
					hasToolCall = true
					msg.Content = append(msg.Content, canonical.ContentBlock{
						Type:  canonical.BlockToolUse,
						ID:    "toolu_" + uuid.NewString(),
						Name:  part.FunctionCall.Name,
						Input: part.FunctionCall.Args,
					})
				} else if part.Text != "" {
					msg.Content = append(msg.Content, canonical.ContentBlock{
						Type: canonical.BlockText,
						Text: part.Text,
					})
				}
			}
		}

		finish := geminiFinishReason(candidate.FinishReason)
		if hasToolCall {
			finish = canonical.FinishToolCalls
		}

		resp.Choices = append(resp.Choices, canonical.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		})
	}

	if wire.UsageMetadata != nil {
		resp.Usage = &canonical.Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}

	return resp, nil
}

func geminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return canonical.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return canonical.FinishContentFilter
	default:
		return canonical.FinishStop
	}
}
