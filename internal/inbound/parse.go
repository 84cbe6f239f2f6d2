package inbound

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
)

// Parse normalizes a raw request body in the given wire format.
func Parse(format string, body []byte) (*canonical.Request, error) {
	switch format {
	case FormatAnthropic:
		return parseAnthropic(body)
	case FormatOpenAI:
		return parseOpenAI(body)
	case FormatGemini:
		return parseGemini(body)
	default:
		return nil, fmt.Errorf("unsupported inbound format %q", format)
	}
}

type anthropicWireRequest struct {
	Model         string           `json:"model"`
	Messages      []anthropicMsg   `json:"messages"`
	System        json.RawMessage  `json:"system,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool  `json:"tools,omitempty"`
	ToolChoice    *anthropicChoice `json:"tool_choice,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func parseAnthropic(body []byte) (*canonical.Request, error) {
	var wire anthropicWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse anthropic request: %w", err)
	}

	b := canonical.NewBuilder().
		GenerateID().
		Model(wire.Model).
		Stream(wire.Stream).
		OriginalFormat(FormatAnthropic)

	if system := parseAnthropicSystem(wire.System); system != "" {
		b.System(system)
	}
	if wire.MaxTokens != nil {
		b.MaxTokens(*wire.MaxTokens)
	}
	if wire.Temperature != nil {
		b.Temperature(*wire.Temperature)
	}
	if wire.TopP != nil {
		b.TopP(*wire.TopP)
	}
	if len(wire.StopSequences) > 0 {
		b.StopSequences(wire.StopSequences...)
	}

	for _, msg := range wire.Messages {
		converted, err := anthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		b.AddMessage(converted)
	}

	for _, tool := range wire.Tools {
		b.AddTool(canonical.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}

	if wire.ToolChoice != nil {
		switch wire.ToolChoice.Type {
		case "any":
			b.ToolChoice(canonical.ToolChoice{Mode: canonical.ToolChoiceRequired})
		case "none":
			b.ToolChoice(canonical.ToolChoice{Mode: canonical.ToolChoiceNone})
		case "tool":
			b.ToolChoice(canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: wire.ToolChoice.Name})
		default:
			b.ToolChoice(canonical.ToolChoice{Mode: canonical.ToolChoiceAuto})
		}
	}

	return b.Build()
}

// parseAnthropicSystem accepts both the string form and the block-array form
// of the system prompt.
func parseAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range blocks {
		if text, ok := block["text"].(string); ok {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

func anthropicMessage(msg anthropicMsg) (canonical.Message, error) {
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return canonical.TextMessage(msg.Role, text), nil
	}

	var rawBlocks []map[string]any
	if err := json.Unmarshal(msg.Content, &rawBlocks); err != nil {
		return canonical.Message{}, fmt.Errorf("parse message content: %w", err)
	}

	out := canonical.Message{Role: msg.Role}
	for _, block := range rawBlocks {
		blockType, _ := block["type"].(string)
		switch blockType {
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]any)
			out.Content = append(out.Content, canonical.ContentBlock{
				Type: canonical.BlockToolUse, ID: id, Name: name, Input: input,
			})
		case "tool_result":
			toolUseID, _ := block["tool_use_id"].(string)
			out.Content = append(out.Content, canonical.ContentBlock{
				Type: canonical.BlockToolResult, ToolUseID: toolUseID, Content: block["content"],
			})
		case "image":
			source, _ := block["source"].(map[string]any)
			mediaType, _ := source["media_type"].(string)
			data, _ := source["data"].(string)
			out.Content = append(out.Content, canonical.ContentBlock{
				Type: canonical.BlockImage, MediaType: mediaType, Data: data,
			})
		default:
			if text, ok := block["text"].(string); ok && text != "" {
				out.Content = append(out.Content, canonical.ContentBlock{
					Type: canonical.BlockText, Text: text,
				})
			}
		}
	}
	return out, nil
}

type openAIWireRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMsg     `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Tools               []openAITool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
}

type openAIMsg struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []openAICall    `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openAICall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

func parseOpenAI(body []byte) (*canonical.Request, error) {
	var wire openAIWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse openai request: %w", err)
	}

	b := canonical.NewBuilder().
		GenerateID().
		Model(wire.Model).
		Stream(wire.Stream).
		OriginalFormat(FormatOpenAI)

	if wire.MaxCompletionTokens != nil {
		b.MaxTokens(*wire.MaxCompletionTokens)
	} else if wire.MaxTokens != nil {
		b.MaxTokens(*wire.MaxTokens)
	}
	if wire.Temperature != nil {
		b.Temperature(*wire.Temperature)
	}
	if wire.TopP != nil {
		b.TopP(*wire.TopP)
	}
	for _, stop := range parseStop(wire.Stop) {
		b.StopSequences(stop)
	}

	for _, msg := range wire.Messages {
		if msg.Role == "system" {
			b.System(contentAsText(msg.Content))
			continue
		}
		b.AddMessage(openAIMessage(msg))
	}

	for _, tool := range wire.Tools {
		b.AddTool(canonical.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	if tc := parseOpenAIToolChoice(wire.ToolChoice); tc != nil {
		b.ToolChoice(*tc)
	}

	return b.Build()
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// contentAsText flattens string or multi-part content to plain text.
func contentAsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range parts {
		if text, ok := part["text"].(string); ok {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

func openAIMessage(msg openAIMsg) canonical.Message {
	if msg.Role == "tool" {
		return canonical.Message{
			Role: canonical.RoleTool,
			Content: []canonical.ContentBlock{{
				Type:      canonical.BlockToolResult,
				ToolUseID: strings.Replace(msg.ToolCallID, "call_", "toolu_", 1),
				Content:   contentAsText(msg.Content),
			}},
		}
	}

	out := canonical.Message{Role: msg.Role}
	if text := contentAsText(msg.Content); text != "" {
		out.Content = append(out.Content, canonical.ContentBlock{Type: canonical.BlockText, Text: text})
	}
	for _, call := range msg.ToolCalls {
		var input map[string]any
		if call.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		}
		out.Content = append(out.Content, canonical.ContentBlock{
			Type:  canonical.BlockToolUse,
			ID:    strings.Replace(call.ID, "call_", "toolu_", 1),
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return out
}

func parseOpenAIToolChoice(raw json.RawMessage) *canonical.ToolChoice {
	if len(raw) == 0 {
		return nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "required":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceRequired}
		case "none":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
		default:
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
		}
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: obj.Function.Name}
	}
	return nil
}

type geminiWireRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
	Tools []struct {
		FunctionDeclarations []struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			Parameters  map[string]any `json:"parameters,omitempty"`
		} `json:"functionDeclarations,omitempty"`
	} `json:"tools,omitempty"`
	Model  string `json:"model,omitempty"`
	Stream bool   `json:"stream,omitempty"`
}

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text         string `json:"text,omitempty"`
		FunctionCall *struct {
			Name string         `json:"name"`
			Args map[string]any `json:"args,omitempty"`
		} `json:"functionCall,omitempty"`
		FunctionResponse *struct {
			Name     string `json:"name"`
			Response any    `json:"response,omitempty"`
		} `json:"functionResponse,omitempty"`
		InlineData *struct {
			MimeType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"inlineData,omitempty"`
	} `json:"parts"`
}

func parseGemini(body []byte) (*canonical.Request, error) {
	var wire geminiWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse gemini request: %w", err)
	}

	model := wire.Model
	if model == "" {
		model = "gemini-pro"
	}

	b := canonical.NewBuilder().
		GenerateID().
		Model(model).
		Stream(wire.Stream).
		OriginalFormat(FormatGemini)

	if wire.SystemInstruction != nil {
		var sb strings.Builder
		for _, part := range wire.SystemInstruction.Parts {
			sb.WriteString(part.Text)
		}
		b.System(sb.String())
	}

	if gc := wire.GenerationConfig; gc != nil {
		if gc.Temperature != nil {
			b.Temperature(*gc.Temperature)
		}
		if gc.TopP != nil {
			b.TopP(*gc.TopP)
		}
		if gc.MaxOutputTokens != nil {
			b.MaxTokens(*gc.MaxOutputTokens)
		}
		if len(gc.StopSequences) > 0 {
			b.StopSequences(gc.StopSequences...)
		}
	}

	for _, content := range wire.Contents {
		b.AddMessage(geminiMessage(content))
	}

	for _, tool := range wire.Tools {
		for _, decl := range tool.FunctionDeclarations {
			b.AddTool(canonical.Tool{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
	}

	return b.Build()
}

func geminiMessage(content geminiContent) canonical.Message {
	role := canonical.RoleUser
	if content.Role == "model" {
		role = canonical.RoleAssistant
	}

	out := canonical.Message{Role: role}
	for _, part := range content.Parts {
		switch {
		case part.FunctionCall != nil:
			out.Content = append(out.Content, canonical.ContentBlock{
				Type:  canonical.BlockToolUse,
				ID:    "toolu_gemini_" + part.FunctionCall.Name,
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		case part.FunctionResponse != nil:
			out.Role = canonical.RoleTool
			out.Content = append(out.Content, canonical.ContentBlock{
				Type:      canonical.BlockToolResult,
				ToolUseID: part.FunctionResponse.Name,
				Content:   part.FunctionResponse.Response,
			})
		case part.InlineData != nil:
			out.Content = append(out.Content, canonical.ContentBlock{
				Type:      canonical.BlockImage,
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			})
		case part.Text != "":
			out.Content = append(out.Content, canonical.ContentBlock{
				Type: canonical.BlockText,
				Text: part.Text,
			})
		}
	}
	return out
}
