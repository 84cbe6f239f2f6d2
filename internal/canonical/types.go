// Package canonical defines the provider-agnostic request and response model
// that every transform in the gateway reads from or writes to. Inbound wire
// formats (Anthropic Messages, OpenAI Chat Completions, Gemini generateContent)
// are normalized into these types before routing; provider responses are
// normalized back into them before the client-facing encode.
package canonical

import "time"

// Roles a message can carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content block kinds.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Finish reasons in canonical form.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishFunctionCall  = "function_call"
)

// ContentBlock is one element of a message's content. Exactly the fields for
// the block's Type are set; the zero value is not a valid block.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`

	// BlockImage
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Message is a single conversation turn. Content is always a block list;
// plain-text inbound content becomes a single text block, and an empty string
// becomes an empty block list, never a mixed or ambiguous array.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a message with a single text block, or no blocks for an
// empty string.
func TextMessage(role, text string) Message {
	if text == "" {
		return Message{Role: role}
	}
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
	ToolChoiceFunction = "function"
)

// ToolChoice is a tagged variant: auto | required | none | {function: name}.
// FunctionName is set only when Mode is ToolChoiceFunction.
type ToolChoice struct {
	Mode         string `json:"mode"`
	FunctionName string `json:"function_name,omitempty"`
}

// RequestMetadata travels with a request through the pipeline and is never
// sent upstream.
type RequestMetadata struct {
	OriginalFormat string            `json:"original_format"`
	TargetFormat   string            `json:"target_format,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Category       string            `json:"category,omitempty"`
	RoutingHints   map[string]string `json:"routing_hints,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// Request is the normalized inbound request. Construct it with Builder;
// treat it as immutable once built.
type Request struct {
	ID            string          `json:"id"`
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream"`
	System        string          `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      RequestMetadata `json:"metadata"`
}

// Usage carries token accounting in canonical form.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one alternative completion.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ResponseMetadata records how a response was produced.
type ResponseMetadata struct {
	RequestID       string                   `json:"request_id,omitempty"`
	Provider        string                   `json:"provider,omitempty"`
	ProcessingSteps []string                 `json:"processing_steps,omitempty"`
	Timing          map[string]time.Duration `json:"timing,omitempty"`
}

// Response is the normalized provider response.
type Response struct {
	ID       string           `json:"id"`
	Model    string           `json:"model,omitempty"`
	Choices  []Choice         `json:"choices"`
	Usage    *Usage           `json:"usage,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}
