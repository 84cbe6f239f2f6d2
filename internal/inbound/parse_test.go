package inbound

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
)

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := Parse("soap", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soap")
}

func TestParseAnthropic_Basic(t *testing.T) {
	body := `{
		"model": "claude-3-5-sonnet",
		"system": "be brief",
		"max_tokens": 512,
		"temperature": 0.5,
		"stream": true,
		"stop_sequences": ["END"],
		"messages": [{"role": "user", "content": "hello"}]
	}`

	req, err := Parse(FormatAnthropic, []byte(body))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(req.ID, "req_"))
	assert.Equal(t, "claude-3-5-sonnet", req.Model)
	assert.Equal(t, "be brief", req.System)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 512, *req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.5, *req.Temperature)
	assert.True(t, req.Stream)
	assert.Equal(t, []string{"END"}, req.StopSequences)
	assert.Equal(t, FormatAnthropic, req.Metadata.OriginalFormat)

	require.Len(t, req.Messages, 1)
	assert.Equal(t, canonical.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[0].Text())
}

func TestParseAnthropic_SystemBlockArray(t *testing.T) {
	body := `{
		"model": "claude",
		"system": [{"type": "text", "text": "part one "}, {"type": "text", "text": "part two"}],
		"messages": [{"role": "user", "content": "hi"}]
	}`

	req, err := Parse(FormatAnthropic, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "part one part two", req.System)
}

func TestParseAnthropic_ToolBlocks(t *testing.T) {
	body := `{
		"model": "claude",
		"tools": [{"name": "get_weather", "description": "weather", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "tool", "name": "get_weather"},
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Berlin"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]}
		]
	}`

	req, err := Parse(FormatAnthropic, []byte(body))
	require.NoError(t, err)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Name)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, canonical.ToolChoiceFunction, req.ToolChoice.Mode)
	assert.Equal(t, "get_weather", req.ToolChoice.FunctionName)

	require.Len(t, req.Messages, 2)
	require.Len(t, req.Messages[0].Content, 2)
	use := req.Messages[0].Content[1]
	assert.Equal(t, canonical.BlockToolUse, use.Type)
	assert.Equal(t, "toolu_1", use.ID)
	assert.Equal(t, map[string]any{"city": "Berlin"}, use.Input)

	result := req.Messages[1].Content[0]
	assert.Equal(t, canonical.BlockToolResult, result.Type)
	assert.Equal(t, "toolu_1", result.ToolUseID)
	assert.Equal(t, "sunny", result.Content)
}

func TestParseAnthropic_ImageBlock(t *testing.T) {
	body := `{
		"model": "claude",
		"messages": [{"role": "user", "content": [
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGk="}}
		]}]
	}`

	req, err := Parse(FormatAnthropic, []byte(body))
	require.NoError(t, err)

	block := req.Messages[0].Content[0]
	assert.Equal(t, canonical.BlockImage, block.Type)
	assert.Equal(t, "image/png", block.MediaType)
	assert.Equal(t, "aGk=", block.Data)
}

func TestParseOpenAI_Basic(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"max_tokens": 100,
		"max_completion_tokens": 256,
		"stop": ["a", "b"],
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		]
	}`

	req, err := Parse(FormatOpenAI, []byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "be brief", req.System, "system message is lifted out of the turn list")
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 256, *req.MaxTokens, "max_completion_tokens wins over max_tokens")
	assert.Equal(t, []string{"a", "b"}, req.StopSequences)
	require.Len(t, req.Messages, 1)
}

func TestParseOpenAI_StopAsString(t *testing.T) {
	body := `{"model": "gpt-4o", "stop": "END", "messages": [{"role": "user", "content": "hi"}]}`

	req, err := Parse(FormatOpenAI, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"END"}, req.StopSequences)
}

func TestParseOpenAI_ToolCallsAndToolRole(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}],
		"tool_choice": "required",
		"messages": [
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Berlin\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		]
	}`

	req, err := Parse(FormatOpenAI, []byte(body))
	require.NoError(t, err)

	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, canonical.ToolChoiceRequired, req.ToolChoice.Mode)

	require.Len(t, req.Messages, 2)
	use := req.Messages[0].Content[0]
	assert.Equal(t, canonical.BlockToolUse, use.Type)
	assert.Equal(t, "toolu_1", use.ID, "call_ IDs move to the toolu_ vocabulary")
	assert.Equal(t, map[string]any{"city": "Berlin"}, use.Input)

	toolMsg := req.Messages[1]
	assert.Equal(t, canonical.RoleTool, toolMsg.Role)
	result := toolMsg.Content[0]
	assert.Equal(t, canonical.BlockToolResult, result.Type)
	assert.Equal(t, "toolu_1", result.ToolUseID)
	assert.Equal(t, "sunny", result.Content)
}

func TestParseOpenAI_MultiPartContent(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "first "},
			{"type": "text", "text": "second"}
		]}]
	}`

	req, err := Parse(FormatOpenAI, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "first second", req.Messages[0].Text())
}

func TestParseGemini_Basic(t *testing.T) {
	body := `{
		"systemInstruction": {"parts": [{"text": "be brief"}]},
		"generationConfig": {"temperature": 0.3, "maxOutputTokens": 200, "stopSequences": ["END"]},
		"contents": [
			{"role": "user", "parts": [{"text": "hello"}]},
			{"role": "model", "parts": [{"text": "hi there"}]}
		]
	}`

	req, err := Parse(FormatGemini, []byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gemini-pro", req.Model, "model defaults when the body names none")
	assert.Equal(t, "be brief", req.System)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.3, *req.Temperature)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 200, *req.MaxTokens)
	assert.Equal(t, []string{"END"}, req.StopSequences)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, canonical.RoleUser, req.Messages[0].Role)
	assert.Equal(t, canonical.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "hi there", req.Messages[1].Text())
}

func TestParseGemini_FunctionCallAndResponse(t *testing.T) {
	body := `{
		"tools": [{"functionDeclarations": [{"name": "get_weather", "parameters": {"type": "object"}}]}],
		"contents": [
			{"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city": "Berlin"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "get_weather", "response": {"weather": "sunny"}}}]}
		]
	}`

	req, err := Parse(FormatGemini, []byte(body))
	require.NoError(t, err)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Name)

	use := req.Messages[0].Content[0]
	assert.Equal(t, canonical.BlockToolUse, use.Type)
	assert.Equal(t, "toolu_gemini_get_weather", use.ID)
	assert.Equal(t, map[string]any{"city": "Berlin"}, use.Input)

	resultMsg := req.Messages[1]
	assert.Equal(t, canonical.RoleTool, resultMsg.Role)
	result := resultMsg.Content[0]
	assert.Equal(t, canonical.BlockToolResult, result.Type)
	assert.Equal(t, "get_weather", result.ToolUseID)
}

func TestParseGemini_InlineData(t *testing.T) {
	body := `{
		"contents": [{"role": "user", "parts": [
			{"inlineData": {"mimeType": "image/jpeg", "data": "aGk="}}
		]}]
	}`

	req, err := Parse(FormatGemini, []byte(body))
	require.NoError(t, err)

	block := req.Messages[0].Content[0]
	assert.Equal(t, canonical.BlockImage, block.Type)
	assert.Equal(t, "image/jpeg", block.MediaType)
	assert.Equal(t, "aGk=", block.Data)
}

func TestParse_MalformedBody(t *testing.T) {
	for _, format := range []string{FormatAnthropic, FormatOpenAI, FormatGemini} {
		t.Run(format, func(t *testing.T) {
			_, err := Parse(format, []byte(`{not json`))
			assert.Error(t, err)
		})
	}
}
