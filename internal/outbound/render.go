// Package outbound encodes a canonical response back into the wire format the
// client originally spoke. It is the mirror of package inbound.
package outbound

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/inbound"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/protocols"
)

// Render encodes the response for the given client format.
func Render(format string, resp *canonical.Response) ([]byte, error) {
	switch format {
	case inbound.FormatAnthropic:
		return renderAnthropic(resp)
	case inbound.FormatOpenAI:
		return renderOpenAI(resp)
	case inbound.FormatGemini:
		return renderGemini(resp)
	default:
		return nil, fmt.Errorf("unsupported outbound format %q", format)
	}
}

func firstChoice(resp *canonical.Response) canonical.Choice {
	if len(resp.Choices) == 0 {
		return canonical.Choice{FinishReason: canonical.FinishStop}
	}
	return resp.Choices[0]
}

func renderAnthropic(resp *canonical.Response) ([]byte, error) {
	choice := firstChoice(resp)

	content := make([]map[string]any, 0, len(choice.Message.Content))
	for _, block := range choice.Message.Content {
		switch block.Type {
		case canonical.BlockToolUse:
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    block.ID,
				"name":  block.Name,
				"input": input,
			})
		case canonical.BlockText:
			content = append(content, map[string]any{"type": "text", "text": block.Text})
		}
	}

	out := map[string]any{
		"id":            resp.ID,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       content,
		"stop_reason":   protocols.FinishToStopReason(choice.FinishReason),
		"stop_sequence": nil,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}

func renderOpenAI(resp *canonical.Response) ([]byte, error) {
	choice := firstChoice(resp)

	message := map[string]any{"role": "assistant"}
	if text := choice.Message.Text(); text != "" {
		message["content"] = text
	} else {
		message["content"] = nil
	}

	var toolCalls []map[string]any
	for _, block := range choice.Message.Content {
		if block.Type != canonical.BlockToolUse {
			continue
		}
		args, err := json.Marshal(block.Input)
		if err != nil {
			args = []byte("{}")
		}
		toolCalls = append(toolCalls, map[string]any{
			"id":   strings.Replace(block.ID, "toolu_", "call_", 1),
			"type": "function",
			"function": map[string]any{
				"name":      block.Name,
				"arguments": string(args),
			},
		})
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	finish := "stop"
	switch choice.FinishReason {
	case canonical.FinishLength:
		finish = "length"
	case canonical.FinishToolCalls:
		finish = "tool_calls"
	case canonical.FinishContentFilter:
		finish = "content_filter"
	}

	out := map[string]any{
		"id":      strings.Replace(resp.ID, "msg_", "chatcmpl-", 1),
		"object":  "chat.completion",
		"model":   resp.Model,
		"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": finish}},
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

func renderGemini(resp *canonical.Response) ([]byte, error) {
	choice := firstChoice(resp)

	var parts []map[string]any
	for _, block := range choice.Message.Content {
		switch block.Type {
		case canonical.BlockToolUse:
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": block.Name, "args": args},
			})
		case canonical.BlockText:
			parts = append(parts, map[string]any{"text": block.Text})
		}
	}

	finish := "STOP"
	switch choice.FinishReason {
	case canonical.FinishLength:
		finish = "MAX_TOKENS"
	case canonical.FinishContentFilter:
		finish = "SAFETY"
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": finish,
			"index":        0,
		}},
	}
	if resp.Usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}
