// Package inbound parses raw client request bodies (Anthropic Messages,
// OpenAI Chat Completions, Gemini generateContent) into the canonical model.
package inbound

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Wire formats.
const (
	FormatAnthropic = "anthropic"
	FormatOpenAI    = "openai"
	FormatGemini    = "gemini"
)

// DetectFormat decides which wire format a request uses, first from the URL
// path, then from the body shape.
func DetectFormat(path string, body []byte) string {
	switch {
	case strings.Contains(path, "/v1/messages"):
		return FormatAnthropic
	case strings.Contains(path, "/chat/completions"):
		return FormatOpenAI
	case strings.Contains(path, ":generateContent") || strings.Contains(path, "/v1beta/models"):
		return FormatGemini
	}

	switch {
	case gjson.GetBytes(body, "contents").Exists():
		return FormatGemini
	case gjson.GetBytes(body, "messages.0.content").Type == gjson.String &&
		!gjson.GetBytes(body, "system").Exists():
		return FormatOpenAI
	default:
		return FormatAnthropic
	}
}
