// Package stream emulates an incremental Anthropic SSE event sequence from a
// buffered canonical response. The gateway always calls providers
// non-streaming internally; when the client asked for streaming, the emulator
// replays the complete response as message_start → content blocks →
// message_delta → message_stop, pacing the text deltas so the client sees a
// realistic stream.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/protocols"
)

// Event is one emulated stream event.
type Event struct {
	Type string
	Data map[string]any
}

// SSE renders the event in Server-Sent Events framing.
func (e Event) SSE() []byte {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data))
}

const (
	DefaultChunkWords = 1
	DefaultChunkDelay = 15 * time.Millisecond
)

// Emulator produces event streams from buffered responses.
type Emulator struct {
	chunkWords int
	delay      time.Duration
}

func NewEmulator() *Emulator {
	return &Emulator{chunkWords: DefaultChunkWords, delay: DefaultChunkDelay}
}

// NewEmulatorWithPacing overrides chunk sizing and inter-chunk delay.
func NewEmulatorWithPacing(chunkWords int, delay time.Duration) *Emulator {
	if chunkWords <= 0 {
		chunkWords = DefaultChunkWords
	}
	return &Emulator{chunkWords: chunkWords, delay: delay}
}

// Emulate returns a lazy, finite, non-restartable event stream over the
// response's first choice. Events are generated as they are pulled, so the
// transport can forward chunks without buffering the whole stream.
func (e *Emulator) Emulate(resp *canonical.Response) *EventStream {
	return &EventStream{
		resp:       resp,
		chunkWords: e.chunkWords,
		delay:      e.delay,
	}
}

// Stream phases.
const (
	phaseMessageStart = iota
	phaseBlockStart
	phaseBlockDelta
	phaseBlockStop
	phaseMessageDelta
	phaseMessageStop
	phaseDone
)

// EventStream yields emulated events one at a time. Next returns io.EOF once
// the sequence is exhausted.
type EventStream struct {
	resp       *canonical.Response
	chunkWords int
	delay      time.Duration

	phase    int
	blockIdx int
	chunks   []string
	chunkIdx int
}

func (s *EventStream) blocks() []canonical.ContentBlock {
	if len(s.resp.Choices) == 0 {
		return nil
	}
	return s.resp.Choices[0].Message.Content
}

func (s *EventStream) Next() (Event, error) {
	switch s.phase {
	case phaseMessageStart:
		if len(s.blocks()) > 0 {
			s.phase = phaseBlockStart
		} else {
			s.phase = phaseMessageDelta
		}
		return s.messageStart(), nil

	case phaseBlockStart:
		block := s.blocks()[s.blockIdx]
		s.chunks = blockChunks(block, s.chunkWords)
		s.chunkIdx = 0
		if len(s.chunks) > 0 {
			s.phase = phaseBlockDelta
		} else {
			s.phase = phaseBlockStop
		}
		return s.blockStart(block), nil

	case phaseBlockDelta:
		if s.chunkIdx > 0 && s.delay > 0 {
			time.Sleep(s.delay)
		}
		block := s.blocks()[s.blockIdx]
		evt := s.blockDelta(block, s.chunks[s.chunkIdx])
		s.chunkIdx++
		if s.chunkIdx >= len(s.chunks) {
			s.phase = phaseBlockStop
		}
		return evt, nil

	case phaseBlockStop:
		evt := Event{Type: "content_block_stop", Data: map[string]any{
			"type":  "content_block_stop",
			"index": s.blockIdx,
		}}
		s.blockIdx++
		if s.blockIdx < len(s.blocks()) {
			s.phase = phaseBlockStart
		} else {
			s.phase = phaseMessageDelta
		}
		return evt, nil

	case phaseMessageDelta:
		s.phase = phaseMessageStop
		return s.messageDelta(), nil

	case phaseMessageStop:
		s.phase = phaseDone
		return Event{Type: "message_stop", Data: map[string]any{"type": "message_stop"}}, nil

	default:
		return Event{}, io.EOF
	}
}

func (s *EventStream) messageStart() Event {
	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if s.resp.Usage != nil {
		usage["input_tokens"] = s.resp.Usage.PromptTokens
	}

	return Event{Type: "message_start", Data: map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.resp.ID,
			"type":          "message",
			"role":          "assistant",
			"model":         s.resp.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	}}
}

func (s *EventStream) blockStart(block canonical.ContentBlock) Event {
	var contentBlock map[string]any
	if block.Type == canonical.BlockToolUse {
		contentBlock = map[string]any{
			"type":  "tool_use",
			"id":    block.ID,
			"name":  block.Name,
			"input": map[string]any{},
		}
	} else {
		contentBlock = map[string]any{"type": "text", "text": ""}
	}

	return Event{Type: "content_block_start", Data: map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIdx,
		"content_block": contentBlock,
	}}
}

func (s *EventStream) blockDelta(block canonical.ContentBlock, chunk string) Event {
	var delta map[string]any
	if block.Type == canonical.BlockToolUse {
		delta = map[string]any{"type": "input_json_delta", "partial_json": chunk}
	} else {
		delta = map[string]any{"type": "text_delta", "text": chunk}
	}

	return Event{Type: "content_block_delta", Data: map[string]any{
		"type":  "content_block_delta",
		"index": s.blockIdx,
		"delta": delta,
	}}
}

func (s *EventStream) messageDelta() Event {
	finish := canonical.FinishStop
	if len(s.resp.Choices) > 0 {
		finish = s.resp.Choices[0].FinishReason
	}

	data := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   protocols.FinishToStopReason(finish),
			"stop_sequence": nil,
		},
	}
	if s.resp.Usage != nil {
		data["usage"] = map[string]any{"output_tokens": s.resp.Usage.CompletionTokens}
	}

	return Event{Type: "message_delta", Data: data}
}

// blockChunks splits a block's payload into delta chunks. Text splits
// word-wise, preserving whitespace so the concatenation equals the original;
// tool-call arguments go out as a single JSON delta.
func blockChunks(block canonical.ContentBlock, chunkWords int) []string {
	if block.Type == canonical.BlockToolUse {
		if block.Input == nil {
			return []string{"{}"}
		}
		data, err := json.Marshal(block.Input)
		if err != nil {
			return []string{"{}"}
		}
		return []string{string(data)}
	}

	if block.Text == "" {
		return nil
	}

	words := strings.SplitAfter(block.Text, " ")
	var chunks []string
	for i := 0; i < len(words); i += chunkWords {
		end := i + chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], ""))
	}
	return chunks
}
