package kiro

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirolink/kiro-gateway/internal/util/toolid"
)

// FormatSSE renders one server-sent event with an explicit event name.
func FormatSSE(event string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// FormatSSEData renders one data-only server-sent event.
func FormatSSEData(data []byte) []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// DoneSSE terminates an OpenAI-style stream.
var DoneSSE = []byte("data: [DONE]\n\n")

func marshalSSE(event string, data map[string]any) []byte {
	encoded, _ := json.Marshal(data)
	return FormatSSE(event, encoded)
}

// AnthropicStream incrementally renders parsed events as the Anthropic
// messages SSE sequence: message_start, a text content block, one block per
// tool call, then message_delta and message_stop.
type AnthropicStream struct {
	model       string
	messageID   string
	inputTokens int
	warning     string

	nextIndex int
	textOpen  bool
	toolOpen  bool
	openIndex int

	outputText strings.Builder
	toolText   strings.Builder
	hasTools   bool
}

func NewAnthropicStream(model string, inputTokens int, warning string) *AnthropicStream {
	return &AnthropicStream{
		model:       model,
		messageID:   "msg_" + uuid.NewString(),
		inputTokens: inputTokens,
		warning:     warning,
	}
}

// Start emits message_start, the introductory ping, and opens the leading
// text content block at index 0.
func (s *AnthropicStream) Start() [][]byte {
	frames := [][]byte{
		marshalSSE("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  s.inputTokens,
					"output_tokens": 0,
				},
			},
		}),
		marshalSSE("ping", map[string]any{"type": "ping"}),
	}
	if s.warning != "" {
		frames = append(frames, marshalSSE("warning", map[string]any{
			"type":    "warning",
			"message": s.warning,
		}))
	}
	frames = append(frames, s.openTextBlock())
	return frames
}

func (s *AnthropicStream) openTextBlock() []byte {
	frame := marshalSSE("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": s.nextIndex,
		"content_block": map[string]any{
			"type": "text",
			"text": "",
		},
	})
	s.textOpen = true
	s.openIndex = s.nextIndex
	s.nextIndex++
	return frame
}

func (s *AnthropicStream) closeOpenBlock() []byte {
	frame := marshalSSE("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.openIndex,
	})
	s.textOpen = false
	s.toolOpen = false
	return frame
}

// Push renders the SSE frames produced by one parsed event.
func (s *AnthropicStream) Push(event StreamEvent) [][]byte {
	switch event.Kind {
	case EventText:
		text := SanitizeStreamText(event.Text)
		if text == "" {
			return nil
		}
		s.outputText.WriteString(text)
		var frames [][]byte
		if s.toolOpen {
			frames = append(frames, s.closeOpenBlock())
		}
		if !s.textOpen {
			frames = append(frames, s.openTextBlock())
		}
		frames = append(frames, marshalSSE("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.openIndex,
			"delta": map[string]any{
				"type": "text_delta",
				"text": text,
			},
		}))
		return frames
	case EventToolUse:
		s.hasTools = true
		var frames [][]byte
		if s.textOpen || s.toolOpen {
			frames = append(frames, s.closeOpenBlock())
		}
		id := event.ToolUseID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		frames = append(frames, marshalSSE("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": s.nextIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  event.ToolName,
				"input": map[string]any{},
			},
		}))
		s.toolOpen = true
		s.openIndex = s.nextIndex
		s.nextIndex++
		if event.Input != "" {
			s.toolText.WriteString(event.Input)
			frames = append(frames, s.inputDelta(event.Input))
		}
		return frames
	case EventToolInput:
		if !s.toolOpen || event.Input == "" {
			return nil
		}
		s.toolText.WriteString(event.Input)
		return [][]byte{s.inputDelta(event.Input)}
	case EventToolStop:
		if !s.toolOpen {
			return nil
		}
		return [][]byte{s.closeOpenBlock()}
	}
	return nil
}

func (s *AnthropicStream) inputDelta(fragment string) []byte {
	return marshalSSE("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.openIndex,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": fragment,
		},
	})
}

// Finish closes any open block and emits message_delta plus message_stop.
func (s *AnthropicStream) Finish() [][]byte {
	var frames [][]byte
	if s.textOpen || s.toolOpen {
		frames = append(frames, s.closeOpenBlock())
	}
	stopReason := stopReasonEndTurn
	if s.hasTools {
		stopReason = stopReasonToolUse
	}
	frames = append(frames,
		marshalSSE("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  s.inputTokens,
				"output_tokens": s.outputTokenEstimate(),
			},
		}),
		marshalSSE("message_stop", map[string]any{"type": "message_stop"}),
	)
	return frames
}

func (s *AnthropicStream) outputTokenEstimate() int {
	return EstimateTextTokens(s.outputText.String()) + EstimateTextTokens(s.toolText.String())
}

// ErrorEvent renders a mid-stream error in the Anthropic error event shape.
func (s *AnthropicStream) ErrorEvent(message string) []byte {
	return marshalSSE("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": message,
		},
	})
}

// OpenAIStream incrementally renders parsed events as chat.completion.chunk
// frames terminated by data: [DONE].
type OpenAIStream struct {
	model        string
	completionID string
	created      int64
	inputTokens  int
	warning      string

	toolIndex  int
	toolActive bool
	hasTools   bool

	outputText strings.Builder
	toolText   strings.Builder
}

func NewOpenAIStream(model string, inputTokens int, warning string) *OpenAIStream {
	return &OpenAIStream{
		model:        model,
		completionID: "chatcmpl-" + uuid.NewString(),
		created:      time.Now().Unix(),
		inputTokens:  inputTokens,
		warning:      warning,
		toolIndex:    -1,
	}
}

func (s *OpenAIStream) chunk(delta map[string]any, finishReason any, usage map[string]any) []byte {
	payload := map[string]any{
		"id":      s.completionID,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	if usage != nil {
		payload["usage"] = usage
	}
	encoded, _ := json.Marshal(payload)
	return FormatSSEData(encoded)
}

// Start emits the role-announcing chunk carrying the prompt token estimate.
// A context warning, when present, precedes it as an SSE comment so schema-
// strict clients skip it.
func (s *OpenAIStream) Start() [][]byte {
	var frames [][]byte
	if s.warning != "" {
		frames = append(frames, []byte(": "+s.warning+"\n\n"))
	}
	frames = append(frames, s.chunk(
		map[string]any{"role": "assistant", "content": ""},
		nil,
		map[string]any{
			"prompt_tokens":     s.inputTokens,
			"completion_tokens": 0,
			"total_tokens":      s.inputTokens,
		},
	))
	return frames
}

// Push renders the chunk produced by one parsed event.
func (s *OpenAIStream) Push(event StreamEvent) [][]byte {
	switch event.Kind {
	case EventText:
		text := SanitizeStreamText(event.Text)
		if text == "" {
			return nil
		}
		s.outputText.WriteString(text)
		return [][]byte{s.chunk(map[string]any{"content": text}, nil, nil)}
	case EventToolUse:
		s.hasTools = true
		s.toolActive = true
		s.toolIndex++
		id := toolid.Normalize(event.ToolUseID)
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		call := map[string]any{
			"index": s.toolIndex,
			"id":    id,
			"type":  "function",
			"function": map[string]any{
				"name":      event.ToolName,
				"arguments": event.Input,
			},
		}
		s.toolText.WriteString(event.Input)
		return [][]byte{s.chunk(map[string]any{"tool_calls": []map[string]any{call}}, nil, nil)}
	case EventToolInput:
		if !s.toolActive || event.Input == "" {
			return nil
		}
		s.toolText.WriteString(event.Input)
		call := map[string]any{
			"index": s.toolIndex,
			"function": map[string]any{
				"arguments": event.Input,
			},
		}
		return [][]byte{s.chunk(map[string]any{"tool_calls": []map[string]any{call}}, nil, nil)}
	case EventToolStop:
		s.toolActive = false
	}
	return nil
}

// Finish emits the finish_reason chunk with final usage, then [DONE].
func (s *OpenAIStream) Finish() [][]byte {
	stopReason := stopReasonEndTurn
	if s.hasTools {
		stopReason = stopReasonToolUse
	}
	finishReason := openAIFinishReason(stopReason)
	completionTokens := EstimateTextTokens(s.outputText.String()) + EstimateTextTokens(s.toolText.String())
	return [][]byte{
		s.chunk(map[string]any{}, finishReason, map[string]any{
			"prompt_tokens":     s.inputTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      s.inputTokens + completionTokens,
		}),
		DoneSSE,
	}
}

// ErrorEvent renders a mid-stream error as an OpenAI error payload.
func (s *OpenAIStream) ErrorEvent(message string) []byte {
	encoded, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    "api_error",
			"message": message,
		},
	})
	return FormatSSEData(encoded)
}
