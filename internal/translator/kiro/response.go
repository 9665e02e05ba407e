package kiro

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirolink/kiro-gateway/internal/util/toolid"
)

const (
	stopReasonEndTurn   = "end_turn"
	stopReasonToolUse   = "tool_use"
	stopReasonMaxTokens = "max_tokens"
)

// openAIFinishReason maps an Anthropic stop reason onto the chat-completions
// finish_reason vocabulary.
func openAIFinishReason(stopReason string) string {
	switch stopReason {
	case stopReasonToolUse:
		return "tool_calls"
	case stopReasonMaxTokens:
		return "length"
	default:
		return "stop"
	}
}

// collectEvents folds a parsed event list into the final assistant text and
// the finalized tool calls.
func collectEvents(events []StreamEvent) (string, []ToolCall) {
	var text strings.Builder
	acc := newToolAccumulator()
	for _, event := range events {
		if event.Kind == EventText {
			text.WriteString(event.Text)
			continue
		}
		acc.Add(event)
	}
	return text.String(), acc.Finalize()
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessage struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []map[string]any `json:"content"`
	StopReason   string           `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        anthropicUsage   `json:"usage"`
}

// BuildAnthropicMessage assembles the non-streaming /v1/messages response
// from a fully parsed Kiro exchange. Tool arguments that cannot be decoded as
// JSON are forwarded as the raw string the model produced.
func BuildAnthropicMessage(model string, events []StreamEvent, inputTokens int) ([]byte, error) {
	text, tools := collectEvents(events)
	text = SanitizeText(text)

	content := make([]map[string]any, 0, 1+len(tools))
	if text != "" || len(tools) == 0 {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, tool := range tools {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tool.ID,
			"name":  tool.Name,
			"input": decodeToolArguments(tool.Arguments),
		})
	}

	stopReason := stopReasonEndTurn
	if len(tools) > 0 {
		stopReason = stopReasonToolUse
	}

	message := anthropicMessage{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage: anthropicUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens(text, tools),
		},
	}
	return json.Marshal(message)
}

type chatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   any            `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// BuildChatCompletion assembles the non-streaming /v1/chat/completions
// response. Tool-call IDs carry the call_ prefix OpenAI clients expect.
func BuildChatCompletion(model string, events []StreamEvent, inputTokens int) ([]byte, error) {
	text, tools := collectEvents(events)
	text = SanitizeText(text)

	message := chatMessage{Role: "assistant", Content: text}
	finishReason := "stop"
	if len(tools) > 0 {
		finishReason = "tool_calls"
		if text == "" {
			message.Content = nil
		}
		message.ToolCalls = make([]chatToolCall, 0, len(tools))
		for _, tool := range tools {
			message.ToolCalls = append(message.ToolCalls, chatToolCall{
				ID:   toolid.Normalize(tool.ID),
				Type: "function",
				Function: chatToolFunction{
					Name:      tool.Name,
					Arguments: tool.Arguments,
				},
			})
		}
	}

	completionTokens := outputTokens(text, tools)
	completion := chatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
		Usage: chatUsage{
			PromptTokens:     inputTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      inputTokens + completionTokens,
		},
	}
	return json.Marshal(completion)
}

// decodeToolArguments parses raw argument JSON for an Anthropic tool_use
// block. Invalid JSON is propagated unchanged so callers can inspect what the
// model actually emitted.
func decodeToolArguments(arguments string) any {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && decoded != nil {
		return decoded
	}
	return trimmed
}

func outputTokens(text string, tools []ToolCall) int {
	total := EstimateTextTokens(text)
	for _, tool := range tools {
		total += EstimateTextTokens(tool.Name) + EstimateTextTokens(tool.Arguments)
	}
	return total
}
