package kiro

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

type sseFrame struct {
	event string
	data  gjson.Result
}

func decodeSSE(t *testing.T, frames [][]byte) []sseFrame {
	t.Helper()
	var out []sseFrame
	for _, frame := range frames {
		var current sseFrame
		for _, line := range strings.Split(string(frame), "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				current.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				payload := strings.TrimPrefix(line, "data: ")
				if payload == "[DONE]" {
					current.event = "[DONE]"
					continue
				}
				current.data = gjson.Parse(payload)
				if current.event == "" {
					current.event = current.data.Get("type").String()
					if current.event == "" {
						current.event = "data"
					}
				}
			}
		}
		out = append(out, current)
	}
	return out
}

func runAnthropicStream(stream *AnthropicStream, events []StreamEvent) [][]byte {
	frames := stream.Start()
	for _, event := range events {
		frames = append(frames, stream.Push(event)...)
	}
	return append(frames, stream.Finish()...)
}

func TestAnthropicStreamSequence(t *testing.T) {
	stream := NewAnthropicStream("claude-sonnet-4-5", 42, "")
	frames := runAnthropicStream(stream, []StreamEvent{
		{Kind: EventText, Text: "Hello"},
		{Kind: EventText, Text: " there"},
		{Kind: EventToolUse, ToolUseID: "t1", ToolName: "lookup", Input: `{"q":`},
		{Kind: EventToolInput, ToolUseID: "t1", Input: `"x"}`},
		{Kind: EventToolStop, ToolUseID: "t1"},
	})
	decoded := decodeSSE(t, frames)

	var sequence []string
	for _, frame := range decoded {
		sequence = append(sequence, frame.event)
	}
	want := []string{
		"message_start",
		"ping",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(sequence) != len(want) {
		t.Fatalf("frame count mismatch: got %v", sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q (%v)", i, sequence[i], want[i], sequence)
		}
	}

	start := decoded[0].data
	if start.Get("message.model").String() != "claude-sonnet-4-5" {
		t.Fatalf("model missing from message_start: %s", start.Raw)
	}
	if start.Get("message.usage.input_tokens").Int() != 42 {
		t.Fatalf("input tokens missing: %s", start.Raw)
	}

	toolStart := decoded[6].data
	if toolStart.Get("content_block.type").String() != "tool_use" ||
		toolStart.Get("content_block.name").String() != "lookup" {
		t.Fatalf("tool block mismatch: %s", toolStart.Raw)
	}
	if toolStart.Get("index").Int() != 1 {
		t.Fatalf("tool block should use index 1: %s", toolStart.Raw)
	}

	delta := decoded[7].data
	if delta.Get("delta.type").String() != "input_json_delta" {
		t.Fatalf("expected input_json_delta: %s", delta.Raw)
	}

	final := decoded[10].data
	if final.Get("delta.stop_reason").String() != "tool_use" {
		t.Fatalf("stop_reason mismatch: %s", final.Raw)
	}
	if final.Get("usage.output_tokens").Int() <= 0 {
		t.Fatalf("output tokens should be estimated: %s", final.Raw)
	}
}

func TestAnthropicStreamPreservesText(t *testing.T) {
	chunks := []string{"first ", "second\n", "  third  "}
	stream := NewAnthropicStream("claude-sonnet-4-5", 0, "")
	var events []StreamEvent
	for _, chunk := range chunks {
		events = append(events, StreamEvent{Kind: EventText, Text: chunk})
	}
	frames := runAnthropicStream(stream, events)

	var got strings.Builder
	for _, frame := range decodeSSE(t, frames) {
		if frame.event == "content_block_delta" && frame.data.Get("delta.type").String() == "text_delta" {
			got.WriteString(frame.data.Get("delta.text").String())
		}
	}
	if got.String() != strings.Join(chunks, "") {
		t.Fatalf("streamed text altered: %q", got.String())
	}
}

func TestAnthropicStreamTextOnlyStopReason(t *testing.T) {
	stream := NewAnthropicStream("claude-sonnet-4-5", 0, "")
	frames := runAnthropicStream(stream, []StreamEvent{{Kind: EventText, Text: "done"}})

	decoded := decodeSSE(t, frames)
	var messageDelta gjson.Result
	for _, frame := range decoded {
		if frame.event == "message_delta" {
			messageDelta = frame.data
		}
	}
	if messageDelta.Get("delta.stop_reason").String() != "end_turn" {
		t.Fatalf("text-only stream should end with end_turn: %s", messageDelta.Raw)
	}
}

func TestAnthropicStreamWarningEvent(t *testing.T) {
	stream := NewAnthropicStream("claude-sonnet-4-5", 0, "big prompt")
	frames := stream.Start()
	decoded := decodeSSE(t, frames)

	found := false
	for _, frame := range decoded {
		if frame.event == "warning" && frame.data.Get("message").String() == "big prompt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("warning event missing: %v", decoded)
	}
}

func TestOpenAIStreamChunks(t *testing.T) {
	stream := NewOpenAIStream("claude-sonnet-4-5", 9, "")
	frames := stream.Start()
	frames = append(frames, stream.Push(StreamEvent{Kind: EventText, Text: "Hi"})...)
	frames = append(frames, stream.Push(StreamEvent{Kind: EventToolUse, ToolUseID: "t1", ToolName: "lookup", Input: `{"q":`})...)
	frames = append(frames, stream.Push(StreamEvent{Kind: EventToolInput, ToolUseID: "t1", Input: `"x"}`})...)
	frames = append(frames, stream.Push(StreamEvent{Kind: EventToolStop, ToolUseID: "t1"})...)
	frames = append(frames, stream.Finish()...)

	if !strings.HasPrefix(string(frames[0]), "data: ") {
		t.Fatalf("openai frames are data-only: %q", frames[0])
	}

	first := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(string(frames[0])), "data: "))
	if first.Get("object").String() != "chat.completion.chunk" {
		t.Fatalf("object mismatch: %s", first.Raw)
	}
	if first.Get("choices.0.delta.role").String() != "assistant" {
		t.Fatalf("first chunk should announce the role: %s", first.Raw)
	}
	if first.Get("usage.prompt_tokens").Int() != 9 {
		t.Fatalf("prompt tokens missing: %s", first.Raw)
	}

	text := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(string(frames[1])), "data: "))
	if text.Get("choices.0.delta.content").String() != "Hi" {
		t.Fatalf("text delta mismatch: %s", text.Raw)
	}

	toolOpen := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(string(frames[2])), "data: "))
	call := toolOpen.Get("choices.0.delta.tool_calls.0")
	if !strings.HasPrefix(call.Get("id").String(), "call_") {
		t.Fatalf("tool id should carry call_ prefix: %s", call.Raw)
	}
	if call.Get("function.name").String() != "lookup" || call.Get("index").Int() != 0 {
		t.Fatalf("tool open chunk mismatch: %s", call.Raw)
	}

	toolArgs := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(string(frames[3])), "data: "))
	if toolArgs.Get("choices.0.delta.tool_calls.0.function.arguments").String() != `"x"}` {
		t.Fatalf("argument fragment mismatch: %s", toolArgs.Raw)
	}

	last := string(frames[len(frames)-1])
	if strings.TrimSpace(last) != "data: [DONE]" {
		t.Fatalf("stream must end with [DONE]: %q", last)
	}

	finishChunk := gjson.Parse(strings.TrimPrefix(strings.TrimSpace(string(frames[len(frames)-2])), "data: "))
	if finishChunk.Get("choices.0.finish_reason").String() != "tool_calls" {
		t.Fatalf("finish_reason mismatch: %s", finishChunk.Raw)
	}
	if finishChunk.Get("usage.total_tokens").Int() <= 0 {
		t.Fatalf("final usage missing: %s", finishChunk.Raw)
	}
}

func TestOpenAIStreamWarningComment(t *testing.T) {
	stream := NewOpenAIStream("claude-sonnet-4-5", 0, "too large")
	frames := stream.Start()
	if len(frames) != 2 {
		t.Fatalf("expected comment plus first chunk, got %d frames", len(frames))
	}
	if !strings.HasPrefix(string(frames[0]), ": ") {
		t.Fatalf("warning should be an SSE comment: %q", frames[0])
	}
}

func TestStreamErrorEvents(t *testing.T) {
	anthropic := NewAnthropicStream("m", 0, "")
	frame := string(anthropic.ErrorEvent("boom"))
	if !strings.HasPrefix(frame, "event: error\n") || !strings.Contains(frame, "boom") {
		t.Fatalf("anthropic error frame mismatch: %q", frame)
	}

	openai := NewOpenAIStream("m", 0, "")
	frame = string(openai.ErrorEvent("boom"))
	if !strings.HasPrefix(frame, "data: ") || !strings.Contains(frame, "boom") {
		t.Fatalf("openai error frame mismatch: %q", frame)
	}
}
