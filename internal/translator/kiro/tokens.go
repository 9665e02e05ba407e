package kiro

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

const (
	contextWindowTokens   = 200_000
	contextWarnTokens     = 170_000
	contextCriticalTokens = 190_000
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func sharedCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		if c, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
			codec = c
		}
	})
	return codec
}

// EstimateTextTokens counts tokens with the cl100k_base codec, falling back
// to a four-characters-per-token heuristic if the codec is unavailable.
func EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	if c := sharedCodec(); c != nil {
		if n, err := c.Count(text); err == nil {
			return n
		}
	}
	return (len(text) + 3) / 4
}

// CountRequestTokens estimates the prompt size of an Anthropic-shaped request
// body: system prompt, message content, tool results, and tool definitions.
func CountRequestTokens(payload []byte) int {
	root := gjson.ParseBytes(payload)
	segments := make([]string, 0, 32)

	if system := root.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			appendSegment(&segments, system.String())
		} else if system.IsArray() {
			system.ForEach(func(_, block gjson.Result) bool {
				appendSegment(&segments, block.Get("text").String())
				return true
			})
		}
	}

	images := 0
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		appendSegment(&segments, message.Get("role").String())
		collectContentTokens(message.Get("content"), &segments, &images)
		return true
	})

	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		appendSegment(&segments, tool.Get("name").String())
		appendSegment(&segments, tool.Get("description").String())
		if schema := tool.Get("input_schema"); schema.Exists() {
			appendSegment(&segments, schema.Raw)
		} else if schema := tool.Get("function.parameters"); schema.Exists() {
			appendSegment(&segments, schema.Raw)
		}
		return true
	})

	return EstimateTextTokens(strings.Join(segments, "\n")) + images*imageTokenEstimate
}

// imageTokenEstimate is a flat per-image allowance; dimensions are not
// available at this layer.
const imageTokenEstimate = 1000

func collectContentTokens(content gjson.Result, segments *[]string, images *int) {
	if !content.Exists() {
		return
	}
	if content.Type == gjson.String {
		appendSegment(segments, content.String())
		return
	}
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text", "input_text", "output_text":
			appendSegment(segments, part.Get("text").String())
		case "tool_use":
			appendSegment(segments, part.Get("name").String())
			if input := part.Get("input"); input.Exists() {
				appendSegment(segments, input.Raw)
			}
		case "tool_result":
			collectContentTokens(part.Get("content"), segments, images)
		case "image":
			*images++
		}
		return true
	})
}

func appendSegment(segments *[]string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*segments = append(*segments, trimmed)
	}
}

// ContextWarning reports a human-readable warning when the estimated prompt
// size approaches the context window. Empty when the prompt is comfortably
// inside it. Requests are never rejected on size alone.
func ContextWarning(tokens int) string {
	switch {
	case tokens >= contextCriticalTokens:
		return fmt.Sprintf("estimated input of %d tokens exceeds %d; the upstream model will likely truncate or reject this request", tokens, contextCriticalTokens)
	case tokens >= contextWarnTokens:
		return fmt.Sprintf("estimated input of %d tokens is approaching the %d context window", tokens, contextWindowTokens)
	default:
		return ""
	}
}
