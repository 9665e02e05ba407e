package kiro

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	urlImageErrorText   = "[Error: URL images are not supported; inline the image as a base64 data URL]"
	audioInputErrorText = "[Error: Audio input not supported]"
)

// supportedImageTypes lists media types forwarded as inline image blocks.
var supportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
}

// supportedDocumentTypes lists media types forwarded as document blocks.
// text/* prefixed types are accepted in addition to this set.
var supportedDocumentTypes = map[string]bool{
	"application/pdf":        true,
	"application/json":       true,
	"application/xml":        true,
	"application/javascript": true,
}

// NormalizeOpenAIRequest rewrites an OpenAI chat-completions payload into the
// Anthropic messages shape that BuildRequest consumes. System messages fold
// into the system field, tool/function definitions and tool_choice are mapped,
// and content parts are converted per type.
func NormalizeOpenAIRequest(payload []byte) ([]byte, error) {
	root := gjson.ParseBytes(payload)
	messages := root.Get("messages")
	if !messages.Exists() || !messages.IsArray() {
		return nil, ErrNoMessages
	}

	out := map[string]any{
		"model": root.Get("model").String(),
	}

	var systemParts []string
	converted := make([]map[string]any, 0, len(messages.Array()))
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := strings.ToLower(strings.TrimSpace(msg.Get("role").String()))
		switch role {
		case "system", "developer":
			if text := flattenOpenAIText(msg.Get("content")); text != "" {
				systemParts = append(systemParts, text)
			}
		case "assistant":
			converted = append(converted, convertOpenAIAssistant(msg))
		case "tool", "function":
			converted = append(converted, convertOpenAIToolMessage(msg))
		default:
			converted = append(converted, map[string]any{
				"role":    "user",
				"content": convertOpenAIContent(msg.Get("content")),
			})
		}
		return true
	})
	if len(converted) == 0 {
		return nil, ErrNoMessages
	}
	out["messages"] = converted
	if len(systemParts) > 0 {
		out["system"] = strings.Join(systemParts, "\n\n")
	}

	if tools := convertOpenAITools(root.Get("tools")); len(tools) > 0 {
		out["tools"] = tools
	}
	if choice := convertOpenAIToolChoice(root.Get("tool_choice")); choice != nil {
		out["tool_choice"] = choice
	}

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out["max_tokens"] = maxTokens.Int()
	} else if maxTokens := root.Get("max_completion_tokens"); maxTokens.Exists() {
		out["max_tokens"] = maxTokens.Int()
	}
	for _, field := range []string{"temperature", "top_p", "stream"} {
		if value := root.Get(field); value.Exists() {
			out[field] = value.Value()
		}
	}
	if budget := root.Get("thinking_budget"); budget.Exists() {
		out["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": budget.Int(),
		}
	}

	return json.Marshal(out)
}

// convertOpenAIContent maps an OpenAI content value into Anthropic content
// blocks. Strings pass through unchanged.
func convertOpenAIContent(content gjson.Result) any {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		if content.Exists() {
			return content.String()
		}
		return ""
	}

	blocks := make([]map[string]any, 0, len(content.Array()))
	content.ForEach(func(_, part gjson.Result) bool {
		switch strings.ToLower(part.Get("type").String()) {
		case "text", "input_text":
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": part.Get("text").String(),
			})
		case "image_url":
			blocks = append(blocks, convertImageURLPart(part))
		case "file", "document":
			blocks = append(blocks, convertFilePart(part))
		case "input_audio":
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": audioInputErrorText,
			})
		}
		return true
	})
	return blocks
}

func convertImageURLPart(part gjson.Result) map[string]any {
	url := part.Get("image_url.url").String()
	if url == "" {
		url = part.Get("image_url").String()
	}
	if mediaType, data, ok := parseDataURL(url); ok {
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       data,
			},
		}
	}
	return map[string]any{"type": "text", "text": urlImageErrorText}
}

// convertFilePart maps base64 file and document parts: supported image types
// become image blocks, supported document types become document blocks, and
// anything else degrades to an explanatory text block.
func convertFilePart(part gjson.Result) map[string]any {
	mediaType, data := filePayload(part)
	if mediaType == "" || data == "" {
		return map[string]any{"type": "text", "text": "[Unsupported file type: unknown]"}
	}
	switch {
	case supportedImageTypes[mediaType]:
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       data,
			},
		}
	case supportedDocumentTypes[mediaType] || strings.HasPrefix(mediaType, "text/"):
		return map[string]any{
			"type": "document",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       data,
			},
		}
	default:
		return map[string]any{"type": "text", "text": "[Unsupported file type: " + mediaType + "]"}
	}
}

func filePayload(part gjson.Result) (string, string) {
	if fileData := part.Get("file.file_data").String(); fileData != "" {
		if mediaType, data, ok := parseDataURL(fileData); ok {
			return mediaType, data
		}
	}
	if source := part.Get("source"); source.Exists() {
		return source.Get("media_type").String(), source.Get("data").String()
	}
	return "", ""
}

func parseDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", "", false
	}
	meta := rest[:comma]
	data = rest[comma+1:]
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" || data == "" {
		return "", "", false
	}
	return mediaType, data, true
}

func convertOpenAIAssistant(msg gjson.Result) map[string]any {
	blocks := make([]map[string]any, 0, 2)
	if text := flattenOpenAIText(msg.Get("content")); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		arguments := call.Get("function.arguments").String()
		var input any
		if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
			input = map[string]any{}
			if strings.TrimSpace(arguments) != "" {
				input = arguments
			}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    call.Get("id").String(),
			"name":  call.Get("function.name").String(),
			"input": input,
		})
		return true
	})
	return map[string]any{"role": "assistant", "content": blocks}
}

func convertOpenAIToolMessage(msg gjson.Result) map[string]any {
	return map[string]any{
		"role": "user",
		"content": []map[string]any{{
			"type":        "tool_result",
			"tool_use_id": msg.Get("tool_call_id").String(),
			"content":     flattenOpenAIText(msg.Get("content")),
		}},
	}
}

func convertOpenAITools(tools gjson.Result) []map[string]any {
	if !tools.Exists() || !tools.IsArray() {
		return nil
	}
	out := make([]map[string]any, 0, len(tools.Array()))
	tools.ForEach(func(_, tool gjson.Result) bool {
		function := tool.Get("function")
		if !function.Exists() {
			return true
		}
		name := function.Get("name").String()
		if name == "" {
			return true
		}
		entry := map[string]any{
			"name":        name,
			"description": function.Get("description").String(),
		}
		if params := function.Get("parameters"); params.Exists() {
			if schema, ok := params.Value().(map[string]any); ok {
				entry["input_schema"] = schema
			}
		}
		out = append(out, entry)
		return true
	})
	return out
}

// convertOpenAIToolChoice maps auto, none, required, and named-function
// choices onto the Anthropic equivalents.
func convertOpenAIToolChoice(choice gjson.Result) map[string]any {
	if !choice.Exists() {
		return nil
	}
	if choice.Type == gjson.String {
		switch strings.ToLower(choice.String()) {
		case "auto":
			return map[string]any{"type": "auto"}
		case "none":
			return map[string]any{"type": "none"}
		case "required":
			return map[string]any{"type": "any"}
		}
		return nil
	}
	if name := choice.Get("function.name").String(); name != "" {
		return map[string]any{"type": "tool", "name": name}
	}
	return nil
}

func flattenOpenAIText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	if content.Exists() {
		return content.String()
	}
	return ""
}
