package kiro

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	kiroauth "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/util/toolid"
)

const (
	chatTriggerType = "MANUAL"
	messageOrigin   = "AI_EDITOR"

	// continuationText fills turns Kiro would otherwise reject as empty.
	continuationText = "Continue"
	// toolResultsText replaces an empty user turn that only carries tool results.
	toolResultsText = "Tool results provided."
)

// ErrNoMessages is returned when the inbound payload carries no usable messages.
// The front-end maps it to a 400 without touching any account.
var ErrNoMessages = errors.New("messages array is required and must not be empty")

// BuildRequest folds an Anthropic-style messages payload into Kiro's
// conversationState shape. History entries strictly alternate user and
// assistant turns, tool results are deduplicated by toolUseId (first
// occurrence wins), and the system prompt is folded into the first user turn.
func BuildRequest(model string, payload []byte, token *kiroauth.KiroTokenStorage) ([]byte, error) {
	if token == nil {
		return nil, errors.New("kiro translator: token storage missing")
	}
	root := gjson.ParseBytes(payload)
	messages := root.Get("messages")
	if !messages.Exists() || !messages.IsArray() {
		return nil, ErrNoMessages
	}

	merged := mergeAdjacentSameRole(messages.Array())
	merged = dropTrailingBraceStub(merged)
	if len(merged) == 0 {
		return nil, ErrNoMessages
	}

	kiroModel := MapModel(model)
	systemPrompt := extractSystemPrompt(root.Get("system"))
	toolSpecs := buildToolSpecifications(root.Get("tools"))

	b := &requestBuilder{
		model:       kiroModel,
		seenResults: make(map[string]bool),
		skippedUses: make(map[string]bool),
	}

	startIndex := 0
	if systemPrompt != "" {
		first := merged[0]
		if strings.EqualFold(first.Get("role").String(), "user") && len(merged) > 1 {
			text, toolResults, images := b.extractUser(first)
			b.pushUser(joinBlocks(systemPrompt, text), toolResults, images)
			startIndex = 1
		} else {
			b.pushUser(systemPrompt, nil, nil)
		}
	}

	for i := startIndex; i < len(merged)-1; i++ {
		b.pushMessage(merged[i])
	}

	last := merged[len(merged)-1]
	var current map[string]any
	if strings.EqualFold(last.Get("role").String(), "assistant") {
		b.pushMessage(last)
		current = b.userEntry(continuationText, nil, nil)
	} else {
		text, toolResults, images := b.extractUser(last)
		if text == "" {
			if len(toolResults) > 0 {
				text = toolResultsText
			} else {
				text = continuationText
			}
		}
		current = b.userEntry(text, toolResults, images)
	}

	// Kiro requires the history to end on an assistant turn before a user
	// current message.
	if n := len(b.history); n > 0 {
		if _, isUser := b.history[n-1]["userInputMessage"]; isUser {
			b.history = append(b.history, assistantEntry(continuationText, nil))
		}
	}

	if len(toolSpecs) > 0 {
		attachTools(current, toolSpecs)
	}

	state := map[string]any{
		"chatTriggerType": chatTriggerType,
		"conversationId":  uuid.NewString(),
		"currentMessage":  current,
	}
	if len(b.history) > 0 {
		state["history"] = b.history
	}
	request := map[string]any{"conversationState": state}
	if token.IsSocial() && token.ProfileArn != "" {
		request["profileArn"] = token.ProfileArn
	}
	return json.Marshal(request)
}

type requestBuilder struct {
	model   string
	history []map[string]any

	// seenResults dedups tool results across the whole request by toolUseId.
	seenResults map[string]bool
	// skippedUses records tool_use ids dropped for empty input, so their
	// orphaned results are dropped as well.
	skippedUses map[string]bool
}

func (b *requestBuilder) pushMessage(msg gjson.Result) {
	role := strings.ToLower(strings.TrimSpace(msg.Get("role").String()))
	switch role {
	case "assistant":
		text, toolUses := b.extractAssistant(msg)
		b.history = append(b.history, assistantEntry(text, toolUses))
	case "user", "system", "tool":
		text, toolResults, images := b.extractUser(msg)
		b.pushUser(text, toolResults, images)
	}
}

func (b *requestBuilder) pushUser(text string, toolResults, images []map[string]any) {
	b.history = append(b.history, b.userEntry(text, toolResults, images))
}

func (b *requestBuilder) userEntry(text string, toolResults, images []map[string]any) map[string]any {
	if text == "" {
		if len(toolResults) > 0 {
			text = toolResultsText
		} else {
			text = continuationText
		}
	}
	message := map[string]any{
		"content": text,
		"modelId": b.model,
		"origin":  messageOrigin,
	}
	if len(images) > 0 {
		message["images"] = images
	}
	if len(toolResults) > 0 {
		message["userInputMessageContext"] = map[string]any{
			"toolResults": toolResults,
		}
	}
	return map[string]any{"userInputMessage": message}
}

func assistantEntry(text string, toolUses []map[string]any) map[string]any {
	if text == "" {
		text = continuationText
	}
	message := map[string]any{"content": text}
	if len(toolUses) > 0 {
		message["toolUses"] = toolUses
	}
	return map[string]any{"assistantResponseMessage": message}
}

func attachTools(current map[string]any, toolSpecs []map[string]any) {
	message, ok := current["userInputMessage"].(map[string]any)
	if !ok {
		return
	}
	context, ok := message["userInputMessageContext"].(map[string]any)
	if !ok {
		context = map[string]any{}
		message["userInputMessageContext"] = context
	}
	context["tools"] = toolSpecs
}

// extractUser collects text, deduplicated tool results, and inline images from
// a user-side message. Results referencing a dropped tool_use are discarded.
func (b *requestBuilder) extractUser(msg gjson.Result) (string, []map[string]any, []map[string]any) {
	content := msg.Get("content")
	var textParts []string
	var toolResults []map[string]any
	var images []map[string]any

	switch {
	case content.Type == gjson.String:
		textParts = append(textParts, content.String())
	case content.IsArray():
		content.ForEach(func(_, part gjson.Result) bool {
			switch strings.ToLower(part.Get("type").String()) {
			case "text", "input_text", "output_text":
				textParts = append(textParts, part.Get("text").String())
			case "tool_result":
				id := toolid.Normalize(firstString(
					part.Get("tool_use_id").String(),
					part.Get("toolUseId").String(),
				))
				if id == "" || b.seenResults[id] || b.skippedUses[id] {
					return true
				}
				b.seenResults[id] = true
				toolResults = append(toolResults, map[string]any{
					"content":   []map[string]string{{"text": nestedText(part.Get("content"))}},
					"status":    "success",
					"toolUseId": id,
				})
			case "image", "input_image":
				if img := imagePart(part); img != nil {
					images = append(images, img)
				}
			}
			return true
		})
	case content.Exists():
		textParts = append(textParts, content.String())
	}
	return SanitizeText(strings.Join(textParts, "\n")), toolResults, images
}

// extractAssistant collects text and tool uses from an assistant message.
// Tool uses with an empty input are dropped entirely; upstream rejects them as
// improperly formed.
func (b *requestBuilder) extractAssistant(msg gjson.Result) (string, []map[string]any) {
	content := msg.Get("content")
	var textParts []string
	var toolUses []map[string]any

	switch {
	case content.Type == gjson.String:
		textParts = append(textParts, content.String())
	case content.IsArray():
		content.ForEach(func(_, part gjson.Result) bool {
			switch strings.ToLower(part.Get("type").String()) {
			case "text", "output_text":
				textParts = append(textParts, part.Get("text").String())
			case "tool_use":
				id := toolid.Normalize(firstString(
					part.Get("id").String(),
					part.Get("tool_use_id").String(),
				))
				input := parseToolInput(part.Get("input"), part.Get("arguments"))
				if isEmptyToolInput(input) {
					if id != "" {
						b.skippedUses[id] = true
					}
					return true
				}
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				toolUses = append(toolUses, map[string]any{
					"name":      part.Get("name").String(),
					"toolUseId": id,
					"input":     input,
				})
			}
			return true
		})
	case content.Exists():
		textParts = append(textParts, content.String())
	}
	return SanitizeText(strings.Join(textParts, "\n")), toolUses
}

// mergeAdjacentSameRole collapses consecutive messages sharing a role into one
// message: string contents join with a newline, arrays extend, mixed forms
// unify into an array.
func mergeAdjacentSameRole(messages []gjson.Result) []gjson.Result {
	merged := make([]gjson.Result, 0, len(messages))
	for _, msg := range messages {
		if len(merged) == 0 {
			merged = append(merged, msg)
			continue
		}
		prev := merged[len(merged)-1]
		prevRole := strings.ToLower(strings.TrimSpace(prev.Get("role").String()))
		currRole := strings.ToLower(strings.TrimSpace(msg.Get("role").String()))
		if prevRole != currRole || (prevRole != "user" && prevRole != "assistant") {
			merged = append(merged, msg)
			continue
		}

		prevMap, ok1 := prev.Value().(map[string]any)
		currMap, ok2 := msg.Value().(map[string]any)
		if !ok1 || !ok2 {
			merged = append(merged, msg)
			continue
		}
		prevMap["content"] = mergeContent(prevMap["content"], currMap["content"])
		bytes, err := json.Marshal(prevMap)
		if err != nil {
			merged = append(merged, msg)
			continue
		}
		merged[len(merged)-1] = gjson.ParseBytes(bytes)
	}
	return merged
}

func mergeContent(prev, curr any) any {
	prevStr, prevIsStr := prev.(string)
	currStr, currIsStr := curr.(string)
	if prevIsStr && currIsStr {
		return prevStr + "\n" + currStr
	}
	return append(contentArray(prev), contentArray(curr)...)
}

func contentArray(raw any) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case string:
		return []any{map[string]any{"type": "text", "text": v}}
	case nil:
		return nil
	default:
		return []any{map[string]any{"type": "text", "text": fmt.Sprint(v)}}
	}
}

// dropTrailingBraceStub removes a trailing assistant turn whose entire content
// is the single-character stub "{", an artifact of interrupted generations.
func dropTrailingBraceStub(messages []gjson.Result) []gjson.Result {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if !strings.EqualFold(last.Get("role").String(), "assistant") {
		return messages
	}
	content := last.Get("content")
	switch {
	case content.Type == gjson.String:
		if strings.TrimSpace(content.String()) == "{" {
			return messages[:len(messages)-1]
		}
	case content.IsArray() && len(content.Array()) == 1:
		part := content.Array()[0]
		if strings.ToLower(part.Get("type").String()) == "text" &&
			strings.TrimSpace(part.Get("text").String()) == "{" {
			return messages[:len(messages)-1]
		}
	}
	return messages
}

func extractSystemPrompt(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	switch {
	case system.Type == gjson.String:
		return SanitizeText(system.String())
	case system.IsArray():
		var parts []string
		system.ForEach(func(_, part gjson.Result) bool {
			if text := extractSystemPrompt(part); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		return strings.Join(parts, "\n\n")
	case system.IsObject():
		if text := SanitizeText(system.Get("text").String()); text != "" {
			return text
		}
		return SanitizeText(nestedText(system.Get("content")))
	default:
		return SanitizeText(system.String())
	}
}

// buildToolSpecifications converts tool definitions into Kiro's
// toolSpecification entries. Both the Anthropic shape (name/input_schema) and
// the OpenAI shape (type=function with nested parameters) are accepted.
func buildToolSpecifications(tools gjson.Result) []map[string]any {
	if !tools.Exists() || !tools.IsArray() {
		return nil
	}
	specs := make([]map[string]any, 0, len(tools.Array()))
	tools.ForEach(func(_, tool gjson.Result) bool {
		var name, description string
		var schemaNode gjson.Result
		if strings.EqualFold(tool.Get("type").String(), "function") {
			function := tool.Get("function")
			if !function.Exists() {
				return true
			}
			name = function.Get("name").String()
			description = function.Get("description").String()
			schemaNode = function.Get("parameters")
		} else {
			name = tool.Get("name").String()
			description = tool.Get("description").String()
			schemaNode = tool.Get("input_schema")
		}
		name = SanitizeText(name)
		if name == "" {
			return true
		}

		schema := map[string]any{}
		if schemaNode.Exists() {
			if parsed, ok := schemaNode.Value().(map[string]any); ok {
				schema = parsed
			}
		}
		specs = append(specs, map[string]any{
			"toolSpecification": map[string]any{
				"name":        name,
				"description": SanitizeText(description),
				"inputSchema": map[string]any{"json": schema},
			},
		})
		return true
	})
	if len(specs) == 0 {
		return nil
	}
	return specs
}

func imagePart(part gjson.Result) map[string]any {
	source := part.Get("source")
	if !source.Exists() {
		return nil
	}
	mediaType := source.Get("media_type").String()
	format := ""
	if idx := strings.Index(mediaType, "/"); idx >= 0 && idx+1 < len(mediaType) {
		format = mediaType[idx+1:]
	}
	data := source.Get("data").String()
	if format == "" || data == "" {
		return nil
	}
	return map[string]any{
		"format": format,
		"source": map[string]any{"bytes": data},
	}
}

func nestedText(value gjson.Result) string {
	if !value.Exists() {
		return ""
	}
	if value.Type == gjson.String {
		return value.String()
	}
	if value.IsArray() {
		var parts []string
		value.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.String())
			} else if text := part.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			}
			return true
		})
		return strings.Join(parts, "")
	}
	return value.String()
}

// parseToolInput decodes a tool_use input, tolerating truncated escape
// sequences. Unparseable inputs propagate as raw strings so the caller can see
// exactly what the client sent.
func parseToolInput(primary, fallback gjson.Result) any {
	node := primary
	if !node.Exists() || node.Raw == "" {
		node = fallback
	}
	if !node.Exists() || node.Raw == "" {
		return nil
	}
	if node.IsObject() || node.IsArray() {
		return node.Value()
	}
	raw := node.String()
	if raw == "" {
		return nil
	}
	cleaned := trimDanglingEscape(raw)
	var out any
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil && out != nil {
		return out
	}
	return raw
}

func trimDanglingEscape(raw string) string {
	if strings.HasSuffix(raw, `\`) && !strings.HasSuffix(raw, `\\`) {
		return raw[:len(raw)-1]
	}
	for _, stub := range []string{`\u00`, `\u0`, `\u`} {
		if strings.HasSuffix(raw, stub) {
			return raw[:len(raw)-len(stub)]
		}
	}
	return raw
}

func isEmptyToolInput(input any) bool {
	switch v := input.(type) {
	case nil:
		return true
	case string:
		trimmed := strings.TrimSpace(v)
		return trimmed == "" || trimmed == "{}" || trimmed == "null"
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

func joinBlocks(parts ...string) string {
	joined := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := SanitizeText(part); trimmed != "" {
			joined = append(joined, trimmed)
		}
	}
	return strings.Join(joined, "\n\n")
}

func firstString(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
