package kiro

import (
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// bashCanonicalDescription replaces oversized Bash tool descriptions shipped by
// Claude Code clients. Upstream rejects requests whose tool descriptions exceed
// its limit, so the well-known offender is swapped for a compact equivalent.
const bashCanonicalDescription = "Executes a given bash command in a persistent shell session with optional timeout. " +
	"Returns combined stdout and stderr output."

const bashToolName = "Bash"

// SanitizeText normalizes message text before it is sent upstream: CRLF becomes
// LF, control characters other than newline and tab are dropped, and the result
// is trimmed.
func SanitizeText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var builder strings.Builder
	builder.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\r':
			continue
		case r == '\n', r == '\t':
			builder.WriteRune(r)
		case unicode.IsControl(r):
			continue
		default:
			builder.WriteRune(r)
		}
	}
	return strings.TrimSpace(builder.String())
}

// SanitizeStreamText strips control noise from streamed text while preserving
// newlines and indentation, since chunks may end mid-line.
func SanitizeStreamText(text string) string {
	if text == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\r':
			continue
		case r == '\n', r == '\t':
			builder.WriteRune(r)
		case unicode.IsControl(r):
			continue
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// SanitizeToolDescriptions rewrites the description of a Bash tool whose text
// mentions Claude Code with a canonical short form. Other tools pass through
// untouched. The input is a fully built Kiro request body.
func SanitizeToolDescriptions(body []byte) []byte {
	tools := gjson.GetBytes(body, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools")
	if !tools.Exists() || !tools.IsArray() {
		return body
	}
	out := body
	tools.ForEach(func(idx, tool gjson.Result) bool {
		spec := tool.Get("toolSpecification")
		if spec.Get("name").String() != bashToolName {
			return true
		}
		if !strings.Contains(spec.Get("description").String(), "Claude Code") {
			return true
		}
		path := "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools." +
			idx.String() + ".toolSpecification.description"
		if updated, err := sjson.SetBytes(out, path, bashCanonicalDescription); err == nil {
			out = updated
		}
		return true
	})
	return out
}
