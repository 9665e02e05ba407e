// Package toolid normalizes tool-call identifiers exchanged between the
// Anthropic and OpenAI protocol surfaces.
package toolid

import (
	"encoding/base64"
	"strings"
)

const (
	callPrefix    = "call_"
	encodedPrefix = "call_enc_"
)

// Normalize returns an OpenAI-compatible tool-call ID. Safe IDs receive the
// call_ prefix when missing; IDs containing characters outside [A-Za-z0-9_-]
// are base64url-encoded behind a well-known prefix so Restore can recover the
// original provider ID deterministically.
func Normalize(id string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ""
	}
	if needsEncoding(trimmed) {
		return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(trimmed))
	}
	if strings.HasPrefix(trimmed, callPrefix) {
		return trimmed
	}
	return callPrefix + trimmed
}

// Restore converts a normalized ID back to the original provider form. IDs
// that were never encoded pass through unchanged.
func Restore(id string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || !strings.HasPrefix(trimmed, encodedPrefix) {
		return trimmed
	}
	decoded, err := base64.RawURLEncoding.DecodeString(trimmed[len(encodedPrefix):])
	if err != nil {
		return trimmed
	}
	return string(decoded)
}

func needsEncoding(id string) bool {
	for _, r := range id {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			continue
		}
		return true
	}
	return false
}
