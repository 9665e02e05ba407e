package kiro

import (
	"sort"
	"strings"
)

// amazonQModelPrefix marks upstream Amazon Q models that bypass the Claude
// alias table and are routed to the SendMessageStreaming endpoint.
const amazonQModelPrefix = "amazonq"

const defaultKiroModel = "CLAUDE_SONNET_4_5_20250929_V1_0"

// modelTable maps public model aliases to the identifiers Kiro expects.
// Sonnet generations use the uppercase form, Opus and Haiku the dotted form.
var modelTable = map[string]string{
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet":          "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-opus-4-1":            "CLAUDE_OPUS_4_1_20250805_V1_0",
	"claude-opus-4-1-20250805":   "CLAUDE_OPUS_4_1_20250805_V1_0",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
}

// MapModel resolves a public model alias to the upstream Kiro model ID.
// Amazon Q models pass through untouched; unknown aliases fall back to the
// default Sonnet model.
func MapModel(model string) string {
	trimmed := strings.TrimSpace(model)
	if IsAmazonQModel(trimmed) {
		return trimmed
	}
	if mapped, ok := modelTable[trimmed]; ok {
		return mapped
	}
	return defaultKiroModel
}

// IsAmazonQModel reports whether the alias names an Amazon Q model.
func IsAmazonQModel(model string) bool {
	return strings.HasPrefix(strings.TrimSpace(model), amazonQModelPrefix)
}

// ModelIDs returns the sorted list of public model aliases the gateway accepts.
func ModelIDs() []string {
	ids := make([]string, 0, len(modelTable))
	for alias := range modelTable {
		ids = append(ids, alias)
	}
	sort.Strings(ids)
	return ids
}
