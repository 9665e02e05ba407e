// Package testutil holds fixtures shared by tests across packages: canned
// Kiro credentials, request-body builders, and a function round-tripper for
// faking upstream HTTP.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kiroauth "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/store"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (fn RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}

// NewSocialToken returns a valid social-auth credential fixture.
func NewSocialToken() *kiroauth.KiroTokenStorage {
	return &kiroauth.KiroTokenStorage{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ProfileArn:   "arn:aws:codewhisperer:us-east-1:123456789012:profile/test",
		ExpiresAt:    time.Now().Add(30 * time.Minute),
		AuthMethod:   kiroauth.AuthMethodSocial,
		Provider:     "Github",
		Type:         "kiro",
	}
}

// NewIDCToken returns a valid Identity Center credential fixture.
func NewIDCToken() *kiroauth.KiroTokenStorage {
	return &kiroauth.KiroTokenStorage{
		AccessToken:  "idc-access-token",
		RefreshToken: "idc-refresh-token",
		ExpiresAt:    time.Now().Add(30 * time.Minute),
		AuthMethod:   kiroauth.AuthMethodIDC,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Region:       "eu-west-1",
		Type:         "kiro",
	}
}

// NewAccount wraps a token fixture in an active pool account.
func NewAccount(id string, token *kiroauth.KiroTokenStorage) *store.Account {
	if token == nil {
		token = NewSocialToken()
	}
	return store.NewAccount(id, token)
}

// AnthropicPayload builds a minimal Anthropic-shaped request body.
func AnthropicPayload(t testing.TB, messages []map[string]any, tools []map[string]any) []byte {
	t.Helper()
	payload := map[string]any{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 1000,
		"messages":   messages,
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err, "marshal anthropic payload")
	return data
}

// OpenAIPayload builds a minimal OpenAI-shaped request body.
func OpenAIPayload(t testing.TB, messages []map[string]any, tools []map[string]any) []byte {
	t.Helper()
	payload := map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": messages,
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err, "marshal openai payload")
	return data
}

// UserTurn is shorthand for a plain user message.
func UserTurn(text string) map[string]any {
	return map[string]any{"role": "user", "content": text}
}

// WriteTokenFile writes a credential fixture as JSON under dir and returns
// its path.
func WriteTokenFile(t *testing.T, dir, name string, token *kiroauth.KiroTokenStorage) string {
	t.Helper()
	if token == nil {
		token = NewSocialToken()
	}
	data, err := json.Marshal(token)
	require.NoError(t, err, "marshal token file")
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600), "write token file")
	return path
}

// JSONResponse fabricates an upstream HTTP response with a JSON body.
func JSONResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}
