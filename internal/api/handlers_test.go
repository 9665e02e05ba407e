package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/pool"
	"github.com/kirolink/kiro-gateway/internal/runtime/executor"
	"github.com/kirolink/kiro-gateway/internal/store"
	kirotranslator "github.com/kirolink/kiro-gateway/internal/translator/kiro"
	testutil "github.com/kirolink/kiro-gateway/tests/shared"
)

type fakeCompleter struct {
	events []kirotranslator.StreamEvent
	stream []executor.StreamResult
	err    error

	lastModel   string
	lastPayload []byte
}

func (f *fakeCompleter) Complete(_ context.Context, model string, payload []byte) ([]kirotranslator.StreamEvent, error) {
	f.lastModel = model
	f.lastPayload = payload
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeCompleter) CompleteStream(_ context.Context, model string, payload []byte) (<-chan executor.StreamResult, error) {
	f.lastModel = model
	f.lastPayload = payload
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan executor.StreamResult, len(f.stream)+1)
	for _, item := range f.stream {
		out <- item
	}
	close(out)
	return out, nil
}

type fakeUsageRefresher struct {
	calls int
	err   error
}

func (f *fakeUsageRefresher) RefreshUsage(_ context.Context, account *store.Account) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	account.Usage = &store.UsageSnapshot{Limit: 500, Current: 42}
	return nil
}

func apiConfig(keys ...string) *config.Config {
	cfg := &config.Config{APIKeys: keys}
	cfg.SetDefaults()
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, completer Completer) (*Server, *store.MemoryStore, *fakeUsageRefresher) {
	t.Helper()
	if cfg == nil {
		cfg = apiConfig()
	}
	if completer == nil {
		completer = &fakeCompleter{}
	}
	accounts := store.NewMemoryStore()
	usage := &fakeUsageRefresher{}
	return NewServer(cfg, accounts, completer, usage), accounts, usage
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func textEvents(parts ...string) []kirotranslator.StreamEvent {
	events := make([]kirotranslator.StreamEvent, 0, len(parts))
	for _, part := range parts {
		events = append(events, kirotranslator.StreamEvent{Kind: kirotranslator.EventText, Text: part})
	}
	return events
}

func streamOf(events ...kirotranslator.StreamEvent) []executor.StreamResult {
	out := make([]executor.StreamResult, 0, len(events))
	for _, event := range events {
		out = append(out, executor.StreamResult{Event: event})
	}
	return out
}

func TestHealthBypassesAuth(t *testing.T) {
	s, _, _ := newTestServer(t, apiConfig("secret"), nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	if !gjson.Get(rec.Body.String(), "ok").Bool() {
		t.Fatalf("health body = %s, want ok true", rec.Body.String())
	}
}

func TestAuthRejectsMissingAndWrongKey(t *testing.T) {
	s, _, _ := newTestServer(t, apiConfig("secret"), nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "authentication_error" {
		t.Fatalf("error type = %q", got)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, map[string]string{"x-api-key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}
}

func TestAuthAcceptsBearerHeaderAndQuery(t *testing.T) {
	s, _, _ := newTestServer(t, apiConfig("secret"), nil)

	cases := []struct {
		name   string
		path   string
		header map[string]string
	}{
		{"bearer", "/v1/models", map[string]string{"Authorization": "Bearer secret"}},
		{"x-api-key", "/v1/models", map[string]string{"x-api-key": "secret"}},
		{"query", "/v1/models?key=secret", nil},
	}
	for _, tc := range cases {
		rec := doJSON(t, s.Handler(), http.MethodGet, tc.path, nil, tc.header)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", tc.name, rec.Code)
		}
	}
}

func TestAuthAcceptsBcryptHashedKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate hash: %v", err)
	}
	s, _, _ := newTestServer(t, apiConfig(string(hash)), nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, map[string]string{"x-api-key": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, map[string]string{"x-api-key": "not-secret"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key against hash status = %d, want 401", rec.Code)
	}
}

func TestModelsListsKnownIDs(t *testing.T) {
	s, _, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "object").String(); got != "list" {
		t.Fatalf("object = %q, want list", got)
	}
	data := gjson.Get(body, "data").Array()
	if len(data) == 0 {
		t.Fatal("models list is empty")
	}
	for _, entry := range data {
		if entry.Get("owned_by").String() != "kiro" {
			t.Fatalf("owned_by = %q for %s", entry.Get("owned_by").String(), entry.Get("id").String())
		}
	}
}

func TestChatCompletionsUnary(t *testing.T) {
	completer := &fakeCompleter{events: textEvents("Hello", " world")}
	s, _, _ := newTestServer(t, nil, completer)

	payload := testutil.OpenAIPayload(t, []map[string]any{testutil.UserTurn("hi")}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if got := gjson.Get(body, "choices.0.message.content").String(); got != "Hello world" {
		t.Fatalf("content = %q", got)
	}
	if got := gjson.Get(body, "model").String(); got != "claude-sonnet-4-5" {
		t.Fatalf("model = %q", got)
	}
	if gjson.Get(body, "usage.prompt_tokens").Int() <= 0 {
		t.Fatalf("prompt_tokens missing: %s", gjson.Get(body, "usage").Raw)
	}

	// The dispatcher must see the normalized body, not the OpenAI shape.
	if !gjson.GetBytes(completer.lastPayload, "messages").IsArray() {
		t.Fatalf("dispatched payload has no messages: %s", completer.lastPayload)
	}
	if completer.lastModel != "claude-sonnet-4-5" {
		t.Fatalf("dispatched model = %q", completer.lastModel)
	}
}

func TestChatCompletionsEmptyMessages(t *testing.T) {
	s, _, _ := newTestServer(t, nil, &fakeCompleter{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"claude-sonnet-4-5","messages":[]}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Fatalf("error type = %q", got)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	completer := &fakeCompleter{stream: streamOf(textEvents("Hel", "lo")...)}
	s, _, _ := newTestServer(t, nil, completer)

	payload := []byte(`{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Fatalf("content type = %q", got)
	}

	frames := sseFrames(rec.Body.String())
	if len(frames) < 4 {
		t.Fatalf("too few frames: %d\n%s", len(frames), rec.Body.String())
	}
	first := gjson.Get(frameData(frames[0]), "choices.0.delta.role").String()
	if first != "assistant" {
		t.Fatalf("first frame role = %q", first)
	}

	var text strings.Builder
	var finish string
	for _, frame := range frames {
		data := frameData(frame)
		if data == "[DONE]" {
			continue
		}
		text.WriteString(gjson.Get(data, "choices.0.delta.content").String())
		if fr := gjson.Get(data, "choices.0.finish_reason"); fr.Type == gjson.String {
			finish = fr.String()
		}
	}
	if text.String() != "Hello" {
		t.Fatalf("streamed text = %q", text.String())
	}
	if finish != "stop" {
		t.Fatalf("finish_reason = %q", finish)
	}
	if frames[len(frames)-1] != "data: [DONE]" {
		t.Fatalf("last frame = %q", frames[len(frames)-1])
	}
}

func TestChatCompletionsStreamMidError(t *testing.T) {
	results := streamOf(textEvents("partial")...)
	results = append(results, executor.StreamResult{Err: context.DeadlineExceeded})
	completer := &fakeCompleter{stream: results}
	s, _, _ := newTestServer(t, nil, completer)

	payload := []byte(`{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"api_error"`) {
		t.Fatalf("no in-band error frame:\n%s", body)
	}
	frames := sseFrames(body)
	if frames[len(frames)-1] != "data: [DONE]" {
		t.Fatalf("stream not terminated with [DONE]: %q", frames[len(frames)-1])
	}
}

func TestMessagesUnary(t *testing.T) {
	completer := &fakeCompleter{events: textEvents("All good.")}
	s, _, _ := newTestServer(t, nil, completer)

	payload := testutil.AnthropicPayload(t, []map[string]any{testutil.UserTurn("status?")}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/messages", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if got := gjson.Get(body, "type").String(); got != "message" {
		t.Fatalf("type = %q", got)
	}
	if got := gjson.Get(body, "content.0.text").String(); got != "All good." {
		t.Fatalf("content = %q", got)
	}
	if got := gjson.Get(body, "stop_reason").String(); got != "end_turn" {
		t.Fatalf("stop_reason = %q", got)
	}
	// Anthropic bodies pass through untranslated.
	if !bytes.Equal(completer.lastPayload, payload) {
		t.Fatal("dispatched payload differs from request body")
	}
}

func TestMessagesStreamEventOrder(t *testing.T) {
	completer := &fakeCompleter{stream: streamOf(textEvents("hi there")...)}
	s, _, _ := newTestServer(t, nil, completer)

	payload := []byte(`{"model":"claude-sonnet-4-5","stream":true,"max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/messages", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var order []string
	for _, frame := range sseFrames(rec.Body.String()) {
		for _, line := range strings.Split(frame, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				order = append(order, name)
			}
		}
	}
	want := []string{"message_start", "ping", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestMessagesEmptyMessages(t *testing.T) {
	s, _, _ := newTestServer(t, nil, &fakeCompleter{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/messages",
		[]byte(`{"model":"claude-sonnet-4-5","messages":[]}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Fatalf("error type = %q", got)
	}
}

func TestMessagesNoHealthyAccounts(t *testing.T) {
	s, _, _ := newTestServer(t, nil, &fakeCompleter{err: pool.ErrNoHealthyAccounts})

	payload := testutil.AnthropicPayload(t, []map[string]any{testutil.UserTurn("hi")}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/messages", payload, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	body := rec.Body.String()
	if got := gjson.Get(body, "error.message").String(); got != "No healthy accounts available" {
		t.Fatalf("message = %q", got)
	}
	if got := gjson.Get(body, "error.type").String(); got != "overloaded_error" {
		t.Fatalf("error type = %q", got)
	}
}

func TestDispatchErrorStatusPassesThrough(t *testing.T) {
	completer := &fakeCompleter{err: &pool.DispatchError{Status: http.StatusBadRequest, Message: "ImproperlyFormedRequestException"}}
	s, _, _ := newTestServer(t, nil, completer)

	payload := testutil.OpenAIPayload(t, []map[string]any{testutil.UserTurn("hi")}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", payload, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.message").String(); got != "ImproperlyFormedRequestException" {
		t.Fatalf("message = %q", got)
	}
}

func TestCountTokens(t *testing.T) {
	s, _, _ := newTestServer(t, nil, nil)

	payload := testutil.AnthropicPayload(t, []map[string]any{testutil.UserTurn("count me please")}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/messages/count_tokens", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "input_tokens").Int(); got <= 0 {
		t.Fatalf("input_tokens = %d", got)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/messages/count_tokens",
		[]byte(`{"model":"claude-sonnet-4-5"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing messages status = %d, want 400", rec.Code)
	}
}

func TestContextWarningAttachedToUnaryResponse(t *testing.T) {
	completer := &fakeCompleter{events: textEvents("ok")}
	s, _, _ := newTestServer(t, nil, completer)

	huge := strings.Repeat("alpha beta gamma delta epsilon zeta ", 40000)
	payload, err := json.Marshal(map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []map[string]any{{"role": "user", "content": huge}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "warning").String(); got == "" {
		t.Fatal("oversized request carried no warning field")
	}
}

// sseFrames splits a raw SSE body into frames, dropping the trailing blank.
func sseFrames(body string) []string {
	var frames []string
	for _, frame := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// frameData extracts the data payload of one SSE frame.
func frameData(frame string) string {
	for _, line := range strings.Split(frame, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return data
		}
	}
	return ""
}
