package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	kiroauth "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/logging"
	"github.com/kirolink/kiro-gateway/internal/store"
	testutil "github.com/kirolink/kiro-gateway/tests/shared"
)

func TestAdminDataShape(t *testing.T) {
	s, accounts, _ := newTestServer(t, apiConfig("secret"), nil)
	ctx := context.Background()

	first := testutil.NewAccount("a1", nil)
	first.Email = "dev@example.com"
	first.Usage = &store.UsageSnapshot{Limit: 500, Current: 12, FetchedAt: time.Now()}
	if err := accounts.Save(ctx, first); err != nil {
		t.Fatalf("seed a1: %v", err)
	}
	if err := accounts.Save(ctx, testutil.NewAccount("a2", nil)); err != nil {
		t.Fatalf("seed a2: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/admin/data", nil, map[string]string{"x-api-key": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if got := gjson.Get(body, "accounts.#").Int(); got != 2 {
		t.Fatalf("accounts = %d, want 2", got)
	}
	if got := gjson.Get(body, "accounts.0.id").String(); got != "a1" {
		t.Fatalf("first account = %q", got)
	}
	if got := gjson.Get(body, "accounts.0.email").String(); got != "dev@example.com" {
		t.Fatalf("email = %q", got)
	}
	if got := gjson.Get(body, "accounts.0.usage.limit").Int(); got != 500 {
		t.Fatalf("usage limit = %d", got)
	}
	if gjson.Get(body, "accounts.1.usage").Exists() {
		t.Fatal("account without snapshot reported usage")
	}
	if !gjson.Get(body, "proxy.enabled").Bool() {
		t.Fatal("proxy.enabled = false")
	}
	if got := gjson.Get(body, "proxy.port").Int(); got != 8317 {
		t.Fatalf("proxy.port = %d", got)
	}
	if !gjson.Get(body, "proxy.apiKeySet").Bool() {
		t.Fatal("proxy.apiKeySet = false with a configured key")
	}
}

func TestAdminPortalServed(t *testing.T) {
	s, _, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/admin", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("content type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "Kiro Gateway") {
		t.Fatal("portal page missing title")
	}
}

func TestAdminProxyTogglesServing(t *testing.T) {
	s, _, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("initial models status = %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/admin/proxy", []byte(`{"enabled":false}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "enabled").Bool() {
		t.Fatal("proxy still reports enabled")
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("parked models status = %d, want 503", rec.Code)
	}

	// The admin surface stays reachable while parked.
	rec = doJSON(t, s.Handler(), http.MethodGet, "/admin/data", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin data while parked = %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/admin/proxy", []byte(`{"enabled":true}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-enabled models status = %d", rec.Code)
	}
}

func TestAdminProxyReplacesAPIKey(t *testing.T) {
	s, _, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/admin/proxy", []byte(`{"apiKey":"fresh-key"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !gjson.Get(rec.Body.String(), "apiKeySet").Bool() {
		t.Fatal("apiKeySet = false after setting a key")
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("keyless request status = %d, want 401", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil, map[string]string{"x-api-key": "fresh-key"})
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh key status = %d, want 200", rec.Code)
	}
}

func TestAdminAccountUpload(t *testing.T) {
	s, accounts, _ := newTestServer(t, nil, nil)

	tokenJSON, err := json.Marshal(testutil.NewSocialToken())
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	tokenPart, err := form.CreateFormFile("tokenFile", "team-alpha.json")
	if err != nil {
		t.Fatalf("create tokenFile part: %v", err)
	}
	if _, err := tokenPart.Write(tokenJSON); err != nil {
		t.Fatalf("write tokenFile: %v", err)
	}
	clientPart, err := form.CreateFormFile("clientFile", "client.json")
	if err != nil {
		t.Fatalf("create clientFile part: %v", err)
	}
	if _, err := clientPart.Write([]byte(`{"clientId":"client-123","clientSecret":"secret-456"}`)); err != nil {
		t.Fatalf("write clientFile: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/account", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "id").String(); got != "team-alpha" {
		t.Fatalf("id = %q, want team-alpha", got)
	}

	account, err := accounts.Get(context.Background(), "team-alpha")
	if err != nil {
		t.Fatalf("account not stored: %v", err)
	}
	if account.Status != store.StatusActive {
		t.Fatalf("status = %q", account.Status)
	}
	if account.Token.ClientID != "client-123" || account.Token.ClientSecret != "secret-456" {
		t.Fatalf("client credentials not merged: %+v", account.Token)
	}
	if account.Token.RefreshToken != "refresh-token" {
		t.Fatalf("refresh token = %q", account.Token.RefreshToken)
	}
}

func TestAdminAccountUploadRejectsTokenWithoutRefresh(t *testing.T) {
	s, _, _ := newTestServer(t, nil, nil)

	bad, err := json.Marshal(&kiroauth.KiroTokenStorage{AccessToken: "only-access"})
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, _ := form.CreateFormFile("tokenFile", "bad.json")
	if _, err := part.Write(bad); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/account", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminAccountDelete(t *testing.T) {
	s, accounts, _ := newTestServer(t, nil, nil)
	ctx := context.Background()
	if err := accounts.Save(ctx, testutil.NewAccount("a1", nil)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodDelete, "/admin/account?id=a1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := accounts.Get(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("account still present: %v", err)
	}

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/admin/account", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/admin/account?id=ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestAdminUsageRefresh(t *testing.T) {
	s, accounts, usage := newTestServer(t, nil, nil)
	ctx := context.Background()
	if err := accounts.Save(ctx, testutil.NewAccount("a1", nil)); err != nil {
		t.Fatalf("seed a1: %v", err)
	}
	if err := accounts.Save(ctx, testutil.NewAccount("a2", nil)); err != nil {
		t.Fatalf("seed a2: %v", err)
	}
	parked := testutil.NewAccount("a3", nil)
	parked.Status = store.StatusDisabled
	if err := accounts.Save(ctx, parked); err != nil {
		t.Fatalf("seed a3: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodPost, "/admin/usage/refresh", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "refreshed").Int(); got != 2 {
		t.Fatalf("refreshed = %d, want 2", got)
	}
	if got := gjson.Get(rec.Body.String(), "failed").Int(); got != 0 {
		t.Fatalf("failed = %d, want 0", got)
	}
	if usage.calls != 2 {
		t.Fatalf("refresher calls = %d, want 2", usage.calls)
	}

	stored, err := accounts.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get a1: %v", err)
	}
	if stored.Usage == nil || stored.Usage.Limit != 500 {
		t.Fatalf("snapshot not persisted: %+v", stored.Usage)
	}
}

func TestAdminLogStreamReplaysAndFollows(t *testing.T) {
	s, _, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	logging.Buffer.Write(logging.LogEntry{
		Timestamp: time.Now(),
		Level:     "info",
		Message:   "replayed entry",
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/admin/logs/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() {
		_ = conn.Close()
	}()

	readUntil := func(message string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		_ = conn.SetReadDeadline(deadline)
		for time.Now().Before(deadline) {
			var entry logging.LogEntry
			if err := conn.ReadJSON(&entry); err != nil {
				t.Fatalf("read waiting for %q: %v", message, err)
			}
			if entry.Message == message {
				return
			}
		}
		t.Fatalf("never received %q", message)
	}

	readUntil("replayed entry")

	// Give the handler a moment to move from replay to the live
	// subscription before publishing.
	time.Sleep(100 * time.Millisecond)
	logging.Buffer.Write(logging.LogEntry{
		Timestamp: time.Now(),
		Level:     "warn",
		Message:   "live entry",
	})
	readUntil("live entry")
}
