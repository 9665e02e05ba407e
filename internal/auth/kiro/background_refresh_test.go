package kiro

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeRepo struct {
	mu    sync.Mutex
	due   []ManagedCredential
	saved map[string]*KiroTokenStorage
}

func (f *fakeRepo) DueForRefresh(lead time.Duration) []ManagedCredential {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.due
	f.due = nil
	return out
}

func (f *fakeRepo) SaveCredential(id string, ts *KiroTokenStorage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]*KiroTokenStorage{}
	}
	copied := *ts
	f.saved[id] = &copied
	return nil
}

func (f *fakeRepo) savedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.saved))
	for id := range f.saved {
		ids = append(ids, id)
	}
	return ids
}

func TestBackgroundRefresherPersistsRefreshedTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "fresh", "expiresIn": 3600})
	}))
	defer server.Close()

	repo := &fakeRepo{
		due: []ManagedCredential{
			{ID: "acct-a", Token: &KiroTokenStorage{RefreshToken: "ra", ExpiresAt: time.Now().Add(2 * time.Minute)}},
			{ID: "acct-b", Token: &KiroTokenStorage{RefreshToken: "rb", ExpiresAt: time.Now().Add(3 * time.Minute)}},
		},
	}

	auth := newTestAuth(server)
	var refreshed []string
	var mu sync.Mutex
	refresher := NewBackgroundRefresher(auth, repo,
		WithInterval(time.Hour),
		WithConcurrency(2),
		WithOnRefreshed(func(id string) {
			mu.Lock()
			refreshed = append(refreshed, id)
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	refresher.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(repo.savedIDs()) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	refresher.Stop()

	if got := len(repo.savedIDs()); got != 2 {
		t.Fatalf("persisted %d credentials, want 2", got)
	}
	for id, token := range repo.saved {
		if token.AccessToken != "fresh" {
			t.Errorf("%s access token = %q, want fresh", id, token.AccessToken)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(refreshed) != 2 {
		t.Errorf("callback fired %d times, want 2", len(refreshed))
	}
}

func TestBackgroundRefresherLeavesTokenOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	repo := &fakeRepo{
		due: []ManagedCredential{
			{ID: "acct-a", Token: &KiroTokenStorage{RefreshToken: "ra", ExpiresAt: time.Now().Add(8 * time.Minute)}},
		},
	}

	refresher := NewBackgroundRefresher(newTestAuth(server), repo, WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	refresher.Start(ctx)
	time.Sleep(300 * time.Millisecond)
	refresher.Stop()

	if len(repo.savedIDs()) != 0 {
		t.Fatalf("failed refresh must not persist, saved=%v", repo.savedIDs())
	}
}

// newTestAuth routes both refresh flows at the test server.
func newTestAuth(server *httptest.Server) *KiroAuth {
	client := server.Client()
	client.Transport = rewriteHost(server, client.Transport)
	return NewKiroAuth(client)
}

type hostRewriter struct {
	target string
	next   http.RoundTripper
}

func rewriteHost(server *httptest.Server, next http.RoundTripper) http.RoundTripper {
	return &hostRewriter{target: server.Listener.Addr().String(), next: next}
}

func (h *hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = h.target
	return h.next.RoundTrip(req)
}
