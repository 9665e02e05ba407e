// Package executor sends translated requests to the Kiro upstream. It owns
// the per-call retry policy (one forced refresh on 403, exponential backoff
// on 429 and 5xx), response decompression, and the event-stream pump that
// feeds parsed events to the HTTP layer.
package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	authkiro "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/store"
	kirotranslator "github.com/kirolink/kiro-gateway/internal/translator/kiro"
)

// streamChunkBuffer bounds the parsed-event channel; the pump blocks when
// the consumer falls behind.
const streamChunkBuffer = 4

// readBufferSize is the per-read chunk size for streaming bodies.
const readBufferSize = 32 << 10

const defaultRequestRetry = 3

// StreamResult is one item of a streaming exchange: a parsed event or a
// mid-stream failure. After an error the channel closes.
type StreamResult struct {
	Event kirotranslator.StreamEvent
	Err   error
}

// KiroExecutor performs complete request/response exchanges against Kiro
// for one account at a time. Account selection and error disposition stay
// with the pool dispatcher.
type KiroExecutor struct {
	cfg      *config.Config
	accounts store.AccountStore
	auth     *authkiro.KiroAuth
	client   *kiroClient
}

// NewKiroExecutor builds an executor that persists refreshed credentials
// through accounts. A nil store disables persistence but not refresh.
func NewKiroExecutor(cfg *config.Config, accounts store.AccountStore) *KiroExecutor {
	proxyURL := ""
	if cfg != nil {
		proxyURL = cfg.ProxyURL
	}
	return &KiroExecutor{
		cfg:      cfg,
		accounts: accounts,
		auth:     authkiro.NewKiroAuth(newUpstreamHTTPClient(proxyURL, 30*time.Second)),
		client:   newKiroClient(cfg),
	}
}

// Complete executes one non-streaming exchange: build the Kiro payload,
// send it, and parse the buffered event-stream body into ordered events.
func (e *KiroExecutor) Complete(ctx context.Context, account *store.Account, model string, payload []byte) ([]kirotranslator.StreamEvent, error) {
	resp, err := e.send(ctx, account, model, payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("kiro executor: close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kiro executor: read response: %w", err)
	}
	e.client.debugDumpPayload("kiro response", body)
	events := kirotranslator.ParseResponse(body)
	if len(events) == 0 && len(body) > 0 {
		log.Warnf("kiro executor: response for account %s produced no events (%d bytes)", account.ID, len(body))
		return nil, kiroStatusError{code: http.StatusBadGateway, msg: "upstream response could not be parsed"}
	}
	return events, nil
}

// CompleteStream executes a streaming exchange. A nil error means upstream
// accepted the request; parsed events then arrive on the channel, which
// closes at end of stream. Mid-stream failures surface as the final item.
func (e *KiroExecutor) CompleteStream(ctx context.Context, account *store.Account, model string, payload []byte) (<-chan StreamResult, error) {
	resp, err := e.send(ctx, account, model, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult, streamChunkBuffer)
	go e.pump(ctx, resp.Body, out)
	return out, nil
}

// CountTokens estimates the prompt tokens of an Anthropic-shaped payload.
func (e *KiroExecutor) CountTokens(payload []byte) int {
	return kirotranslator.CountRequestTokens(payload)
}

// Auth exposes the refresh client so the background refresher can share
// it instead of opening a second upstream client.
func (e *KiroExecutor) Auth() *authkiro.KiroAuth {
	return e.auth
}

// send builds the request body and runs the retry loop. Every returned
// error either carries an upstream status (kiroStatusError) or is a local
// failure without one; the dispatcher keys its disposition on that.
func (e *KiroExecutor) send(ctx context.Context, account *store.Account, model string, payload []byte) (*http.Response, error) {
	if account == nil || account.Token == nil {
		return nil, fmt.Errorf("kiro executor: account has no credentials")
	}
	if err := e.ensureFresh(ctx, account); err != nil {
		return nil, err
	}

	body, err := kirotranslator.BuildRequest(model, payload, account.Token)
	if err != nil {
		return nil, err
	}
	body = kirotranslator.SanitizeToolDescriptions(body)

	retries := defaultRequestRetry
	if e.cfg != nil && e.cfg.RequestRetry > 0 {
		retries = e.cfg.RequestRetry
	}

	refreshed := false
	attempt := 0
	for {
		resp, err := e.client.do(ctx, account.Token, account.ID, model, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := drainStatusError(resp)
		switch {
		case resp.StatusCode == http.StatusForbidden && !refreshed:
			refreshed = true
			log.Debugf("kiro executor: 403 from upstream, forcing refresh for account %s", account.ID)
			if errRefresh := e.refresh(ctx, account); errRefresh != nil {
				log.Warnf("kiro executor: forced refresh for %s failed: %v", account.ID, errRefresh)
				return nil, statusErr
			}
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries:
			delay := backoffDelay(attempt)
			attempt++
			log.Debugf("kiro executor: upstream %d, retry %d/%d in %s", resp.StatusCode, attempt, retries, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		default:
			return nil, statusErr
		}
	}
}

// pump reads the response body, feeds the event-stream parser, and emits
// events until EOF. The channel is closed on return.
func (e *KiroExecutor) pump(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer func() {
		if err := body.Close(); err != nil {
			log.Debugf("kiro executor: close stream body: %v", err)
		}
	}()

	parser := kirotranslator.NewStreamParser()
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, event := range parser.Feed(buf[:n]) {
				if !emit(ctx, out, StreamResult{Event: event}) {
					return
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			emit(ctx, out, StreamResult{Err: fmt.Errorf("kiro executor: stream read: %w", err)})
			return
		}
	}
	for _, event := range parser.Flush() {
		if !emit(ctx, out, StreamResult{Event: event}) {
			return
		}
	}
}

func emit(ctx context.Context, out chan<- StreamResult, item StreamResult) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// ensureFresh refreshes the account's token when it is missing or inside
// the refresh lead window.
func (e *KiroExecutor) ensureFresh(ctx context.Context, account *store.Account) error {
	token := account.Token
	lead := authkiro.DefaultRefreshLead
	if e.cfg != nil {
		lead = e.cfg.RefreshLead()
	}
	if token.AccessToken != "" && !token.ExpiresWithin(lead) {
		return nil
	}
	return e.refresh(ctx, account)
}

// refresh exchanges the refresh token and persists the outcome. Persistence
// failures are logged, not fatal: serving the request matters more.
func (e *KiroExecutor) refresh(ctx context.Context, account *store.Account) error {
	result, err := e.auth.RefreshCredentials(ctx, account.Token)
	if err != nil {
		return fmt.Errorf("kiro executor: refresh account %s: %w", account.ID, err)
	}
	account.Token.ApplyRefresh(result)
	if e.accounts != nil {
		if err := e.accounts.Save(ctx, account); err != nil {
			log.Warnf("kiro executor: persist refreshed credentials for %s: %v", account.ID, err)
		}
	}
	return nil
}
