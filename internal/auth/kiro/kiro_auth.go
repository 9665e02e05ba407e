// Package kiro manages Kiro credentials: token file storage, OAuth refresh
// for both the social and Identity Center flows, directory watching, and
// background reconciliation of near-expiry tokens.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	kiroRefreshURL    = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	kiroRefreshIDCURL = "https://oidc.%s.amazonaws.com/token"

	// AuthMethodSocial marks accounts refreshed through the Kiro desktop
	// endpoint; everything else goes through AWS SSO OIDC.
	AuthMethodSocial = "social"
	// AuthMethodIDC marks Identity Center accounts (clientId/clientSecret required).
	AuthMethodIDC = "idc"

	defaultRegion = "us-east-1"

	kiroUserAgent = "KiroIDE"

	defaultExpiresInSeconds = 3600
)

// Refresh failure kinds, used by callers to decide persistence and logging.
const (
	RefreshKindMissingRefresh    = "missingRefresh"
	RefreshKindNetwork           = "network"
	RefreshKindHTTP              = "http"
	RefreshKindMalformedResponse = "malformedResponse"
)

// RefreshError describes why a credential refresh failed.
type RefreshError struct {
	Kind       string
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.Kind == RefreshKindHTTP:
		return fmt.Sprintf("token refresh failed with status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("token refresh failed (%s): %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("token refresh failed (%s)", e.Kind)
	}
}

func (e *RefreshError) Unwrap() error { return e.Err }

// RefreshResult carries the outcome of a successful refresh. The refresher
// never persists anything; the caller applies and stores the result.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ProfileArn   string
	ExpiresAt    time.Time
}

// KiroAuth performs credential refreshes against the Kiro OAuth endpoints.
type KiroAuth struct {
	httpClient *http.Client
}

// NewKiroAuth creates a refresher using the given HTTP client. A nil client
// falls back to a 30-second-timeout default.
func NewKiroAuth(client *http.Client) *KiroAuth {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &KiroAuth{httpClient: client}
}

// RefreshCredentials exchanges the refresh token for a fresh access token.
// Endpoint and body shape depend on the auth method: social accounts use the
// Kiro desktop endpoint with {refreshToken}; Identity Center accounts use the
// regional SSO OIDC token endpoint with client credentials and the
// refresh_token grant.
func (k *KiroAuth) RefreshCredentials(ctx context.Context, ts *KiroTokenStorage) (*RefreshResult, error) {
	if ts == nil || strings.TrimSpace(ts.RefreshToken) == "" {
		return nil, &RefreshError{Kind: RefreshKindMissingRefresh, Err: fmt.Errorf("no refresh token available")}
	}

	region := ts.ResolveRegion()
	var refreshURL string
	if ts.IsSocial() {
		refreshURL = fmt.Sprintf(kiroRefreshURL, region)
	} else {
		if strings.TrimSpace(ts.ClientID) == "" || strings.TrimSpace(ts.ClientSecret) == "" {
			return nil, &RefreshError{Kind: RefreshKindMissingRefresh, Err: fmt.Errorf("idc refresh requires clientId and clientSecret")}
		}
		refreshURL = fmt.Sprintf(kiroRefreshIDCURL, region)
	}
	return k.refreshAgainst(ctx, ts, refreshURL)
}

func (k *KiroAuth) refreshAgainst(ctx context.Context, ts *KiroTokenStorage, refreshURL string) (*RefreshResult, error) {
	var requestBody map[string]any
	if ts.IsSocial() {
		requestBody = map[string]any{
			"refreshToken": ts.RefreshToken,
		}
	} else {
		requestBody = map[string]any{
			"refreshToken": ts.RefreshToken,
			"clientId":     ts.ClientID,
			"clientSecret": ts.ClientSecret,
			"grantType":    "refresh_token",
		}
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, &RefreshError{Kind: RefreshKindMalformedResponse, Err: fmt.Errorf("marshal refresh request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &RefreshError{Kind: RefreshKindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", kiroUserAgent)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Kind: RefreshKindNetwork, Err: err}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("kiro auth: close refresh response body: %v", errClose)
		}
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("kiro auth: refresh rejected (status %d): %s", resp.StatusCode, truncateForLog(body))
		return nil, &RefreshError{Kind: RefreshKindHTTP, StatusCode: resp.StatusCode}
	}

	var refreshResponse struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ProfileArn   string `json:"profileArn"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &refreshResponse); err != nil {
		return nil, &RefreshError{Kind: RefreshKindMalformedResponse, Err: fmt.Errorf("decode refresh response: %w", err)}
	}
	if refreshResponse.AccessToken == "" {
		return nil, &RefreshError{Kind: RefreshKindMalformedResponse, Err: fmt.Errorf("refresh response missing accessToken")}
	}

	expiresIn := refreshResponse.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresInSeconds
	}

	return &RefreshResult{
		AccessToken:  refreshResponse.AccessToken,
		RefreshToken: refreshResponse.RefreshToken,
		ProfileArn:   refreshResponse.ProfileArn,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// RefreshTokenStorage refreshes ts in place. The caller still owns persistence.
func (k *KiroAuth) RefreshTokenStorage(ctx context.Context, ts *KiroTokenStorage) error {
	result, err := k.RefreshCredentials(ctx, ts)
	if err != nil {
		return err
	}
	ts.ApplyRefresh(result)
	log.Debugf("kiro auth: token refreshed, expires at %s", ts.ExpiresAt.Format(time.RFC3339))
	return nil
}

// ValidateToken reports whether the token carries a usable, unexpired access token.
func (k *KiroAuth) ValidateToken(ts *KiroTokenStorage) bool {
	if ts == nil || ts.AccessToken == "" {
		return false
	}
	return !ts.IsExpired()
}

// ExtractRegionFromARN pulls the region segment out of a profile ARN of the
// form arn:aws:codewhisperer:us-east-1:123456789012:profile/NAME.
func ExtractRegionFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 5 {
		return ""
	}
	region := parts[3]
	if len(region) < 9 {
		return ""
	}
	switch region[:2] {
	case "us", "eu", "ap", "ca", "sa", "me", "af":
		return region
	}
	return ""
}

func truncateForLog(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
