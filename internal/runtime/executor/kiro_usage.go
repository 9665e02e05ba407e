package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kirolink/kiro-gateway/internal/store"
)

const agenticRequestResource = "AGENTIC_REQUEST"

// usageLimitsResponse is the getUsageLimits payload subset the gateway
// consumes.
type usageLimitsResponse struct {
	DaysUntilReset     *int              `json:"daysUntilReset,omitempty"`
	UserInfo           *usageUserInfo    `json:"userInfo,omitempty"`
	SubscriptionInfo   *subscriptionInfo `json:"subscriptionInfo,omitempty"`
	UsageBreakdownList []usageBreakdown  `json:"usageBreakdownList,omitempty"`
}

type usageUserInfo struct {
	Email  string `json:"email,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type subscriptionInfo struct {
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
	Type              string `json:"type,omitempty"`
}

type usageBreakdown struct {
	ResourceType              string   `json:"resourceType,omitempty"`
	UsageLimit                *int     `json:"usageLimit,omitempty"`
	CurrentUsage              *int     `json:"currentUsage,omitempty"`
	UsageLimitWithPrecision   *float64 `json:"usageLimitWithPrecision,omitempty"`
	CurrentUsageWithPrecision *float64 `json:"currentUsageWithPrecision,omitempty"`
}

// RefreshUsage fetches the account's usage limits and updates its cached
// snapshot and email in place. The caller persists. A failure leaves the
// previous snapshot intact.
func (e *KiroExecutor) RefreshUsage(ctx context.Context, account *store.Account) error {
	if account == nil || account.Token == nil {
		return fmt.Errorf("kiro executor: account has no credentials")
	}
	if err := e.ensureFresh(ctx, account); err != nil {
		return err
	}
	token := account.Token

	query := url.Values{}
	query.Set("isEmailRequired", "true")
	query.Set("origin", "AI_EDITOR")
	query.Set("resourceType", agenticRequestResource)
	if token.IsSocial() && strings.TrimSpace(token.ProfileArn) != "" {
		query.Set("profileArn", token.ProfileArn)
	}
	endpoint := e.client.usageEndpoint(token) + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	e.client.applyHeaders(req, token, account.ID)
	req.Header.Del("Content-Type")

	resp, err := e.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kiro executor: usage limits request: %w", err)
	}
	decodeBody(resp)
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("kiro executor: close usage body: %v", errClose)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return kiroStatusError{code: resp.StatusCode, msg: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kiro executor: read usage limits: %w", err)
	}

	var parsed usageLimitsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("kiro executor: decode usage limits: %w", err)
	}

	account.Usage = snapshotFromUsage(&parsed)
	if parsed.UserInfo != nil && strings.TrimSpace(parsed.UserInfo.Email) != "" {
		account.Email = parsed.UserInfo.Email
	}
	log.Debugf("kiro executor: usage for %s: %d/%d", account.ID, account.Usage.Current, account.Usage.Limit)
	return nil
}

// snapshotFromUsage reduces the breakdown list to the agentic-request quota
// reading, preferring the typed entry and falling back to the first.
func snapshotFromUsage(parsed *usageLimitsResponse) *store.UsageSnapshot {
	snapshot := &store.UsageSnapshot{FetchedAt: time.Now()}
	var chosen *usageBreakdown
	for i := range parsed.UsageBreakdownList {
		entry := &parsed.UsageBreakdownList[i]
		if entry.ResourceType == agenticRequestResource {
			chosen = entry
			break
		}
		if chosen == nil {
			chosen = entry
		}
	}
	if chosen == nil {
		return snapshot
	}
	switch {
	case chosen.UsageLimit != nil:
		snapshot.Limit = *chosen.UsageLimit
	case chosen.UsageLimitWithPrecision != nil:
		snapshot.Limit = int(*chosen.UsageLimitWithPrecision)
	}
	switch {
	case chosen.CurrentUsage != nil:
		snapshot.Current = *chosen.CurrentUsage
	case chosen.CurrentUsageWithPrecision != nil:
		snapshot.Current = int(*chosen.CurrentUsageWithPrecision)
	}
	return snapshot
}
