// Package store defines the account store: the persistent pool of Kiro
// accounts the dispatcher draws from. Implementations keep credentials,
// status, and quota annotations; transient cooldowns stay with the
// dispatcher.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kirolink/kiro-gateway/internal/auth/kiro"
)

// Account status values.
const (
	StatusActive         = "active"
	StatusQuotaExhausted = "quota_exhausted"
	StatusError          = "error"
	StatusDisabled       = "disabled"
)

// ErrNotFound is returned for lookups of unknown account IDs.
var ErrNotFound = errors.New("account not found")

// UsageSnapshot is the cached AGENTIC_REQUEST quota reading for an account.
type UsageSnapshot struct {
	Limit     int       `json:"limit"`
	Current   int       `json:"current"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Account is one Kiro credential pool entry.
type Account struct {
	ID                  string                 `json:"id"`
	Email               string                 `json:"email,omitempty"`
	Label               string                 `json:"label,omitempty"`
	Status              string                 `json:"status"`
	LastError           string                 `json:"lastError,omitempty"`
	QuotaExhaustedUntil time.Time              `json:"quotaExhaustedUntil,omitempty"`
	AddedAt             time.Time              `json:"addedAt,omitempty"`
	Usage               *UsageSnapshot         `json:"usage,omitempty"`
	Token               *kiro.KiroTokenStorage `json:"token"`
}

// Clone returns a deep copy safe to mutate outside the store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	copied := *a
	if a.Token != nil {
		token := *a.Token
		copied.Token = &token
	}
	if a.Usage != nil {
		usage := *a.Usage
		copied.Usage = &usage
	}
	return &copied
}

// Usable reports whether the account can ever serve: it must carry a refresh
// token and not be administratively disabled.
func (a *Account) Usable() bool {
	if a == nil || a.Token == nil {
		return false
	}
	if strings.TrimSpace(a.Token.RefreshToken) == "" {
		return false
	}
	return a.Status != StatusDisabled
}

// QuotaExhausted reports whether the account is inside its quota window at t.
func (a *Account) QuotaExhausted(t time.Time) bool {
	if a == nil || a.Status != StatusQuotaExhausted {
		return false
	}
	return a.QuotaExhaustedUntil.After(t)
}

// Region returns the account's effective AWS region.
func (a *Account) Region() string {
	if a == nil || a.Token == nil {
		return ""
	}
	return a.Token.ResolveRegion()
}

// AccountStore is the persistence boundary. Implementations must tolerate
// concurrent callers; updates are idempotent per account ID. List and Get
// return clones — callers mutate freely and persist through Save.
type AccountStore interface {
	List(ctx context.Context) ([]*Account, error)
	Get(ctx context.Context, id string) (*Account, error)
	Save(ctx context.Context, account *Account) error
	Delete(ctx context.Context, id string) error
}

// NewAccount builds an active account around imported credentials.
func NewAccount(id string, token *kiro.KiroTokenStorage) *Account {
	return &Account{
		ID:      id,
		Status:  StatusActive,
		AddedAt: time.Now(),
		Token:   token,
	}
}
