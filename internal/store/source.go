package store

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kirolink/kiro-gateway/internal/auth/kiro"
)

// RefreshSource adapts an AccountStore to the background refresher's
// repository contract.
type RefreshSource struct {
	Store AccountStore
}

// DueForRefresh returns usable accounts whose tokens expire inside lead.
func (s RefreshSource) DueForRefresh(lead time.Duration) []kiro.ManagedCredential {
	accounts, err := s.Store.List(context.Background())
	if err != nil {
		log.Warnf("refresh source: list accounts: %v", err)
		return nil
	}
	var due []kiro.ManagedCredential
	for _, account := range accounts {
		if !account.Usable() || account.Token == nil {
			continue
		}
		if !account.Token.ExpiresWithin(lead) {
			continue
		}
		due = append(due, kiro.ManagedCredential{ID: account.ID, Token: account.Token})
	}
	return due
}

// SaveCredential persists a refreshed token back onto its account.
func (s RefreshSource) SaveCredential(id string, ts *kiro.KiroTokenStorage) error {
	ctx := context.Background()
	account, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	account.Token = ts
	return s.Store.Save(ctx, account)
}
