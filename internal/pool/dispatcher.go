// Package pool dispatches requests across the Kiro account pool:
// round-robin selection, cooldown bookkeeping, quota-exhaustion windows,
// and failover until an account serves or the pool is exhausted.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	authkiro "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/runtime/executor"
	"github.com/kirolink/kiro-gateway/internal/store"
	kirotranslator "github.com/kirolink/kiro-gateway/internal/translator/kiro"
)

// ErrNoHealthyAccounts means the eligibility snapshot came back empty.
var ErrNoHealthyAccounts = errors.New("no healthy accounts available")

// Executor is the upstream adapter contract the dispatcher drives.
type Executor interface {
	Complete(ctx context.Context, account *store.Account, model string, payload []byte) ([]kirotranslator.StreamEvent, error)
	CompleteStream(ctx context.Context, account *store.Account, model string, payload []byte) (<-chan executor.StreamResult, error)
}

// DispatchError is a terminal dispatch outcome carrying the HTTP status the
// front-end should answer with.
type DispatchError struct {
	Status  int
	Message string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed (%d): %s", e.Status, e.Message)
}

// Dispatcher selects accounts and applies the per-status error disposition.
// The cursor and the cooldown map share one mutex; selection reads clone
// their snapshot under it.
type Dispatcher struct {
	cfg      atomic.Pointer[config.Config]
	accounts store.AccountStore
	executor Executor

	mu        sync.Mutex
	cursor    int
	cooldowns map[string]time.Time
}

// New builds a dispatcher over the given store and adapter.
func New(cfg *config.Config, accounts store.AccountStore, exec Executor) *Dispatcher {
	d := &Dispatcher{
		accounts:  accounts,
		executor:  exec,
		cooldowns: make(map[string]time.Time),
	}
	d.cfg.Store(cfg)
	return d
}

// ApplyConfig swaps the runtime configuration; cooldown and quota-reset
// settings take effect on the next failure event.
func (d *Dispatcher) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	d.cfg.Store(cfg)
}

// Complete dispatches a non-streaming exchange.
func (d *Dispatcher) Complete(ctx context.Context, model string, payload []byte) ([]kirotranslator.StreamEvent, error) {
	var events []kirotranslator.StreamEvent
	err := d.dispatch(ctx, func(ctx context.Context, account *store.Account) error {
		var callErr error
		events, callErr = d.executor.Complete(ctx, account, model, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CompleteStream dispatches a streaming exchange. Failover happens only
// while upstream has not accepted the request; once the channel is handed
// out the response has begun and no second account may be tried.
func (d *Dispatcher) CompleteStream(ctx context.Context, model string, payload []byte) (<-chan executor.StreamResult, error) {
	var stream <-chan executor.StreamResult
	err := d.dispatch(ctx, func(ctx context.Context, account *store.Account) error {
		var callErr error
		stream, callErr = d.executor.CompleteStream(ctx, account, model, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// dispatch iterates the eligible snapshot at most once around, applying the
// disposition table to each failure:
//
//	refresh failure -> abort, 401, no cooldown
//	no status       -> abort, 502, no cooldown
//	400             -> abort, 400, no cooldown
//	402             -> quota-exhaust the account until next month, continue
//	other           -> cooldown the account, continue
func (d *Dispatcher) dispatch(ctx context.Context, call func(context.Context, *store.Account) error) error {
	eligible, err := d.eligible(ctx)
	if err != nil {
		return &DispatchError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	if len(eligible) == 0 {
		return ErrNoHealthyAccounts
	}

	d.mu.Lock()
	start := d.cursor
	d.mu.Unlock()

	var lastErr error
	for offset := 0; offset < len(eligible); offset++ {
		account := eligible[(start+offset)%len(eligible)]
		d.advanceCursor()

		callErr := call(ctx, account)
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		var refreshErr *authkiro.RefreshError
		if errors.As(callErr, &refreshErr) {
			// The account cannot mint a usable token; the account itself
			// has not failed upstream, so no cooldown.
			log.Warnf("pool: account %s credential refresh failed: %v", account.ID, callErr)
			return &DispatchError{Status: http.StatusUnauthorized, Message: callErr.Error()}
		}

		status, ok := statusFromError(callErr)
		if !ok {
			log.Warnf("pool: account %s failed without upstream status: %v", account.ID, callErr)
			return &DispatchError{Status: http.StatusBadGateway, Message: callErr.Error()}
		}

		switch {
		case status == http.StatusBadRequest:
			log.Warnf("pool: upstream rejected request shape via %s: %v", account.ID, callErr)
			return &DispatchError{Status: http.StatusBadRequest, Message: callErr.Error()}
		case status == http.StatusPaymentRequired:
			d.markQuotaExhausted(ctx, account, callErr.Error())
		default:
			d.cooldown(account.ID)
			log.Warnf("pool: account %s cooling down after upstream %d", account.ID, status)
		}
	}

	message := "all accounts failed"
	if lastErr != nil {
		message = lastErr.Error()
	}
	return &DispatchError{Status: http.StatusBadGateway, Message: message}
}

// eligible snapshots the accounts that may serve right now: usable, not in
// cooldown, and not inside a quota window. Expired cooldowns are cleared;
// elapsed quota windows flip the account back to active through the store.
func (d *Dispatcher) eligible(ctx context.Context) ([]*store.Account, error) {
	accounts, err := d.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: list accounts: %w", err)
	}

	now := time.Now()
	d.mu.Lock()
	for id, until := range d.cooldowns {
		if !until.After(now) {
			delete(d.cooldowns, id)
		}
	}
	active := make(map[string]time.Time, len(d.cooldowns))
	for id, until := range d.cooldowns {
		active[id] = until
	}
	d.mu.Unlock()

	out := make([]*store.Account, 0, len(accounts))
	for _, account := range accounts {
		if !account.Usable() {
			continue
		}
		if _, held := active[account.ID]; held {
			continue
		}
		if account.Status == store.StatusQuotaExhausted {
			if account.QuotaExhausted(now) {
				continue
			}
			account.Status = store.StatusActive
			account.QuotaExhaustedUntil = time.Time{}
			account.LastError = ""
			if err := d.accounts.Save(ctx, account); err != nil {
				log.Warnf("pool: reactivate %s after quota window: %v", account.ID, err)
			} else {
				log.Infof("pool: quota window elapsed, account %s active again", account.ID)
			}
		}
		out = append(out, account)
	}
	return out, nil
}

func (d *Dispatcher) advanceCursor() {
	d.mu.Lock()
	d.cursor++
	d.mu.Unlock()
}

func (d *Dispatcher) cooldown(id string) {
	until := time.Now().Add(d.cfg.Load().Cooldown())
	d.mu.Lock()
	d.cooldowns[id] = until
	d.mu.Unlock()
}

// markQuotaExhausted parks the account until the first instant of the next
// calendar month and persists the transition.
func (d *Dispatcher) markQuotaExhausted(ctx context.Context, account *store.Account, message string) {
	until := nextMonthStart(time.Now(), d.cfg.Load().QuotaResetUTC)
	account.Status = store.StatusQuotaExhausted
	account.QuotaExhaustedUntil = until
	account.LastError = message
	if err := d.accounts.Save(ctx, account); err != nil {
		log.Warnf("pool: persist quota exhaustion for %s: %v", account.ID, err)
	}
	log.Warnf("pool: account %s quota exhausted until %s", account.ID, until.Format(time.RFC3339))
}

// Cooldowns returns the live cooldown deadlines keyed by account ID.
func (d *Dispatcher) Cooldowns() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Time, len(d.cooldowns))
	for id, until := range d.cooldowns {
		out[id] = until
	}
	return out
}

// nextMonthStart returns the first instant of the month after now, in the
// local zone unless utc is set.
func nextMonthStart(now time.Time, utc bool) time.Time {
	if utc {
		now = now.UTC()
	} else {
		now = now.Local()
	}
	year, month, _ := now.Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, now.Location())
}

type statusCoder interface {
	StatusCode() int
}

func statusFromError(err error) (int, bool) {
	var coder statusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode(), true
	}
	return 0, false
}
