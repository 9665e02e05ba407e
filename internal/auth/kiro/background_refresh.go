package kiro

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ManagedCredential is one account's credentials as seen by the background
// refresher. Token is a private copy; mutating it does not touch the store.
type ManagedCredential struct {
	ID    string
	Token *KiroTokenStorage
}

// TokenRepository is the slice of the account store the background refresher
// needs: enumerate credentials due for refresh and persist refreshed ones.
type TokenRepository interface {
	DueForRefresh(lead time.Duration) []ManagedCredential
	SaveCredential(id string, ts *KiroTokenStorage) error
}

// RefresherOption customizes a BackgroundRefresher.
type RefresherOption func(*BackgroundRefresher)

// WithInterval sets the reconciliation tick. Default one minute.
func WithInterval(interval time.Duration) RefresherOption {
	return func(r *BackgroundRefresher) { r.interval = interval }
}

// WithLead sets the near-expiry window. Default ten minutes.
func WithLead(lead time.Duration) RefresherOption {
	return func(r *BackgroundRefresher) { r.lead = lead }
}

// WithConcurrency bounds parallel refreshes. Default three.
func WithConcurrency(n int) RefresherOption {
	return func(r *BackgroundRefresher) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithOnRefreshed registers a callback invoked after each persisted refresh.
func WithOnRefreshed(callback func(id string)) RefresherOption {
	return func(r *BackgroundRefresher) { r.onRefreshed = callback }
}

// BackgroundRefresher proactively refreshes credentials that are close to
// expiring so the request path rarely pays the refresh latency. Failures are
// logged and retried on the next tick; they never affect pool health.
type BackgroundRefresher struct {
	auth *KiroAuth
	repo TokenRepository

	interval    time.Duration
	lead        time.Duration
	concurrency int
	onRefreshed func(id string)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBackgroundRefresher wires a refresher to the given auth client and repository.
func NewBackgroundRefresher(auth *KiroAuth, repo TokenRepository, opts ...RefresherOption) *BackgroundRefresher {
	r := &BackgroundRefresher{
		auth:        auth,
		repo:        repo,
		interval:    time.Minute,
		lead:        10 * time.Minute,
		concurrency: 3,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the reconciliation loop. It returns immediately.
func (r *BackgroundRefresher) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.refreshBatch(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.refreshBatch(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight refreshes to finish.
func (r *BackgroundRefresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *BackgroundRefresher) refreshBatch(ctx context.Context) {
	due := r.repo.DueForRefresh(r.lead)
	if len(due) == 0 {
		return
	}
	log.Debugf("background refresh: %d credential(s) near expiry", len(due))

	sem := semaphore.NewWeighted(int64(r.concurrency))
	var wg sync.WaitGroup

	for i, cred := range due {
		if i > 0 {
			// Stagger launches so a large pool does not hammer the
			// refresh endpoints at the same instant.
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		wg.Add(1)
		go func(cred ManagedCredential) {
			defer wg.Done()
			defer sem.Release(1)
			r.refreshSingle(ctx, cred)
		}(cred)
	}

	wg.Wait()
}

func (r *BackgroundRefresher) refreshSingle(ctx context.Context, cred ManagedCredential) {
	token := cred.Token
	if token == nil {
		return
	}
	result, err := r.auth.RefreshCredentials(ctx, token)
	if err != nil {
		// A still-valid token keeps serving; the request path will retry
		// the refresh when the token actually crosses the lead window.
		if !token.IsExpired() {
			log.Debugf("background refresh: %s failed but token still valid: %v", cred.ID, err)
		} else {
			log.Warnf("background refresh: %s: %v", cred.ID, err)
		}
		return
	}

	token.ApplyRefresh(result)
	if err := r.repo.SaveCredential(cred.ID, token); err != nil {
		log.Errorf("background refresh: persist %s: %v", cred.ID, err)
		return
	}
	log.Debugf("background refresh: %s refreshed, expires %s", cred.ID, token.ExpiresAt.Format(time.RFC3339))

	if r.onRefreshed != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("background refresh: callback panic for %s: %v", cred.ID, rec)
				}
			}()
			r.onRefreshed(cred.ID)
		}()
	}
}
