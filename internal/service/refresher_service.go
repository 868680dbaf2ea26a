// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/raghurammutya/tradecore/internal/config"
	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/repository"
	"github.com/raghurammutya/tradecore/internal/upstream"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

const (
	// at most this many broker logins run concurrently
	refreshConcurrency = 4
	refreshScanPeriod  = time.Minute
	// a token refreshed this recently is reused instead of re-logging in
	refreshDedupe = 30 * time.Second
)

type accountTokenState struct {
	creds   upstream.Credentials
	state   atomic.Pointer[models.TokenState]
	refresh sync.Mutex
}

// TokenRefresher keeps one fresh access token per account. Tokens are
// immutable records swapped through an atomic pointer and mirrored to
// disk so a restart does not force a new login. A failed refresh keeps
// the previous token in place while it is still valid.
type TokenRefresher struct {
	rest       *upstream.RESTClient
	files      *repository.TokenFileRepository
	metrics    *metrics.Registry
	preemptive time.Duration

	mu       sync.Mutex
	accounts map[string]*accountTokenState

	now func() time.Time
}

// NewTokenRefresher creates the refresher and loads persisted tokens
func NewTokenRefresher(rest *upstream.RESTClient, files *repository.TokenFileRepository, accounts []config.AccountConfig, preemptive time.Duration, m *metrics.Registry) *TokenRefresher {
	if preemptive <= 0 {
		preemptive = 60 * time.Minute
	}
	r := &TokenRefresher{
		rest:       rest,
		files:      files,
		metrics:    m,
		preemptive: preemptive,
		accounts:   make(map[string]*accountTokenState, len(accounts)),
		now:        time.Now,
	}
	for _, a := range accounts {
		st := &accountTokenState{
			creds: upstream.Credentials{
				UserID:     a.UserID,
				Password:   a.Password,
				TOTPSecret: a.TOTPSecret,
				APIKey:     a.APIKey,
			},
		}
		if persisted, err := files.Read(a.ID); err != nil {
			zaplogger.Warn("persisted token unreadable", zaplogger.Fields{
				"account": a.ID,
				"error":   err.Error(),
			})
		} else if persisted.Valid(r.now()) {
			st.state.Store(persisted)
			zaplogger.Info("reusing persisted token", zaplogger.Fields{
				"account":   a.ID,
				"remaining": persisted.Remaining(r.now()).String(),
			})
		}
		r.accounts[a.ID] = st
	}
	return r
}

// Token implements TokenProvider
func (r *TokenRefresher) Token(accountID string) *models.TokenState {
	r.mu.Lock()
	st, ok := r.accounts[accountID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return st.state.Load()
}

// RefreshNow logs the account in and swaps in the new token. Concurrent
// callers for the same account coalesce onto one login.
func (r *TokenRefresher) RefreshNow(ctx context.Context, accountID string) (*models.TokenState, error) {
	r.mu.Lock()
	st, ok := r.accounts[accountID]
	r.mu.Unlock()
	if !ok {
		return nil, E(KindContract, "unknown account "+accountID)
	}

	st.refresh.Lock()
	defer st.refresh.Unlock()

	// a refresh that just completed (possibly while we waited on the
	// mutex) serves this caller too
	if cur := st.state.Load(); cur.Valid(r.now()) && r.now().Sub(cur.IssuedAt) < refreshDedupe {
		return cur, nil
	}

	session, err := r.rest.Login(ctx, st.creds)
	if err != nil {
		zaplogger.Error("token refresh failed", zaplogger.Fields{
			"account": accountID,
			"error":   err.Error(),
		})
		// only invalidate when there is nothing valid to fall back on
		if cur := st.state.Load(); !cur.Valid(r.now()) {
			st.state.Store(&models.TokenState{Status: models.TokenStatusInvalid})
			r.metrics.TokenExpirySeconds.WithLabelValues(accountID).Set(0)
		}
		return nil, Wrap(KindAuth, "broker login failed", err)
	}

	fresh := &models.TokenState{
		AccessToken: session.AccessToken,
		IssuedAt:    session.IssuedAt,
		ExpiresAt:   session.ExpiresAt,
		Status:      models.TokenStatusFresh,
	}
	st.state.Store(fresh)
	if err := r.files.Write(accountID, fresh); err != nil {
		zaplogger.Warn("token persist failed", zaplogger.Fields{
			"account": accountID,
			"error":   err.Error(),
		})
	}
	r.metrics.TokenExpirySeconds.WithLabelValues(accountID).Set(fresh.Remaining(r.now()).Seconds())
	zaplogger.Info("token refreshed", zaplogger.Fields{
		"account":    accountID,
		"expires_at": fresh.ExpiresAt.Format(time.RFC3339),
	})
	return fresh, nil
}

// RefreshAll refreshes every account, bounded by the login concurrency
// limit. The scheduled morning job calls this before market open.
func (r *TokenRefresher) RefreshAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sem := semaphore.NewWeighted(refreshConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			defer sem.Release(1)
			// failures are logged inside; the preemptive scan retries
			r.RefreshNow(ctx, accountID)
		}(id)
	}
	wg.Wait()
}

// Run scans every minute and preemptively refreshes tokens nearing
// expiry, so the morning rollover never races market open
func (r *TokenRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *TokenRefresher) scan(ctx context.Context) {
	now := r.now()
	r.mu.Lock()
	var expiring []string
	for id, st := range r.accounts {
		cur := st.state.Load()
		if cur.Valid(now) {
			r.metrics.TokenExpirySeconds.WithLabelValues(id).Set(cur.Remaining(now).Seconds())
		}
		if !cur.Valid(now) || cur.Remaining(now) < r.preemptive {
			expiring = append(expiring, id)
		}
	}
	r.mu.Unlock()

	sem := semaphore.NewWeighted(refreshConcurrency)
	var wg sync.WaitGroup
	for _, id := range expiring {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			defer sem.Release(1)
			r.RefreshNow(ctx, accountID)
		}(id)
	}
	wg.Wait()
}
