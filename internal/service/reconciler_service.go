// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

const (
	reconcilePeriod     = time.Second
	reconcileRetryBase  = 500 * time.Millisecond
	reconcileRetryCap   = 5 * time.Second
	reconcileJitterFrac = 0.2
)

// SessionControl is the slice of a session orchestrator the reconciler
// drives. Ready means the session is subscribed and can accept
// subscription changes.
type SessionControl interface {
	AccountID() string
	Priority() int
	Ready() bool
	// ApplySubscriptions subscribes tokens per mode (also used for mode
	// upgrades) and unsubscribes the given tokens, in one pass.
	ApplySubscriptions(subscribe map[string][]uint32, unsubscribe []uint32) error
	// Subscriptions reports what the session currently holds upstream.
	Subscriptions() map[uint32]string
}

type accountApplyState struct {
	lastApply time.Time
	failures  int
	nextRetry time.Time
}

// Reconciler converges upstream subscriptions toward the aggregate
// desired state. Desired demand comes from downstream owners; each
// wanted token is assigned to exactly one ready account, capacity
// permitting. When an account saturates, the least recently ticked
// token is evicted to admit new demand.
type Reconciler struct {
	minInterval time.Duration
	maxTokens   int
	metrics     *metrics.Registry

	mu       sync.Mutex
	active   func(token uint32) bool      // nil means every token is eligible
	want     map[string]map[uint32]string // owner -> token -> mode
	assigned map[uint32]string            // token -> account
	lastTick map[uint32]time.Time
	sessions map[string]SessionControl
	apply    map[string]*accountApplyState

	kick chan struct{}
	now  func() time.Time
}

// NewReconciler creates the reconciler
func NewReconciler(minInterval time.Duration, maxTokens int, m *metrics.Registry) *Reconciler {
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	if maxTokens <= 0 {
		maxTokens = 3000
	}
	return &Reconciler{
		minInterval: minInterval,
		maxTokens:   maxTokens,
		metrics:     m,
		want:        make(map[string]map[uint32]string),
		assigned:    make(map[uint32]string),
		lastTick:    make(map[uint32]time.Time),
		sessions:    make(map[string]SessionControl),
		apply:       make(map[string]*accountApplyState),
		kick:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// SetClock overrides the clock, used in tests
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// SetInstrumentFilter installs the tradability check. Tokens the filter
// rejects are excluded from the desired state, so an instrument that
// expires mid-session is unsubscribed on the next pass even while
// owners still ask for it.
func (r *Reconciler) SetInstrumentFilter(active func(token uint32) bool) {
	r.mu.Lock()
	r.active = active
	r.mu.Unlock()
	r.Kick()
}

// Register attaches a session orchestrator
func (r *Reconciler) Register(session SessionControl) {
	r.mu.Lock()
	r.sessions[session.AccountID()] = session
	r.apply[session.AccountID()] = &accountApplyState{}
	r.mu.Unlock()
	r.Kick()
}

// Deregister detaches a session; its assignments move elsewhere on the
// next pass
func (r *Reconciler) Deregister(accountID string) {
	r.mu.Lock()
	delete(r.sessions, accountID)
	delete(r.apply, accountID)
	for token, acct := range r.assigned {
		if acct == accountID {
			delete(r.assigned, token)
		}
	}
	r.mu.Unlock()
	r.Kick()
}

// Want declares one owner's demand. Mode follows the richest request
// across owners per token.
func (r *Reconciler) Want(owner string, tokens []uint32, mode string) {
	r.mu.Lock()
	set, ok := r.want[owner]
	if !ok {
		set = make(map[uint32]string)
		r.want[owner] = set
	}
	for _, token := range tokens {
		set[token] = models.MaxMode(set[token], mode)
	}
	r.mu.Unlock()
	r.Kick()
}

// Unwant withdraws tokens from one owner's demand
func (r *Reconciler) Unwant(owner string, tokens []uint32) {
	r.mu.Lock()
	if set, ok := r.want[owner]; ok {
		for _, token := range tokens {
			delete(set, token)
		}
		if len(set) == 0 {
			delete(r.want, owner)
		}
	}
	r.mu.Unlock()
	r.Kick()
}

// DropOwner withdraws all demand from one owner, used when a stream
// client disconnects
func (r *Reconciler) DropOwner(owner string) {
	r.mu.Lock()
	delete(r.want, owner)
	r.mu.Unlock()
	r.Kick()
}

// ObserveTick records tick arrival for the eviction order
func (r *Reconciler) ObserveTick(token uint32) {
	r.mu.Lock()
	r.lastTick[token] = r.now()
	r.mu.Unlock()
}

// Kick schedules a reconcile pass; redundant kicks coalesce
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run reconciles on demand plus a periodic safety pass
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(reconcilePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
		case <-ticker.C:
		}
		r.reconcile()
	}
}

// desiredState collapses all owners into token -> richest mode,
// skipping tokens the instrument filter rejects
func (r *Reconciler) desiredState() map[uint32]string {
	desired := make(map[uint32]string)
	for _, set := range r.want {
		for token, mode := range set {
			if r.active != nil && !r.active(token) {
				continue
			}
			desired[token] = models.MaxMode(desired[token], mode)
		}
	}
	return desired
}

func (r *Reconciler) reconcile() {
	r.mu.Lock()
	r.metrics.ReconcileRuns.Inc()
	now := r.now()

	desired := r.desiredState()

	ready := make([]SessionControl, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Ready() {
			ready = append(ready, s)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority() != ready[j].Priority() {
			return ready[i].Priority() < ready[j].Priority()
		}
		return ready[i].AccountID() < ready[j].AccountID()
	})

	readyIDs := make(map[string]bool, len(ready))
	for _, s := range ready {
		readyIDs[s.AccountID()] = true
	}

	// drop assignments for tokens no longer wanted or held by a
	// not-ready account
	load := make(map[string]int)
	for token, acct := range r.assigned {
		if _, wanted := desired[token]; !wanted || !readyIDs[acct] {
			delete(r.assigned, token)
			continue
		}
		load[acct]++
	}

	// assign unowned tokens, stable order so ties resolve the same way
	// every pass
	unassigned := make([]uint32, 0)
	for token := range desired {
		if _, ok := r.assigned[token]; !ok {
			unassigned = append(unassigned, token)
		}
	}
	sort.Slice(unassigned, func(i, j int) bool { return unassigned[i] < unassigned[j] })

	for _, token := range unassigned {
		placed := false
		for _, s := range ready {
			if load[s.AccountID()] < r.maxTokens {
				r.assigned[token] = s.AccountID()
				load[s.AccountID()]++
				placed = true
				break
			}
		}
		if placed || len(ready) == 0 {
			continue
		}
		// saturated everywhere: evict the least recently ticked token
		victim, victimAcct, ok := r.leastRecentlyTicked()
		if !ok {
			continue
		}
		delete(r.assigned, victim)
		r.assigned[token] = victimAcct
		r.metrics.TokensEvicted.Inc()
		zaplogger.Warn("capacity eviction", zaplogger.Fields{
			"evicted": victim,
			"admitted": token,
			"account":  victimAcct,
		})
	}

	// per-account diff against what the session actually holds
	type plan struct {
		session     SessionControl
		subscribe   map[string][]uint32
		unsubscribe []uint32
	}
	plans := make([]plan, 0, len(ready))
	for _, s := range ready {
		acct := s.AccountID()
		st := r.apply[acct]
		if st == nil {
			continue
		}
		if now.Sub(st.lastApply) < r.minInterval || now.Before(st.nextRetry) {
			continue
		}

		current := s.Subscriptions()
		subscribe := make(map[string][]uint32)
		unsubscribe := make([]uint32, 0)

		for token, mode := range desired {
			if r.assigned[token] != acct {
				continue
			}
			if curMode, held := current[token]; !held || curMode != mode {
				subscribe[mode] = append(subscribe[mode], token)
			}
		}
		for token := range current {
			if r.assigned[token] != acct {
				unsubscribe = append(unsubscribe, token)
			}
		}
		if len(subscribe) == 0 && len(unsubscribe) == 0 {
			continue
		}
		plans = append(plans, plan{session: s, subscribe: subscribe, unsubscribe: unsubscribe})
	}
	r.mu.Unlock()

	for _, p := range plans {
		err := p.session.ApplySubscriptions(p.subscribe, p.unsubscribe)
		r.mu.Lock()
		st := r.apply[p.session.AccountID()]
		if st == nil {
			r.mu.Unlock()
			continue
		}
		st.lastApply = r.now()
		if err != nil {
			r.metrics.ReconcileRPCFail.Inc()
			st.failures++
			st.nextRetry = r.now().Add(retryBackoff(st.failures))
			zaplogger.Error("subscription apply failed", zaplogger.Fields{
				"account": p.session.AccountID(),
				"error":   err.Error(),
			})
			r.Kick()
		} else {
			st.failures = 0
			st.nextRetry = time.Time{}
		}
		r.mu.Unlock()
	}
}

// leastRecentlyTicked finds the eviction victim among assigned tokens.
// Never-ticked tokens are the coldest. Caller holds the mutex.
func (r *Reconciler) leastRecentlyTicked() (uint32, string, bool) {
	var victim uint32
	var victimAcct string
	var oldest time.Time
	found := false
	for token, acct := range r.assigned {
		at := r.lastTick[token]
		if !found || at.Before(oldest) {
			victim, victimAcct, oldest, found = token, acct, at, true
		}
	}
	return victim, victimAcct, found
}

// Assignment reports which account owns a token, for the health view
func (r *Reconciler) Assignment(token uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.assigned[token]
	return acct, ok
}

// AssignedCount returns the number of assigned tokens
func (r *Reconciler) AssignedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assigned)
}

// retryBackoff doubles from the base with jitter, capped
func retryBackoff(failures int) time.Duration {
	d := reconcileRetryBase
	for i := 1; i < failures && d < reconcileRetryCap; i++ {
		d *= 2
	}
	if d > reconcileRetryCap {
		d = reconcileRetryCap
	}
	jitter := time.Duration(rand.Float64() * reconcileJitterFrac * float64(d))
	return d + jitter
}
