package service

import (
	"errors"
	"testing"
	"time"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
)

type fakeSession struct {
	id       string
	priority int
	ready    bool
	held     map[uint32]string
	applyErr error
	applies  int
}

func newFakeSession(id string, priority int) *fakeSession {
	return &fakeSession{id: id, priority: priority, ready: true, held: map[uint32]string{}}
}

func (s *fakeSession) AccountID() string { return s.id }
func (s *fakeSession) Priority() int     { return s.priority }
func (s *fakeSession) Ready() bool       { return s.ready }

func (s *fakeSession) ApplySubscriptions(subscribe map[string][]uint32, unsubscribe []uint32) error {
	s.applies++
	if s.applyErr != nil {
		return s.applyErr
	}
	for mode, tokens := range subscribe {
		for _, token := range tokens {
			s.held[token] = mode
		}
	}
	for _, token := range unsubscribe {
		delete(s.held, token)
	}
	return nil
}

func (s *fakeSession) Subscriptions() map[uint32]string {
	out := make(map[uint32]string, len(s.held))
	for k, v := range s.held {
		out[k] = v
	}
	return out
}

// newTestReconciler returns a reconciler on a manual clock plus a step
// function that advances it by one second
func newTestReconciler(maxTokens int) (*Reconciler, *func() time.Time) {
	m, _ := metrics.NewRegistry()
	r := NewReconciler(100*time.Millisecond, maxTokens, m)
	now := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	step := func() time.Time { now = now.Add(time.Second); return now }
	return r, &step
}

func TestReconcileSubscribesDesiredTokens(t *testing.T) {
	r, step := newTestReconciler(100)
	s := newFakeSession("acct-a", 1)
	r.Register(s)

	r.Want("client-1", []uint32{10, 20}, models.ModeQuote)
	r.reconcile()

	if len(s.held) != 2 || s.held[10] != models.ModeQuote || s.held[20] != models.ModeQuote {
		t.Fatalf("held = %v, want tokens 10,20 at QUOTE", s.held)
	}

	// second pass with no changes issues no RPC
	(*step)()
	applies := s.applies
	r.reconcile()
	if s.applies != applies {
		t.Error("converged state triggered another apply")
	}
}

func TestReconcileModeUpgradeAcrossOwners(t *testing.T) {
	r, step := newTestReconciler(100)
	s := newFakeSession("acct-a", 1)
	r.Register(s)

	r.Want("c1", []uint32{10}, models.ModeLTP)
	r.reconcile()
	if s.held[10] != models.ModeLTP {
		t.Fatalf("held[10] = %q, want LTP", s.held[10])
	}

	(*step)()
	r.Want("c2", []uint32{10}, models.ModeFull)
	r.reconcile()
	if s.held[10] != models.ModeFull {
		t.Errorf("held[10] = %q after richer demand, want FULL", s.held[10])
	}
}

func TestReconcileUnsubscribesDroppedDemand(t *testing.T) {
	r, step := newTestReconciler(100)
	s := newFakeSession("acct-a", 1)
	r.Register(s)

	r.Want("c1", []uint32{10, 20}, models.ModeLTP)
	r.reconcile()
	(*step)()
	r.Unwant("c1", []uint32{10})
	r.reconcile()

	if _, held := s.held[10]; held {
		t.Error("token 10 still held after demand was withdrawn")
	}
	if _, held := s.held[20]; !held {
		t.Error("token 20 dropped although still wanted")
	}
}

func TestReconcilePrefersLowestPriorityAccount(t *testing.T) {
	r, _ := newTestReconciler(100)
	primary := newFakeSession("acct-a", 1)
	backup := newFakeSession("acct-b", 2)
	r.Register(backup)
	r.Register(primary)

	r.Want("c1", []uint32{10}, models.ModeLTP)
	r.reconcile()

	if _, held := primary.held[10]; !held {
		t.Error("token not assigned to the priority-1 account")
	}
	if len(backup.held) != 0 {
		t.Errorf("backup account holds %v", backup.held)
	}
}

func TestReconcileMovesTokensOffNotReadyAccount(t *testing.T) {
	r, step := newTestReconciler(100)
	primary := newFakeSession("acct-a", 1)
	backup := newFakeSession("acct-b", 2)
	r.Register(primary)
	r.Register(backup)

	r.Want("c1", []uint32{10}, models.ModeLTP)
	r.reconcile()
	if _, held := primary.held[10]; !held {
		t.Fatal("setup: token not on primary")
	}

	(*step)()
	primary.ready = false
	r.reconcile()
	if _, held := backup.held[10]; !held {
		t.Error("token not reassigned to the backup account")
	}
}

func TestReconcileEvictsLeastRecentlyTickedWhenSaturated(t *testing.T) {
	r, step := newTestReconciler(2)
	s := newFakeSession("acct-a", 1)
	r.Register(s)

	r.Want("c1", []uint32{10, 20}, models.ModeLTP)
	r.reconcile()
	if len(s.held) != 2 {
		t.Fatalf("setup: held %d tokens, want 2", len(s.held))
	}

	// token 20 ticks, token 10 stays cold and becomes the victim
	(*step)()
	r.ObserveTick(20)

	(*step)()
	r.Want("c1", []uint32{30}, models.ModeLTP)
	r.reconcile()

	if _, held := s.held[10]; held {
		t.Error("cold token 10 survived saturation")
	}
	if _, held := s.held[30]; !held {
		t.Error("new token 30 not admitted")
	}
	if _, held := s.held[20]; !held {
		t.Error("recently ticked token 20 was evicted")
	}
}

func TestReconcileDropsExpiredInstruments(t *testing.T) {
	r, step := newTestReconciler(100)
	s := newFakeSession("acct-a", 1)
	r.Register(s)

	expired := map[uint32]bool{}
	r.SetInstrumentFilter(func(token uint32) bool { return !expired[token] })

	r.Want("c1", []uint32{10, 20}, models.ModeLTP)
	r.reconcile()
	if len(s.held) != 2 {
		t.Fatalf("setup: held %d tokens, want 2", len(s.held))
	}

	// token 10 expires mid-session while the owner still wants it
	(*step)()
	expired[10] = true
	r.reconcile()

	if _, held := s.held[10]; held {
		t.Error("expired token 10 still subscribed")
	}
	if _, held := s.held[20]; !held {
		t.Error("active token 20 dropped")
	}

	// a filtered token never reaches a new account either
	(*step)()
	r.Want("c2", []uint32{10}, models.ModeFull)
	r.reconcile()
	if _, held := s.held[10]; held {
		t.Error("expired token resubscribed on fresh demand")
	}
}

func TestReconcileThrottlesPerAccount(t *testing.T) {
	r, _ := newTestReconciler(100)
	s := newFakeSession("acct-a", 1)
	r.Register(s)

	r.Want("c1", []uint32{10}, models.ModeLTP)
	r.reconcile()
	applies := s.applies

	// within the throttle window a new demand does not produce an RPC
	r.Want("c1", []uint32{20}, models.ModeLTP)
	r.reconcile()
	if s.applies != applies {
		t.Error("apply issued inside the per-account throttle window")
	}
}

func TestReconcileBacksOffAfterApplyFailure(t *testing.T) {
	r, step := newTestReconciler(100)
	s := newFakeSession("acct-a", 1)
	s.applyErr = errors.New("ws write failed")
	r.Register(s)

	r.Want("c1", []uint32{10}, models.ModeLTP)
	r.reconcile()
	if s.applies != 1 {
		t.Fatalf("applies = %d, want 1", s.applies)
	}

	// immediately after the failure the account is in retry backoff
	(*step)()
	r.reconcile()
	if s.applies != 1 {
		t.Errorf("applies = %d during backoff, want 1", s.applies)
	}

	// once the backoff elapses and the error clears, the apply succeeds
	s.applyErr = nil
	for i := 0; i < 10; i++ {
		(*step)()
	}
	r.reconcile()
	if _, held := s.held[10]; !held {
		t.Error("token not subscribed after recovery")
	}
}
