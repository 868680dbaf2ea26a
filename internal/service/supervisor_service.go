// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

const (
	modePollPeriod = 15 * time.Second
	// no ticks for this long during market hours flips health to critical
	tickSilenceCritical = 60 * time.Second
)

// HealthStatus is the aggregate service condition
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// AccountHealth is one account's slice of the health snapshot
type AccountHealth struct {
	AccountID  string             `json:"account_id"`
	State      SessionState       `json:"state"`
	Mode       models.AccountMode `json:"mode"`
	LastTickAt *time.Time         `json:"last_tick_at,omitempty"`
}

// Health is the snapshot served by the health endpoint
type Health struct {
	Status         HealthStatus    `json:"status"`
	Accounts       []AccountHealth `json:"accounts"`
	AssignedTokens int             `json:"assigned_tokens"`
	Instruments    int             `json:"instruments"`
	RegistryAgeS   float64         `json:"registry_age_s"`
}

// accountRuntime couples one configured account with its orchestrator
type accountRuntime struct {
	policy       string
	orchestrator *SessionOrchestrator
}

// Supervisor owns the long-running components and their lifecycle. Run
// starts everything under one errgroup; cancelling the context shuts
// the whole engine down, draining in-flight work briefly.
type Supervisor struct {
	bus         *TickBus
	greeks      *GreeksService
	reconciler  *Reconciler
	executor    *OrderExecutor
	refresher   *TokenRefresher
	modes       *ModeService
	publisher   *PublishService
	crons       *CronService
	instruments *InstrumentService

	calendarCode string
	accounts     []accountRuntime
	registry     *AccountService
}

// NewSupervisor assembles the engine from its components
func NewSupervisor(bus *TickBus, greeks *GreeksService, reconciler *Reconciler, executor *OrderExecutor, refresher *TokenRefresher, modes *ModeService, publisher *PublishService, crons *CronService, instruments *InstrumentService, calendarCode string) *Supervisor {
	return &Supervisor{
		bus:          bus,
		greeks:       greeks,
		reconciler:   reconciler,
		executor:     executor,
		refresher:    refresher,
		modes:        modes,
		publisher:    publisher,
		crons:        crons,
		instruments:  instruments,
		calendarCode: calendarCode,
	}
}

// SetAccountRegistry attaches the durable account registry; when set,
// operator policy overrides take precedence over the configured policy
func (s *Supervisor) SetAccountRegistry(registry *AccountService) {
	s.registry = registry
}

// AddAccount registers one account's orchestrator under its policy
func (s *Supervisor) AddAccount(policy string, orchestrator *SessionOrchestrator) {
	s.accounts = append(s.accounts, accountRuntime{policy: policy, orchestrator: orchestrator})
	s.reconciler.Register(orchestrator)
}

// Run starts every component and blocks until the context is cancelled
// or a component fails fatally
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.instruments.LoadSnapshot(); err != nil {
		zaplogger.Warn("initial registry snapshot unavailable", zaplogger.Fields{
			"error": err.Error(),
		})
	}
	s.crons.Start()
	defer s.crons.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(s.bus.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.greeks.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.reconciler.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.executor.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.refresher.Run(gctx)) })
	if s.publisher != nil {
		g.Go(func() error { return ignoreCancel(s.publisher.RelayOrderEvents(gctx)) })
		g.Go(func() error { return ignoreCancel(s.publisher.MirrorLastTicks(gctx)) })
	}
	for _, a := range s.accounts {
		orch := a.orchestrator
		g.Go(func() error { return ignoreCancel(orch.Run(gctx)) })
	}
	g.Go(func() error { return ignoreCancel(s.modeLoop(gctx)) })

	err := g.Wait()
	zaplogger.Info("engine stopped", zaplogger.Fields{})
	return err
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// modeLoop periodically re-evaluates each account's runtime mode and
// pushes changes to its orchestrator. The first pass seeds the initial
// mode; orchestrators start OFF until told otherwise.
func (s *Supervisor) modeLoop(ctx context.Context) error {
	s.publishModes(ctx)
	ticker := time.NewTicker(modePollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.publishModes(ctx)
		}
	}
}

func (s *Supervisor) publishModes(ctx context.Context) {
	for _, a := range s.accounts {
		policy := a.policy
		if s.registry != nil {
			policy = s.registry.PolicyFor(a.orchestrator.AccountID(), a.policy)
		}
		mode := s.modes.ModeFor(ctx, policy, s.calendarCode)
		if mode != a.orchestrator.Mode() {
			a.orchestrator.ModeUpdates().Publish(mode)
		}
	}
}

// Snapshot builds the health view
func (s *Supervisor) Snapshot(ctx context.Context) Health {
	now := time.Now()
	h := Health{
		Status:         HealthOK,
		AssignedTokens: s.reconciler.AssignedCount(),
		Instruments:    s.instruments.SnapshotSize(),
		RegistryAgeS:   s.instruments.SnapshotAge().Seconds(),
	}

	marketOpen := s.modes.ModeFor(ctx, models.PolicyAuto, s.calendarCode) == models.ModeLive

	anyServing := false
	anyRecentTick := false
	for _, a := range s.accounts {
		orch := a.orchestrator
		ah := AccountHealth{
			AccountID: orch.AccountID(),
			State:     orch.State(),
			Mode:      orch.Mode(),
		}
		if at := orch.LastTickAt(); !at.IsZero() {
			ah.LastTickAt = &at
			if now.Sub(at) < tickSilenceCritical {
				anyRecentTick = true
			}
		}
		if ah.State == StateSubscribed {
			anyServing = true
		}
		if ah.State == StateRetryBackoff || ah.State == StateInvalidToken {
			h.Status = HealthDegraded
		}
		h.Accounts = append(h.Accounts, ah)
	}

	if marketOpen && len(s.accounts) > 0 {
		if !anyServing {
			h.Status = HealthCritical
		} else if h.AssignedTokens > 0 && !anyRecentTick {
			h.Status = HealthCritical
		}
	}
	return h
}

// Reconciler exposes the reconciler for the stream surface
func (s *Supervisor) Reconciler() *Reconciler { return s.reconciler }

// Bus exposes the tick bus for the stream surface
func (s *Supervisor) Bus() *TickBus { return s.bus }
