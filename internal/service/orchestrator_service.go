// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/upstream"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

// SessionState is the orchestrator's lifecycle position
type SessionState string

const (
	StateDisconnected   SessionState = "DISCONNECTED"
	StateConnecting     SessionState = "CONNECTING"
	StateAuthenticating SessionState = "AUTHENTICATING"
	StateSubscribed     SessionState = "SUBSCRIBED"
	StateRetryBackoff   SessionState = "RETRY_BACKOFF"
	StateInvalidToken   SessionState = "INVALID_TOKEN"
	StateOff            SessionState = "OFF"
)

var sessionStateGauge = map[SessionState]float64{
	StateDisconnected:   0,
	StateConnecting:     1,
	StateAuthenticating: 2,
	StateSubscribed:     3,
	StateRetryBackoff:   4,
	StateInvalidToken:   5,
	StateOff:            6,
}

const (
	backoffMin    = time.Second
	backoffMax    = 60 * time.Second
	backoffJitter = 0.2

	// three token rejections inside this window disable the account
	authFailWindow = 10 * time.Minute
	authFailLimit  = 3
)

// TokenProvider hands out the current access token for an account and
// can be asked for a synchronous refresh after an upstream rejection.
type TokenProvider interface {
	Token(accountID string) *models.TokenState
	RefreshNow(ctx context.Context, accountID string) (*models.TokenState, error)
}

// SessionOrchestrator owns one account's upstream lifecycle: connect,
// authenticate, subscribe, and recover. In MOCK mode it runs the
// synthetic ticker instead of the socket; the subscription surface is
// identical either way.
type SessionOrchestrator struct {
	accountID string
	priority  int
	wsURL     string

	tokens      TokenProvider
	modeUpdates *ModeUpdates
	mock        *MockTicker
	metrics     *metrics.Registry
	reconciler  *Reconciler
	submit      func(models.Tick)

	mu       sync.Mutex
	state    SessionState
	mode     models.AccountMode
	desired  map[uint32]string // token -> mode, survives reconnects
	acked    map[uint32]string // token -> mode the upstream has confirmed
	client   *upstream.Client
	authFail []time.Time

	lastTick atomicTime
}

// atomicTime is a mutex-free last-tick timestamp for the health view
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) { a.mu.Lock(); a.t = t; a.mu.Unlock() }
func (a *atomicTime) get() time.Time  { a.mu.Lock(); defer a.mu.Unlock(); return a.t }

// NewSessionOrchestrator creates the orchestrator for one account.
// submit receives every parsed tick, live and mock alike.
func NewSessionOrchestrator(accountID string, priority int, wsURL string, tokens TokenProvider, instruments *InstrumentService, reconciler *Reconciler, m *metrics.Registry, submit func(models.Tick)) *SessionOrchestrator {
	o := &SessionOrchestrator{
		accountID:   accountID,
		priority:    priority,
		wsURL:       wsURL,
		tokens:      tokens,
		modeUpdates: NewModeUpdates(),
		metrics:     m,
		reconciler:  reconciler,
		submit:      submit,
		state:       StateDisconnected,
		mode:        models.ModeOff,
		desired:     make(map[uint32]string),
		acked:       make(map[uint32]string),
	}
	o.mock = NewMockTicker(accountID, instruments, submit)
	return o
}

// AccountID implements SessionControl
func (o *SessionOrchestrator) AccountID() string { return o.accountID }

// Priority implements SessionControl
func (o *SessionOrchestrator) Priority() int { return o.priority }

// Ready implements SessionControl: the session accepts subscription
// changes only while subscribed
func (o *SessionOrchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateSubscribed
}

// State returns the current lifecycle state
func (o *SessionOrchestrator) State() SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Mode returns the runtime mode the orchestrator is currently serving
func (o *SessionOrchestrator) Mode() models.AccountMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// LastTickAt returns when the last tick arrived, zero if never
func (o *SessionOrchestrator) LastTickAt() time.Time { return o.lastTick.get() }

// ModeUpdates exposes the inbound mode channel for the mode manager
func (o *SessionOrchestrator) ModeUpdates() *ModeUpdates { return o.modeUpdates }

func (o *SessionOrchestrator) setState(s SessionState) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.metrics.SessionState.WithLabelValues(o.accountID).Set(sessionStateGauge[s])
	if prev != s {
		zaplogger.Info("session state change", zaplogger.Fields{
			"account": o.accountID,
			"from":    string(prev),
			"to":      string(s),
		})
		if prev == StateSubscribed || s == StateSubscribed {
			o.reconciler.Kick()
		}
	}
}

// Run drives the state machine until the context is cancelled. Mode
// changes preempt whatever the orchestrator is doing.
func (o *SessionOrchestrator) Run(ctx context.Context) error {
	for {
		o.mu.Lock()
		mode := o.mode
		o.mu.Unlock()

		switch mode {
		case models.ModeOff:
			o.setState(StateOff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case next := <-o.modeUpdates.C():
				o.switchMode(next)
			}
		case models.ModeMock:
			if err := o.runMock(ctx); err != nil {
				return err
			}
		case models.ModeLive:
			if err := o.runLive(ctx); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (o *SessionOrchestrator) switchMode(next models.AccountMode) {
	o.mu.Lock()
	if o.mode == next {
		o.mu.Unlock()
		return
	}
	o.mode = next
	o.mu.Unlock()
	zaplogger.Info("session mode change", zaplogger.Fields{
		"account": o.accountID,
		"mode":    string(next),
	})
}

// runMock serves the synthetic ticker until the mode changes
func (o *SessionOrchestrator) runMock(ctx context.Context) error {
	mockCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	byMode := make(map[string][]uint32)
	for token, mode := range o.desired {
		byMode[mode] = append(byMode[mode], token)
	}
	o.mu.Unlock()
	for mode, tokens := range byMode {
		o.mock.Subscribe(tokens, mode)
		o.ack(tokens, mode)
	}

	o.setState(StateSubscribed)

	done := make(chan struct{})
	go func() {
		o.mock.Run(mockCtx)
		close(done)
	}()

	select {
	case <-ctx.Done():
		<-done
		return ctx.Err()
	case next := <-o.modeUpdates.C():
		cancel()
		<-done
		o.clearAcked()
		o.switchMode(next)
		return nil
	}
}

// runLive runs one connect-serve-recover cycle against the broker
func (o *SessionOrchestrator) runLive(ctx context.Context) error {
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		o.setState(StateAuthenticating)
		token := o.tokens.Token(o.accountID)
		if !token.Valid(time.Now()) {
			fresh, err := o.tokens.RefreshNow(ctx, o.accountID)
			if err != nil || !fresh.Valid(time.Now()) {
				if o.recordAuthFailure() {
					return nil // switched to OFF
				}
				if done := o.sleepBackoff(ctx, &backoff); done {
					return ctx.Err()
				}
				continue
			}
			token = fresh
		}

		o.setState(StateConnecting)
		o.metrics.SessionReconnects.WithLabelValues(o.accountID).Inc()

		client := upstream.NewClient(o.wsURL, token.AccessToken)
		client.OnBinary(o.handleFrame)
		client.OnConnect(func() {
			o.mu.Lock()
			o.client = client
			o.mu.Unlock()
			o.setState(StateSubscribed)
			if err := o.reapplyLocked(client); err != nil {
				zaplogger.Warn("resubscribe after connect failed", zaplogger.Fields{
					"account": o.accountID,
					"error":   err.Error(),
				})
			}
		})

		liveCtx, cancel := context.WithCancel(ctx)
		serveErr := make(chan error, 1)
		go func() { serveErr <- client.Serve(liveCtx) }()

		var err error
		preempted := false
		select {
		case err = <-serveErr:
		case next := <-o.modeUpdates.C():
			cancel()
			<-serveErr
			o.switchMode(next)
			preempted = true
		}
		cancel()

		o.mu.Lock()
		o.client = nil
		o.mu.Unlock()
		o.clearAcked()

		if preempted {
			o.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			o.setState(StateDisconnected)
			return ctx.Err()
		}

		var authErr *upstream.ErrAuthRejected
		if errors.As(err, &authErr) {
			o.setState(StateInvalidToken)
			zaplogger.Warn("upstream rejected access token", zaplogger.Fields{
				"account": o.accountID,
				"code":    authErr.Code,
			})
			if o.recordAuthFailure() {
				return nil
			}
			// force a refresh before the next attempt
			if _, rerr := o.tokens.RefreshNow(ctx, o.accountID); rerr != nil {
				zaplogger.Error("token refresh after rejection failed", zaplogger.Fields{
					"account": o.accountID,
					"error":   rerr.Error(),
				})
			}
		} else if err != nil {
			zaplogger.Warn("upstream connection lost", zaplogger.Fields{
				"account": o.accountID,
				"error":   err.Error(),
			})
		}

		if done := o.sleepBackoff(ctx, &backoff); done {
			return ctx.Err()
		}
	}
}

// recordAuthFailure counts token rejections; past the limit the account
// flips to OFF and stays there until an operator intervenes. Returns
// true when the account was disabled.
func (o *SessionOrchestrator) recordAuthFailure() bool {
	now := time.Now()
	o.mu.Lock()
	kept := o.authFail[:0]
	for _, at := range o.authFail {
		if now.Sub(at) < authFailWindow {
			kept = append(kept, at)
		}
	}
	o.authFail = append(kept, now)
	over := len(o.authFail) >= authFailLimit
	if over {
		o.mode = models.ModeOff
	}
	o.mu.Unlock()

	if over {
		o.setState(StateOff)
		zaplogger.Error("account disabled after repeated token rejections", zaplogger.Fields{
			"account":  o.accountID,
			"failures": authFailLimit,
			"window":   authFailWindow.String(),
		})
	}
	return over
}

// sleepBackoff waits out the retry delay, doubling with jitter toward
// the cap. A mode change during the wait aborts the live loop.
func (o *SessionOrchestrator) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	o.setState(StateRetryBackoff)
	jittered := *backoff + time.Duration((rand.Float64()*2-1)*backoffJitter*float64(*backoff))
	*backoff *= 2
	if *backoff > backoffMax {
		*backoff = backoffMax
	}

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case next := <-o.modeUpdates.C():
		o.switchMode(next)
		o.mu.Lock()
		live := o.mode == models.ModeLive
		o.mu.Unlock()
		return !live
	case <-timer.C:
		return false
	}
}

// handleFrame parses one binary frame and feeds the pipeline
func (o *SessionOrchestrator) handleFrame(frame []byte, received time.Time) {
	packets, err := upstream.SplitFrame(frame)
	if err != nil {
		o.metrics.TickParseErrors.Inc()
		return
	}
	o.lastTick.set(received)

	for _, pkt := range packets {
		tick, err := upstream.ParsePacket(pkt, received)
		if err != nil {
			o.metrics.TickParseErrors.Inc()
			continue
		}
		o.mu.Lock()
		mode, subscribed := o.desired[tick.Token]
		o.mu.Unlock()
		if !subscribed {
			// late packet for a token we already dropped
			o.metrics.TicksUnknownToken.Inc()
			continue
		}
		tick.AccountID = o.accountID
		tick.Source = models.SourceLive
		tick.Mode = mode

		o.reconciler.ObserveTick(tick.Token)
		o.metrics.TickLatency.Observe(time.Since(received).Seconds())
		o.submit(tick)
	}
}

// ApplySubscriptions implements SessionControl. The desired set is
// updated first so a reconnect replays it even if the wire call fails;
// the acked set moves only with confirmed wire writes, so a failed
// apply still shows as divergence and the reconciler retries it.
func (o *SessionOrchestrator) ApplySubscriptions(subscribe map[string][]uint32, unsubscribe []uint32) error {
	o.mu.Lock()
	for mode, tokens := range subscribe {
		for _, token := range tokens {
			o.desired[token] = mode
		}
	}
	for _, token := range unsubscribe {
		delete(o.desired, token)
	}
	mode := o.mode
	client := o.client
	o.mu.Unlock()

	switch mode {
	case models.ModeMock:
		for m, tokens := range subscribe {
			o.mock.Subscribe(tokens, m)
			o.ack(tokens, m)
		}
		o.mock.Unsubscribe(unsubscribe)
		o.unack(unsubscribe)
		return nil
	case models.ModeLive:
		if client == nil {
			return E(KindTransient, "not connected")
		}
		for m, tokens := range subscribe {
			if err := client.Subscribe(tokens); err != nil {
				return Wrap(KindTransient, "subscribe failed", err)
			}
			if err := client.SetMode(m, tokens); err != nil {
				return Wrap(KindTransient, "mode set failed", err)
			}
			o.ack(tokens, m)
		}
		if len(unsubscribe) > 0 {
			if err := client.Unsubscribe(unsubscribe); err != nil {
				return Wrap(KindTransient, "unsubscribe failed", err)
			}
			o.unack(unsubscribe)
		}
		return nil
	default:
		return E(KindTransient, "account is off")
	}
}

func (o *SessionOrchestrator) ack(tokens []uint32, mode string) {
	o.mu.Lock()
	for _, token := range tokens {
		o.acked[token] = mode
	}
	o.mu.Unlock()
}

func (o *SessionOrchestrator) unack(tokens []uint32) {
	o.mu.Lock()
	for _, token := range tokens {
		delete(o.acked, token)
	}
	o.mu.Unlock()
}

func (o *SessionOrchestrator) clearAcked() {
	o.mu.Lock()
	o.acked = make(map[uint32]string)
	o.mu.Unlock()
}

// Subscriptions implements SessionControl: what the upstream has
// actually confirmed, not what we want it to hold
func (o *SessionOrchestrator) Subscriptions() map[uint32]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[uint32]string, len(o.acked))
	for token, mode := range o.acked {
		out[token] = mode
	}
	return out
}

// reapplyLocked replays the full desired set on a fresh connection. A
// new socket holds nothing, so the acked set starts empty and fills per
// confirmed batch.
func (o *SessionOrchestrator) reapplyLocked(client *upstream.Client) error {
	o.clearAcked()
	o.mu.Lock()
	byMode := make(map[string][]uint32)
	for token, mode := range o.desired {
		byMode[mode] = append(byMode[mode], token)
	}
	o.mu.Unlock()

	for mode, tokens := range byMode {
		if err := client.Subscribe(tokens); err != nil {
			return err
		}
		if err := client.SetMode(mode, tokens); err != nil {
			return err
		}
		o.ack(tokens, mode)
	}
	return nil
}
