// Package breaker implements a failure-counting circuit breaker shared
// by the order executor. closed admits all calls; open fails fast;
// half-open admits exactly one probe.
package breaker

import (
	"sync"
	"time"
)

// State of the breaker
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Config tunes the trip conditions
type Config struct {
	ConsecutiveFailures int           // trip after N consecutive failures
	WindowSize          int           // rolling window for the rate check
	FailureRate         float64       // trip when failures/window exceeds this
	OpenDuration        time.Duration // time spent open before probing
}

// DefaultConfig matches the order executor defaults
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures: 5,
		WindowSize:          20,
		FailureRate:         0.5,
		OpenDuration:        30 * time.Second,
	}
}

// Breaker is safe for concurrent use
type Breaker struct {
	mu sync.Mutex

	cfg   Config
	state State

	consecutive int
	window      []bool // true = failure, ring of last WindowSize results
	windowPos   int
	windowFill  int

	openedAt time.Time
	probing  bool

	now func() time.Time // overridable for tests
}

// New creates a breaker in the closed state
func New(cfg Config) *Breaker {
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	return &Breaker{
		cfg:    cfg,
		state:  Closed,
		window: make([]bool, cfg.WindowSize),
		now:    time.Now,
	}
}

// SetClock overrides the breaker clock, used in tests
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// State returns the current state, applying the open->half-open timer
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = HalfOpen
		b.probing = false
	}
	return b.state
}

// Allow reports whether a call may proceed. In half-open only the first
// caller gets through as the probe; everyone else is rejected until the
// probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// Success records a successful call
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked() == HalfOpen {
		b.reset()
		return
	}
	b.consecutive = 0
	b.record(false)
}

// Failure records a failed call, tripping the breaker when the
// consecutive count or the windowed rate is exceeded
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked() == HalfOpen {
		// probe failed, back to open with a fresh timer
		b.state = Open
		b.openedAt = b.now()
		b.probing = false
		return
	}

	b.consecutive++
	b.record(true)

	if b.consecutive >= b.cfg.ConsecutiveFailures || b.failureRate() > b.cfg.FailureRate {
		b.state = Open
		b.openedAt = b.now()
	}
}

func (b *Breaker) record(failure bool) {
	b.window[b.windowPos] = failure
	b.windowPos = (b.windowPos + 1) % b.cfg.WindowSize
	if b.windowFill < b.cfg.WindowSize {
		b.windowFill++
	}
}

func (b *Breaker) failureRate() float64 {
	if b.windowFill < b.cfg.WindowSize {
		// rate check only applies on a full window
		return 0
	}
	failures := 0
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(b.windowFill)
}

func (b *Breaker) reset() {
	b.state = Closed
	b.consecutive = 0
	b.probing = false
	b.windowPos = 0
	b.windowFill = 0
	for i := range b.window {
		b.window[i] = false
	}
}
