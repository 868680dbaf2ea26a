// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
)

const (
	mockTickInterval = time.Second
	mockWalkStep     = 0.002 // max fractional move per step
	mockSpreadFrac   = 0.0005
)

// mockWalk is the synthetic price state for one token. The generator is
// seeded from (token, UTC day) so a restart replays the same walk.
type mockWalk struct {
	rng   *rand.Rand
	price float64
	open  float64
	high  float64
	low   float64
	vol   uint32
}

// MockTicker synthesizes ticks for subscribed tokens when an account
// runs in MOCK mode. Output carries Source=mock and flows through the
// same pipeline as live data.
type MockTicker struct {
	accountID   string
	instruments *InstrumentService
	submit      func(models.Tick)

	mu    sync.Mutex
	subs  map[uint32]string // token -> mode
	walks map[uint32]*mockWalk

	interval time.Duration
	now      func() time.Time
}

// NewMockTicker creates a mock ticker for one account
func NewMockTicker(accountID string, instruments *InstrumentService, submit func(models.Tick)) *MockTicker {
	return &MockTicker{
		accountID:   accountID,
		instruments: instruments,
		submit:      submit,
		subs:        make(map[uint32]string),
		walks:       make(map[uint32]*mockWalk),
		interval:    mockTickInterval,
		now:         time.Now,
	}
}

// Subscribe adds tokens at the given mode; already-subscribed tokens
// move to the new mode without resetting their walk
func (t *MockTicker) Subscribe(tokens []uint32, mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, token := range tokens {
		t.subs[token] = mode
	}
}

// Unsubscribe removes tokens; their walk state is discarded
func (t *MockTicker) Unsubscribe(tokens []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, token := range tokens {
		delete(t.subs, token)
		delete(t.walks, token)
	}
}

// Subscriptions returns the current token set, for the reconciler's
// convergence check
func (t *MockTicker) Subscriptions() map[uint32]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32]string, len(t.subs))
	for token, mode := range t.subs {
		out[token] = mode
	}
	return out
}

// Run emits one tick per subscribed token each interval until cancelled
func (t *MockTicker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.emitAll()
		}
	}
}

func (t *MockTicker) emitAll() {
	t.mu.Lock()
	ticks := make([]models.Tick, 0, len(t.subs))
	for token, mode := range t.subs {
		ticks = append(ticks, t.nextTick(token, mode))
	}
	t.mu.Unlock()
	for _, tick := range ticks {
		t.submit(tick)
	}
}

// nextTick advances the walk one step and renders a tick at the
// subscribed mode. Caller holds the mutex.
func (t *MockTicker) nextTick(token uint32, mode string) models.Tick {
	walk, ok := t.walks[token]
	if !ok {
		walk = t.newWalk(token)
		t.walks[token] = walk
	}

	move := (walk.rng.Float64()*2 - 1) * mockWalkStep
	walk.price *= 1 + move
	if walk.price > walk.high {
		walk.high = walk.price
	}
	if walk.price < walk.low {
		walk.low = walk.price
	}
	qty := uint32(walk.rng.Intn(500) + 1)
	walk.vol += qty

	tick := models.Tick{
		Token:     token,
		AccountID: t.accountID,
		Source:    models.SourceMock,
		Mode:      mode,
		Timestamp: t.now().UnixMicro(),
		LastPrice: round2(walk.price),
	}
	if models.ModeRank(mode) >= models.ModeRank(models.ModeQuote) {
		spread := walk.price * mockSpreadFrac
		tick.Volume = walk.vol
		tick.BidPrice = round2(walk.price - spread)
		tick.AskPrice = round2(walk.price + spread)
		tick.BidQty = uint32(walk.rng.Intn(2000) + 50)
		tick.AskQty = uint32(walk.rng.Intn(2000) + 50)
		tick.Open = round2(walk.open)
		tick.High = round2(walk.high)
		tick.Low = round2(walk.low)
	}
	if mode == models.ModeFull {
		tick.LastQty = qty
		tick.AvgPrice = round2((walk.open + walk.price) / 2)
		tick.Close = round2(walk.open)
		tick.Depth = make([]models.DepthLevel, 10)
		for i := 0; i < 5; i++ {
			step := walk.price * mockSpreadFrac * float64(i+1)
			tick.Depth[i] = models.DepthLevel{
				Price:  round2(walk.price - step),
				Qty:    uint32(walk.rng.Intn(2000) + 50),
				Orders: uint16(walk.rng.Intn(20) + 1),
			}
			tick.Depth[i+5] = models.DepthLevel{
				Price:  round2(walk.price + step),
				Qty:    uint32(walk.rng.Intn(2000) + 50),
				Orders: uint16(walk.rng.Intn(20) + 1),
			}
		}
	}
	return tick
}

func (t *MockTicker) newWalk(token uint32) *mockWalk {
	seed := mockSeed(token, t.now().UTC().Format("2006-01-02"))
	rng := rand.New(rand.NewSource(seed))

	base := 0.0
	if t.instruments != nil {
		if inst, ok := t.instruments.Lookup(token); ok && inst.LastPrice > 0 {
			base = inst.LastPrice
		}
	}
	if base == 0 {
		base = 100 + float64(seed%90000)/10
	}
	return &mockWalk{rng: rng, price: base, open: base, high: base, low: base}
}

// mockSeed derives a stable seed from the token and the UTC day
func mockSeed(token uint32, day string) int64 {
	h := fnv.New64a()
	h.Write([]byte(day))
	h.Write([]byte{byte(token), byte(token >> 8), byte(token >> 16), byte(token >> 24)})
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
