// Package service contains the service layer for the Tradecore API
package service

import (
	"container/list"
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/pkg/blackscholes"
)

const (
	spotStaleAfter   = 5 * time.Second
	greeksWorkerCap  = 8
	greeksWorkerChan = 2048
	spotQuantum      = 0.5
)

// Options settle at 15:30 IST on the expiry date.
const (
	expiryHour   = 15
	expiryMinute = 30
)

type spotObs struct {
	price float64
	at    time.Time
}

// greeksKey quantizes the pricing inputs so repeated ticks at the same
// effective inputs hit the cache instead of re-running the IV search
type greeksKey struct {
	token   uint32
	priceQ  int64
	spotQ   int64
	minutes int64
}

// GreeksService enriches option ticks with implied volatility and the
// first-order Greeks. Work is sharded across a fixed worker pool with
// each token pinned to one worker, so per-token ordering survives the
// enrichment stage.
type GreeksService struct {
	instruments *InstrumentService
	rate        float64
	metrics     *metrics.Registry
	publish     func(models.Tick)

	workers []chan models.Tick
	done    chan struct{}
	wg      sync.WaitGroup

	spotMu sync.RWMutex
	spots  map[uint32]spotObs

	cache *greeksCache

	now func() time.Time
}

// NewGreeksService creates the enrichment stage. publish receives every
// tick after enrichment, options and non-options alike.
func NewGreeksService(instruments *InstrumentService, rate float64, cacheSize int, m *metrics.Registry, publish func(models.Tick)) *GreeksService {
	n := runtime.NumCPU()
	if n > greeksWorkerCap {
		n = greeksWorkerCap
	}
	if n < 1 {
		n = 1
	}
	workers := make([]chan models.Tick, n)
	for i := range workers {
		workers[i] = make(chan models.Tick, greeksWorkerChan)
	}
	return &GreeksService{
		instruments: instruments,
		rate:        rate,
		metrics:     m,
		publish:     publish,
		workers:     workers,
		done:        make(chan struct{}),
		spots:       make(map[uint32]spotObs),
		cache:       newGreeksCache(cacheSize),
		now:         time.Now,
	}
}

// SetClock overrides the clock, used in tests
func (s *GreeksService) SetClock(now func() time.Time) { s.now = now }

// Run starts the worker pool and blocks until the context is cancelled
// and every worker has drained its queue. The worker channels are never
// closed: submitters may still be mid-send during shutdown, so workers
// exit on the done signal after a final drain instead.
func (s *GreeksService) Run(ctx context.Context) error {
	for i := range s.workers {
		s.wg.Add(1)
		go s.worker(s.workers[i])
	}
	<-ctx.Done()
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *GreeksService) worker(in chan models.Tick) {
	defer s.wg.Done()
	for {
		select {
		case tick := <-in:
			s.enrichOption(&tick)
			s.publish(tick)
		case <-s.done:
			for {
				select {
				case tick := <-in:
					s.enrichOption(&tick)
					s.publish(tick)
				default:
					return
				}
			}
		}
	}
}

// Submit routes one tick through the enrichment stage. Non-option ticks
// pass straight through; option ticks go to the worker pinned to their
// token. Submit never blocks the caller: a saturated worker drops the
// tick rather than stalling the upstream read loop, and dropping keeps
// per-token order intact where publishing unenriched would not.
func (s *GreeksService) Submit(tick models.Tick) {
	s.observeSpot(tick)

	inst, ok := s.instruments.Lookup(tick.Token)
	if !ok || !inst.IsOption() {
		s.publish(tick)
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.workers[int(tick.Token)%len(s.workers)] <- tick:
	default:
		s.metrics.TicksDroppedBusFull.Inc()
	}
}

// observeSpot records the latest price for any token; underlying
// lookups read from this map
func (s *GreeksService) observeSpot(tick models.Tick) {
	s.spotMu.Lock()
	s.spots[tick.Token] = spotObs{price: tick.LastPrice, at: s.now()}
	s.spotMu.Unlock()
}

func (s *GreeksService) spotFor(token uint32) (spotObs, bool) {
	s.spotMu.RLock()
	obs, ok := s.spots[token]
	s.spotMu.RUnlock()
	return obs, ok
}

func (s *GreeksService) enrichOption(tick *models.Tick) {
	inst, ok := s.instruments.Lookup(tick.Token)
	if !ok {
		return
	}
	spotToken, ok := s.instruments.UnderlyingToken(tick.Token)
	if !ok {
		tick.GreeksStale = true
		s.metrics.GreeksStaleSpot.Inc()
		return
	}
	obs, ok := s.spotFor(spotToken)
	if !ok || s.now().Sub(obs.at) > spotStaleAfter {
		tick.GreeksStale = true
		s.metrics.GreeksStaleSpot.Inc()
		return
	}

	tte := s.timeToExpiry(inst)
	if tte <= 0 {
		return
	}

	key := s.cacheKey(tick.Token, inst.TickSize, tick.LastPrice, obs.price, tte)
	if g, hit := s.cache.get(key); hit {
		s.metrics.GreeksCacheHits.Inc()
		tick.Greeks = g
		return
	}

	typ := blackscholes.Call
	if inst.InstrumentType == "PE" {
		typ = blackscholes.Put
	}
	iv, ok := blackscholes.ImpliedVol(typ, tick.LastPrice, obs.price, inst.Strike, s.rate, tte)
	if !ok {
		s.metrics.GreeksNoConverge.Inc()
		return
	}
	bg := blackscholes.ComputeGreeks(typ, obs.price, inst.Strike, s.rate, iv, tte)
	g := &models.Greeks{IV: iv, Delta: bg.Delta, Gamma: bg.Gamma, Theta: bg.Theta, Vega: bg.Vega}
	s.cache.put(key, g)
	s.metrics.GreeksComputed.Inc()
	tick.Greeks = g
}

func (s *GreeksService) cacheKey(token uint32, tickSize, price, spot, tte float64) greeksKey {
	if tickSize <= 0 {
		tickSize = 0.05
	}
	return greeksKey{
		token:   token,
		priceQ:  int64(math.Floor(price / tickSize)),
		spotQ:   int64(math.Floor(spot / spotQuantum)),
		minutes: int64(math.Floor(tte * 365 * 24 * 60)),
	}
}

// timeToExpiry returns the remaining lifetime in years, measured to the
// 15:30 IST settlement on the expiry date
func (s *GreeksService) timeToExpiry(inst models.InstrumentModel) float64 {
	expiry := inst.ExpiryTime()
	if expiry.IsZero() {
		return 0
	}
	settle := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), expiryHour, expiryMinute, 0, 0, istLocation)
	remaining := settle.Sub(s.now())
	if remaining <= 0 {
		return 0
	}
	return remaining.Hours() / (24 * 365)
}

// greeksCache is a fixed-capacity LRU from quantized pricing inputs to
// computed Greeks
type greeksCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[greeksKey]*list.Element
}

type greeksCacheEntry struct {
	key greeksKey
	val *models.Greeks
}

func newGreeksCache(capacity int) *greeksCache {
	if capacity <= 0 {
		capacity = 50000
	}
	return &greeksCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[greeksKey]*list.Element, capacity),
	}
}

func (c *greeksCache) get(key greeksKey) (*models.Greeks, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*greeksCacheEntry).val, true
}

func (c *greeksCache) put(key greeksKey, val *models.Greeks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*greeksCacheEntry).val = val
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&greeksCacheEntry{key: key, val: val})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*greeksCacheEntry).key)
	}
}
