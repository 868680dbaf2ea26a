// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"sync"
	"time"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

const (
	busInputQueue     = 8192
	busDrainTimeout   = 500 * time.Millisecond
	dropLogThrottle   = 10 * time.Second
	defaultSubscriber = 1024
)

// TickPredicate selects which ticks a subscriber receives. A nil
// predicate receives everything.
type TickPredicate func(models.Tick) bool

// Subscription is one reader attached to the bus. Its queue is bounded;
// when the reader falls behind the oldest queued tick is evicted so the
// newest data always gets through.
type Subscription struct {
	name string
	pred TickPredicate
	ch   chan models.Tick

	mu          sync.Mutex
	closed      bool
	lastDropLog time.Time
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the bus shuts down.
func (s *Subscription) C() <-chan models.Tick { return s.ch }

// TickBus fans ticks from the pipeline out to subscribers. A single
// dispatcher goroutine preserves per-token ordering; delivery to each
// subscriber never blocks the dispatcher.
type TickBus struct {
	in        chan models.Tick
	queueSize int
	metrics   *metrics.Registry

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	done chan struct{}
}

// NewTickBus creates the bus. queueSize bounds each subscriber queue;
// zero selects the default.
func NewTickBus(queueSize int, m *metrics.Registry) *TickBus {
	if queueSize <= 0 {
		queueSize = defaultSubscriber
	}
	return &TickBus{
		in:        make(chan models.Tick, busInputQueue),
		queueSize: queueSize,
		metrics:   m,
		subs:      make(map[*Subscription]struct{}),
		done:      make(chan struct{}),
	}
}

// Publish offers a tick to the bus without blocking. Returns false when
// the input queue is full and the tick was dropped.
func (b *TickBus) Publish(tick models.Tick) bool {
	select {
	case b.in <- tick:
		return true
	default:
		b.metrics.TicksDroppedBusFull.Inc()
		return false
	}
}

// Subscribe attaches a reader. Pass a nil predicate to receive all
// ticks. The name keys the drop metric.
func (b *TickBus) Subscribe(name string, pred TickPredicate) *Subscription {
	sub := &Subscription{
		name: name,
		pred: pred,
		ch:   make(chan models.Tick, b.queueSize),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches a reader and closes its channel
func (b *TickBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, attached := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if attached {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Run dispatches until the context is cancelled, then drains whatever
// the input queue still holds, bounded by the drain timeout
func (b *TickBus) Run(ctx context.Context) error {
	defer b.closeAll()
	for {
		select {
		case tick := <-b.in:
			b.dispatch(tick)
		case <-ctx.Done():
			return b.drain()
		}
	}
}

func (b *TickBus) drain() error {
	deadline := time.NewTimer(busDrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case tick := <-b.in:
			b.dispatch(tick)
		case <-deadline.C:
			return nil
		default:
			return nil
		}
	}
}

func (b *TickBus) dispatch(tick models.Tick) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.pred != nil && !sub.pred(tick) {
			continue
		}
		b.deliver(sub, tick)
	}
}

// deliver enqueues one tick, evicting the oldest queued tick when the
// subscriber is saturated. The published counter counts deliveries, one
// per subscriber per tick, not dispatched ticks.
func (b *TickBus) deliver(sub *Subscription, tick models.Tick) {
	for {
		select {
		case sub.ch <- tick:
			b.metrics.TicksPublished.Inc()
			return
		default:
		}
		select {
		case <-sub.ch:
			b.metrics.SubscriberDropOldest.WithLabelValues(sub.name).Inc()
			sub.mu.Lock()
			if time.Since(sub.lastDropLog) > dropLogThrottle {
				sub.lastDropLog = time.Now()
				sub.mu.Unlock()
				zaplogger.Warn("slow subscriber, dropping oldest ticks", zaplogger.Fields{
					"subscriber": sub.name,
				})
			} else {
				sub.mu.Unlock()
			}
		default:
			// reader raced us and made room; retry the send
		}
	}
}

func (b *TickBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
		delete(b.subs, sub)
	}
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
