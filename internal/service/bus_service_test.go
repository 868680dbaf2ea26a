package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
)

func newTestBus(queue int) *TickBus {
	m, _ := metrics.NewRegistry()
	return NewTickBus(queue, m)
}

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := newTestBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	all := bus.Subscribe("all", nil)
	odd := bus.Subscribe("odd", func(tk models.Tick) bool { return tk.Token%2 == 1 })

	for token := uint32(1); token <= 4; token++ {
		if !bus.Publish(models.Tick{Token: token, LastPrice: float64(token)}) {
			t.Fatalf("publish token %d rejected", token)
		}
	}

	if got := collectTicks(t, all, 4); len(got) != 4 {
		t.Errorf("all subscriber got %d ticks, want 4", len(got))
	}
	oddTicks := collectTicks(t, odd, 2)
	for _, tk := range oddTicks {
		if tk.Token%2 != 1 {
			t.Errorf("odd subscriber received token %d", tk.Token)
		}
	}
}

func TestBusPreservesPerTokenOrder(t *testing.T) {
	bus := newTestBus(128)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe("order", func(tk models.Tick) bool { return tk.Token == 77 })
	for ts := int64(1); ts <= 50; ts++ {
		bus.Publish(models.Tick{Token: 77, Timestamp: ts})
	}

	got := collectTicks(t, sub, 50)
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Fatalf("out of order at %d: %d after %d", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}

func TestBusDropsOldestOnSlowSubscriber(t *testing.T) {
	bus := newTestBus(4)
	sub := bus.Subscribe("slow", nil)

	// dispatch synchronously so the queue saturates deterministically
	for ts := int64(1); ts <= 10; ts++ {
		bus.dispatch(models.Tick{Token: 1, Timestamp: ts})
	}

	got := make([]models.Tick, 0, 4)
	for len(got) < 4 {
		select {
		case tk := <-sub.C():
			got = append(got, tk)
		default:
			t.Fatalf("only %d ticks queued, want 4", len(got))
		}
	}
	// the four newest survive; the oldest six were evicted
	if got[0].Timestamp != 7 || got[3].Timestamp != 10 {
		t.Errorf("survivors span [%d..%d], want [7..10]", got[0].Timestamp, got[3].Timestamp)
	}
}

func TestBusCountsOneDeliveryPerSubscriber(t *testing.T) {
	m, _ := metrics.NewRegistry()
	bus := NewTickBus(16, m)

	bus.Subscribe("first", nil)
	bus.Subscribe("second", nil)
	bus.Subscribe("none", func(tk models.Tick) bool { return false })

	// dispatch synchronously so the counter settles before the assert
	for ts := int64(1); ts <= 3; ts++ {
		bus.dispatch(models.Tick{Token: 1, Timestamp: ts})
	}

	// 3 ticks reaching 2 matching subscribers is 6 deliveries
	if got := testutil.ToFloat64(m.TicksPublished); got != 6 {
		t.Errorf("ticks published = %v, want 6", got)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := newTestBus(4)
	sub := bus.Subscribe("gone", nil)
	bus.Unsubscribe(sub)

	if _, open := <-sub.C(); open {
		t.Error("channel still open after unsubscribe")
	}
	// dispatch after detach must not panic or deliver
	bus.dispatch(models.Tick{Token: 5})
}

func TestBusShutdownClosesSubscribers(t *testing.T) {
	bus := newTestBus(4)
	sub := bus.Subscribe("s", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop after cancel")
	}
	select {
	case _, open := <-sub.C():
		if open {
			t.Error("expected closed channel after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func collectTicks(t *testing.T, sub *Subscription, n int) []models.Tick {
	t.Helper()
	got := make([]models.Tick, 0, n)
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case tk := <-sub.C():
			got = append(got, tk)
		case <-timeout:
			t.Fatalf("collected %d of %d ticks before timeout", len(got), n)
		}
	}
	return got
}
