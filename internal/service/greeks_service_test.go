package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
)

const (
	spotToken   uint32 = 256265
	optionToken uint32 = 12345602
)

func greeksFixture(t *testing.T) (*GreeksService, *[]models.Tick) {
	t.Helper()
	expiry := time.Now().In(istLocation).AddDate(0, 0, 30).Format("2006-01-02")
	rows := []models.InstrumentModel{
		{
			InstrumentToken: spotToken,
			Tradingsymbol:   "NIFTY 50",
			Name:            "NIFTY 50",
			Segment:         "INDICES",
			Exchange:        "NSE",
			Status:          models.InstrumentStatusActive,
		},
		{
			InstrumentToken: optionToken,
			Tradingsymbol:   "NIFTY25JAN23000CE",
			Name:            "NIFTY",
			Strike:          23000,
			Expiry:          expiry,
			TickSize:        0.05,
			InstrumentType:  "CE",
			Segment:         "NFO-OPT",
			Exchange:        "NFO",
			Status:          models.InstrumentStatusActive,
		},
	}
	instruments := NewInstrumentService(nil, nil, "")
	instruments.snapshot.Store(buildSnapshot(rows))

	m, _ := metrics.NewRegistry()
	var published []models.Tick
	svc := NewGreeksService(instruments, 0.065, 100, m, func(tk models.Tick) {
		published = append(published, tk)
	})
	return svc, &published
}

func TestUnderlyingResolutionThroughAlias(t *testing.T) {
	svc, _ := greeksFixture(t)
	got, ok := svc.instruments.UnderlyingToken(optionToken)
	if !ok || got != spotToken {
		t.Fatalf("underlying = %d ok=%v, want %d", got, ok, spotToken)
	}
}

func TestEnrichComputesGreeksWithFreshSpot(t *testing.T) {
	svc, _ := greeksFixture(t)
	now := time.Now()
	svc.SetClock(func() time.Time { return now })

	svc.observeSpot(models.Tick{Token: spotToken, LastPrice: 23100})

	tick := models.Tick{Token: optionToken, LastPrice: 350}
	svc.enrichOption(&tick)

	if tick.GreeksStale {
		t.Fatal("greeks marked stale with a fresh spot")
	}
	if tick.Greeks == nil {
		t.Fatal("greeks not computed")
	}
	if tick.Greeks.IV <= 0 || tick.Greeks.IV > 5 {
		t.Errorf("iv = %f outside bracket", tick.Greeks.IV)
	}
	if tick.Greeks.Delta <= 0 || tick.Greeks.Delta >= 1 {
		t.Errorf("call delta = %f, want (0,1)", tick.Greeks.Delta)
	}
}

func TestEnrichMarksStaleSpot(t *testing.T) {
	svc, _ := greeksFixture(t)
	base := time.Now()
	now := base
	svc.SetClock(func() time.Time { return now })

	svc.observeSpot(models.Tick{Token: spotToken, LastPrice: 23100})
	now = base.Add(6 * time.Second)

	tick := models.Tick{Token: optionToken, LastPrice: 350}
	svc.enrichOption(&tick)

	if !tick.GreeksStale {
		t.Error("expected stale flag after the spot aged past the window")
	}
	if tick.Greeks != nil {
		t.Error("greeks must be nil when the spot is stale")
	}
}

func TestEnrichCacheHitOnRepeatedInputs(t *testing.T) {
	svc, _ := greeksFixture(t)
	now := time.Now()
	svc.SetClock(func() time.Time { return now })
	svc.observeSpot(models.Tick{Token: spotToken, LastPrice: 23100})

	first := models.Tick{Token: optionToken, LastPrice: 350}
	svc.enrichOption(&first)
	second := models.Tick{Token: optionToken, LastPrice: 350}
	svc.enrichOption(&second)

	if first.Greeks == nil || second.Greeks == nil {
		t.Fatal("greeks missing")
	}
	if first.Greeks != second.Greeks {
		t.Error("second identical tick did not reuse the cached value")
	}
}

func TestNonOptionPassesThroughUntouched(t *testing.T) {
	svc, published := greeksFixture(t)
	svc.Submit(models.Tick{Token: spotToken, LastPrice: 23100})

	if len(*published) != 1 {
		t.Fatalf("published %d ticks, want 1", len(*published))
	}
	if (*published)[0].Greeks != nil || (*published)[0].GreeksStale {
		t.Error("non-option tick carried greeks fields")
	}
}

func TestSubmitSafeDuringShutdown(t *testing.T) {
	fixture, _ := greeksFixture(t)
	m, _ := metrics.NewRegistry()
	svc := NewGreeksService(fixture.instruments, 0.065, 100, m, func(models.Tick) {})
	svc.observeSpot(models.Tick{Token: spotToken, LastPrice: 23100})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(runDone)
	}()

	// hammer option submissions across the shutdown edge; a send on a
	// closed worker channel would panic here
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				svc.Submit(models.Tick{Token: optionToken, LastPrice: 350})
			}
		}()
	}
	cancel()
	wg.Wait()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}

	// late submissions after the pool stopped are dropped, not queued
	svc.Submit(models.Tick{Token: optionToken, LastPrice: 350})
}

func TestGreeksCacheEvictsLeastRecent(t *testing.T) {
	c := newGreeksCache(2)
	a := greeksKey{token: 1}
	b := greeksKey{token: 2}
	d := greeksKey{token: 3}

	c.put(a, &models.Greeks{IV: 0.1})
	c.put(b, &models.Greeks{IV: 0.2})
	c.get(a) // refresh a so b becomes the eviction victim
	c.put(d, &models.Greeks{IV: 0.3})

	if _, ok := c.get(b); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.get(a); !ok {
		t.Error("recently used entry was evicted")
	}
	if _, ok := c.get(d); !ok {
		t.Error("newest entry missing")
	}
}
