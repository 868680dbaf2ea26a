package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
)

type fakeCalendar struct {
	open  bool
	err   error
	calls int
}

func (f *fakeCalendar) IsMarketOpen(ctx context.Context, code string, at time.Time) (bool, error) {
	f.calls++
	return f.open, f.err
}

func TestModeForcePolicies(t *testing.T) {
	s := NewModeService(&fakeCalendar{})
	ctx := context.Background()

	if got := s.ModeFor(ctx, models.PolicyForceMock, "NSE"); got != models.ModeMock {
		t.Errorf("force_mock => %s, want MOCK", got)
	}
	if got := s.ModeFor(ctx, models.PolicyForceLive, "NSE"); got != models.ModeLive {
		t.Errorf("force_live => %s, want LIVE", got)
	}
	if got := s.ModeFor(ctx, models.PolicyOff, "NSE"); got != models.ModeOff {
		t.Errorf("off => %s, want OFF", got)
	}
}

func TestModeAutoUsesCalendarWithCache(t *testing.T) {
	cal := &fakeCalendar{open: true}
	s := NewModeService(cal)
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if got := s.ModeFor(ctx, models.PolicyAuto, "NSE"); got != models.ModeLive {
		t.Fatalf("auto with open calendar => %s, want LIVE", got)
	}
	// within the 60s cache window the calendar is not re-queried
	now = base.Add(30 * time.Second)
	s.ModeFor(ctx, models.PolicyAuto, "NSE")
	if cal.calls != 1 {
		t.Errorf("calendar calls = %d within cache TTL, want 1", cal.calls)
	}

	now = base.Add(90 * time.Second)
	s.ModeFor(ctx, models.PolicyAuto, "NSE")
	if cal.calls != 2 {
		t.Errorf("calendar calls = %d after TTL, want 2", cal.calls)
	}
}

func TestModeAutoFallbackOnCalendarFailure(t *testing.T) {
	cal := &fakeCalendar{err: errors.New("calendar down")}
	s := NewModeService(cal)
	ctx := context.Background()

	// Wednesday 10:00 IST: inside the fallback trading window
	open := time.Date(2025, 1, 15, 10, 0, 0, 0, istLocation)
	s.SetClock(func() time.Time { return open })
	if got := s.ModeFor(ctx, models.PolicyAuto, "NSE"); got != models.ModeLive {
		t.Errorf("fallback during trading hours => %s, want LIVE", got)
	}

	// Wednesday 20:00 IST: outside the window
	evening := time.Date(2025, 1, 15, 20, 0, 0, 0, istLocation)
	s.SetClock(func() time.Time { return evening })
	if got := s.ModeFor(ctx, models.PolicyAuto, "NSE"); got != models.ModeMock {
		t.Errorf("fallback after hours => %s, want MOCK", got)
	}

	// Sunday midday
	sunday := time.Date(2025, 1, 19, 11, 0, 0, 0, istLocation)
	s.SetClock(func() time.Time { return sunday })
	if got := s.ModeFor(ctx, models.PolicyAuto, "NSE"); got != models.ModeMock {
		t.Errorf("fallback on Sunday => %s, want MOCK", got)
	}
}

func TestModeUpdatesNewestWins(t *testing.T) {
	u := NewModeUpdates()
	u.Publish(models.ModeLive)
	u.Publish(models.ModeMock)
	u.Publish(models.ModeOff)

	select {
	case got := <-u.C():
		if got != models.ModeOff {
			t.Errorf("received %s, want the newest mode OFF", got)
		}
	default:
		t.Fatal("no update buffered")
	}

	select {
	case got := <-u.C():
		t.Errorf("unexpected second update %s", got)
	default:
	}
}
