package breaker

import (
	"testing"
	"time"
)

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(DefaultConfig())

	for i := 0; i < 4; i++ {
		if !b.Allow() {
			t.Fatalf("call %d rejected while closed", i)
		}
		b.Failure()
	}
	if b.State() != Closed {
		t.Fatalf("state = %s after 4 failures, want closed", b.State())
	}

	b.Failure()
	if b.State() != Open {
		t.Fatalf("state = %s after 5 failures, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call")
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := New(DefaultConfig())

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed after interleaved success", b.State())
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := New(DefaultConfig())
	b.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		b.Failure()
	}

	// still inside the open window
	now = now.Add(29 * time.Second)
	if b.Allow() {
		t.Fatal("breaker admitted a call before the open window elapsed")
	}

	now = now.Add(2 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("state = %s after open window, want half-open", b.State())
	}
	if !b.Allow() {
		t.Fatal("half-open breaker rejected the probe")
	}
	if b.Allow() {
		t.Fatal("half-open breaker admitted a second call alongside the probe")
	}

	b.Success()
	if b.State() != Closed {
		t.Fatalf("state = %s after successful probe, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker rejected a call")
	}
}

func TestFailedProbeReopensWithFreshTimer(t *testing.T) {
	now := time.Now()
	b := New(DefaultConfig())
	b.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe rejected")
	}
	b.Failure()

	if b.State() != Open {
		t.Fatalf("state = %s after failed probe, want open", b.State())
	}
	now = now.Add(29 * time.Second)
	if b.State() != Open {
		t.Fatal("open timer was not reset by the failed probe")
	}
	now = now.Add(2 * time.Second)
	if b.State() != HalfOpen {
		t.Fatal("breaker did not re-enter half-open after the reset timer")
	}
}

func TestWindowedFailureRate(t *testing.T) {
	b := New(Config{ConsecutiveFailures: 100, WindowSize: 20, FailureRate: 0.5, OpenDuration: 30 * time.Second})

	// alternate so the consecutive counter never trips; 11 failures in 20
	for i := 0; i < 20; i++ {
		if i%2 == 0 || i == 19 {
			b.Failure()
		} else {
			b.Success()
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %s with 11/20 failures, want open", b.State())
	}
}
