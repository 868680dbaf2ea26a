// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"sync"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

const calendarCacheTTL = 60 * time.Second

// IST trading window used when the calendar service is unreachable.
var (
	istLocation     *time.Location
	fallbackOpenH   = 9
	fallbackOpenM   = 15
	fallbackCloseH  = 15
	fallbackCloseM  = 30
)

func init() {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	istLocation = loc
}

type calendarCacheEntry struct {
	open      bool
	fetchedAt time.Time
}

// ModeService decides the runtime mode (LIVE/MOCK/OFF) for each account
// from its configured policy and the market calendar. Calendar answers
// are cached for 60 s per calendar code; on calendar failure a
// time-of-day rule takes over.
type ModeService struct {
	calendar CalendarClient

	mu    sync.Mutex
	cache map[string]calendarCacheEntry

	now func() time.Time
}

// NewModeService creates a new mode service
func NewModeService(calendar CalendarClient) *ModeService {
	return &ModeService{
		calendar: calendar,
		cache:    make(map[string]calendarCacheEntry),
		now:      time.Now,
	}
}

// SetClock overrides the clock, used in tests
func (s *ModeService) SetClock(now func() time.Time) { s.now = now }

// ModeFor resolves the runtime mode for one account policy. The
// decision is monotonic within a single call: every input is read once.
func (s *ModeService) ModeFor(ctx context.Context, policy, calendarCode string) models.AccountMode {
	switch policy {
	case models.PolicyForceMock:
		return models.ModeMock
	case models.PolicyForceLive:
		return models.ModeLive
	case models.PolicyOff:
		return models.ModeOff
	}

	// auto: ask the calendar, fall back to the time-of-day rule
	now := s.now()
	open, err := s.marketOpen(ctx, calendarCode, now)
	if err != nil {
		open = s.fallbackOpen(now)
		zaplogger.Debug("calendar unavailable, using time-of-day fallback", zaplogger.Fields{
			"calendar": calendarCode,
			"open":     open,
			"error":    err.Error(),
		})
	}
	if open {
		return models.ModeLive
	}
	return models.ModeMock
}

func (s *ModeService) marketOpen(ctx context.Context, code string, now time.Time) (bool, error) {
	s.mu.Lock()
	entry, ok := s.cache[code]
	s.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < calendarCacheTTL {
		return entry.open, nil
	}

	open, err := s.calendar.IsMarketOpen(ctx, code, now)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.cache[code] = calendarCacheEntry{open: open, fetchedAt: now}
	s.mu.Unlock()
	return open, nil
}

// fallbackOpen applies the regional trading window rule: LIVE during
// Monday-Friday 09:15-15:30 IST, MOCK otherwise.
func (s *ModeService) fallbackOpen(now time.Time) bool {
	ist := now.In(istLocation)
	switch ist.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := ist.Hour()*60 + ist.Minute()
	return minutes >= fallbackOpenH*60+fallbackOpenM && minutes < fallbackCloseH*60+fallbackCloseM
}

// ModeUpdates is the 1-buffer newest-wins channel carrying mode changes
// to a session orchestrator
type ModeUpdates struct {
	ch chan models.AccountMode
}

// NewModeUpdates creates the channel
func NewModeUpdates() *ModeUpdates {
	return &ModeUpdates{ch: make(chan models.AccountMode, 1)}
}

// Publish replaces any undelivered mode with the newest one
func (u *ModeUpdates) Publish(mode models.AccountMode) {
	for {
		select {
		case u.ch <- mode:
			return
		default:
			select {
			case <-u.ch: // discard the stale update
			default:
			}
		}
	}
}

// C returns the receive side
func (u *ModeUpdates) C() <-chan models.AccountMode { return u.ch }
