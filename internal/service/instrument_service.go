// Package service contains the service layer for the Tradecore API
package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/repository"
	"github.com/raghurammutya/tradecore/internal/upstream"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

const insertBatchSize = 500

// indexAliases maps derivative underlying names to the index instrument
// name published in the registry dump. Index spot rows carry the long
// form while option rows carry the short form.
var indexAliases = map[string]string{
	"NIFTY":      "NIFTY 50",
	"BANKNIFTY":  "NIFTY BANK",
	"FINNIFTY":   "NIFTY FIN SERVICE",
	"MIDCPNIFTY": "NIFTY MID SELECT",
}

// registrySnapshot is an immutable view of the instrument universe.
// Lookups read whichever snapshot pointer they loaded; a refresh swaps
// the pointer and never mutates a published snapshot.
type registrySnapshot struct {
	byToken    map[uint32]models.InstrumentModel
	bySymbol   map[string]uint32 // "EXCHANGE:TRADINGSYMBOL"
	underlying map[uint32]uint32 // option token -> spot token
	loadedAt   time.Time
}

// InstrumentService owns the daily instrument registry: the database
// rows, the in-memory snapshot, and the underlying-spot resolution used
// by the Greeks enrichment stage.
type InstrumentService struct {
	repo   *repository.InstrumentRepository
	broker *upstream.RESTClient
	csvURL string

	snapshot atomic.Pointer[registrySnapshot]
	onChange atomic.Pointer[func()]
}

// NewInstrumentService creates a new instrument service
func NewInstrumentService(repo *repository.InstrumentRepository, broker *upstream.RESTClient, csvURL string) *InstrumentService {
	s := &InstrumentService{repo: repo, broker: broker, csvURL: csvURL}
	s.snapshot.Store(&registrySnapshot{
		byToken:    map[uint32]models.InstrumentModel{},
		bySymbol:   map[string]uint32{},
		underlying: map[uint32]uint32{},
	})
	return s
}

// OnRegistryChange registers a callback fired after every snapshot
// swap. The reconciler hangs its Kick here so a mid-session expiry
// sweep converges subscriptions without waiting for the periodic pass.
func (s *InstrumentService) OnRegistryChange(fn func()) {
	s.onChange.Store(&fn)
}

func (s *InstrumentService) notifyChange() {
	if fn := s.onChange.Load(); fn != nil {
		(*fn)()
	}
}

// UpdateInstruments downloads the registry dump, replaces the database
// rows and rebuilds the in-memory snapshot
func (s *InstrumentService) UpdateInstruments(ctx context.Context) (int, error) {
	body, err := s.broker.DownloadInstrumentsCSV(ctx, s.csvURL)
	if err != nil {
		return 0, Wrap(KindTransient, "instrument dump download failed", err)
	}

	reader := csv.NewReader(bytes.NewReader(body))
	records, err := reader.ReadAll()
	if err != nil {
		return 0, Wrap(KindProtocol, "instrument dump is not valid csv", err)
	}
	if len(records) < 2 {
		return 0, E(KindProtocol, "instrument dump is empty")
	}
	records = records[1:] // header row

	// a full rewrite drops instruments delisted since the last dump
	if err := s.repo.TruncateInstruments(); err != nil {
		return 0, Wrap(KindResource, "instrument table truncate failed", err)
	}

	total := 0
	for start := 0; start < len(records); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(records) {
			end = len(records)
		}
		n, err := s.repo.InsertInstruments(records[start:end])
		if err != nil {
			return total, Wrap(KindResource, "instrument batch insert failed", err)
		}
		total += n
	}

	if err := s.LoadSnapshot(); err != nil {
		return total, err
	}

	count, err := s.repo.GetInstrumentsRecordCount()
	if err != nil {
		return total, Wrap(KindResource, "instrument count failed", err)
	}
	zaplogger.Info("instrument registry updated", zaplogger.Fields{
		"records": len(records),
		"rows":    count,
	})
	return total, nil
}

// MarkExpired flags instruments whose expiry has passed, removing them
// from subscription candidacy, then refreshes the snapshot
func (s *InstrumentService) MarkExpired() (int64, error) {
	today := time.Now().In(istLocation).Format("2006-01-02")
	n, err := s.repo.MarkExpiredBefore(today)
	if err != nil {
		return 0, Wrap(KindResource, "expiry sweep failed", err)
	}
	if n > 0 {
		if err := s.LoadSnapshot(); err != nil {
			return n, err
		}
		zaplogger.Info("expired instruments swept", zaplogger.Fields{"count": n})
	}
	return n, nil
}

// LoadSnapshot rebuilds the immutable in-memory view from the database
func (s *InstrumentService) LoadSnapshot() error {
	rows, err := s.repo.GetAllInstruments()
	if err != nil {
		return Wrap(KindResource, "snapshot load failed", err)
	}
	s.snapshot.Store(buildSnapshot(rows))
	s.notifyChange()
	return nil
}

func buildSnapshot(rows []models.InstrumentModel) *registrySnapshot {
	snap := &registrySnapshot{
		byToken:    make(map[uint32]models.InstrumentModel, len(rows)),
		bySymbol:   make(map[string]uint32, len(rows)),
		underlying: make(map[uint32]uint32),
		loadedAt:   time.Now(),
	}
	byName := make(map[string]uint32)
	for _, row := range rows {
		snap.byToken[row.InstrumentToken] = row
		snap.bySymbol[row.Exchange+":"+row.Tradingsymbol] = row.InstrumentToken
		if row.Status != models.InstrumentStatusActive {
			continue
		}
		switch row.Kind() {
		case models.KindIndex:
			byName[normalizeName(row.Name)] = row.InstrumentToken
			byName[normalizeName(row.Tradingsymbol)] = row.InstrumentToken
		case models.KindEquity:
			// equity spot is keyed by tradingsymbol, NSE preferred
			key := normalizeName(row.Tradingsymbol)
			if _, taken := byName[key]; !taken || row.Exchange == "NSE" {
				byName[key] = row.InstrumentToken
			}
		}
	}
	for _, row := range rows {
		if !row.IsOption() || row.Status != models.InstrumentStatusActive {
			continue
		}
		if spot, ok := byName[normalizeName(row.Name)]; ok {
			snap.underlying[row.InstrumentToken] = spot
		}
	}
	return snap
}

// normalizeName collapses the naming drift between option underlyings
// and spot instruments ("NIFTY" vs "NIFTY 50")
func normalizeName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if alias, ok := indexAliases[name]; ok {
		return alias
	}
	return name
}

// Lookup returns the instrument for a token from the current snapshot
func (s *InstrumentService) Lookup(token uint32) (models.InstrumentModel, bool) {
	inst, ok := s.snapshot.Load().byToken[token]
	return inst, ok
}

// TokenForSymbol resolves an "EXCHANGE:TRADINGSYMBOL" pair to a token
func (s *InstrumentService) TokenForSymbol(symbol string) (uint32, bool) {
	token, ok := s.snapshot.Load().bySymbol[symbol]
	return token, ok
}

// IsActive reports whether a token is still tradable. Tokens missing
// from the snapshot pass: the registry can lag what the broker streams,
// and dropping unknown tokens would be worse than carrying them.
func (s *InstrumentService) IsActive(token uint32) bool {
	inst, ok := s.snapshot.Load().byToken[token]
	if !ok {
		return true
	}
	return inst.Status == models.InstrumentStatusActive
}

// UnderlyingToken resolves an option token to its spot token
func (s *InstrumentService) UnderlyingToken(optionToken uint32) (uint32, bool) {
	token, ok := s.snapshot.Load().underlying[optionToken]
	return token, ok
}

// SnapshotAge reports how old the in-memory view is; the health
// endpoint surfaces a stale registry
func (s *InstrumentService) SnapshotAge() time.Duration {
	snap := s.snapshot.Load()
	if snap.loadedAt.IsZero() {
		return 0
	}
	return time.Since(snap.loadedAt)
}

// SnapshotSize returns the number of instruments in the current view
func (s *InstrumentService) SnapshotSize() int {
	return len(s.snapshot.Load().byToken)
}

// QueryInstruments runs a filtered registry query for the HTTP API
func (s *InstrumentService) QueryInstruments(params models.QueryInstrumentsParams) ([]models.InstrumentModel, error) {
	return s.repo.QueryInstruments(params)
}

// GetTokensBySymbols maps EXCHANGE:TRADINGSYMBOL pairs to tokens via the
// database, for callers that may race a snapshot refresh
func (s *InstrumentService) GetTokensBySymbols(symbols []string) (map[string]uint32, error) {
	rows, err := s.repo.GetInstrumentsBySymbols(symbols)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(rows))
	for _, row := range rows {
		out[row.Exchange+":"+row.Tradingsymbol] = row.InstrumentToken
	}
	return out, nil
}

// GetOptionChain returns the CE/PE rows for one name and expiry,
// ordered by strike
func (s *InstrumentService) GetOptionChain(exchange, name, expiry string) ([]models.InstrumentModel, error) {
	if exchange == "" || name == "" || expiry == "" {
		return nil, E(KindContract, "exchange, name and expiry are required")
	}
	if _, err := time.Parse("2006-01-02", expiry); err != nil {
		return nil, E(KindContract, fmt.Sprintf("invalid expiry %q, want YYYY-MM-DD", expiry))
	}
	return s.repo.GetOptionChainInstruments(exchange, name, expiry)
}

// GetOptionChainNames returns the exchange:name pairs with options for
// an expiry
func (s *InstrumentService) GetOptionChainNames(expiry string) ([]string, error) {
	if _, err := time.Parse("2006-01-02", expiry); err != nil {
		return nil, E(KindContract, fmt.Sprintf("invalid expiry %q, want YYYY-MM-DD", expiry))
	}
	return s.repo.GetOptionChainNames(expiry)
}
