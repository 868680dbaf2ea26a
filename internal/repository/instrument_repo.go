// Package repository contains the repository layer for the Tradecore API
package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
	"gorm.io/gorm"
)

// InstrumentRepository is the database repository for instruments
type InstrumentRepository struct {
	DB *gorm.DB
}

// NewInstrumentRepository creates a new instrument repository
func NewInstrumentRepository(db *gorm.DB) *InstrumentRepository {
	return &InstrumentRepository{DB: db}
}

// TruncateInstruments truncates the instruments table
func (r *InstrumentRepository) TruncateInstruments() error {
	return r.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s", models.InstrumentsTableName)).Error
}

// InsertInstruments inserts a batch of CSV records into the database.
// Record layout follows the broker dump: instrument_token, exchange_token,
// tradingsymbol, name, last_price, expiry, strike, tick_size, lot_size,
// instrument_type, segment, exchange.
func (r *InstrumentRepository) InsertInstruments(records [][]string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*14)

	now := time.Now().Format("2006-01-02 15:04:05")

	for _, record := range records {
		if len(record) < 12 {
			continue
		}
		valueStrings = append(valueStrings, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		instrumentToken, _ := strconv.ParseUint(record[0], 10, 32)
		exchangeToken, _ := strconv.ParseUint(record[1], 10, 32)
		lastPrice, _ := strconv.ParseFloat(record[4], 64)
		strike, _ := strconv.ParseFloat(record[6], 64)
		tickSize, _ := strconv.ParseFloat(record[7], 64)
		lotSize, _ := strconv.ParseUint(record[8], 10, 32)

		valueArgs = append(valueArgs,
			uint(instrumentToken),
			uint(exchangeToken),
			record[2],
			record[3],
			lastPrice,
			record[5],
			strike,
			tickSize,
			uint(lotSize),
			record[9],
			record[10],
			record[11],
			models.InstrumentStatusActive,
			now,
		)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (instrument_token, exchange_token, tradingsymbol, name, last_price, expiry, strike, tick_size, lot_size, instrument_type, segment, exchange, status, updated_at) VALUES %s ON CONFLICT (instrument_token) DO UPDATE SET tradingsymbol = EXCLUDED.tradingsymbol, last_price = EXCLUDED.last_price, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at",
		models.InstrumentsTableName,
		strings.Join(valueStrings, ","),
	)

	result := r.DB.Exec(stmt, valueArgs...)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert batch into %s: %v", models.InstrumentsTableName, result.Error)
	}
	return int(result.RowsAffected), nil
}

// GetAllInstruments returns every instrument row for the in-memory snapshot
func (r *InstrumentRepository) GetAllInstruments() ([]models.InstrumentModel, error) {
	var instruments []models.InstrumentModel
	if err := r.DB.Find(&instruments).Error; err != nil {
		return nil, fmt.Errorf("failed to load instruments: %v", err)
	}
	return instruments, nil
}

// MarkExpiredBefore marks instruments with an expiry before the given
// date as expired, removing them from subscription candidacy
func (r *InstrumentRepository) MarkExpiredBefore(date string) (int64, error) {
	result := r.DB.Model(&models.InstrumentModel{}).
		Where("expiry <> '' AND expiry < ? AND status = ?", date, models.InstrumentStatusActive).
		Update("status", models.InstrumentStatusExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark expired instruments: %v", result.Error)
	}
	return result.RowsAffected, nil
}

// GetInstrumentsRecordCount returns the number of instrument records
func (r *InstrumentRepository) GetInstrumentsRecordCount() (int64, error) {
	var count int64
	err := r.DB.Table(models.InstrumentsTableName).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get instruments record count: %v", err)
	}
	return count, nil
}

// QueryInstruments queries the instruments table with optional filters
func (r *InstrumentRepository) QueryInstruments(params models.QueryInstrumentsParams) ([]models.InstrumentModel, error) {
	query := r.DB.Model(&models.InstrumentModel{})

	if params.Exchange != "" {
		query = query.Where("exchange = ?", params.Exchange)
	}
	if params.Tradingsymbol != "" {
		if strings.Contains(params.Tradingsymbol, "%") {
			query = query.Where("tradingsymbol LIKE ?", params.Tradingsymbol)
		} else {
			query = query.Where("tradingsymbol = ?", params.Tradingsymbol)
		}
	}
	if params.Name != "" {
		query = query.Where("name = ?", params.Name)
	}
	if params.Expiry != "" {
		query = query.Where("expiry = ?", params.Expiry)
	}
	if params.Strike != "" {
		strike, err := strconv.ParseFloat(params.Strike, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid strike %q", params.Strike)
		}
		query = query.Where("strike = ?", strike)
	}
	if params.Segment != "" {
		query = query.Where("segment = ?", params.Segment)
	}
	if params.InstrumentType != "" {
		query = query.Where("instrument_type = ?", params.InstrumentType)
	}

	var instruments []models.InstrumentModel
	if err := query.Find(&instruments).Error; err != nil {
		return nil, fmt.Errorf("failed to query instruments: %v", err)
	}
	return instruments, nil
}

// GetInstrumentsBySymbols returns instruments matching exchange:tradingsymbol pairs
func (r *InstrumentRepository) GetInstrumentsBySymbols(symbols []string) ([]models.InstrumentModel, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	query := r.DB.Model(&models.InstrumentModel{})
	conditions := make([]string, 0, len(symbols))
	args := make([]interface{}, 0, len(symbols)*2)
	for _, symbol := range symbols {
		exchange, tradingsymbol, found := strings.Cut(symbol, ":")
		if !found {
			return nil, fmt.Errorf("invalid symbol %q, want EXCHANGE:TRADINGSYMBOL", symbol)
		}
		conditions = append(conditions, "(exchange = ? AND tradingsymbol = ?)")
		args = append(args, exchange, tradingsymbol)
	}

	var instruments []models.InstrumentModel
	err := query.Where(strings.Join(conditions, " OR "), args...).Find(&instruments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments by symbols: %v", err)
	}
	return instruments, nil
}

// GetOptionChainInstruments returns all option rows for a name and expiry
func (r *InstrumentRepository) GetOptionChainInstruments(exchange, name, expiry string) ([]models.InstrumentModel, error) {
	var instruments []models.InstrumentModel
	err := r.DB.Model(&models.InstrumentModel{}).
		Where("exchange = ? AND name = ? AND expiry = ? AND instrument_type IN ('CE','PE')", exchange, name, expiry).
		Order("strike asc").
		Find(&instruments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query option chain: %v", err)
	}
	return instruments, nil
}

// GetOptionChainNames returns the distinct exchange:name pairs carrying
// options for the given expiry
func (r *InstrumentRepository) GetOptionChainNames(expiry string) ([]string, error) {
	var rows []struct {
		Exchange string
		Name     string
	}
	err := r.DB.Model(&models.InstrumentModel{}).
		Select("DISTINCT exchange, name").
		Where("expiry = ? AND instrument_type IN ('CE','PE')", expiry).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query option chain names: %v", err)
	}
	names := make([]string, len(rows))
	for i, row := range rows {
		names[i] = row.Exchange + ":" + row.Name
	}
	return names, nil
}
