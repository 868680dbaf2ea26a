// Package models contains the models for the Tradecore API
package models

import "time"

// InstrumentsTableName is the name of the table for instruments
var InstrumentsTableName = "instruments"

// Instrument status values. Expired instruments are excluded from
// subscription candidacy within one registry refresh cycle.
const (
	InstrumentStatusActive  = "active"
	InstrumentStatusExpired = "expired"
)

// Instrument kind values, derived from segment and instrument type.
const (
	KindEquity     = "equity"
	KindFuture     = "future"
	KindCallOption = "call-option"
	KindPutOption  = "put-option"
	KindIndex      = "index"
)

// InstrumentModel represents a trading instrument from the daily registry snapshot
type InstrumentModel struct {
	InstrumentToken uint32    `gorm:"primaryKey;uniqueIndex;index" csv:"instrument_token" json:"instrument_token"`
	ExchangeToken   uint32    `csv:"exchange_token" json:"exchange_token"`
	Tradingsymbol   string    `gorm:"index:idx_exchange_tradingsymbol,priority:2;index:idx_exch_trading_expiry,priority:2" csv:"tradingsymbol" json:"tradingsymbol"`
	Name            string    `csv:"name" json:"name"`
	LastPrice       float64   `csv:"last_price" json:"last_price"`
	Expiry          string    `gorm:"index:idx_exch_trading_expiry,priority:3" csv:"expiry" json:"expiry"`
	Strike          float64   `csv:"strike" json:"strike"`
	TickSize        float64   `csv:"tick_size" json:"tick_size"`
	LotSize         uint      `csv:"lot_size" json:"lot_size"`
	InstrumentType  string    `csv:"instrument_type" json:"instrument_type"`
	Segment         string    `csv:"segment" json:"segment"`
	Exchange        string    `gorm:"index:idx_exchange_tradingsymbol,priority:1;index:idx_exch_trading_expiry,priority:1" csv:"exchange" json:"exchange"`
	Status          string    `gorm:"index;default:active" json:"status"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the Instrument model
func (InstrumentModel) TableName() string {
	return InstrumentsTableName
}

// Kind returns the instrument kind
func (m InstrumentModel) Kind() string {
	switch m.InstrumentType {
	case "CE":
		return KindCallOption
	case "PE":
		return KindPutOption
	case "FUT":
		return KindFuture
	default:
		if m.Segment == "INDICES" {
			return KindIndex
		}
		return KindEquity
	}
}

// IsOption reports whether the instrument is a call or put option
func (m InstrumentModel) IsOption() bool {
	return m.InstrumentType == "CE" || m.InstrumentType == "PE"
}

// ExpiryTime parses the expiry date; zero time if the instrument has none
func (m InstrumentModel) ExpiryTime() time.Time {
	if m.Expiry == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", m.Expiry)
	if err != nil {
		return time.Time{}
	}
	return t
}

// QueryInstrumentsParams is the parameters for the QueryInstruments endpoint
type QueryInstrumentsParams struct {
	Exchange       string `query:"exchange"`
	Tradingsymbol  string `query:"tradingsymbol"`
	Name           string `query:"name"`
	Expiry         string `query:"expiry"`
	Strike         string `query:"strike"`
	Segment        string `query:"segment"`
	InstrumentType string `query:"instrument_type"`
}
