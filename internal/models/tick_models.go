// Package models contains the models for the Tradecore API
package models

// Subscription modes, the three upstream data tiers. Each tier is
// strictly richer than the previous one.
const (
	ModeLTP   = "LTP"
	ModeQuote = "QUOTE"
	ModeFull  = "FULL"
)

// ModeRank orders subscription modes: LTP < QUOTE < FULL.
func ModeRank(mode string) int {
	switch mode {
	case ModeLTP:
		return 1
	case ModeQuote:
		return 2
	case ModeFull:
		return 3
	default:
		return 0
	}
}

// MaxMode returns the richer of two modes
func MaxMode(a, b string) string {
	if ModeRank(a) >= ModeRank(b) {
		return a
	}
	return b
}

// Tick sources
const (
	SourceLive = "live"
	SourceMock = "mock"
)

// DepthLevel is one level of the order book (FULL mode only)
type DepthLevel struct {
	Price  float64 `json:"price"`
	Qty    uint32  `json:"qty"`
	Orders uint16  `json:"orders"`
}

// Greeks holds the enriched option fields. A nil Greeks pointer on a
// tick means the values could not be computed (stale spot or no IV
// convergence).
type Greeks struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Tick is the canonical immutable tick record. Timestamp is microseconds
// since epoch; ordering within a token follows Timestamp, across tokens
// nothing is promised.
type Tick struct {
	Token       uint32       `json:"token"`
	AccountID   string       `json:"-"`
	Source      string       `json:"source,omitempty"`
	Mode        string       `json:"mode"`
	Timestamp   int64        `json:"ts"`
	LastPrice   float64      `json:"last_price"`
	LastQty     uint32       `json:"last_qty,omitempty"`
	AvgPrice    float64      `json:"avg_price,omitempty"`
	Volume      uint32       `json:"volume,omitempty"`
	OI          uint32       `json:"oi,omitempty"`
	BidPrice    float64      `json:"bid_price,omitempty"`
	AskPrice    float64      `json:"ask_price,omitempty"`
	BidQty      uint32       `json:"bid_qty,omitempty"`
	AskQty      uint32       `json:"ask_qty,omitempty"`
	Open        float64      `json:"open,omitempty"`
	High        float64      `json:"high,omitempty"`
	Low         float64      `json:"low,omitempty"`
	Close       float64      `json:"close,omitempty"`
	Depth       []DepthLevel `json:"depth,omitempty"`
	Greeks      *Greeks      `json:"greeks,omitempty"`
	GreeksStale bool         `json:"greeks_stale,omitempty"`
}
