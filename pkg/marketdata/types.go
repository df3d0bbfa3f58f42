package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListStatus captures the listing lifecycle of an instrument. Values follow
// the exchange convention: L listed, P suspended, D delisted.
type ListStatus string

const (
	StatusListed    ListStatus = "L"
	StatusSuspended ListStatus = "P"
	StatusDelisted  ListStatus = "D"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s ListStatus) Valid() bool {
	switch s {
	case StatusListed, StatusSuspended, StatusDelisted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Delisted is terminal; suspension is reversible.
func (s ListStatus) CanTransition(next ListStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case StatusListed:
		return next == StatusSuspended || next == StatusDelisted
	case StatusSuspended:
		return next == StatusListed || next == StatusDelisted
	}
	return false
}

// TradeDirection is the closed enumeration for intraday trade sides.
type TradeDirection string

const (
	DirectionBuy     TradeDirection = "BUY"
	DirectionSell    TradeDirection = "SELL"
	DirectionUnknown TradeDirection = "UNKNOWN"
)

// Valid reports whether the direction is a member of the closed set.
func (d TradeDirection) Valid() bool {
	switch d {
	case DirectionBuy, DirectionSell, DirectionUnknown:
		return true
	}
	return false
}

// Instrument is the slowly-changing reference record for one listed equity.
// Code is the immutable primary identifier; TsCode is the optional
// exchange-qualified standardized code and is globally unique when present.
type Instrument struct {
	Code       string
	TsCode     string
	Name       string
	Cnspell    string
	Area       string
	Industry   string
	Market     string
	Exchange   string
	ListStatus ListStatus
	ListDate   *time.Time
	DelistDate *time.Time
	IsHS       string
	ActName    string
	ActEntType string

	// LastUpdated is the most recent trading date ingested for this code,
	// maintained as a watermark for incremental ingestion.
	LastUpdated *time.Time
}

// IsStub reports whether the record was auto-registered from price data
// before full metadata arrived.
func (i Instrument) IsStub() bool {
	return i.Name == ""
}

// DailyBar is one OHLCV record for an instrument and trading date.
type DailyBar struct {
	Code   string
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64

	PreClose  decimal.NullDecimal
	Change    decimal.NullDecimal
	Turnover  decimal.NullDecimal
	MarketCap decimal.NullDecimal
}

// IntradayRecord is a single minute-or-finer trade observation.
type IntradayRecord struct {
	Code      string
	Time      time.Time
	Price     decimal.Decimal
	Volume    int64
	Direction TradeDirection
}

// RecordResult reports the per-record outcome of a batch operation. Err is
// nil for records that were written.
type RecordResult struct {
	Key string
	Err error
}

// OK reports whether the record was accepted.
func (r RecordResult) OK() bool { return r.Err == nil }

// Accepted counts the successful outcomes in a batch result set.
func Accepted(results []RecordResult) int {
	n := 0
	for _, r := range results {
		if r.OK() {
			n++
		}
	}
	return n
}
