package marketdata

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	codePattern   = regexp.MustCompile(`^[0-9]{6,12}$`)
	tsCodePattern = regexp.MustCompile(`^[0-9]{6}\.(SH|SZ|BJ)$`)
)

// ValidateCode checks the primary instrument code: numeric, six to twelve
// digits (six for classic A-share codes, wider forms for CDR listings).
func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return NewValidationError(code, "code", "must be 6-12 digits")
	}
	return nil
}

// ValidateTsCode checks the exchange-qualified standardized code, e.g.
// "000001.SZ". Empty is allowed; the field is optional.
func ValidateTsCode(tsCode string) error {
	if tsCode == "" {
		return nil
	}
	if !tsCodePattern.MatchString(tsCode) {
		return NewValidationError(tsCode, "ts_code", "must look like 000001.SZ")
	}
	return nil
}

// ParseDirection normalizes a raw direction string into the closed
// enumeration. Empty input maps to UNKNOWN; anything else unrecognized is
// rejected so storage laxity never leaks through the boundary.
func ParseDirection(raw string) (TradeDirection, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(DirectionUnknown):
		return DirectionUnknown, nil
	case string(DirectionBuy):
		return DirectionBuy, nil
	case string(DirectionSell):
		return DirectionSell, nil
	}
	return "", NewValidationError(raw, "direction", "must be BUY, SELL or UNKNOWN")
}

// Validate checks instrument identity and lifecycle consistency.
func (i Instrument) Validate() error {
	if err := ValidateCode(i.Code); err != nil {
		return err
	}
	if err := ValidateTsCode(i.TsCode); err != nil {
		return err
	}
	if i.ListStatus != "" && !i.ListStatus.Valid() {
		return NewValidationError(i.Code, "list_status", fmt.Sprintf("unknown status %q", i.ListStatus))
	}
	if i.ListDate != nil && i.DelistDate != nil && i.DelistDate.Before(*i.ListDate) {
		return NewValidationError(i.Code, "delist_date", "precedes list date")
	}
	return nil
}

// Key renders the composite identity of the bar for reporting.
func (b DailyBar) Key() string {
	return fmt.Sprintf("%s@%s", b.Code, b.Date.Format("2006-01-02"))
}

// Validate enforces OHLC ordering and nonnegativity. A bar that fails here
// is never partially written.
func (b DailyBar) Validate() error {
	if err := ValidateCode(b.Code); err != nil {
		return err
	}
	if b.Date.IsZero() {
		return NewValidationError(b.Key(), "date", "missing trading date")
	}
	for _, p := range []struct {
		name  string
		value interface{ Sign() int }
	}{
		{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close},
	} {
		if p.value.Sign() < 0 {
			return NewValidationError(b.Key(), p.name, "price must be nonnegative")
		}
	}
	if b.Volume < 0 {
		return NewValidationError(b.Key(), "volume", "must be nonnegative")
	}
	if b.Low.GreaterThan(b.High) {
		return NewValidationError(b.Key(), "low", "low exceeds high")
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return NewValidationError(b.Key(), "low", "low exceeds open or close")
	}
	if b.Open.GreaterThan(b.High) || b.Close.GreaterThan(b.High) {
		return NewValidationError(b.Key(), "high", "open or close exceeds high")
	}
	if b.Turnover.Valid && b.Turnover.Decimal.Sign() < 0 {
		return NewValidationError(b.Key(), "turnover", "must be nonnegative")
	}
	if b.MarketCap.Valid && b.MarketCap.Decimal.Sign() < 0 {
		return NewValidationError(b.Key(), "market_cap", "must be nonnegative")
	}
	return nil
}

// InListingWindow checks the bar date against the instrument's listing
// window. The upper bound is open-ended while the instrument has no delist
// date.
func (b DailyBar) InListingWindow(inst Instrument) error {
	if inst.ListDate != nil && b.Date.Before(*inst.ListDate) {
		return NewValidationError(b.Key(), "date", "precedes listing date")
	}
	if inst.DelistDate != nil && b.Date.After(*inst.DelistDate) {
		return NewValidationError(b.Key(), "date", "follows delisting date")
	}
	return nil
}

// Key renders the composite identity of the intraday record.
func (r IntradayRecord) Key() string {
	return fmt.Sprintf("%s@%s", r.Code, r.Time.Format("2006-01-02T15:04:05"))
}

// Validate enforces the single-price intraday invariants.
func (r IntradayRecord) Validate() error {
	if err := ValidateCode(r.Code); err != nil {
		return err
	}
	if r.Time.IsZero() {
		return NewValidationError(r.Key(), "datetime", "missing timestamp")
	}
	if r.Price.Sign() <= 0 {
		return NewValidationError(r.Key(), "price", "must be positive")
	}
	if r.Volume < 0 {
		return NewValidationError(r.Key(), "volume", "must be nonnegative")
	}
	if !r.Direction.Valid() {
		return NewValidationError(r.Key(), "direction", "must be BUY, SELL or UNKNOWN")
	}
	return nil
}

// Day truncates t to its trading date in the local exchange zone.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
