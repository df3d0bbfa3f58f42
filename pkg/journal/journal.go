// Package journal persists submitted ingestion batches to an append-only
// on-disk log. Replaying a journal after a failure re-submits the same
// records; combined with idempotent upserts this turns at-least-once
// delivery into an exactly-once effect.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"amarket/pkg/marketdata"
)

// DailyRow is the wire form of one daily bar. Prices travel as decimal
// strings so no precision is lost across the encode/decode cycle.
type DailyRow struct {
	Code      string `msgpack:"code"`
	Date      string `msgpack:"date"`
	Open      string `msgpack:"open"`
	High      string `msgpack:"high"`
	Low       string `msgpack:"low"`
	Close     string `msgpack:"close"`
	Volume    int64  `msgpack:"volume"`
	PreClose  string `msgpack:"pre_close,omitempty"`
	Change    string `msgpack:"change,omitempty"`
	Turnover  string `msgpack:"turnover,omitempty"`
	MarketCap string `msgpack:"market_cap,omitempty"`
}

// IntradayRow is the wire form of one intraday record.
type IntradayRow struct {
	Code      string `msgpack:"code"`
	Datetime  int64  `msgpack:"datetime_ms"`
	Price     string `msgpack:"price"`
	Volume    int64  `msgpack:"volume"`
	Direction string `msgpack:"direction"`
}

// Outcome mirrors a per-record batch result for audit.
type Outcome struct {
	Key   string `msgpack:"key"`
	Error string `msgpack:"error,omitempty"`
}

// BatchRecord captures one submitted batch together with its outcomes.
type BatchRecord struct {
	Seq       int           `msgpack:"seq"`
	WrittenMs int64         `msgpack:"written_ms"`
	Source    string        `msgpack:"source,omitempty"`
	Daily     []DailyRow    `msgpack:"daily,omitempty"`
	Intraday  []IntradayRow `msgpack:"intraday,omitempty"`
	Outcomes  []Outcome     `msgpack:"outcomes,omitempty"`
}

const fileExt = ".mpk"

// Writer appends batch records to a directory, one msgpack file per batch.
// Safe for concurrent use; seq orders batches across writers in one process.
type Writer struct {
	dir   string
	mu    sync.Mutex
	seq   int
	nowFn func() time.Time
}

// NewWriter constructs a journal writer rooted at dir.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "journal"
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Writer{dir: dir, nowFn: time.Now}
}

// WriteBatch persists one batch record and returns the file path.
func (w *Writer) WriteBatch(rec *BatchRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	now := w.nowFn().UTC()
	if rec.WrittenMs == 0 {
		rec.WrittenMs = now.UnixMilli()
	}
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()
	rec.Seq = seq
	name := fmt.Sprintf("batch_%s_%05d%s", now.Format("20060102_150405"), seq, fileExt)
	path := filepath.Join(w.dir, name)
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads every batch record under dir in write order.
func Read(dir string) ([]BatchRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	records := make([]BatchRecord, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var rec BatchRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// FromDailyBar converts a domain bar to its journal row.
func FromDailyBar(bar marketdata.DailyBar) DailyRow {
	row := DailyRow{
		Code:   bar.Code,
		Date:   bar.Date.Format("2006-01-02"),
		Open:   bar.Open.String(),
		High:   bar.High.String(),
		Low:    bar.Low.String(),
		Close:  bar.Close.String(),
		Volume: bar.Volume,
	}
	if bar.PreClose.Valid {
		row.PreClose = bar.PreClose.Decimal.String()
	}
	if bar.Change.Valid {
		row.Change = bar.Change.Decimal.String()
	}
	if bar.Turnover.Valid {
		row.Turnover = bar.Turnover.Decimal.String()
	}
	if bar.MarketCap.Valid {
		row.MarketCap = bar.MarketCap.Decimal.String()
	}
	return row
}

// ToDailyBar restores the domain bar from a journal row.
func (r DailyRow) ToDailyBar() (marketdata.DailyBar, error) {
	date, err := time.Parse("2006-01-02", r.Date)
	if err != nil {
		return marketdata.DailyBar{}, fmt.Errorf("journal: bad date %q: %w", r.Date, err)
	}
	bar := marketdata.DailyBar{Code: r.Code, Date: date, Volume: r.Volume}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.Open, &bar.Open}, {r.High, &bar.High}, {r.Low, &bar.Low}, {r.Close, &bar.Close},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return marketdata.DailyBar{}, fmt.Errorf("journal: bad price %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.NullDecimal
	}{
		{"pre_close", r.PreClose, &bar.PreClose},
		{"change", r.Change, &bar.Change},
		{"turnover", r.Turnover, &bar.Turnover},
		{"market_cap", r.MarketCap, &bar.MarketCap},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return marketdata.DailyBar{}, fmt.Errorf("journal: bad %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return bar, nil
}

// FromIntraday converts a domain intraday record to its journal row.
func FromIntraday(rec marketdata.IntradayRecord) IntradayRow {
	return IntradayRow{
		Code:      rec.Code,
		Datetime:  rec.Time.UnixMilli(),
		Price:     rec.Price.String(),
		Volume:    rec.Volume,
		Direction: string(rec.Direction),
	}
}

// ToIntraday restores the domain record from a journal row.
func (r IntradayRow) ToIntraday() (marketdata.IntradayRecord, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return marketdata.IntradayRecord{}, fmt.Errorf("journal: bad price %q: %w", r.Price, err)
	}
	direction, err := marketdata.ParseDirection(r.Direction)
	if err != nil {
		return marketdata.IntradayRecord{}, err
	}
	return marketdata.IntradayRecord{
		Code:      r.Code,
		Time:      time.UnixMilli(r.Datetime).UTC(),
		Price:     price,
		Volume:    r.Volume,
		Direction: direction,
	}, nil
}

// FromResults converts batch results to audit outcomes.
func FromResults(results []marketdata.RecordResult) []Outcome {
	outcomes := make([]Outcome, 0, len(results))
	for _, res := range results {
		out := Outcome{Key: res.Key}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}
