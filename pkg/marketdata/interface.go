package marketdata

import (
	"context"
	"time"
)

// ReferencePolicy decides what happens when price data references a code the
// registry has never seen.
type ReferencePolicy string

const (
	// PolicyStrict rejects writes for unregistered instruments.
	PolicyStrict ReferencePolicy = "strict"
	// PolicyAutoStub registers a minimal stub so price data arriving before
	// metadata is never dropped.
	PolicyAutoStub ReferencePolicy = "auto-stub"
)

// Valid reports whether the policy is a known value.
func (p ReferencePolicy) Valid() bool {
	return p == PolicyStrict || p == PolicyAutoStub
}

// Registry owns the instrument dimension.
type Registry interface {
	// Upsert inserts a new instrument or updates mutable fields of an
	// existing one, matched by primary code.
	Upsert(ctx context.Context, inst Instrument) error
	// Get returns the instrument or ErrNotFound.
	Get(ctx context.Context, code string) (Instrument, error)
	// Exists reports whether the code is registered.
	Exists(ctx context.Context, code string) (bool, error)
	// EnsureExists applies the configured ReferencePolicy for an unseen
	// code: error under strict, stub registration under auto-stub.
	EnsureExists(ctx context.Context, code string) error
	// MarkUpdated advances the incremental-ingestion watermark for a code.
	MarkUpdated(ctx context.Context, code string, lastDate time.Time) error
}

// BarStore owns daily OHLCV records.
type BarStore interface {
	// UpsertDaily writes one bar, last-write-wins on (code, date).
	UpsertDaily(ctx context.Context, bar DailyBar) error
	// BatchUpsertDaily applies a batch with independent per-record
	// outcomes; one bad record never aborts its siblings.
	BatchUpsertDaily(ctx context.Context, bars []DailyBar) ([]RecordResult, error)
	// RangeDaily returns bars in [from, to] ordered by date ascending,
	// resuming after the cursor date when cursor is non-zero.
	RangeDaily(ctx context.Context, code string, from, to time.Time, cursor time.Time, limit int) ([]DailyBar, error)
	// LatestDaily returns the most recent bar or ErrNotFound.
	LatestDaily(ctx context.Context, code string) (DailyBar, error)
	// StoredDates lists distinct trading dates already held for a code,
	// used by gap detection.
	StoredDates(ctx context.Context, code string, from, to time.Time) ([]time.Time, error)
}

// TickStore owns intraday records. Append-mostly; replays of the same
// (code, datetime) key overwrite idempotently.
type TickStore interface {
	Upsert(ctx context.Context, rec IntradayRecord) error
	BatchUpsert(ctx context.Context, recs []IntradayRecord) ([]RecordResult, error)
	Range(ctx context.Context, code string, from, to time.Time, cursor time.Time, limit int) ([]IntradayRecord, error)
}
