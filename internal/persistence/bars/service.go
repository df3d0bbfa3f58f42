// Package bars owns the daily OHLCV fact table. Writes are idempotent
// upserts on the (code, date) composite key; batch writes are set-based and
// report per-record outcomes.
package bars

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "amarket/internal/cache"
	"amarket/internal/persistence/pgerr"
	"amarket/pkg/marketdata"
)

var _ marketdata.BarStore = (*Service)(nil)

// Service implements marketdata.BarStore over Postgres.
type Service struct {
	conn        sqlx.SqlConn
	registry    marketdata.Registry
	cache       gocache.Cache
	ttl         cachekeys.TTLSet
	lockTimeout time.Duration
	chunkSize   int
}

// Config enumerates dependencies required by the bar store.
type Config struct {
	SQLConn       sqlx.SqlConn
	Registry      marketdata.Registry
	Cache         gocache.Cache
	TTL           cachekeys.TTLSet
	LockTimeoutMs int
	ChunkSize     int
}

// NewService wires a bar store. Returns nil when the connection or registry
// is missing; the registry lookup is what substitutes for a hard foreign
// key.
func NewService(cfg Config) *Service {
	if cfg.SQLConn == nil || cfg.Registry == nil {
		return nil
	}
	lockTimeout := time.Duration(cfg.LockTimeoutMs) * time.Millisecond
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}
	return &Service{
		conn:        cfg.SQLConn,
		registry:    cfg.Registry,
		cache:       cfg.Cache,
		ttl:         cfg.TTL,
		lockTimeout: lockTimeout,
		chunkSize:   chunk,
	}
}

const dailyColumns = 11

// buildDailyUpsert renders one multi-row insert-or-replace statement for the
// given bars. The ON CONFLICT target is the composite primary key, so
// concurrent batches for disjoint codes never serialize against each other
// and replays of the same key are last-write-wins.
func buildDailyUpsert(bars []marketdata.DailyBar) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`
INSERT INTO daily_bars (
    code, date, open, high, low, close, pre_close, change, volume, turnover, market_cap,
    created_at, updated_at
) VALUES `)
	args := make([]interface{}, 0, len(bars)*dailyColumns)
	for i, bar := range bars {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * dailyColumns
		sb.WriteString("(")
		for j := 1; j <= dailyColumns; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(", NOW(), NOW())")
		args = append(args,
			bar.Code, bar.Date, bar.Open, bar.High, bar.Low, bar.Close,
			bar.PreClose, bar.Change, bar.Volume, bar.Turnover, bar.MarketCap,
		)
	}
	sb.WriteString(`
ON CONFLICT (code, date) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    pre_close = EXCLUDED.pre_close,
    change = EXCLUDED.change,
    volume = EXCLUDED.volume,
    turnover = EXCLUDED.turnover,
    market_cap = EXCLUDED.market_cap,
    updated_at = NOW();`)
	return sb.String(), args
}

// dedupeLastWins keeps the final occurrence of each (code, date) key so a
// single statement never updates the same row twice, which Postgres rejects.
// Earlier duplicates are superseded, not failed.
func dedupeLastWins(bars []marketdata.DailyBar) []marketdata.DailyBar {
	last := make(map[string]int, len(bars))
	for i, bar := range bars {
		last[bar.Key()] = i
	}
	out := make([]marketdata.DailyBar, 0, len(last))
	for i, bar := range bars {
		if last[bar.Key()] == i {
			out = append(out, bar)
		}
	}
	return out
}

// checkReference validates the bar against the instrument dimension:
// existence per the configured policy, then the listing window.
func (s *Service) checkReference(ctx context.Context, bar marketdata.DailyBar, seen map[string]error) error {
	refErr, ok := seen[bar.Code]
	if !ok {
		refErr = s.registry.EnsureExists(ctx, bar.Code)
		seen[bar.Code] = refErr
	}
	if refErr != nil {
		return refErr
	}
	inst, err := s.registry.Get(ctx, bar.Code)
	if err != nil {
		if errors.Is(err, marketdata.ErrNotFound) {
			// EnsureExists just stubbed it; a stub has no listing window.
			return nil
		}
		return err
	}
	return bar.InListingWindow(inst)
}

// UpsertDaily validates and writes one bar. The write is atomic: either the
// whole record lands or nothing does.
func (s *Service) UpsertDaily(ctx context.Context, bar marketdata.DailyBar) error {
	if err := bar.Validate(); err != nil {
		return err
	}
	if err := s.checkReference(ctx, bar, map[string]error{}); err != nil {
		return err
	}
	if err := s.execUpsert(ctx, []marketdata.DailyBar{bar}); err != nil {
		return pgerr.Map("bars.upsert", bar.Key(), err)
	}
	s.invalidateLatest(ctx, bar.Code)
	return nil
}

// BatchUpsertDaily applies a batch with independent per-record outcomes.
// Valid records are written in set-based chunks; a record that fails
// validation is reported and never blocks its siblings.
func (s *Service) BatchUpsertDaily(ctx context.Context, bars []marketdata.DailyBar) ([]marketdata.RecordResult, error) {
	results := make([]marketdata.RecordResult, len(bars))
	valid := make([]marketdata.DailyBar, 0, len(bars))
	validIdx := make(map[string][]int, len(bars))
	seenRefs := make(map[string]error)

	for i, bar := range bars {
		results[i] = marketdata.RecordResult{Key: bar.Key()}
		if err := bar.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		if err := s.checkReference(ctx, bar, seenRefs); err != nil {
			results[i].Err = err
			continue
		}
		valid = append(valid, bar)
		validIdx[bar.Key()] = append(validIdx[bar.Key()], i)
	}

	deduped := dedupeLastWins(valid)
	for start := 0; start < len(deduped); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(deduped) {
			end = len(deduped)
		}
		chunk := deduped[start:end]
		if err := s.execUpsert(ctx, chunk); err != nil {
			// Per-record reporting: every record in the failed chunk gets
			// the mapped error, nothing is silently lost.
			for _, bar := range chunk {
				mapped := pgerr.Map("bars.batch_upsert", bar.Key(), err)
				for _, i := range validIdx[bar.Key()] {
					results[i].Err = mapped
				}
			}
			logx.WithContext(ctx).Errorf("bars: batch chunk failed rows=%d err=%v", len(chunk), err)
		}
	}

	codes := make(map[string]struct{})
	for _, bar := range deduped {
		codes[bar.Code] = struct{}{}
	}
	for code := range codes {
		s.invalidateLatest(ctx, code)
	}
	return results, nil
}

func (s *Service) execUpsert(ctx context.Context, bars []marketdata.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if _, err := session.ExecCtx(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return err
		}
		stmt, args := buildDailyUpsert(bars)
		_, err := session.ExecCtx(ctx, stmt, args...)
		return err
	})
}

type barRow struct {
	Code      string              `db:"code"`
	Date      time.Time           `db:"date"`
	Open      decimal.Decimal     `db:"open"`
	High      decimal.Decimal     `db:"high"`
	Low       decimal.Decimal     `db:"low"`
	Close     decimal.Decimal     `db:"close"`
	PreClose  decimal.NullDecimal `db:"pre_close"`
	Change    decimal.NullDecimal `db:"change"`
	Volume    int64               `db:"volume"`
	Turnover  decimal.NullDecimal `db:"turnover"`
	MarketCap decimal.NullDecimal `db:"market_cap"`
}

func (r barRow) toDomain() marketdata.DailyBar {
	return marketdata.DailyBar{
		Code:      r.Code,
		Date:      r.Date,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		PreClose:  r.PreClose,
		Change:    r.Change,
		Volume:    r.Volume,
		Turnover:  r.Turnover,
		MarketCap: r.MarketCap,
	}
}

const barColumns = `code, date, open, high, low, close, pre_close, change, volume, turnover, market_cap`

// RangeDaily returns bars in [from, to] ordered by date ascending. A
// non-zero cursor resumes strictly after that date, giving restartable
// keyset pagination over large ranges.
func (s *Service) RangeDaily(ctx context.Context, code string, from, to time.Time, cursor time.Time, limit int) ([]marketdata.DailyBar, error) {
	if limit <= 0 {
		limit = 1000
	}
	lower, cmp := from, ">="
	if !cursor.IsZero() && !cursor.Before(from) {
		lower, cmp = cursor, ">"
	}
	query := fmt.Sprintf(`
SELECT %s FROM daily_bars
WHERE code = $1 AND date %s $2 AND date <= $3
ORDER BY date ASC
LIMIT $4`, barColumns, cmp)

	var rows []barRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, code, lower, to, limit); err != nil {
		return nil, err
	}
	out := make([]marketdata.DailyBar, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// LatestDaily returns the most recent bar for a code or ErrNotFound.
func (s *Service) LatestDaily(ctx context.Context, code string) (marketdata.DailyBar, error) {
	query := fmt.Sprintf(`
SELECT %s FROM daily_bars
WHERE code = $1
ORDER BY date DESC
LIMIT 1`, barColumns)

	var row barRow
	err := s.conn.QueryRowCtx(ctx, &row, query, code)
	if errors.Is(err, sqlx.ErrNotFound) {
		return marketdata.DailyBar{}, marketdata.ErrNotFound
	}
	if err != nil {
		return marketdata.DailyBar{}, err
	}
	return row.toDomain(), nil
}

// LatestBatch returns the most recent bar for each of the given codes in a
// single round trip. Codes with no stored bars are simply absent from the
// result.
func (s *Service) LatestBatch(ctx context.Context, codes []string) (map[string]marketdata.DailyBar, error) {
	if len(codes) == 0 {
		return map[string]marketdata.DailyBar{}, nil
	}
	query := fmt.Sprintf(`
SELECT DISTINCT ON (code) %s FROM daily_bars
WHERE code = ANY($1)
ORDER BY code, date DESC`, barColumns)

	var rows []barRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, pq.Array(codes)); err != nil {
		return nil, fmt.Errorf("bars.LatestBatch query: %w", err)
	}
	out := make(map[string]marketdata.DailyBar, len(rows))
	for _, row := range rows {
		bar := row.toDomain()
		out[bar.Code] = bar
	}
	return out, nil
}

// StoredDates lists the distinct trading dates already held for a code in
// [from, to], ascending. Gap detection diffs this against the trading
// calendar.
func (s *Service) StoredDates(ctx context.Context, code string, from, to time.Time) ([]time.Time, error) {
	const query = `
SELECT date FROM daily_bars
WHERE code = $1 AND date >= $2 AND date <= $3
ORDER BY date ASC`

	var dates []time.Time
	if err := s.conn.QueryRowsCtx(ctx, &dates, query, code, from, to); err != nil {
		return nil, err
	}
	return dates, nil
}

func (s *Service) invalidateLatest(ctx context.Context, code string) {
	if s.cache == nil {
		return
	}
	key := cachekeys.LatestBarKey(code)
	if err := s.cache.DelCtx(ctx, key); err != nil {
		logx.WithContext(ctx).Errorf("bars: invalidate cache key=%s err=%v", key, err)
	}
}
