// Package ticks owns the intraday fact table: append-mostly trade records
// keyed by (code, datetime). The underlying column stores direction as open
// text (schema v2), but the closed BUY/SELL/UNKNOWN enumeration is enforced
// here so storage laxity never reaches callers.
package ticks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"amarket/internal/persistence/pgerr"
	"amarket/pkg/marketdata"
)

var _ marketdata.TickStore = (*Service)(nil)

// Service implements marketdata.TickStore over Postgres.
type Service struct {
	conn        sqlx.SqlConn
	registry    marketdata.Registry
	lockTimeout time.Duration
	chunkSize   int
}

// Config enumerates dependencies required by the tick store.
type Config struct {
	SQLConn       sqlx.SqlConn
	Registry      marketdata.Registry
	LockTimeoutMs int
	ChunkSize     int
}

// NewService wires a tick store. Returns nil when the connection or
// registry is missing.
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
		lockTimeout: lockTimeout,
		chunkSize:   chunk,
	}
}

const tickColumnCount = 5

// buildTickUpsert renders one multi-row insert-or-replace statement keyed by
// (code, datetime). Replays overwrite idempotently.
func buildTickUpsert(recs []marketdata.IntradayRecord) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`
INSERT INTO intraday_records (code, datetime, price, volume, direction, created_at, updated_at)
VALUES `)
	args := make([]interface{}, 0, len(recs)*tickColumnCount)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * tickColumnCount
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, NOW(), NOW())",
			base+1, base+2, base+3, base+4, base+5)
		args = append(args, rec.Code, rec.Time, rec.Price, rec.Volume, string(rec.Direction))
	}
	sb.WriteString(`
ON CONFLICT (code, datetime) DO UPDATE SET
    price = EXCLUDED.price,
    volume = EXCLUDED.volume,
    direction = EXCLUDED.direction,
    updated_at = NOW();`)
	return sb.String(), args
}

func dedupeLastWins(recs []marketdata.IntradayRecord) []marketdata.IntradayRecord {
	last := make(map[string]int, len(recs))
	for i, rec := range recs {
		last[rec.Key()] = i
	}
	out := make([]marketdata.IntradayRecord, 0, len(last))
	for i, rec := range recs {
		if last[rec.Key()] == i {
			out = append(out, rec)
		}
	}
	return out
}

// Upsert validates and writes one intraday record.
func (s *Service) Upsert(ctx context.Context, rec marketdata.IntradayRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.registry.EnsureExists(ctx, rec.Code); err != nil {
		return err
	}
	if err := s.execUpsert(ctx, []marketdata.IntradayRecord{rec}); err != nil {
		return pgerr.Map("ticks.upsert", rec.Key(), err)
	}
	return nil
}

// BatchUpsert applies a batch with independent per-record outcomes.
func (s *Service) BatchUpsert(ctx context.Context, recs []marketdata.IntradayRecord) ([]marketdata.RecordResult, error) {
	results := make([]marketdata.RecordResult, len(recs))
	valid := make([]marketdata.IntradayRecord, 0, len(recs))
	validIdx := make(map[string][]int, len(recs))
	refs := make(map[string]error)

	for i, rec := range recs {
		results[i] = marketdata.RecordResult{Key: rec.Key()}
		if err := rec.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		refErr, ok := refs[rec.Code]
		if !ok {
			refErr = s.registry.EnsureExists(ctx, rec.Code)
			refs[rec.Code] = refErr
		}
		if refErr != nil {
			results[i].Err = refErr
			continue
		}
		valid = append(valid, rec)
		validIdx[rec.Key()] = append(validIdx[rec.Key()], i)
	}

	deduped := dedupeLastWins(valid)
	for start := 0; start < len(deduped); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(deduped) {
			end = len(deduped)
		}
		chunk := deduped[start:end]
		if err := s.execUpsert(ctx, chunk); err != nil {
			for _, rec := range chunk {
				mapped := pgerr.Map("ticks.batch_upsert", rec.Key(), err)
				for _, i := range validIdx[rec.Key()] {
					results[i].Err = mapped
				}
			}
			logx.WithContext(ctx).Errorf("ticks: batch chunk failed rows=%d err=%v", len(chunk), err)
		}
	}
	return results, nil
}

func (s *Service) execUpsert(ctx context.Context, recs []marketdata.IntradayRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if _, err := session.ExecCtx(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return err
		}
		stmt, args := buildTickUpsert(recs)
		_, err := session.ExecCtx(ctx, stmt, args...)
		return err
	})
}

type tickRow struct {
	Code      string          `db:"code"`
	Datetime  time.Time       `db:"datetime"`
	Price     decimal.Decimal `db:"price"`
	Volume    int64           `db:"volume"`
	Direction string          `db:"direction"`
}

// Range returns records in [from, to] ordered by datetime ascending,
// resuming strictly after the cursor when set. Directions that drifted in
// storage are normalized to UNKNOWN rather than leaked raw.
func (s *Service) Range(ctx context.Context, code string, from, to time.Time, cursor time.Time, limit int) ([]marketdata.IntradayRecord, error) {
	if limit <= 0 {
		limit = 5000
	}
	lower, cmp := from, ">="
	if !cursor.IsZero() && !cursor.Before(from) {
		lower, cmp = cursor, ">"
	}
	query := fmt.Sprintf(`
SELECT code, datetime, price, volume, direction FROM intraday_records
WHERE code = $1 AND datetime %s $2 AND datetime <= $3
ORDER BY datetime ASC
LIMIT $4`, cmp)

	var rows []tickRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, code, lower, to, limit); err != nil {
		return nil, err
	}
	out := make([]marketdata.IntradayRecord, 0, len(rows))
	for _, row := range rows {
		direction, err := marketdata.ParseDirection(row.Direction)
		if err != nil {
			direction = marketdata.DirectionUnknown
		}
		out = append(out, marketdata.IntradayRecord{
			Code:      row.Code,
			Time:      row.Datetime,
			Price:     row.Price,
			Volume:    row.Volume,
			Direction: direction,
		})
	}
	return out, nil
}
