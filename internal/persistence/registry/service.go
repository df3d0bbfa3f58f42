// Package registry owns the instrument dimension: a slowly-changing
// reference table every time-series write validates against.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	cachekeys "amarket/internal/cache"
	"amarket/internal/persistence/pgerr"
	"amarket/pkg/marketdata"
)

var _ marketdata.Registry = (*Service)(nil)

// Service implements marketdata.Registry over Postgres.
type Service struct {
	conn        sqlx.SqlConn
	cache       gocache.Cache
	ttl         cachekeys.TTLSet
	policy      marketdata.ReferencePolicy
	lockTimeout time.Duration
}

// Config enumerates dependencies required by the registry.
type Config struct {
	SQLConn       sqlx.SqlConn
	Cache         gocache.Cache
	TTL           cachekeys.TTLSet
	Policy        marketdata.ReferencePolicy
	LockTimeoutMs int
}

// NewService wires a registry service. Returns nil when the connection is
// missing.
func NewService(cfg Config) *Service {
	if cfg.SQLConn == nil {
		return nil
	}
	policy := cfg.Policy
	if !policy.Valid() {
		policy = marketdata.PolicyStrict
	}
	lockTimeout := time.Duration(cfg.LockTimeoutMs) * time.Millisecond
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Service{
		conn:        cfg.SQLConn,
		cache:       cfg.Cache,
		ttl:         cfg.TTL,
		policy:      policy,
		lockTimeout: lockTimeout,
	}
}

type instrumentRow struct {
	Code        string         `db:"code"`
	TsCode      sql.NullString `db:"ts_code"`
	Name        sql.NullString `db:"name"`
	Cnspell     sql.NullString `db:"cnspell"`
	Area        sql.NullString `db:"area"`
	Industry    sql.NullString `db:"industry"`
	Market      sql.NullString `db:"market"`
	Exchange    sql.NullString `db:"exchange"`
	ListStatus  sql.NullString `db:"list_status"`
	ListDate    sql.NullTime   `db:"list_date"`
	DelistDate  sql.NullTime   `db:"delist_date"`
	IsHS        sql.NullString `db:"is_hs"`
	ActName     sql.NullString `db:"act_name"`
	ActEntType  sql.NullString `db:"act_ent_type"`
	LastUpdated sql.NullTime   `db:"last_updated_date"`
}

const instrumentColumns = `code, ts_code, name, cnspell, area, industry, market, exchange,
    list_status, list_date, delist_date, is_hs, act_name, act_ent_type, last_updated_date`

func (r instrumentRow) toDomain() marketdata.Instrument {
	inst := marketdata.Instrument{
		Code:       r.Code,
		TsCode:     r.TsCode.String,
		Name:       r.Name.String,
		Cnspell:    r.Cnspell.String,
		Area:       r.Area.String,
		Industry:   r.Industry.String,
		Market:     r.Market.String,
		Exchange:   r.Exchange.String,
		IsHS:       r.IsHS.String,
		ActName:    r.ActName.String,
		ActEntType: r.ActEntType.String,
	}
	if r.ListStatus.Valid {
		inst.ListStatus = marketdata.ListStatus(r.ListStatus.String)
	}
	if r.ListDate.Valid {
		d := r.ListDate.Time
		inst.ListDate = &d
	}
	if r.DelistDate.Valid {
		d := r.DelistDate.Time
		inst.DelistDate = &d
	}
	if r.LastUpdated.Valid {
		d := r.LastUpdated.Time
		inst.LastUpdated = &d
	}
	return inst
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Upsert inserts a new instrument or updates the mutable fields of an
// existing one, matched by primary code. Identity fields (code, ts_code)
// never repoint: a standardized code already owned by a different row is a
// ConflictError and the original row stays untouched.
func (s *Service) Upsert(ctx context.Context, inst marketdata.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if err := setLockTimeout(ctx, session, s.lockTimeout); err != nil {
			return err
		}

		if inst.TsCode != "" {
			var owner string
			err := session.QueryRowCtx(ctx, &owner,
				`SELECT code FROM instruments WHERE ts_code = $1`, inst.TsCode)
			switch {
			case err == nil && owner != inst.Code:
				return &marketdata.ConflictError{Key: inst.Code, Field: "ts_code",
					Reason: fmt.Sprintf("%s already owned by %s", inst.TsCode, owner)}
			case err != nil && !errors.Is(err, sqlx.ErrNotFound):
				return err
			}
		}

		var current instrumentRow
		err := session.QueryRowCtx(ctx, &current,
			`SELECT `+instrumentColumns+` FROM instruments WHERE code = $1 FOR UPDATE`, inst.Code)
		if err != nil && !errors.Is(err, sqlx.ErrNotFound) {
			return err
		}
		if err == nil {
			existing := current.toDomain()
			if existing.TsCode != "" && inst.TsCode != "" && existing.TsCode != inst.TsCode {
				return &marketdata.ConflictError{Key: inst.Code, Field: "ts_code",
					Reason: "standardized code is immutable once assigned"}
			}
			if existing.ListStatus != "" && inst.ListStatus != "" &&
				!existing.ListStatus.CanTransition(inst.ListStatus) {
				return marketdata.NewValidationError(inst.Code, "list_status",
					fmt.Sprintf("illegal transition %s -> %s", existing.ListStatus, inst.ListStatus))
			}
		}

		const stmt = `
INSERT INTO instruments (
    code, ts_code, name, cnspell, area, industry, market, exchange,
    list_status, list_date, delist_date, is_hs, act_name, act_ent_type,
    created_at, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW()
)
ON CONFLICT (code) DO UPDATE SET
    ts_code = COALESCE(NULLIF(EXCLUDED.ts_code, ''), instruments.ts_code),
    name = COALESCE(NULLIF(EXCLUDED.name, ''), instruments.name),
    cnspell = COALESCE(NULLIF(EXCLUDED.cnspell, ''), instruments.cnspell),
    area = COALESCE(NULLIF(EXCLUDED.area, ''), instruments.area),
    industry = COALESCE(NULLIF(EXCLUDED.industry, ''), instruments.industry),
    market = COALESCE(NULLIF(EXCLUDED.market, ''), instruments.market),
    exchange = COALESCE(NULLIF(EXCLUDED.exchange, ''), instruments.exchange),
    list_status = COALESCE(NULLIF(EXCLUDED.list_status, ''), instruments.list_status),
    list_date = COALESCE(EXCLUDED.list_date, instruments.list_date),
    delist_date = COALESCE(EXCLUDED.delist_date, instruments.delist_date),
    is_hs = COALESCE(NULLIF(EXCLUDED.is_hs, ''), instruments.is_hs),
    act_name = COALESCE(NULLIF(EXCLUDED.act_name, ''), instruments.act_name),
    act_ent_type = COALESCE(NULLIF(EXCLUDED.act_ent_type, ''), instruments.act_ent_type),
    updated_at = NOW();`
		_, err = session.ExecCtx(ctx, stmt,
			inst.Code,
			nullString(inst.TsCode),
			nullString(inst.Name),
			nullString(inst.Cnspell),
			nullString(inst.Area),
			nullString(inst.Industry),
			nullString(inst.Market),
			nullString(inst.Exchange),
			nullString(string(inst.ListStatus)),
			nullTime(inst.ListDate),
			nullTime(inst.DelistDate),
			nullString(inst.IsHS),
			nullString(inst.ActName),
			nullString(inst.ActEntType),
		)
		return err
	})
	if err != nil {
		return pgerr.Map("registry.upsert", inst.Code, err)
	}

	s.invalidate(ctx, inst.Code)
	return nil
}

// Get returns the instrument or marketdata.ErrNotFound.
func (s *Service) Get(ctx context.Context, code string) (marketdata.Instrument, error) {
	var row instrumentRow
	err := s.conn.QueryRowCtx(ctx, &row,
		`SELECT `+instrumentColumns+` FROM instruments WHERE code = $1`, code)
	if errors.Is(err, sqlx.ErrNotFound) {
		return marketdata.Instrument{}, marketdata.ErrNotFound
	}
	if err != nil {
		return marketdata.Instrument{}, err
	}
	return row.toDomain(), nil
}

// Exists reports whether the code is registered.
func (s *Service) Exists(ctx context.Context, code string) (bool, error) {
	var one int
	err := s.conn.QueryRowCtx(ctx, &one,
		`SELECT 1 FROM instruments WHERE code = $1`, code)
	if errors.Is(err, sqlx.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureExists applies the reference policy for a code about to receive
// time-series data. Under auto-stub an unseen code is registered with
// identity only; metadata arrives later through Upsert.
func (s *Service) EnsureExists(ctx context.Context, code string) error {
	if err := marketdata.ValidateCode(code); err != nil {
		return err
	}
	ok, err := s.Exists(ctx, code)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if s.policy == marketdata.PolicyStrict {
		return marketdata.NewValidationError(code, "code", "unregistered instrument")
	}

	const stmt = `
INSERT INTO instruments (code, list_status, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW())
ON CONFLICT (code) DO NOTHING;`
	if _, err := s.conn.ExecCtx(ctx, stmt, code, string(marketdata.StatusListed)); err != nil {
		return pgerr.Map("registry.stub", code, err)
	}
	logx.WithContext(ctx).Infof("registry: auto-registered stub instrument code=%s", code)
	return nil
}

// MarkUpdated advances the last ingested trading date for a code. The
// watermark only moves forward; replaying an old batch never regresses it.
func (s *Service) MarkUpdated(ctx context.Context, code string, lastDate time.Time) error {
	const stmt = `
UPDATE instruments
SET last_updated_date = $2, updated_at = NOW()
WHERE code = $1 AND (last_updated_date IS NULL OR last_updated_date < $2);`
	if _, err := s.conn.ExecCtx(ctx, stmt, code, lastDate); err != nil {
		return pgerr.Map("registry.mark_updated", code, err)
	}
	s.invalidate(ctx, code)
	return nil
}

func (s *Service) invalidate(ctx context.Context, code string) {
	if s.cache == nil {
		return
	}
	key := cachekeys.InstrumentKey(code)
	if err := s.cache.DelCtx(ctx, key); err != nil {
		logx.WithContext(ctx).Errorf("registry: invalidate cache key=%s err=%v", key, err)
	}
}

func setLockTimeout(ctx context.Context, session sqlx.Session, timeout time.Duration) error {
	_, err := session.ExecCtx(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds()))
	return err
}
