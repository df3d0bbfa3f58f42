//go:build integration
// +build integration

package svc_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/stores/cache"

	appconfig "amarket/internal/config"
	"amarket/internal/svc"
	"amarket/pkg/marketdata"
)

func newIntegrationServiceContext(t *testing.T) *svc.ServiceContext {
	t.Helper()
	path := os.Getenv("AMARKET_CONFIG")
	if path == "" {
		path = "../../etc/amarket.yaml"
	}
	cfg := appconfig.MustLoad(path)
	return svc.NewServiceContext(*cfg)
}

func TestPostgresConnectivity(t *testing.T) {
	svcCtx := newIntegrationServiceContext(t)
	db := requirePostgres(t, svcCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var one int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	assert.NoError(t, err, "postgres connectivity check failed")
	assert.Equal(t, 1, one, "postgres returned unexpected value")
}

func TestRedisConnectivity(t *testing.T) {
	svcCtx := newIntegrationServiceContext(t)
	cacheClient := requireCache(t, svcCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := fmt.Sprintf("amarket:integration:%d", time.Now().UnixNano())
	const payload = "ok"

	err := cacheClient.SetWithExpireCtx(ctx, key, payload, 10*time.Second)
	assert.NoError(t, err, "cache set failed")
	defer cacheClient.DelCtx(context.Background(), key)

	var value string
	err = cacheClient.GetCtx(ctx, key, &value)
	assert.NoError(t, err, "cache get failed")
	assert.Equal(t, payload, value, "cache value mismatch")
}

// TestStorageRoundTrip drives an instrument and its bars through the full
// stack and reads them back through the cached repo layer.
func TestStorageRoundTrip(t *testing.T) {
	svcCtx := newIntegrationServiceContext(t)
	db := requirePostgres(t, svcCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// High code value keeps test rows clear of real instrument data.
	code := fmt.Sprintf("999%03d", time.Now().UnixNano()%1000)
	t.Cleanup(func() {
		db.Exec("DELETE FROM daily_bars WHERE code = $1", code)
		db.Exec("DELETE FROM instruments WHERE code = $1", code)
	})

	inst := marketdata.Instrument{
		Code:       code,
		Name:       "integration probe",
		Exchange:   "SSE",
		ListStatus: marketdata.StatusListed,
	}
	require.NoError(t, svcCtx.Registry.Upsert(ctx, inst))

	got, err := svcCtx.Repo.Registry.Get(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, inst.Name, got.Name)

	mkBar := func(date string, close string) marketdata.DailyBar {
		d, err := time.Parse("2006-01-02", date)
		require.NoError(t, err)
		return marketdata.DailyBar{
			Code:   code,
			Date:   d,
			Open:   decimal.RequireFromString("10.00"),
			High:   decimal.RequireFromString("11.00"),
			Low:    decimal.RequireFromString("9.50"),
			Close:  decimal.RequireFromString(close),
			Volume: 1000,
		}
	}
	results, err := svcCtx.Bars.BatchUpsertDaily(ctx, []marketdata.DailyBar{
		mkBar("2024-03-01", "10.20"),
		mkBar("2024-03-04", "10.40"),
		mkBar("2024-03-04", "10.60"), // duplicate key, last wins
	})
	require.NoError(t, err)
	assert.Equal(t, 3, marketdata.Accepted(results))

	latest, err := svcCtx.Repo.Bars.LatestDaily(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-04", latest.Date.Format("2006-01-02"))
	assert.True(t, latest.Close.Equal(decimal.RequireFromString("10.60")))

	from, _ := time.Parse("2006-01-02", "2024-03-01")
	to, _ := time.Parse("2006-01-02", "2024-03-31")
	bars, err := svcCtx.Bars.RangeDaily(ctx, code, from, to, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, bars, 2)

	// Watermark should have a value after MarkUpdated.
	require.NoError(t, svcCtx.Registry.MarkUpdated(ctx, code, latest.Date))
	refreshed, err := svcCtx.Registry.Get(ctx, code)
	require.NoError(t, err)
	require.NotNil(t, refreshed.LastUpdated)
	assert.Equal(t, "2024-03-04", refreshed.LastUpdated.Format("2006-01-02"))
}

func requirePostgres(t *testing.T, svcCtx *svc.ServiceContext) *sql.DB {
	t.Helper()
	if svcCtx.DBConn == nil {
		t.Skip("Postgres not configured (DBConn nil)")
	}
	raw, err := svcCtx.DBConn.RawDB()
	if err != nil {
		t.Fatalf("failed to obtain postgres handle: %v", err)
	}
	return raw
}

func requireCache(t *testing.T, svcCtx *svc.ServiceContext) cache.Cache {
	t.Helper()
	if svcCtx.Cache == nil {
		t.Skip("cache not configured (Cache nil)")
	}
	return svcCtx.Cache
}
