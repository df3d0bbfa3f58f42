package registry

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"amarket/pkg/marketdata"
)

func TestNewServiceGuards(t *testing.T) {
	assert.Nil(t, NewService(Config{}), "missing connection must refuse to build")

	conn := sqlx.NewSqlConn("pgx", "postgres://localhost/ignored")
	svc := NewService(Config{SQLConn: conn, Policy: "bogus"})
	assert.NotNil(t, svc)
	assert.Equal(t, marketdata.PolicyStrict, svc.policy, "unknown policy falls back to strict")
	assert.Equal(t, 3*time.Second, svc.lockTimeout, "zero lock timeout gets the default")

	svc = NewService(Config{SQLConn: conn, Policy: marketdata.PolicyAutoStub, LockTimeoutMs: 500})
	assert.Equal(t, marketdata.PolicyAutoStub, svc.policy)
	assert.Equal(t, 500*time.Millisecond, svc.lockTimeout)
}

func TestInstrumentRowToDomain(t *testing.T) {
	listed := time.Date(1991, 4, 3, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	row := instrumentRow{
		Code:        "000001",
		TsCode:      sql.NullString{String: "000001.SZ", Valid: true},
		Name:        sql.NullString{String: "Ping An Bank", Valid: true},
		Exchange:    sql.NullString{String: "SZSE", Valid: true},
		ListStatus:  sql.NullString{String: "L", Valid: true},
		ListDate:    sql.NullTime{Time: listed, Valid: true},
		LastUpdated: sql.NullTime{Time: updated, Valid: true},
	}

	inst := row.toDomain()
	assert.Equal(t, "000001", inst.Code)
	assert.Equal(t, "000001.SZ", inst.TsCode)
	assert.Equal(t, marketdata.StatusListed, inst.ListStatus)
	if assert.NotNil(t, inst.ListDate) {
		assert.True(t, inst.ListDate.Equal(listed))
	}
	assert.Nil(t, inst.DelistDate)
	if assert.NotNil(t, inst.LastUpdated) {
		assert.True(t, inst.LastUpdated.Equal(updated))
	}
	assert.False(t, inst.IsStub())

	stub := instrumentRow{Code: "000002", ListStatus: sql.NullString{String: "L", Valid: true}}
	assert.True(t, stub.toDomain().IsStub())
}

func TestNullableHelpers(t *testing.T) {
	assert.False(t, nullString("").Valid, "empty string maps to SQL NULL")
	assert.True(t, nullString("x").Valid)

	assert.False(t, nullTime(nil).Valid)
	now := time.Now()
	nt := nullTime(&now)
	assert.True(t, nt.Valid)
	assert.True(t, nt.Time.Equal(now))
}
