package journal

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amarket/pkg/marketdata"
)

func sampleBar(t *testing.T) marketdata.DailyBar {
	t.Helper()
	mustDec := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		require.NoError(t, err)
		return d
	}
	return marketdata.DailyBar{
		Code:     "600519",
		Date:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Open:     mustDec("1700.0100"),
		High:     mustDec("1725.5000"),
		Low:      mustDec("1698.8800"),
		Close:    mustDec("1711.0000"),
		Volume:   2_530_000,
		Turnover: decimal.NullDecimal{Decimal: mustDec("4329712345.12"), Valid: true},
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	bar := sampleBar(t)
	rec := &BatchRecord{
		Source: "tushare",
		Daily:  []DailyRow{FromDailyBar(bar)},
		Outcomes: FromResults([]marketdata.RecordResult{
			{Key: bar.Key()},
			{Key: "600519@2024-01-03", Err: marketdata.NewValidationError("600519@2024-01-03", "low", "low exceeds high")},
		}),
	}
	path, err := w.WriteBatch(rec)
	require.NoError(t, err)
	assert.FileExists(t, path)

	records, err := Read(dir)
	require.Len(t, records, 1)
	require.NoError(t, err)

	got := records[0]
	assert.Equal(t, 1, got.Seq)
	assert.Equal(t, "tushare", got.Source)
	require.Len(t, got.Daily, 1)
	require.Len(t, got.Outcomes, 2)
	assert.Empty(t, got.Outcomes[0].Error)
	assert.Contains(t, got.Outcomes[1].Error, "low exceeds high")

	restored, err := got.Daily[0].ToDailyBar()
	require.NoError(t, err)
	assert.Equal(t, bar.Code, restored.Code)
	assert.True(t, bar.Date.Equal(restored.Date))
	assert.True(t, bar.Open.Equal(restored.Open), "open precision must survive")
	assert.True(t, bar.Turnover.Decimal.Equal(restored.Turnover.Decimal))
	assert.Equal(t, bar.Volume, restored.Volume)
}

func TestWriteBatch_SequencesAndOrder(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	for i := 0; i < 3; i++ {
		_, err := w.WriteBatch(&BatchRecord{Source: "replay"})
		require.NoError(t, err)
	}
	records, err := Read(dir)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.Seq)
	}
}

func TestWriteBatch_ConcurrentWritersLoseNothing(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_, err := w.WriteBatch(&BatchRecord{Source: "ingest"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	records, err := Read(dir)
	require.NoError(t, err)
	require.Len(t, records, writers*perWriter, "overlapping writers must not overwrite each other's files")

	seqs := make(map[int]struct{}, len(records))
	for _, rec := range records {
		seqs[rec.Seq] = struct{}{}
	}
	assert.Len(t, seqs, writers*perWriter, "every batch keeps a distinct seq")
}

func TestIntradayRoundtrip(t *testing.T) {
	price, err := decimal.NewFromString("10.1200")
	require.NoError(t, err)
	rec := marketdata.IntradayRecord{
		Code:      "000001",
		Time:      time.Date(2024, 1, 2, 9, 31, 0, 0, time.UTC),
		Price:     price,
		Volume:    5600,
		Direction: marketdata.DirectionSell,
	}
	restored, err := FromIntraday(rec).ToIntraday()
	require.NoError(t, err)
	assert.Equal(t, rec.Code, restored.Code)
	assert.True(t, rec.Time.Equal(restored.Time))
	assert.True(t, rec.Price.Equal(restored.Price))
	assert.Equal(t, rec.Direction, restored.Direction)
}

func TestWriteBatch_NilRecord(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, err := w.WriteBatch(nil)
	assert.Error(t, err)
}
