package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amarket/pkg/journal"
	"amarket/pkg/marketdata"
)

type fakeRegistry struct {
	marketdata.Registry
	upserts    []marketdata.Instrument
	upsertErr  map[string]error
	watermarks map[string]time.Time
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{upsertErr: map[string]error{}, watermarks: map[string]time.Time{}}
}

func (f *fakeRegistry) Upsert(_ context.Context, inst marketdata.Instrument) error {
	if err := f.upsertErr[inst.Code]; err != nil {
		return err
	}
	f.upserts = append(f.upserts, inst)
	return nil
}

func (f *fakeRegistry) MarkUpdated(_ context.Context, code string, lastDate time.Time) error {
	f.watermarks[code] = lastDate
	return nil
}

type fakeBars struct {
	marketdata.BarStore
	calls       int
	contendKeys map[string]int // key -> remaining contention failures
	rejectKeys  map[string]error
	applied     []marketdata.DailyBar
	stored      []time.Time
}

func newFakeBars() *fakeBars {
	return &fakeBars{contendKeys: map[string]int{}, rejectKeys: map[string]error{}}
}

func (f *fakeBars) BatchUpsertDaily(_ context.Context, bars []marketdata.DailyBar) ([]marketdata.RecordResult, error) {
	f.calls++
	results := make([]marketdata.RecordResult, len(bars))
	for i, bar := range bars {
		key := bar.Key()
		results[i].Key = key
		if err := f.rejectKeys[key]; err != nil {
			results[i].Err = err
			continue
		}
		if f.contendKeys[key] > 0 {
			f.contendKeys[key]--
			results[i].Err = &marketdata.ContentionError{Op: "upsert", Err: errors.New("lock timeout")}
			continue
		}
		f.applied = append(f.applied, bar)
	}
	return results, nil
}

func (f *fakeBars) StoredDates(_ context.Context, _ string, _, _ time.Time) ([]time.Time, error) {
	return f.stored, nil
}

type fakeTicks struct {
	marketdata.TickStore
	applied []marketdata.IntradayRecord
}

func (f *fakeTicks) BatchUpsert(_ context.Context, recs []marketdata.IntradayRecord) ([]marketdata.RecordResult, error) {
	results := make([]marketdata.RecordResult, len(recs))
	for i, rec := range recs {
		results[i].Key = rec.Key()
		f.applied = append(f.applied, rec)
	}
	return results, nil
}

type fakeSource struct {
	insts []marketdata.Instrument
	bars  map[string][]marketdata.DailyBar // keyed by range start date
	days  []time.Time
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Instruments(_ context.Context) ([]marketdata.Instrument, error) {
	return f.insts, nil
}

func (f *fakeSource) DailyBars(_ context.Context, _ string, from, _ time.Time) ([]marketdata.DailyBar, error) {
	return f.bars[from.Format("2006-01-02")], nil
}

func (f *fakeSource) TradingDays(_ context.Context, _, _ time.Time) ([]time.Time, error) {
	return f.days, nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func bar(code, date string) marketdata.DailyBar {
	return marketdata.DailyBar{
		Code:   code,
		Date:   day(date),
		Open:   decimal.RequireFromString("10.00"),
		High:   decimal.RequireFromString("10.60"),
		Low:    decimal.RequireFromString("9.90"),
		Close:  decimal.RequireFromString("10.50"),
		Volume: 1000,
	}
}

func newTestCoordinator(t *testing.T, reg *fakeRegistry, bars *fakeBars, ticks *fakeTicks, src Source, journalDir string) *Coordinator {
	t.Helper()
	c := NewCoordinator(Config{
		Registry:   reg,
		Bars:       bars,
		Ticks:      ticks,
		Source:     src,
		MaxRetries: 3,
		JournalDir: journalDir,
	})
	require.NotNil(t, c)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestNewCoordinatorRequiresStores(t *testing.T) {
	assert.Nil(t, NewCoordinator(Config{Bars: newFakeBars(), Ticks: &fakeTicks{}}))
}

func TestSyncInstruments(t *testing.T) {
	reg := newFakeRegistry()
	reg.upsertErr["000002"] = marketdata.NewValidationError("000002", "name", "required")
	src := &fakeSource{insts: []marketdata.Instrument{
		{Code: "000001", Name: "Ping An Bank", ListStatus: marketdata.StatusListed},
		{Code: "000002", ListStatus: marketdata.StatusListed},
		{Code: "600519", Name: "Kweichow Moutai", ListStatus: marketdata.StatusListed},
	}}
	c := newTestCoordinator(t, reg, newFakeBars(), &fakeTicks{}, src, "")

	applied, err := c.SyncInstruments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Len(t, reg.upserts, 2)
}

func TestIngestDailyAdvancesWatermark(t *testing.T) {
	reg := newFakeRegistry()
	bars := newFakeBars()
	c := newTestCoordinator(t, reg, bars, &fakeTicks{}, nil, "")

	batch := []marketdata.DailyBar{
		bar("000001", "2024-03-01"),
		bar("000001", "2024-03-04"),
		bar("600519", "2024-03-04"),
	}
	results, err := c.IngestDaily(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, marketdata.Accepted(results))
	assert.True(t, reg.watermarks["000001"].Equal(day("2024-03-04")))
	assert.True(t, reg.watermarks["600519"].Equal(day("2024-03-04")))
}

func TestIngestDailyRetriesContention(t *testing.T) {
	reg := newFakeRegistry()
	bars := newFakeBars()
	contended := bar("000001", "2024-03-01")
	bars.contendKeys[contended.Key()] = 2

	c := newTestCoordinator(t, reg, bars, &fakeTicks{}, nil, "")
	results, err := c.IngestDaily(context.Background(), []marketdata.DailyBar{
		contended,
		bar("600519", "2024-03-01"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, marketdata.Accepted(results))
	// initial call plus two retry rounds, each resubmitting only the loser
	assert.Equal(t, 3, bars.calls)
	assert.Len(t, bars.applied, 2)
}

func TestIngestDailyValidationNotRetried(t *testing.T) {
	reg := newFakeRegistry()
	bars := newFakeBars()
	bad := bar("000001", "2024-03-01")
	bars.rejectKeys[bad.Key()] = marketdata.NewValidationError(bad.Key(), "low", "out of range")

	c := newTestCoordinator(t, reg, bars, &fakeTicks{}, nil, "")
	results, err := c.IngestDaily(context.Background(), []marketdata.DailyBar{bad})
	require.NoError(t, err)
	assert.Equal(t, 1, bars.calls)
	assert.True(t, marketdata.IsValidation(results[0].Err))
	assert.Empty(t, reg.watermarks)
}

func TestIngestDailyExhaustsRetries(t *testing.T) {
	reg := newFakeRegistry()
	bars := newFakeBars()
	stuck := bar("000001", "2024-03-01")
	bars.contendKeys[stuck.Key()] = 10

	c := newTestCoordinator(t, reg, bars, &fakeTicks{}, nil, "")
	results, err := c.IngestDaily(context.Background(), []marketdata.DailyBar{stuck})
	require.NoError(t, err)
	assert.True(t, marketdata.IsContention(results[0].Err))
	assert.Equal(t, 4, bars.calls) // initial + MaxRetries rounds
}

func TestIngestDailyJournals(t *testing.T) {
	dir := t.TempDir()
	c := newTestCoordinator(t, newFakeRegistry(), newFakeBars(), &fakeTicks{}, &fakeSource{}, dir)

	_, err := c.IngestDaily(context.Background(), []marketdata.DailyBar{bar("000001", "2024-03-01")})
	require.NoError(t, err)

	batches, err := journal.Read(dir)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "fake", batches[0].Source)
	require.Len(t, batches[0].Daily, 1)
	assert.Equal(t, "000001", batches[0].Daily[0].Code)
	require.Len(t, batches[0].Outcomes, 1)
	assert.Empty(t, batches[0].Outcomes[0].Error)
}

func TestBackfillDailyFetchesOnlyGaps(t *testing.T) {
	reg := newFakeRegistry()
	bars := newFakeBars()
	// calendar: four trading days; the middle two are missing locally
	days := []time.Time{day("2024-03-01"), day("2024-03-04"), day("2024-03-05"), day("2024-03-06")}
	bars.stored = []time.Time{day("2024-03-01"), day("2024-03-06")}
	src := &fakeSource{
		days: days,
		bars: map[string][]marketdata.DailyBar{
			"2024-03-04": {bar("000001", "2024-03-04"), bar("000001", "2024-03-05")},
		},
	}

	c := newTestCoordinator(t, reg, bars, &fakeTicks{}, src, "")
	accepted, err := c.BackfillDaily(context.Background(), "000001", day("2024-03-01"), day("2024-03-06"))
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Len(t, bars.applied, 2)
	assert.True(t, reg.watermarks["000001"].Equal(day("2024-03-05")))
}

func TestBackfillDailyRejectsBadCode(t *testing.T) {
	c := newTestCoordinator(t, newFakeRegistry(), newFakeBars(), &fakeTicks{}, &fakeSource{}, "")
	_, err := c.BackfillDaily(context.Background(), "bad code", time.Time{}, time.Time{})
	assert.True(t, marketdata.IsValidation(err))
}

func TestReplayReappliesJournal(t *testing.T) {
	dir := t.TempDir()

	// first coordinator writes the journal
	first := newTestCoordinator(t, newFakeRegistry(), newFakeBars(), &fakeTicks{}, nil, dir)
	_, err := first.IngestDaily(context.Background(), []marketdata.DailyBar{
		bar("000001", "2024-03-01"),
		bar("600519", "2024-03-01"),
	})
	require.NoError(t, err)

	// second coordinator replays into fresh stores
	bars := newFakeBars()
	second := newTestCoordinator(t, newFakeRegistry(), bars, &fakeTicks{}, nil, "")
	applied, err := second.Replay(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Len(t, bars.applied, 2)
}

func TestIngestIntraday(t *testing.T) {
	ticks := &fakeTicks{}
	c := newTestCoordinator(t, newFakeRegistry(), newFakeBars(), ticks, nil, "")

	recs := []marketdata.IntradayRecord{{
		Code:      "000001",
		Time:      time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Price:     decimal.RequireFromString("10.05"),
		Volume:    300,
		Direction: marketdata.DirectionBuy,
	}}
	results, err := c.IngestIntraday(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 1, marketdata.Accepted(results))
	assert.Len(t, ticks.applied, 1)
}
