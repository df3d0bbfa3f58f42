// Package ingest drives batches from an upstream source into the stores:
// instrument sync, daily and intraday batch writes with contention retry,
// gap backfill, and the optional replay journal.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeromicro/go-zero/core/logx"

	"amarket/pkg/calendar"
	"amarket/pkg/journal"
	"amarket/pkg/marketdata"
)

const (
	initialRetryInterval = 200 * time.Millisecond
	maxRetryInterval     = 3 * time.Second
)

// Source supplies market data pulled from an upstream vendor. Implementations
// live outside this module; the coordinator only consumes the interface.
type Source interface {
	// Name identifies the vendor in logs and journal records.
	Name() string
	// Instruments lists the vendor's current instrument universe.
	Instruments(ctx context.Context) ([]marketdata.Instrument, error)
	// DailyBars fetches bars for one code over [from, to].
	DailyBars(ctx context.Context, code string, from, to time.Time) ([]marketdata.DailyBar, error)
	// TradingDays lists exchange trading days in [from, to].
	TradingDays(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

// Config wires the coordinator's dependencies.
type Config struct {
	Registry marketdata.Registry
	Bars     marketdata.BarStore
	Ticks    marketdata.TickStore
	Source   Source

	// MaxRetries bounds contention retry rounds per batch.
	MaxRetries int
	// JournalDir enables the batch replay journal when non-empty.
	JournalDir string
}

// Coordinator orchestrates the write path end to end.
type Coordinator struct {
	registry   marketdata.Registry
	bars       marketdata.BarStore
	ticks      marketdata.TickStore
	source     Source
	maxRetries int
	journal    *journal.Writer

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator returns nil when a required store is missing.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Registry == nil || cfg.Bars == nil || cfg.Ticks == nil {
		return nil
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Coordinator{
		registry:   cfg.Registry,
		bars:       cfg.Bars,
		ticks:      cfg.Ticks,
		source:     cfg.Source,
		maxRetries: cfg.MaxRetries,
		sleep:      sleepCtx,
	}
	if cfg.JournalDir != "" {
		c.journal = journal.NewWriter(cfg.JournalDir)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryInterval
	bo.MaxInterval = maxRetryInterval
	bo.MaxElapsedTime = 0
	return bo
}

// withRetry runs op, retrying only contention failures.
func (c *Coordinator) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || marketdata.IsContention(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// SyncInstruments pulls the vendor universe into the registry and returns
// the number of instruments applied. Individual failures are logged and
// skipped so one bad listing cannot stall the sync.
func (c *Coordinator) SyncInstruments(ctx context.Context) (int, error) {
	if c.source == nil {
		return 0, errors.New("ingest: no source configured")
	}
	insts, err := c.source.Instruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("ingest: list instruments from %s: %w", c.source.Name(), err)
	}
	applied := 0
	for _, inst := range insts {
		inst := inst
		if err := c.withRetry(ctx, func() error { return c.registry.Upsert(ctx, inst) }); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return applied, err
			}
			logx.WithContext(ctx).Errorf("ingest: sync instrument %s: %v", inst.Code, err)
			continue
		}
		applied++
	}
	logx.WithContext(ctx).Infof("ingest: synced %d/%d instruments from %s", applied, len(insts), c.source.Name())
	return applied, nil
}

// IngestDaily writes one batch of daily bars, retrying contended records,
// journaling the outcome, and advancing per-code watermarks for accepted
// rows. Results align with the input slice.
func (c *Coordinator) IngestDaily(ctx context.Context, bars []marketdata.DailyBar) ([]marketdata.RecordResult, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	results, err := c.bars.BatchUpsertDaily(ctx, bars)
	if err != nil {
		return nil, err
	}
	err = c.retryContended(ctx, results, func(ctx context.Context, idx []int) ([]marketdata.RecordResult, error) {
		sub := make([]marketdata.DailyBar, len(idx))
		for i, j := range idx {
			sub[i] = bars[j]
		}
		return c.bars.BatchUpsertDaily(ctx, sub)
	})
	c.journalDaily(ctx, bars, results)
	if err != nil {
		return results, err
	}
	c.advanceWatermarks(ctx, bars, results)
	return results, nil
}

// IngestIntraday writes one batch of intraday records with contention retry
// and journaling. Intraday writes do not move the daily watermark.
func (c *Coordinator) IngestIntraday(ctx context.Context, recs []marketdata.IntradayRecord) ([]marketdata.RecordResult, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	results, err := c.ticks.BatchUpsert(ctx, recs)
	if err != nil {
		return nil, err
	}
	err = c.retryContended(ctx, results, func(ctx context.Context, idx []int) ([]marketdata.RecordResult, error) {
		sub := make([]marketdata.IntradayRecord, len(idx))
		for i, j := range idx {
			sub[i] = recs[j]
		}
		return c.ticks.BatchUpsert(ctx, sub)
	})
	c.journalIntraday(ctx, recs, results)
	return results, err
}

// BackfillDaily detects calendar gaps for one code in [from, to], fetches
// the missing stretches from the source, and ingests them. Returns the
// number of bars accepted.
func (c *Coordinator) BackfillDaily(ctx context.Context, code string, from, to time.Time) (int, error) {
	if c.source == nil {
		return 0, errors.New("ingest: no source configured")
	}
	if err := marketdata.ValidateCode(code); err != nil {
		return 0, err
	}
	days, err := c.source.TradingDays(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("ingest: trading days from %s: %w", c.source.Name(), err)
	}
	stored, err := c.bars.StoredDates(ctx, code, from, to)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, gap := range calendar.MissingRanges(days, stored) {
		bars, err := c.source.DailyBars(ctx, code, gap.Start, gap.End)
		if err != nil {
			return accepted, fmt.Errorf("ingest: fetch %s [%s, %s]: %w",
				code, gap.Start.Format("2006-01-02"), gap.End.Format("2006-01-02"), err)
		}
		if len(bars) == 0 {
			logx.WithContext(ctx).Infof("ingest: backfill %s: source returned nothing for [%s, %s]",
				code, gap.Start.Format("2006-01-02"), gap.End.Format("2006-01-02"))
			continue
		}
		results, err := c.IngestDaily(ctx, bars)
		if err != nil {
			return accepted, err
		}
		accepted += marketdata.Accepted(results)
	}
	return accepted, nil
}

type resubmitFn func(ctx context.Context, idx []int) ([]marketdata.RecordResult, error)

// retryContended re-submits records whose outcome is a contention failure,
// merging fresh results back in place. Non-contention outcomes are final.
func (c *Coordinator) retryContended(ctx context.Context, results []marketdata.RecordResult, again resubmitFn) error {
	bo := backoff.WithContext(newBackOff(), ctx)
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		idx := contendedIndexes(results)
		if len(idx) == 0 {
			return nil
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		logx.WithContext(ctx).Infof("ingest: retrying %d contended records, attempt %d/%d", len(idx), attempt, c.maxRetries)
		sub, err := again(ctx, idx)
		if err != nil {
			return err
		}
		for i, j := range idx {
			results[j] = sub[i]
		}
	}
	return nil
}

func contendedIndexes(results []marketdata.RecordResult) []int {
	var idx []int
	for i, res := range results {
		if res.Err != nil && marketdata.IsContention(res.Err) {
			idx = append(idx, i)
		}
	}
	return idx
}

// advanceWatermarks moves each touched code's watermark to its newest
// accepted date. Failures are logged; the watermark is a hint, not ledger
// state, and the next batch will move it again.
func (c *Coordinator) advanceWatermarks(ctx context.Context, bars []marketdata.DailyBar, results []marketdata.RecordResult) {
	latest := make(map[string]time.Time)
	for i, res := range results {
		if !res.OK() {
			continue
		}
		day := marketdata.Day(bars[i].Date)
		if day.After(latest[bars[i].Code]) {
			latest[bars[i].Code] = day
		}
	}
	for code, day := range latest {
		if err := c.registry.MarkUpdated(ctx, code, day); err != nil {
			logx.WithContext(ctx).Errorf("ingest: advance watermark %s: %v", code, err)
		}
	}
}

func (c *Coordinator) sourceName() string {
	if c.source == nil {
		return ""
	}
	return c.source.Name()
}

func (c *Coordinator) journalDaily(ctx context.Context, bars []marketdata.DailyBar, results []marketdata.RecordResult) {
	if c.journal == nil {
		return
	}
	rec := &journal.BatchRecord{Source: c.sourceName()}
	rec.Daily = make([]journal.DailyRow, len(bars))
	for i, bar := range bars {
		rec.Daily[i] = journal.FromDailyBar(bar)
	}
	rec.Outcomes = journal.FromResults(results)
	if _, err := c.journal.WriteBatch(rec); err != nil {
		logx.WithContext(ctx).Errorf("ingest: journal daily batch: %v", err)
	}
}

func (c *Coordinator) journalIntraday(ctx context.Context, recs []marketdata.IntradayRecord, results []marketdata.RecordResult) {
	if c.journal == nil {
		return
	}
	rec := &journal.BatchRecord{Source: c.sourceName()}
	rec.Intraday = make([]journal.IntradayRow, len(recs))
	for i, r := range recs {
		rec.Intraday[i] = journal.FromIntraday(r)
	}
	rec.Outcomes = journal.FromResults(results)
	if _, err := c.journal.WriteBatch(rec); err != nil {
		logx.WithContext(ctx).Errorf("ingest: journal intraday batch: %v", err)
	}
}

// Replay re-applies journaled batches from dir through the stores. Upserts
// are idempotent so replaying an already-applied batch is harmless.
func (c *Coordinator) Replay(ctx context.Context, dir string) (int, error) {
	batches, err := journal.Read(dir)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, batch := range batches {
		if len(batch.Daily) > 0 {
			bars := make([]marketdata.DailyBar, 0, len(batch.Daily))
			for _, row := range batch.Daily {
				bar, err := row.ToDailyBar()
				if err != nil {
					logx.WithContext(ctx).Errorf("ingest: replay seq %d: %v", batch.Seq, err)
					continue
				}
				bars = append(bars, bar)
			}
			results, err := c.IngestDaily(ctx, bars)
			if err != nil {
				return applied, err
			}
			applied += marketdata.Accepted(results)
		}
		if len(batch.Intraday) > 0 {
			recs := make([]marketdata.IntradayRecord, 0, len(batch.Intraday))
			for _, row := range batch.Intraday {
				r, err := row.ToIntraday()
				if err != nil {
					logx.WithContext(ctx).Errorf("ingest: replay seq %d: %v", batch.Seq, err)
					continue
				}
				recs = append(recs, r)
			}
			results, err := c.IngestIntraday(ctx, recs)
			if err != nil {
				return applied, err
			}
			applied += marketdata.Accepted(results)
		}
	}
	return applied, nil
}
