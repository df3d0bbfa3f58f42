package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"amarket/internal/config"
	"amarket/internal/svc"
	"amarket/pkg/calendar"
)

const (
	gapInterval       = 30 * time.Minute // Gap scan interval
	freshnessInterval = 5 * time.Minute  // Latest-bar freshness interval
	queryTimeout      = 10 * time.Second // Timeout for individual DB calls
	shutdownTimeout   = 10 * time.Second // Grace period for shutdown
)

var configFile = flag.String("f", "etc/amarket.yaml", "the config file")

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("[main] Starting cron monitor...")

	cfg := config.MustLoad(*configFile)
	serviceCtx := svc.NewServiceContext(*cfg)

	codes := cfg.Ingest.WatchCodes
	if len(codes) == 0 {
		log.Println("[main] No watch codes configured; nothing to monitor")
		return
	}
	window := cfg.Ingest.GapWindowDays
	if window <= 0 {
		window = 30
	}
	log.Printf("[main] Monitoring %d codes over a %d-day window", len(codes), window)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runGapMonitor(ctx, serviceCtx, codes, window)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runFreshnessMonitor(ctx, serviceCtx, codes)
	}()

	log.Println("[main] Cron monitor started. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Println("[main] Shutdown signal received, stopping tasks...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[main] All tasks stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("[main] Shutdown timeout exceeded, forcing exit")
	}

	log.Println("[main] Cron monitor stopped")
}

// runGapMonitor scans each watched code for missing trading days on a
// schedule.
func runGapMonitor(ctx context.Context, serviceCtx *svc.ServiceContext, codes []string, windowDays int) {
	ticker := time.NewTicker(gapInterval)
	defer ticker.Stop()

	// Run once immediately on startup
	scanGaps(ctx, serviceCtx, codes, windowDays)

	for {
		select {
		case <-ctx.Done():
			log.Println("[gaps] Stopping gap monitor")
			return
		case <-ticker.C:
			scanGaps(ctx, serviceCtx, codes, windowDays)
		}
	}
}

// runFreshnessMonitor reports how stale each watched code's latest bar is.
func runFreshnessMonitor(ctx context.Context, serviceCtx *svc.ServiceContext, codes []string) {
	ticker := time.NewTicker(freshnessInterval)
	defer ticker.Stop()

	checkFreshness(ctx, serviceCtx, codes)

	for {
		select {
		case <-ctx.Done():
			log.Println("[freshness] Stopping freshness monitor")
			return
		case <-ticker.C:
			checkFreshness(ctx, serviceCtx, codes)
		}
	}
}

func scanGaps(parentCtx context.Context, serviceCtx *svc.ServiceContext, codes []string, windowDays int) {
	if parentCtx.Err() != nil {
		return
	}
	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -windowDays)
	days := weekdays(from, to)

	for _, code := range codes {
		func(code string) {
			ctx, cancel := context.WithTimeout(parentCtx, queryTimeout)
			defer cancel()

			start := time.Now()
			stored, err := serviceCtx.Bars.StoredDates(ctx, code, from, to)
			elapsed := time.Since(start)
			if err != nil {
				log.Printf("[gaps.%s] [ERROR] %v, took %dms", code, err, elapsed.Milliseconds())
				return
			}

			ranges := calendar.MissingRanges(days, stored)
			if len(ranges) == 0 {
				log.Printf("[gaps.%s] [OK] %d/%d days stored, took %dms", code, len(stored), len(days), elapsed.Milliseconds())
				return
			}
			for _, r := range ranges {
				log.Printf("[gaps.%s] [WARN] missing %s to %s", code,
					r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
			}
		}(code)
	}
}

func checkFreshness(parentCtx context.Context, serviceCtx *svc.ServiceContext, codes []string) {
	if parentCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parentCtx, queryTimeout)
	defer cancel()

	start := time.Now()
	latest, err := serviceCtx.Bars.LatestBatch(ctx, codes)
	elapsed := time.Since(start)
	if err != nil {
		log.Printf("[freshness] [ERROR] %v, took %dms", err, elapsed.Milliseconds())
		return
	}

	now := time.Now().UTC()
	for _, code := range codes {
		bar, ok := latest[code]
		if !ok {
			log.Printf("[freshness.%s] [WARN] no bars stored", code)
			continue
		}
		age := now.Sub(bar.Date)
		log.Printf("[freshness.%s] [OK] latest=%s close=%s age=%.1fh",
			code, bar.Date.Format("2006-01-02"), bar.Close.String(), age.Hours())
	}
	log.Printf("[freshness] checked %d codes, took %dms", len(codes), elapsed.Milliseconds())
}

// weekdays approximates the trading calendar. Exchange holidays show up as
// false positives in the gap report; operators cross-check before backfill.
func weekdays(from, to time.Time) []time.Time {
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		default:
			days = append(days, d)
		}
	}
	return days
}
