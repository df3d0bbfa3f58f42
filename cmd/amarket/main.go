package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"amarket/internal/config"
	"amarket/internal/ingest"
	"amarket/internal/schema"
	"amarket/internal/svc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "plan":
		runPlan(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: amarket <command> [flags]

commands:
  plan     print the migration steps between two schema versions
  replay   re-apply journaled batches through the stores`)
}

// runPlan renders advisory DDL for an external migration tool. A narrowing
// target version is refused rather than planned.
func runPlan(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	from := fs.Int("from", 1, "current schema version")
	to := fs.Int("to", 2, "target schema version")
	_ = fs.Parse(args)

	steps, err := schema.PlanVersions(*from, *to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		os.Exit(1)
	}
	if len(steps) == 0 {
		fmt.Printf("schema v%d and v%d are identical; nothing to do\n", *from, *to)
		return
	}
	for _, step := range steps {
		fmt.Println(step.SQL())
	}
}

func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configFile := fs.String("f", "etc/amarket.yaml", "the config file")
	dir := fs.String("dir", "", "journal directory to replay (defaults to the configured one)")
	_ = fs.Parse(args)

	cfg := config.MustLoad(*configFile)
	svcCtx := svc.NewServiceContext(*cfg)

	journalDir := *dir
	if journalDir == "" {
		journalDir = cfg.Ingest.JournalDir
	}
	if journalDir == "" {
		fmt.Fprintln(os.Stderr, "replay: no journal directory configured")
		os.Exit(1)
	}

	// A journal-less coordinator, so replayed batches are not re-journaled.
	replayer := ingest.NewCoordinator(ingest.Config{
		Registry:   svcCtx.Registry,
		Bars:       svcCtx.Bars,
		Ticks:      svcCtx.Ticks,
		MaxRetries: cfg.Ingest.MaxRetries,
	})
	applied, err := replayer.Replay(context.Background(), journalDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v (applied %d records before failing)\n", err, applied)
		os.Exit(1)
	}
	fmt.Printf("replayed %d records from %s\n", applied, journalDir)
}
