package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/tachyon-beep/elspeth/internal/retention"
)

// cmdPurge implements `purge --as-of <timestamp>`: removes payloads older
// than the computed cutoff for completed runs and reports counts (spec
// section 4.6).
func cmdPurge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asOf := fs.String("as-of", "", "RFC3339 cutoff timestamp (required)")
	dryRun := fs.Bool("dry-run", false, "report what would be purged without deleting anything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *asOf == "" {
		return errors.New("purge: --as-of is required")
	}
	cutoff, err := time.Parse(time.RFC3339, *asOf)
	if err != nil {
		return fmt.Errorf("purge: parse --as-of: %w", err)
	}

	a, err := buildApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	purger := retention.New(a.store, a.payloads)
	report, err := purger.Purge(ctx, retention.Policy{AsOf: cutoff, DryRun: *dryRun})
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	verb := "purged"
	if *dryRun {
		verb = "would purge"
	}
	fmt.Printf("%s %d runs, %d payloads\n", verb, report.RunsPurged, report.PayloadsDeleted)
	for _, rr := range report.Runs {
		fmt.Printf("  run %s: %d deleted, %d already missing\n", rr.RunID, rr.PayloadsDeleted, rr.PayloadsMissing)
	}
	return nil
}
