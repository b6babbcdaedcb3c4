package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tachyon-beep/elspeth/internal/audit"
)

// cmdExplain implements `explain --run-id <id> [--row-id <id>]`: prints
// lineage as JSON. TUI rendering is out of scope (spec's CLI/TUI
// Non-goal) — this always takes the JSON path.
func cmdExplain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("explain", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	runID := fs.String("run-id", "", "run id to explain (required)")
	rowID := fs.String("row-id", "", "row id to explain; if omitted, every row in the run is explained")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("explain: --run-id is required")
	}

	a, err := buildApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	rowIDs := []string{*rowID}
	if *rowID == "" {
		rows, err := rowsForRun(ctx, a.store, *runID)
		if err != nil {
			return fmt.Errorf("explain: list rows for run %s: %w", *runID, err)
		}
		rowIDs = rows
	}

	results := make([]audit.ExplainResult, 0, len(rowIDs))
	for _, id := range rowIDs {
		result, err := a.store.Explain(ctx, id)
		if err != nil {
			return fmt.Errorf("explain: row %s: %w", id, err)
		}
		results = append(results, result)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if *rowID != "" {
		return enc.Encode(results[0])
	}
	return enc.Encode(results)
}

// rowsForRun lists every row ingested for runID, since Explain itself only
// operates per-row and explaining a whole run means walking each one.
func rowsForRun(ctx context.Context, store audit.Store, runID string) ([]string, error) {
	rows, err := store.ListRowsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.RowID
	}
	return ids, nil
}
