package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/tachyon-beep/elspeth/internal/obsv"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
)

// cmdResume implements `resume --run-id <id>`. Resuming needs the same
// pipeline config the original run used — plugin instances are not
// persisted, only their descriptors — so this also takes --config and
// checks the rebuilt spec's fingerprint against the stored run's before
// driving anything, failing fast on a config drift.
func cmdResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	runID := fs.String("run-id", "", "run id to resume (required)")
	configPath := fs.String("config", "", "path to the pipeline YAML config used for the original run (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("resume: --run-id is required")
	}
	if *configPath == "" {
		return errors.New("resume: --config is required")
	}

	doc, err := loadPipelineDocument(*configPath)
	if err != nil {
		return err
	}
	spec, err := buildSpec(doc)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	storedRun, err := a.store.GetRun(ctx, *runID)
	if err != nil {
		return fmt.Errorf("resume: look up run %s: %w", *runID, err)
	}
	if storedRun.ConfigFingerprint != spec.ConfigFingerprint {
		return fmt.Errorf("resume: config fingerprint mismatch: run %s was started with %q, this config builds %q",
			*runID, storedRun.ConfigFingerprint, spec.ConfigFingerprint)
	}

	ctx, span := a.tracer.Start(ctx, "elspeth.resume")
	defer span.End()

	started := time.Now()
	o := orchestrator.New(a.deps, spec)
	res, resumeErr := o.Resume(ctx, *runID)
	status := "error"
	if resumeErr == nil {
		status = string(res.Status)
	}
	obsv.RecordRunCompletion(status, time.Since(started))
	if resumeErr != nil {
		return fmt.Errorf("resume: %w", resumeErr)
	}
	fmt.Printf("run %s resumed to status %s\n", res.RunID, res.Status)
	if res.Status != "completed" {
		return fmt.Errorf("resume: finished with status %s", res.Status)
	}
	return nil
}
