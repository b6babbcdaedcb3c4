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

// cmdRun implements `run --config <path> [--execute]`. Without --execute it
// only builds and validates the pipeline, matching validate's behavior;
// with --execute it drives the run to completion or failure.
func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to the pipeline YAML config (required)")
	execute := fs.Bool("execute", false, "execute the run; without this flag, validate only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("run: --config is required")
	}

	doc, err := loadPipelineDocument(*configPath)
	if err != nil {
		return err
	}
	spec, err := buildSpec(doc)
	if err != nil {
		return err
	}

	if !*execute {
		fmt.Println("validation OK: pipeline config builds a valid DAG")
		return nil
	}

	a, err := buildApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, span := a.tracer.Start(ctx, "elspeth.run")
	defer span.End()

	started := time.Now()
	o := orchestrator.New(a.deps, spec)
	res, runErr := o.Run(ctx)
	status := "error"
	if runErr == nil {
		status = string(res.Status)
	}
	obsv.RecordRunCompletion(status, time.Since(started))
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	fmt.Printf("run %s finished with status %s\n", res.RunID, res.Status)
	if res.Status != "completed" {
		return fmt.Errorf("run: finished with status %s", res.Status)
	}
	return nil
}
