package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
)

// cmdValidate implements `validate --config <path>`: DAG and schema
// validation only, no execution and no database connection required.
func cmdValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to the pipeline YAML config (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("validate: --config is required")
	}

	doc, err := loadPipelineDocument(*configPath)
	if err != nil {
		return err
	}
	spec, err := buildSpec(doc)
	if err != nil {
		return err
	}

	fmt.Printf("OK: %d nodes, %d edges validated\n", len(spec.Graph.Nodes), len(doc.Edges))
	return nil
}
