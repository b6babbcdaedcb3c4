// Command elspeth is the thin CLI around the core engine: it loads
// configuration, wires the engine's dependencies, and dispatches to one
// of the contracted subcommands. It owns no pipeline semantics of its
// own — every subcommand is a few lines of glue over internal/orchestrator,
// internal/checkpoint, internal/retention, and internal/audit.
//
// Grounded on cmd/slctl's CLI idiom: a root flag.FlagSet parses global
// flags before the subcommand name, then a plain switch dispatches to a
// per-subcommand handler that builds its own flag.FlagSet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tachyon-beep/elspeth/internal/orchestrator"
	"github.com/tachyon-beep/elspeth/internal/version"
)

// fatalExitCode is returned when the orchestrator crashes the process on a
// Tier-1 invariant violation (orchestrator.FatalRunError), distinct from the
// ordinary failed-command exit code so operators and process supervisors
// can tell "this run failed" apart from "the audit trail cannot be trusted,
// stop and look".
const fatalExitCode = 2

func main() {
	os.Exit(mainExitCode(context.Background(), os.Args[1:]))
}

// mainExitCode recovers the panic orchestrator.execute raises for a fatal
// run error, so one bad run cannot take down the process via an unhandled
// panic trace without a caller ever getting a chance to report it cleanly.
func mainExitCode(ctx context.Context, args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			if fatal, ok := r.(orchestrator.FatalRunError); ok {
				fmt.Fprintf(os.Stderr, "FATAL: %v\n", fatal)
			} else {
				fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			}
			code = fatalExitCode
		}
	}()
	if err := run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("elspeth", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	switch remaining[0] {
	case "run":
		return cmdRun(ctx, remaining[1:])
	case "validate":
		return cmdValidate(ctx, remaining[1:])
	case "resume":
		return cmdResume(ctx, remaining[1:])
	case "purge":
		return cmdPurge(ctx, remaining[1:])
	case "explain":
		return cmdExplain(ctx, remaining[1:])
	case "health":
		return cmdHealth(ctx, remaining[1:])
	case "version", "-v", "--version":
		fmt.Println(version.FullVersion())
		return nil
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`elspeth: auditable sense-decide-act pipeline engine

Usage:
  elspeth <command> [flags]

Commands:
  run       --config <path> [--execute]     Start a run (validation-only without --execute)
  validate  --config <path>                 Run DAG and schema validation; no execution
  resume    --run-id <id> --config <path>   Resume a failed run from its latest checkpoints
  purge     --as-of <timestamp> [--dry-run] Remove payloads older than the cutoff for completed runs
  explain   --run-id <id> [--row-id <id>]   Print lineage as JSON
  health                                    Report connectivity to store, database, and key sources
  version                                   Print build version information

Environment:
  ELSPETH_*                    overrides configuration (see internal/config)
  ELSPETH_FINGERPRINT_KEY      supplies the HMAC fingerprint key (the ELSPETH_KEYVAULT_* path always fails)
  ELSPETH_TRACING_ENABLED      turns on OTLP trace export (ELSPETH_OTLP_ENDPOINT)
  ELSPETH_METRICS_LISTEN       address to serve /metrics on, e.g. :9090`)
}
