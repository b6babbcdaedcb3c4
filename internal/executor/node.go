package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// NodeRunner brackets one plugin invocation for one token with audit
// calls: BeginNodeState before, CompleteNodeState/FailNodeState after,
// mirroring spec section 4.1's "every node visit is bracketed by a
// NodeState". One NodeRunner serves one node across the run's lifetime.
type NodeRunner struct {
	Recorder *audit.Recorder
	NodeID   string
}

// Visit is one open NodeState, tracking the wall-clock start so
// Complete/Fail can compute duration_ms without the caller threading a
// timestamp through.
type Visit struct {
	runner    *NodeRunner
	stateID   string
	attempt   int
	startedAt time.Time
}

// Begin opens a NodeState for tokenID's attempt-th visit to this node and
// stamps pc.StateID so any audited calls the plugin makes during this
// visit attach to the right state.
func (nr *NodeRunner) Begin(ctx context.Context, tokenID string, attempt int, input any, pc *plugin.PluginContext) (*Visit, error) {
	inputHash, err := canonicaljson.StableHash(input)
	if err != nil {
		return nil, fmt.Errorf("executor: hash node input: %w", err)
	}
	stateID, err := nr.Recorder.BeginNodeState(ctx, tokenID, nr.NodeID, attempt, inputHash, nil)
	if err != nil {
		return nil, err
	}
	pc.StateID = stateID
	return &Visit{runner: nr, stateID: stateID, attempt: attempt, startedAt: time.Now().UTC()}, nil
}

// Complete records a successful node visit.
func (v *Visit) Complete(ctx context.Context, output any) error {
	outputHash, err := canonicaljson.StableHash(output)
	if err != nil {
		return fmt.Errorf("executor: hash node output: %w", err)
	}
	return v.runner.Recorder.CompleteNodeState(ctx, v.stateID, outputHash, nil, v.startedAt)
}

// Fail records a failed node visit with a structured error_json, derived
// from the elspetherrors taxonomy when err carries one.
func (v *Visit) Fail(ctx context.Context, err error) error {
	errInfo := audit.ErrorJSON{Type: "unknown", Message: err.Error(), Attempt: v.attempt}
	if ee, ok := elspetherrors.As(err); ok {
		errInfo.Type = string(ee.Code)
		errInfo.Retryable = ee.Retryable
	}
	return v.runner.Recorder.FailNodeState(ctx, v.stateID, errInfo, v.startedAt)
}

// StateID returns the open visit's NodeState id.
func (v *Visit) StateID() string { return v.stateID }
