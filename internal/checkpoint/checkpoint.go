// Package checkpoint implements the resume policy of spec section 4.7: a
// failed run's latest checkpoint per token names the scheduling boundary
// it is safe to restart from. This package supplies the store-level half
// of that policy (verifying a run is resumable, loading and grouping its
// checkpoints, decoding the row payload a checkpoint carries); the
// scheduler-state half — rebuilding the node-id lookups, restoring
// aggregation/coalesce operator snapshots, and re-enqueuing continuations
// — lives in internal/orchestrator's Resume method, since only that
// package holds the unexported scheduler state a resume rehydrates into.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
)

// VerifyResumable loads runID and confirms it is failed, per spec section
// 4.7: "the system verifies the run is failed". A run in any other state
// cannot be resumed — CheckpointMismatch-class errors here are meant to
// stop the caller cold rather than be retried.
func VerifyResumable(ctx context.Context, store audit.Store, runID string) (audit.Run, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return audit.Run{}, fmt.Errorf("checkpoint: load run %s: %w", runID, err)
	}
	if run.Status != audit.RunFailed {
		return audit.Run{}, elspetherrors.CheckpointMismatch(
			fmt.Sprintf("checkpoint: run %s has status %q, only a failed run can be resumed", runID, run.Status), nil)
	}
	return run, nil
}

// Plan is the decoded resume state for one run: its latest checkpoint per
// token, grouped by the node each checkpoint was written at.
type Plan struct {
	RunID  string
	ByNode map[string][]audit.Checkpoint // node_id -> latest checkpoints at that node
}

// BuildPlan loads every token's latest checkpoint for runID and groups
// them by node_id. An empty Plan (no checkpoints at all) means the run
// failed before any token reached a checkpointed boundary — the caller
// should fail resume loudly rather than silently produce a no-op run,
// since that almost always means the wrong run_id was given.
func BuildPlan(ctx context.Context, recorder *audit.Recorder, runID string) (Plan, error) {
	cks, err := recorder.LatestCheckpoints(ctx, runID)
	if err != nil {
		return Plan{}, fmt.Errorf("checkpoint: load checkpoints for run %s: %w", runID, err)
	}
	if len(cks) == 0 {
		return Plan{}, elspetherrors.CheckpointMismatch(
			fmt.Sprintf("checkpoint: run %s has no checkpoints to resume from", runID), nil)
	}
	plan := Plan{RunID: runID, ByNode: make(map[string][]audit.Checkpoint)}
	for _, c := range cks {
		plan.ByNode[c.NodeID] = append(plan.ByNode[c.NodeID], c)
	}
	return plan, nil
}

// DecodeRow unmarshals a checkpoint's row payload (stored via the payload
// store at checkpoint-write time) into dst. ok is false if the checkpoint
// carried no row reference, which resume treats as "nothing to continue"
// rather than an error — sink and terminal-outcome checkpoints have no
// downstream continuation by design.
func DecodeRow(payloads *payloadstore.Store, c audit.Checkpoint, dst any) (ok bool, err error) {
	if c.RowRef == nil {
		return false, nil
	}
	data, err := payloads.Get(*c.RowRef)
	if err != nil {
		return false, fmt.Errorf("checkpoint: load row payload for checkpoint %s: %w", c.CheckpointID, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("checkpoint: decode row payload for checkpoint %s: %w", c.CheckpointID, err)
	}
	return true, nil
}

// DecodeAggregationState returns the raw snapshot bytes an aggregation or
// coalesce node's checkpoint carries, ready for operators.Aggregator /
// operators.Coalescer Restore. ok is false if the node owns no such state.
func DecodeAggregationState(payloads *payloadstore.Store, c audit.Checkpoint) (data []byte, ok bool, err error) {
	if c.AggregationStateRef == nil {
		return nil, false, nil
	}
	data, err = payloads.Get(*c.AggregationStateRef)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: load operator state for checkpoint %s: %w", c.CheckpointID, err)
	}
	return data, true, nil
}

// Latest returns the single latest checkpoint among cks by sequence
// number, used when a node's ByNode slice holds more than one token's
// checkpoint but only the furthest-along one carries live operator state
// (aggregation/coalesce snapshots are cumulative, not per-token).
func Latest(cks []audit.Checkpoint) (audit.Checkpoint, bool) {
	var best audit.Checkpoint
	found := false
	for _, c := range cks {
		if !found || c.SequenceNumber > best.SequenceNumber {
			best = c
			found = true
		}
	}
	return best, found
}
