package orchestrator

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/obsv"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// ingestSources drives every declared source node to exhaustion, turning
// each yielded row into an immutable Row and a freshly-minted Token (spec
// section 3: "created on ingest"), then enqueuing the token at its first
// downstream node. Source errors fail the run immediately (spec section 7).
func (o *Orchestrator) ingestSources(ctx context.Context) error {
	for _, label := range o.spec.Graph.Order() {
		n := o.spec.Graph.Nodes[label]
		if n.Type != dag.NodeSource {
			continue
		}
		if o.isCancelled() {
			return nil
		}
		if err := o.ingestOneSource(ctx, label); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ingestOneSource(ctx context.Context, label string) error {
	impl, ok := o.spec.Plugins.Sources[label]
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: source node %q has no plugin implementation", label), nil)
	}
	to, ok := o.spec.Graph.RouteTarget(label, "")
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: source node %q has no outgoing edge", label), nil)
	}

	nr := o.nodeRunner(label)
	pc := o.pluginContext(label)
	nodeID := o.nodeID[label]

	onRow := func(row plugin.Row) error {
		if o.isCancelled() {
			return nil
		}
		inputHash, err := canonicaljson.StableHash(row)
		if err != nil {
			return fmt.Errorf("orchestrator: hash source row: %w", err)
		}
		rowIndex := o.sourceSeq[label]
		o.sourceSeq[label] = rowIndex + 1

		rowID, err := o.deps.Recorder.CreateRow(ctx, o.runID, nodeID, rowIndex, inputHash, nil)
		if err != nil {
			return err
		}
		tokenID, err := o.deps.Recorder.CreateToken(ctx, o.runID, rowID, nodeID)
		if err != nil {
			return err
		}
		o.tokenRow[tokenID] = rowID

		visit, err := nr.Begin(ctx, tokenID, 0, row, pc)
		if err != nil {
			return err
		}
		if err := visit.Complete(ctx, row); err != nil {
			return err
		}
		o.writeCheckpoint(ctx, tokenID, label, row)
		obsv.RecordRowsIngested(label, 1)

		return o.queue.push(item{TokenID: tokenID, RowID: rowID, NodeLabel: to, Row: row})
	}

	return executor.RunSource(ctx, impl, pc, onRow)
}
