package orchestrator

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/checkpoint"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/operators"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// Resume continues a failed run from its checkpoints (spec section 4.7).
// It verifies the run is failed, rebuilds this Orchestrator's node/edge
// lookups and operator state from the audit trail rather than
// re-registering the graph, re-enqueues each token's continuation from its
// latest checkpoint, and then drives the same drain/flush/finalize loop a
// fresh Run uses.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (Result, error) {
	o.runCtx = ctx

	if _, err := checkpoint.VerifyResumable(ctx, o.deps.Store, runID); err != nil {
		return Result{}, err
	}
	plan, err := checkpoint.BuildPlan(ctx, o.deps.Recorder, runID)
	if err != nil {
		return Result{}, err
	}

	o.runID = runID
	o.queue = newWorkQueue(o.spec.QueueCeiling)

	if err := o.rebuildGraph(ctx, runID); err != nil {
		return Result{}, err
	}
	if err := o.restoreOperatorState(plan); err != nil {
		return Result{}, err
	}
	if err := o.deps.Store.ReopenRun(ctx, runID); err != nil {
		return Result{}, fmt.Errorf("orchestrator: reopen run %s: %w", runID, err)
	}

	seed := func(ctx context.Context) error { return o.enqueueContinuations(ctx, plan) }
	return o.execute(ctx, runID, seed)
}

// rebuildGraph repopulates o.nodeID/o.edgeID and seeds fresh aggregator/
// coalescer operators from the already-registered nodes and edges of a
// prior attempt at runID, instead of calling RegisterNode/RegisterEdge
// again (which would violate their primary keys).
func (o *Orchestrator) rebuildGraph(ctx context.Context, runID string) error {
	nodes, err := o.deps.Store.ListNodes(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: list nodes for resume: %w", err)
	}
	if len(nodes) == 0 {
		return elspetherrors.CheckpointMismatch(fmt.Sprintf("orchestrator: run %s has no registered nodes to resume", runID), nil)
	}
	nodeIDToLabel := make(map[string]string, len(nodes))
	for _, n := range nodes {
		o.nodeID[n.Label] = n.NodeID
		nodeIDToLabel[n.NodeID] = n.Label

		switch n.Type {
		case audit.NodeType(dag.NodeAggregation):
			aggSpec, ok := o.spec.Aggregations[n.Label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: aggregation node %q has no trigger configuration", n.Label), nil)
			}
			impl, ok := o.spec.Plugins.Aggregations[n.Label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: aggregation node %q has no plugin implementation", n.Label), nil)
			}
			o.aggregators[n.Label] = operators.NewAggregator(aggSpec.Trigger, o.aggregateFunc(n.Label, impl))
		case audit.NodeType(dag.NodeCoalesce):
			coSpec, ok := o.spec.Coalesces[n.Label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: coalesce node %q has no arity configuration", n.Label), nil)
			}
			impl, ok := o.spec.Plugins.Coalesces[n.Label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: coalesce node %q has no plugin implementation", n.Label), nil)
			}
			o.coalescers[n.Label] = operators.NewCoalescer(coSpec.Expected, o.coalesceFunc(n.Label, impl))
		}
	}

	edges, err := o.deps.Store.ListEdges(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: list edges for resume: %w", err)
	}
	for _, e := range edges {
		fromLabel := nodeIDToLabel[e.FromNodeID]
		routeLabel := ""
		if e.RouteLabel != nil {
			routeLabel = *e.RouteLabel
		}
		if o.edgeID[fromLabel] == nil {
			o.edgeID[fromLabel] = make(map[string]string)
		}
		o.edgeID[fromLabel][routeLabel] = e.EdgeID
	}
	return nil
}

// restoreOperatorState rehydrates every aggregation/coalesce node's
// buffered-but-unflushed members from its latest checkpoint's snapshot,
// and repopulates o.tokenRow for those members — Restore only brings back
// the operator's own bookkeeping, not the scheduler's token/row lookup,
// which the eventual flush/merge closures still need.
func (o *Orchestrator) restoreOperatorState(plan checkpoint.Plan) error {
	for label, agg := range o.aggregators {
		nodeID := o.nodeID[label]
		c, ok := checkpoint.Latest(plan.ByNode[nodeID])
		if !ok {
			continue
		}
		data, ok, err := checkpoint.DecodeAggregationState(o.deps.Payloads, c)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := agg.Restore(data); err != nil {
			return fmt.Errorf("orchestrator: restore aggregator %q: %w", label, err)
		}
		for _, tid := range agg.BufferedTokens() {
			o.tokenRow[string(tid)] = o.rowIDFor(string(tid))
		}
	}
	for label, c := range o.coalescers {
		nodeID := o.nodeID[label]
		ck, ok := checkpoint.Latest(plan.ByNode[nodeID])
		if !ok {
			continue
		}
		data, ok, err := checkpoint.DecodeAggregationState(o.deps.Payloads, ck)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.Restore(data); err != nil {
			return fmt.Errorf("orchestrator: restore coalescer %q: %w", label, err)
		}
		for _, tid := range c.PendingTokens() {
			o.tokenRow[string(tid)] = o.rowIDFor(string(tid))
		}
	}
	return nil
}

// rowIDFor looks up a token's row id from the audit trail, used only
// during resume when o.tokenRow has not yet been populated for tokens
// that existed before this process started. Errors are swallowed to an
// empty row id: a lookup failure here only degrades a later fork's
// lineage, it must not abort an otherwise-resumable run.
func (o *Orchestrator) rowIDFor(tokenID string) string {
	t, err := o.deps.Store.GetToken(o.runCtx, tokenID)
	if err != nil {
		o.logError(o.runCtx, "resume: look up row for token "+tokenID, err)
		return ""
	}
	return t.RowID
}

// enqueueContinuations walks every node with a latest checkpoint and
// re-enqueues the work that checkpoint's node-kind implies was not yet
// pushed when the run crashed. Aggregation and coalesce nodes are skipped
// here: their buffered members were already restored into the live
// operator by restoreOperatorState, and re-enqueuing them would double-
// count a member the operator already holds.
func (o *Orchestrator) enqueueContinuations(ctx context.Context, plan checkpoint.Plan) error {
	for nodeID, cks := range plan.ByNode {
		label, n, ok := o.nodeByID(nodeID)
		if !ok {
			return elspetherrors.InvariantViolation(fmt.Sprintf("orchestrator: checkpoint references unknown node id %q", nodeID), nil)
		}
		if n.Type == dag.NodeAggregation || n.Type == dag.NodeCoalesce {
			continue
		}
		for _, c := range cks {
			if err := o.enqueueContinuation(ctx, label, n.Type, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) nodeByID(nodeID string) (string, dag.NodeSpec, bool) {
	for label, id := range o.nodeID {
		if id == nodeID {
			return label, o.spec.Graph.Nodes[label], true
		}
	}
	return "", dag.NodeSpec{}, false
}

// enqueueContinuation re-creates the single piece of pending work one
// token's latest checkpoint implies, per node kind:
//
//   - Source: the row was ingested and checkpointed immediately before
//     being pushed downstream; push it now.
//   - Transform: the checkpoint carries the node's already-computed
//     output rows (see writeCheckpoint's caller in dispatchTransform), so
//     resume applies the same fan-out rule rather than re-running the
//     plugin.
//   - Gate: Gate.Evaluate is required to be pure (spec section 6), so the
//     safe and simplest resume action is to re-dispatch the gate node on
//     its checkpointed input row rather than guess which branch it had
//     chosen.
//   - Sink: terminal; nothing to continue.
func (o *Orchestrator) enqueueContinuation(ctx context.Context, label string, typ dag.NodeType, c audit.Checkpoint) error {
	rowID := o.rowIDFor(c.TokenID)
	o.tokenRow[c.TokenID] = rowID

	switch typ {
	case dag.NodeSource:
		var row plugin.Row
		if ok, err := checkpoint.DecodeRow(o.deps.Payloads, c, &row); err != nil {
			return err
		} else if !ok {
			return nil
		}
		to, ok := o.spec.Graph.RouteTarget(label, "")
		if !ok {
			return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: source node %q has no outgoing edge", label), nil)
		}
		return o.queue.push(item{TokenID: c.TokenID, RowID: rowID, NodeLabel: to, Row: row})

	case dag.NodeTransform:
		var rows []plugin.Row
		if ok, err := checkpoint.DecodeRow(o.deps.Payloads, c, &rows); err != nil {
			return err
		} else if !ok {
			return nil
		}
		it := item{TokenID: c.TokenID, RowID: rowID}
		return o.continueTransformOutputs(ctx, it, label, rows)

	case dag.NodeGate:
		var row plugin.Row
		if ok, err := checkpoint.DecodeRow(o.deps.Payloads, c, &row); err != nil {
			return err
		} else if !ok {
			return nil
		}
		return o.queue.push(item{TokenID: c.TokenID, RowID: rowID, NodeLabel: label, Row: row})

	case dag.NodeSink:
		return nil

	default:
		return elspetherrors.InvariantViolation(fmt.Sprintf("orchestrator: resume cannot continue node %q of type %q", label, typ), nil)
	}
}
