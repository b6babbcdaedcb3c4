package orchestrator

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/obsv"
	"github.com/tachyon-beep/elspeth/internal/operators"
	"github.com/tachyon-beep/elspeth/internal/plugin"
	"github.com/tachyon-beep/elspeth/internal/token"
)

// drain runs the core scheduler loop to a fixed point: pop an item, dispatch
// it by node kind, repeat until the queue empties or cancellation/error
// stops it (spec section 4.1, section 5 "cooperative cancellation").
func (o *Orchestrator) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.isCancelled() {
			return nil
		}
		it, ok := o.queue.pop()
		if !ok {
			return nil
		}
		obsv.SetQueueDepth(o.runID, o.queue.len())
		n, ok := o.spec.Graph.Nodes[it.NodeLabel]
		if !ok {
			return elspetherrors.InvariantViolation(
				fmt.Sprintf("orchestrator: work item references unknown node %q", it.NodeLabel), nil)
		}
		var err error
		switch n.Type {
		case dag.NodeTransform:
			err = o.dispatchTransform(ctx, it)
		case dag.NodeGate:
			err = o.dispatchGate(ctx, it)
		case dag.NodeSink:
			err = o.dispatchSink(ctx, it)
		case dag.NodeAggregation:
			err = o.dispatchAggregation(ctx, it)
		case dag.NodeCoalesce:
			err = o.dispatchCoalesce(ctx, it)
		default:
			err = elspetherrors.InvariantViolation(
				fmt.Sprintf("orchestrator: node %q has unexpected type %q in work queue", it.NodeLabel, n.Type), nil)
		}
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) dispatchTransform(ctx context.Context, it item) error {
	label := it.NodeLabel
	impl, ok := o.spec.Plugins.Transforms[label]
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: transform node %q has no plugin implementation", label), nil)
	}
	nr := o.nodeRunner(label)
	pc := o.pluginContext(label)

	attempt := it.Attempt
	var rows []plugin.Row
	var runErr error
	for {
		rows, runErr = executor.RunTransform(ctx, nr, it.TokenID, attempt, it.Row, impl, pc)
		if runErr == nil {
			break
		}
		ee, isEngineErr := elspetherrors.As(runErr)
		if isEngineErr && ee.Retryable && attempt+1 < o.spec.MaxAttempts {
			attempt++
			continue
		}
		if sinkLabel, ok := o.spec.Quarantine[label]; ok {
			return o.quarantineToken(ctx, it, label, sinkLabel, runErr)
		}
		return runErr
	}

	o.writeCheckpoint(ctx, it.TokenID, label, rows)
	return o.continueTransformOutputs(ctx, it, label, rows)
}

// continueTransformOutputs applies spec section 4.3's fan-out cardinality
// rule to a transform's output rows: zero rows ends the token's path,
// exactly one reuses the same token, and more than one forks one expand
// child per output row. Shared between the live dispatch path and resume,
// which both reach this same boundary from different starting points.
func (o *Orchestrator) continueTransformOutputs(ctx context.Context, it item, label string, rows []plugin.Row) error {
	if len(rows) == 0 {
		obsv.RecordNodeDispatch(label, string(audit.OutcomeCompleted))
		return o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeCompleted)
	}

	to, ok := o.spec.Graph.RouteTarget(label, "")
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: transform node %q has no outgoing edge", label), nil)
	}

	if len(rows) == 1 {
		return o.queue.push(item{
			TokenID: it.TokenID, RowID: it.RowID, NodeLabel: to, Row: rows[0],
			RouteLabel: it.RouteLabel, CoalesceKey: it.CoalesceKey,
		})
	}

	obsv.RecordNodeDispatch(label, string(audit.OutcomeExpanded))
	if err := o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeExpanded); err != nil {
		return err
	}
	for _, row := range rows {
		childID, err := o.deps.Recorder.ForkToken(ctx, o.runID, it.RowID, o.nodeID[label], it.TokenID, audit.RelationExpand)
		if err != nil {
			return err
		}
		o.tokenRow[childID] = it.RowID
		if err := o.queue.push(item{
			TokenID: childID, RowID: it.RowID, NodeLabel: to, Row: row,
			RouteLabel: it.RouteLabel, CoalesceKey: it.CoalesceKey,
		}); err != nil {
			return err
		}
	}
	return nil
}

// quarantineToken writes a transform's failure permanently to the
// configured quarantine sink instead of failing the run (spec section 7).
func (o *Orchestrator) quarantineToken(ctx context.Context, it item, transformLabel, sinkLabel string, causeErr error) error {
	if err := o.deps.Recorder.RecordTransformError(ctx, o.runID, it.TokenID, o.nodeID[transformLabel], causeErr.Error()); err != nil {
		return err
	}
	impl, ok := o.spec.Plugins.Sinks[sinkLabel]
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: quarantine sink %q has no plugin implementation", sinkLabel), nil)
	}
	nr := o.nodeRunner(sinkLabel)
	pc := o.pluginContext(sinkLabel)
	if _, err := executor.RunSink(ctx, nr, it.TokenID, 0, []plugin.Row{it.Row}, impl, pc); err != nil {
		return err
	}
	obsv.RecordQuarantine(transformLabel)
	return o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeQuarantined)
}

func (o *Orchestrator) dispatchGate(ctx context.Context, it item) error {
	label := it.NodeLabel
	impl, ok := o.spec.Plugins.Gates[label]
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: gate node %q has no plugin implementation", label), nil)
	}
	nr := o.nodeRunner(label)
	pc := o.pluginContext(label)

	action, err := executor.RunGate(ctx, nr, it.TokenID, it.Attempt, it.Row, impl, pc)
	if err != nil {
		return err
	}
	stateID := pc.StateID
	o.writeCheckpoint(ctx, it.TokenID, label, it.Row)

	switch action.Kind {
	case plugin.RouteDrop:
		// "routed" is the closest terminal classification to a gate that
		// chose not to send the token anywhere; there is no separate edge
		// to record a RoutingEvent against.
		obsv.RecordNodeDispatch(label, string(audit.OutcomeRouted))
		return o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeRouted)

	case plugin.RouteContinue:
		to, ok := o.spec.Graph.RouteTarget(label, "")
		if !ok {
			return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: gate node %q has no unconditional continuation edge", label), nil)
		}
		if err := o.deps.Recorder.RecordRoutingEvent(ctx, stateID, o.edgeID[label][""], action.Rule, nil, audit.RoutingStatic); err != nil {
			return err
		}
		return o.queue.push(item{TokenID: it.TokenID, RowID: it.RowID, NodeLabel: to, Row: it.Row, RouteLabel: it.RouteLabel, CoalesceKey: it.CoalesceKey})

	case plugin.RouteTo:
		if len(action.RouteLabels) != 1 {
			return elspetherrors.GateError(fmt.Sprintf("orchestrator: gate node %q returned %d route labels for a RouteTo action, want exactly 1", label, len(action.RouteLabels)), nil)
		}
		rl := action.RouteLabels[0]
		to, ok := o.spec.Graph.RouteTarget(label, rl)
		if !ok {
			return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: gate node %q routed to undeclared label %q", label, rl), nil)
		}
		if err := o.deps.Recorder.RecordRoutingEvent(ctx, stateID, o.edgeID[label][rl], action.Rule, nil, audit.RoutingConditional); err != nil {
			return err
		}
		return o.queue.push(item{TokenID: it.TokenID, RowID: it.RowID, NodeLabel: to, Row: it.Row, RouteLabel: rl, CoalesceKey: it.CoalesceKey})

	case plugin.RouteFork:
		obsv.RecordNodeDispatch(label, string(audit.OutcomeForked))
		if err := o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeForked); err != nil {
			return err
		}
		coalesceKey := it.TokenID
		for _, rl := range action.RouteLabels {
			to, ok := o.spec.Graph.RouteTarget(label, rl)
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: gate node %q forked to undeclared label %q", label, rl), nil)
			}
			childID, err := o.deps.Recorder.ForkToken(ctx, o.runID, it.RowID, o.nodeID[label], it.TokenID, audit.RelationFork)
			if err != nil {
				return err
			}
			o.tokenRow[childID] = it.RowID
			if err := o.deps.Recorder.RecordRoutingEvent(ctx, stateID, o.edgeID[label][rl], action.Rule, nil, audit.RoutingConditional); err != nil {
				return err
			}
			if err := o.queue.push(item{TokenID: childID, RowID: it.RowID, NodeLabel: to, Row: it.Row, RouteLabel: rl, CoalesceKey: coalesceKey}); err != nil {
				return err
			}
		}
		return nil

	default:
		return elspetherrors.InvariantViolation(fmt.Sprintf("orchestrator: gate node %q returned unknown routing kind %q", label, action.Kind), nil)
	}
}

func (o *Orchestrator) dispatchSink(ctx context.Context, it item) error {
	label := it.NodeLabel
	impl, ok := o.spec.Plugins.Sinks[label]
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: sink node %q has no plugin implementation", label), nil)
	}
	nr := o.nodeRunner(label)
	pc := o.pluginContext(label)
	if _, err := executor.RunSink(ctx, nr, it.TokenID, it.Attempt, []plugin.Row{it.Row}, impl, pc); err != nil {
		return err
	}
	o.writeCheckpoint(ctx, it.TokenID, label, it.Row)
	obsv.RecordNodeDispatch(label, string(audit.OutcomeCompleted))
	return o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeCompleted)
}

func (o *Orchestrator) dispatchAggregation(ctx context.Context, it item) error {
	label := it.NodeLabel
	impl, ok := o.spec.Plugins.Aggregations[label]
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: aggregation node %q has no plugin implementation", label), nil)
	}
	nr := o.nodeRunner(label)
	pc := o.pluginContext(label)
	if err := executor.RunAggregationAccept(ctx, nr, it.TokenID, it.Attempt, it.Row, impl, pc); err != nil {
		return err
	}
	if err := o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeBuffered); err != nil {
		return err
	}

	agg := o.aggregators[label]
	_, err := agg.Add(operators.Member{
		TokenID:     token.ID(it.TokenID),
		Payload:     it.Row,
		ApproxBytes: stableApproxBytes(it.Row),
		Label:       it.RouteLabel,
	})
	if err != nil {
		return err
	}
	// Checkpointed after Add so the aggregation_state_ref snapshot this
	// writes includes the member just accepted, not the buffer as it
	// stood before this token arrived.
	o.writeCheckpoint(ctx, it.TokenID, label, it.Row)
	return nil
}

func (o *Orchestrator) dispatchCoalesce(ctx context.Context, it item) error {
	label := it.NodeLabel
	c, ok := o.coalescers[label]
	if !ok {
		return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: coalesce node %q has no operator configured", label), nil)
	}
	groupKey := it.CoalesceKey
	if groupKey == "" {
		// A token with no recorded lineage group is its own barrier of one,
		// rather than silently discarded.
		groupKey = it.TokenID
	}
	res, err := c.Add(groupKey, operators.Member{TokenID: token.ID(it.TokenID), Payload: it.Row, Label: it.RouteLabel}, false)
	if err != nil {
		return err
	}
	// Checkpointed after Add, same reasoning as dispatchAggregation: the
	// snapshot must include the member just accepted.
	o.writeCheckpoint(ctx, it.TokenID, label, it.Row)
	if !res.Completed {
		return o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, it.TokenID, audit.OutcomeBuffered)
	}
	// A completed barrier's side effects (Merge invocation, output token
	// creation, terminal outcomes for every member, enqueuing the
	// continuation) all happen inside the CoalesceFunc closure itself; see
	// coalesceFunc in operators_wire.go.
	return nil
}
