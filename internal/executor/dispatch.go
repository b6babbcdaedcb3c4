package executor

import (
	"context"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// RunSource drives a Source to exhaustion, audit-bracketing each yielded
// row as its own NodeState visit is the orchestrator's job (a Source has
// no single token yet — row creation precedes token creation per spec
// section 3). RunSource itself only opens/drains the iterator and reports
// rows to onRow; the orchestrator turns each row into a Row+Token pair and
// performs its own audit bracketing around that.
func RunSource(ctx context.Context, src plugin.Source, pc *plugin.PluginContext, onRow func(plugin.Row) error) error {
	it, err := src.Load(ctx, pc)
	if err != nil {
		return elspetherrors.SourceError("executor: source load failed", err)
	}
	defer it.Close()

	for it.Next(ctx) {
		if err := onRow(it.Row()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return elspetherrors.SourceError("executor: source iteration failed", err)
	}
	return nil
}

// RunTransform invokes a Transform for one token's row, bracketing the
// call with a NodeState visit. The caller supplies attempt so retries
// within the same logical step share a NodeState's single attempt value
// while the surrounding AuditedClient still records a Call per physical
// attempt (spec section 4.8).
func RunTransform(ctx context.Context, nr *NodeRunner, tokenID string, attempt int, row plugin.Row, t plugin.Transform, pc *plugin.PluginContext) ([]plugin.Row, error) {
	visit, err := nr.Begin(ctx, tokenID, attempt, row, pc)
	if err != nil {
		return nil, err
	}
	result := t.Process(ctx, row, pc)
	if result.Err != nil {
		failErr := elspetherrors.TransformError("executor: transform failed", result.Retryable, result.Err)
		if recErr := visit.Fail(ctx, failErr); recErr != nil {
			return nil, recErr
		}
		return nil, failErr
	}
	if err := visit.Complete(ctx, result.Rows); err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// RunGate invokes a Gate, bracketed by a NodeState visit. Gate.Evaluate is
// required to be side-effect free (spec section 6); the only audit write
// here is the NodeState itself plus, on success, the RoutingEvent the
// caller records from the returned RoutingAction (left to the caller since
// it also needs the edge_id the gate's route label resolves to).
func RunGate(ctx context.Context, nr *NodeRunner, tokenID string, attempt int, row plugin.Row, g plugin.Gate, pc *plugin.PluginContext) (plugin.RoutingAction, error) {
	visit, err := nr.Begin(ctx, tokenID, attempt, row, pc)
	if err != nil {
		return plugin.RoutingAction{}, err
	}
	action, evalErr := g.Evaluate(ctx, row, pc)
	if evalErr != nil {
		gateErr := elspetherrors.GateError("executor: gate predicate raised", evalErr)
		if recErr := visit.Fail(ctx, gateErr); recErr != nil {
			return plugin.RoutingAction{}, recErr
		}
		return plugin.RoutingAction{}, gateErr
	}
	if err := visit.Complete(ctx, action); err != nil {
		return plugin.RoutingAction{}, err
	}
	return action, nil
}

// RunSink invokes a Sink for a batch of rows, bracketed by a NodeState
// visit keyed to the triggering token.
func RunSink(ctx context.Context, nr *NodeRunner, tokenID string, attempt int, rows []plugin.Row, s plugin.Sink, pc *plugin.PluginContext) (plugin.ArtifactDescriptor, error) {
	visit, err := nr.Begin(ctx, tokenID, attempt, rows, pc)
	if err != nil {
		return plugin.ArtifactDescriptor{}, err
	}
	artifact, writeErr := s.Write(ctx, rows, pc)
	if writeErr != nil {
		sinkErr := elspetherrors.TransformError("executor: sink write failed", false, writeErr)
		if recErr := visit.Fail(ctx, sinkErr); recErr != nil {
			return plugin.ArtifactDescriptor{}, recErr
		}
		return plugin.ArtifactDescriptor{}, sinkErr
	}
	if err := visit.Complete(ctx, artifact); err != nil {
		return plugin.ArtifactDescriptor{}, err
	}
	if recErr := pc.Audit.RecordArtifact(ctx, pc.RunID, visit.StateID(), artifact.Kind, artifact.URI, artifact.ContentHash, artifact.SizeBytes); recErr != nil {
		return plugin.ArtifactDescriptor{}, recErr
	}
	return artifact, nil
}

// RunAggregationAccept feeds one row into an Aggregation plugin,
// bracketed by a NodeState visit whose completion marks the token
// "buffered" rather than terminal — the caller records that outcome,
// since RunAggregationAccept only knows about the node visit, not the
// token lineage bookkeeping.
func RunAggregationAccept(ctx context.Context, nr *NodeRunner, tokenID string, attempt int, row plugin.Row, a plugin.Aggregation, pc *plugin.PluginContext) error {
	visit, err := nr.Begin(ctx, tokenID, attempt, row, pc)
	if err != nil {
		return err
	}
	if acceptErr := a.Accept(ctx, row, pc); acceptErr != nil {
		failErr := elspetherrors.TransformError("executor: aggregation accept failed", false, acceptErr)
		if recErr := visit.Fail(ctx, failErr); recErr != nil {
			return recErr
		}
		return failErr
	}
	return visit.Complete(ctx, row)
}

// RunAggregationFlush invokes an Aggregation's Flush, bracketed by a
// NodeState visit keyed to the token that triggered the flush.
func RunAggregationFlush(ctx context.Context, nr *NodeRunner, tokenID string, attempt int, reason plugin.FlushReason, a plugin.Aggregation, pc *plugin.PluginContext) ([]plugin.Row, error) {
	visit, err := nr.Begin(ctx, tokenID, attempt, reason, pc)
	if err != nil {
		return nil, err
	}
	rows, flushErr := a.Flush(ctx, reason, pc)
	if flushErr != nil {
		failErr := elspetherrors.TransformError("executor: aggregation flush failed", false, flushErr)
		if recErr := visit.Fail(ctx, failErr); recErr != nil {
			return nil, recErr
		}
		return nil, failErr
	}
	if err := visit.Complete(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// RunCoalesce invokes a Coalesce merge once a barrier's labeled inputs
// have all arrived, bracketed by a NodeState visit keyed to the token that
// completed the barrier.
func RunCoalesce(ctx context.Context, nr *NodeRunner, tokenID string, attempt int, rowsByLabel map[string]plugin.Row, c plugin.Coalesce, pc *plugin.PluginContext) (plugin.Row, error) {
	visit, err := nr.Begin(ctx, tokenID, attempt, rowsByLabel, pc)
	if err != nil {
		return nil, err
	}
	merged, mergeErr := c.Merge(ctx, rowsByLabel, pc)
	if mergeErr != nil {
		failErr := elspetherrors.TransformError("executor: coalesce merge failed", false, mergeErr)
		if recErr := visit.Fail(ctx, failErr); recErr != nil {
			return nil, recErr
		}
		return nil, failErr
	}
	if err := visit.Complete(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}
