package orchestrator

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/obsv"
	"github.com/tachyon-beep/elspeth/internal/operators"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// stableApproxBytes estimates a payload's encoded size for the
// Aggregator's byte-count trigger, via the same canonical encoding used
// for hashing elsewhere so the estimate is deterministic across runs.
func stableApproxBytes(v any) int64 {
	data, err := canonicaljson.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func flushReasonFor(kind operators.TriggerKind) plugin.FlushReason {
	switch kind {
	case operators.TriggerCount:
		return plugin.FlushCount
	case operators.TriggerBytes:
		return plugin.FlushBytes
	case operators.TriggerElapsed:
		return plugin.FlushElapsed
	default:
		return plugin.FlushSourceExhausted
	}
}

// aggregateFunc builds the operators.AggregateFunc closure an Aggregator
// calls when its trigger fires: it invokes the plugin's Flush, opens and
// closes an audit Batch atomically, mints one child token per output row
// (relation "expand", since a batch's outputs are new values derived from,
// not identical to, any one consumed row), and enqueues each continuation.
// AggregateFunc carries no context.Context parameter, so this closure reads
// o.runCtx — safe because spec section 5 mandates a single scheduler per
// run, so the run's context never changes mid-call.
func (o *Orchestrator) aggregateFunc(label string, impl plugin.Aggregation) operators.AggregateFunc {
	return func(kind operators.TriggerKind, members []operators.Member) ([]any, error) {
		ctx := o.runCtx
		nr := o.nodeRunner(label)
		pc := o.pluginContext(label)

		consumedIDs := make([]string, 0, len(members))
		for _, m := range members {
			consumedIDs = append(consumedIDs, string(m.TokenID))
		}
		triggerTokenID := consumedIDs[len(consumedIDs)-1]
		originRowID := o.tokenRow[consumedIDs[0]]
		originTokenID := consumedIDs[0]

		rows, err := executor.RunAggregationFlush(ctx, nr, triggerTokenID, 0, flushReasonFor(kind), impl, pc)
		if err != nil {
			return nil, err
		}
		o.writeCheckpoint(ctx, triggerTokenID, label, rows)

		batchID, err := o.deps.Recorder.OpenBatch(ctx, o.runID, o.nodeID[label])
		if err != nil {
			return nil, err
		}
		for _, tid := range consumedIDs {
			if err := o.deps.Recorder.AddBatchMember(ctx, batchID, tid); err != nil {
				return nil, err
			}
		}

		if len(rows) == 0 {
			if err := o.deps.Recorder.CloseBatch(ctx, o.runID, batchID, string(kind), nil); err != nil {
				return nil, err
			}
			for _, tid := range consumedIDs {
				if err := o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, tid, audit.OutcomeConsumedInBatch); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}

		to, ok := o.spec.Graph.RouteTarget(label, "")
		if !ok {
			return nil, elspetherrors.ConfigError(fmt.Sprintf("orchestrator: aggregation node %q has no outgoing edge", label), nil)
		}

		outputTokenIDs := make([]string, 0, len(rows))
		outputs := make([]any, 0, len(rows))
		for _, row := range rows {
			childID, err := o.deps.Recorder.ForkToken(ctx, o.runID, originRowID, o.nodeID[label], originTokenID, audit.RelationExpand)
			if err != nil {
				return nil, err
			}
			o.tokenRow[childID] = originRowID
			outputTokenIDs = append(outputTokenIDs, childID)
			outputs = append(outputs, row)
		}

		if err := o.deps.Recorder.CloseBatch(ctx, o.runID, batchID, string(kind), outputTokenIDs); err != nil {
			return nil, err
		}
		for _, tid := range consumedIDs {
			if err := o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, tid, audit.OutcomeConsumedInBatch); err != nil {
				return nil, err
			}
		}
		for i, childID := range outputTokenIDs {
			if err := o.queue.push(item{TokenID: childID, RowID: originRowID, NodeLabel: to, Row: rows[i]}); err != nil {
				return nil, err
			}
		}
		return outputs, nil
	}
}

// coalesceFunc builds the operators.CoalesceFunc closure a Coalescer calls
// once a barrier's expected arrivals have all shown up: it rebuilds the
// rows-by-label projection the plugin.Coalesce.Merge contract requires,
// invokes Merge, mints the single joined child token, records every parent
// as "coalesced", and enqueues the continuation.
func (o *Orchestrator) coalesceFunc(label string, impl plugin.Coalesce) operators.CoalesceFunc {
	return func(members []operators.Member) (any, error) {
		ctx := o.runCtx
		nr := o.nodeRunner(label)
		pc := o.pluginContext(label)

		rowsByLabel := make(map[string]plugin.Row, len(members))
		parentIDs := make([]string, 0, len(members))
		for _, m := range members {
			tid := string(m.TokenID)
			parentIDs = append(parentIDs, tid)
			if row, ok := m.Payload.(plugin.Row); ok {
				rowsByLabel[m.Label] = row
			}
		}
		triggerTokenID := parentIDs[0]
		rowID := o.tokenRow[triggerTokenID]

		merged, err := executor.RunCoalesce(ctx, nr, triggerTokenID, 0, rowsByLabel, impl, pc)
		if err != nil {
			return nil, err
		}
		o.writeCheckpoint(ctx, triggerTokenID, label, merged)

		childID, err := o.deps.Recorder.CoalesceTokens(ctx, o.runID, rowID, o.nodeID[label], parentIDs)
		if err != nil {
			return nil, err
		}
		o.tokenRow[childID] = rowID

		for _, pid := range parentIDs {
			if err := o.deps.Recorder.RecordTokenOutcome(ctx, o.runID, pid, audit.OutcomeCoalesced); err != nil {
				return nil, err
			}
		}
		obsv.RecordNodeDispatch(label, string(audit.OutcomeCoalesced))

		to, ok := o.spec.Graph.RouteTarget(label, "")
		if !ok {
			return nil, elspetherrors.ConfigError(fmt.Sprintf("orchestrator: coalesce node %q has no outgoing edge", label), nil)
		}
		if err := o.queue.push(item{TokenID: childID, RowID: rowID, NodeLabel: to, Row: merged}); err != nil {
			return nil, err
		}
		return merged, nil
	}
}

// flushAllAggregations force-closes every still-open aggregation window
// once all sources are exhausted (spec section 4.4: "partial flush on
// source exhaustion is guaranteed").
func (o *Orchestrator) flushAllAggregations(ctx context.Context) error {
	for _, agg := range o.aggregators {
		if _, err := agg.Flush(); err != nil {
			return err
		}
	}
	return nil
}
