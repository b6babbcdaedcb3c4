package orchestrator

import (
	"context"
	"testing"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/builtin"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// forkGate always forks a row down both of its declared labels, to
// exercise a barrier coalesce downstream of a fork without depending on
// ThresholdGate's single-label routing.
type forkGate struct {
	labels []string
}

func (g *forkGate) Evaluate(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) (plugin.RoutingAction, error) {
	return plugin.RoutingAction{Kind: plugin.RouteFork, RouteLabels: g.labels, Rule: "always fork"}, nil
}

var _ plugin.Gate = (*forkGate)(nil)

// TestForkThenCoalesceMergesBothPathsIntoOneRow exercises a fork (spec
// section 4.3 fan-out) immediately followed by a labeled-barrier coalesce
// (spec section 4.4): both forked paths carry the same row, so the merge
// should find no conflicting fields and close the barrier into exactly one
// row reaching the sink per input row.
func TestForkThenCoalesceMergesBothPathsIntoOneRow(t *testing.T) {
	ctx := context.Background()
	deps, db := testHarness(t)

	nodes := []dag.NodeSpec{
		{Label: "src", Type: dag.NodeSource, PluginName: "csv", PluginVersion: "1", ConfigHash: "h1", Deterministic: true},
		{Label: "split", Type: dag.NodeGate, PluginName: "fork", PluginVersion: "1", ConfigHash: "h2", Deterministic: true},
		{Label: "merge", Type: dag.NodeCoalesce, PluginName: "labelmerge", PluginVersion: "1", ConfigHash: "h3", Deterministic: true},
		{Label: "sink", Type: dag.NodeSink, PluginName: "jsonfile", PluginVersion: "1", ConfigHash: "h4", Deterministic: true},
	}
	edges := []dag.EdgeSpec{
		{From: "src", To: "split"},
		{From: "split", To: "merge", RouteLabel: "a"},
		{From: "split", To: "merge", RouteLabel: "b"},
		{From: "merge", To: "sink"},
	}
	g, err := dag.Build(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}

	spec := Spec{
		Graph: g,
		Plugins: PluginSet{
			Sources:   map[string]plugin.Source{"src": builtin.NewCSVSource()},
			Gates:     map[string]plugin.Gate{"split": &forkGate{labels: []string{"a", "b"}}},
			Coalesces: map[string]plugin.Coalesce{"merge": builtin.NewLabelMergeCoalesce()},
			Sinks:     map[string]plugin.Sink{"sink": builtin.NewJSONFileSink()},
		},
		NodeConfig: map[string]map[string]any{
			"src": {"data": "id,text\n1,hello\n2,world\n"},
		},
		Descriptors: descriptorsFor(nodes...),
		Coalesces: map[string]CoalesceSpec{
			"merge": {Expected: 2},
		},
		Mode:              audit.ModeLive,
		ConfigFingerprint: "fp",
		CanonicalVersion:  "1",
	}

	o := New(deps, spec)
	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != audit.RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", res.Status)
	}

	if n := countOutcomes(t, db, res.RunID, audit.OutcomeForked); n != 2 {
		t.Fatalf("expected 2 rows to have forked at the gate, got %d", n)
	}
	if n := countOutcomes(t, db, res.RunID, audit.OutcomeCoalesced); n != 4 {
		t.Fatalf("expected all 4 forked branch tokens to terminate coalesced, got %d", n)
	}
	if n := countOutcomes(t, db, res.RunID, audit.OutcomeCompleted); n != 2 {
		t.Fatalf("expected 2 merged rows to complete at the sink (one per input row), got %d", n)
	}
}
