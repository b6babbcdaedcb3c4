package orchestrator

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/audit/schema"
	"github.com/tachyon-beep/elspeth/internal/builtin"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/operators"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// testHarness builds a fresh Recorder (SQLite-backed, mirroring
// internal/audit's own test style) and payload store for one orchestrator
// run, so each test gets an isolated audit trail. It returns the raw *sql.DB
// too, since assertions here need to count token_outcomes rows directly —
// a query shape the Store interface has no public method for.
func testHarness(t *testing.T) (Deps, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := schema.MigrateSQLite(db); err != nil {
		t.Fatal(err)
	}
	store := audit.NewSQLStore(db, "sqlite3")
	payloads, err := payloadstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return Deps{
		Recorder: audit.NewRecorder(store),
		Store:    store,
		Payloads: payloads,
	}, db
}

// countOutcomes counts how many tokens in runID were recorded with outcome.
func countOutcomes(t *testing.T, db *sql.DB, runID string, outcome audit.RowOutcome) int {
	t.Helper()
	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM token_outcomes WHERE run_id = ? AND outcome = ?`, runID, string(outcome),
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func descriptorsFor(nodes ...dag.NodeSpec) map[string]plugin.Descriptor {
	out := make(map[string]plugin.Descriptor, len(nodes))
	for _, n := range nodes {
		out[n.Label] = plugin.Descriptor{
			Name: n.PluginName, Version: n.PluginVersion, ConfigHash: n.ConfigHash, Deterministic: n.Deterministic,
		}
	}
	return out
}

// TestLinearPipelineCompletesEveryRow exercises scenario S1: a source
// feeding a transform feeding a sink, one row in, one row out, with a
// single "completed" terminal outcome per token.
func TestLinearPipelineCompletesEveryRow(t *testing.T) {
	ctx := context.Background()
	deps, db := testHarness(t)

	nodes := []dag.NodeSpec{
		{Label: "src", Type: dag.NodeSource, PluginName: "csv", PluginVersion: "1", ConfigHash: "h1", Deterministic: true},
		{Label: "upper", Type: dag.NodeTransform, PluginName: "uppercase", PluginVersion: "1", ConfigHash: "h2", Deterministic: true},
		{Label: "sink", Type: dag.NodeSink, PluginName: "jsonfile", PluginVersion: "1", ConfigHash: "h3", Deterministic: true},
	}
	edges := []dag.EdgeSpec{
		{From: "src", To: "upper"},
		{From: "upper", To: "sink"},
	}
	g, err := dag.Build(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}

	spec := Spec{
		Graph: g,
		Plugins: PluginSet{
			Sources:    map[string]plugin.Source{"src": builtin.NewCSVSource()},
			Transforms: map[string]plugin.Transform{"upper": builtin.NewUppercaseTransform()},
			Sinks:      map[string]plugin.Sink{"sink": builtin.NewJSONFileSink()},
		},
		NodeConfig: map[string]map[string]any{
			"src": {"data": "id,text\n1,hello\n2,world\n"},
		},
		Descriptors:       descriptorsFor(nodes...),
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

	if n := countOutcomes(t, db, res.RunID, audit.OutcomeCompleted); n != 2 {
		t.Fatalf("expected 2 completed sink outcomes, got %d", n)
	}
}

// TestGateRoutesRowsToBothBranches exercises scenario S2: a gate that routes
// every row to exactly one of two labeled sinks based on a threshold
// predicate.
func TestGateRoutesRowsToBothBranches(t *testing.T) {
	ctx := context.Background()
	deps, db := testHarness(t)

	gate, err := builtin.NewThresholdGate("score >= 0.5", []string{"score"}, "high", "low")
	if err != nil {
		t.Fatal(err)
	}

	nodes := []dag.NodeSpec{
		{Label: "src", Type: dag.NodeSource, PluginName: "csv", PluginVersion: "1", ConfigHash: "h1", Deterministic: true},
		{Label: "split", Type: dag.NodeGate, PluginName: "threshold", PluginVersion: "1", ConfigHash: "h2", Deterministic: true},
		{Label: "sink_high", Type: dag.NodeSink, PluginName: "jsonfile", PluginVersion: "1", ConfigHash: "h3", Deterministic: true},
		{Label: "sink_low", Type: dag.NodeSink, PluginName: "jsonfile", PluginVersion: "1", ConfigHash: "h4", Deterministic: true},
	}
	edges := []dag.EdgeSpec{
		{From: "src", To: "split"},
		{From: "split", To: "sink_high", RouteLabel: "high"},
		{From: "split", To: "sink_low", RouteLabel: "low"},
	}
	g, err := dag.Build(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}

	spec := Spec{
		Graph: g,
		Plugins: PluginSet{
			Sources: map[string]plugin.Source{"src": builtin.NewCSVSource()},
			Gates:   map[string]plugin.Gate{"split": gate},
			Sinks: map[string]plugin.Sink{
				"sink_high": builtin.NewJSONFileSink(),
				"sink_low":  builtin.NewJSONFileSink(),
			},
		},
		NodeConfig: map[string]map[string]any{
			"src": {"data": "id,score\n1,0.9\n2,0.1\n"},
		},
		Descriptors:       descriptorsFor(nodes...),
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

	if n := countOutcomes(t, db, res.RunID, audit.OutcomeCompleted); n != 2 {
		t.Fatalf("expected 2 completed sink outcomes (one per routed row), got %d", n)
	}
}

// TestAggregationFlushesOnCountTrigger exercises scenario S3: seven rows
// into a count=3 aggregation window close into three batches (3, 3, 1 on
// source exhaustion), each producing exactly one output row at the sink.
func TestAggregationFlushesOnCountTrigger(t *testing.T) {
	ctx := context.Background()
	deps, db := testHarness(t)

	nodes := []dag.NodeSpec{
		{Label: "src", Type: dag.NodeSource, PluginName: "csv", PluginVersion: "1", ConfigHash: "h1", Deterministic: true},
		{Label: "batch", Type: dag.NodeAggregation, PluginName: "count", PluginVersion: "1", ConfigHash: "h2", Deterministic: true},
		{Label: "sink", Type: dag.NodeSink, PluginName: "jsonfile", PluginVersion: "1", ConfigHash: "h3", Deterministic: true},
	}
	edges := []dag.EdgeSpec{
		{From: "src", To: "batch"},
		{From: "batch", To: "sink"},
	}
	g, err := dag.Build(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}

	var data string
	for i := 0; i < 7; i++ {
		data += "1\n"
	}
	spec := Spec{
		Graph: g,
		Plugins: PluginSet{
			Sources:      map[string]plugin.Source{"src": builtin.NewCSVSource()},
			Aggregations: map[string]plugin.Aggregation{"batch": builtin.NewCountAggregation()},
			Sinks:        map[string]plugin.Sink{"sink": builtin.NewJSONFileSink()},
		},
		NodeConfig: map[string]map[string]any{
			"src": {"data": "n\n" + data},
		},
		Descriptors: descriptorsFor(nodes...),
		Aggregations: map[string]AggregationSpec{
			"batch": {Trigger: operators.TriggerConfig{MaxCount: 3}},
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

	if n := countOutcomes(t, db, res.RunID, audit.OutcomeCompleted); n != 3 {
		t.Fatalf("expected 3 batch output rows reaching the sink, got %d", n)
	}
	if n := countOutcomes(t, db, res.RunID, audit.OutcomeConsumedInBatch); n != 7 {
		t.Fatalf("expected all 7 source rows marked consumed_in_batch, got %d", n)
	}
}

// TestRunPanicsWithFatalRunErrorOnConfigError exercises the fatal
// half of execute()'s error handling: a declared source node with no
// registered plugin implementation is a ConfigError, which elspetherrors
// flags fatal. Run must panic with a FatalRunError rather than recording an
// ordinary RunFailed result.
func TestRunPanicsWithFatalRunErrorOnConfigError(t *testing.T) {
	ctx := context.Background()
	deps, _ := testHarness(t)

	nodes := []dag.NodeSpec{
		{Label: "src", Type: dag.NodeSource, PluginName: "csv", PluginVersion: "1", ConfigHash: "h1", Deterministic: true},
		{Label: "sink", Type: dag.NodeSink, PluginName: "jsonfile", PluginVersion: "1", ConfigHash: "h2", Deterministic: true},
	}
	edges := []dag.EdgeSpec{
		{From: "src", To: "sink"},
	}
	g, err := dag.Build(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}

	spec := Spec{
		Graph: g,
		Plugins: PluginSet{
			// "src" is declared in the graph but deliberately left out of
			// the plugin set, so ingestOneSource's lookup fails with a
			// fatal ConfigError.
			Sinks: map[string]plugin.Sink{"sink": builtin.NewJSONFileSink()},
		},
		Descriptors:       descriptorsFor(nodes...),
		Mode:              audit.ModeLive,
		ConfigFingerprint: "fp",
		CanonicalVersion:  "1",
	}

	o := New(deps, spec)

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = o.Run(ctx)
	}()

	if recovered == nil {
		t.Fatal("expected Run to panic on a fatal run error")
	}
	fatal, ok := recovered.(FatalRunError)
	if !ok {
		t.Fatalf("expected recovered value to be a FatalRunError, got %T: %v", recovered, recovered)
	}
	if fatal.RunID == "" {
		t.Fatal("expected FatalRunError to carry the run id")
	}
	if !elspetherrors.IsFatal(fatal.Err) {
		t.Fatalf("expected FatalRunError.Err to be fatal, got %v", fatal.Err)
	}
}
