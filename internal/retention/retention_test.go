package retention

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/audit/schema"
	"github.com/tachyon-beep/elspeth/internal/builtin"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// runLinearPipeline drives the same src->upper->sink shape as
// internal/orchestrator's own S1 test, returning the completed run id and
// the store/payload handles retention operates on.
func runLinearPipeline(t *testing.T) (string, audit.Store, *payloadstore.Store) {
	t.Helper()
	ctx := context.Background()

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
	descriptors := make(map[string]plugin.Descriptor, len(nodes))
	for _, n := range nodes {
		descriptors[n.Label] = plugin.Descriptor{Name: n.PluginName, Version: n.PluginVersion, ConfigHash: n.ConfigHash, Deterministic: n.Deterministic}
	}

	spec := orchestrator.Spec{
		Graph: g,
		Plugins: orchestrator.PluginSet{
			Sources:    map[string]plugin.Source{"src": builtin.NewCSVSource()},
			Transforms: map[string]plugin.Transform{"upper": builtin.NewUppercaseTransform()},
			Sinks:      map[string]plugin.Sink{"sink": builtin.NewJSONFileSink()},
		},
		NodeConfig: map[string]map[string]any{
			"src": {"data": "id,text\n1,hello\n2,world\n"},
		},
		Descriptors:       descriptors,
		Mode:              audit.ModeLive,
		ConfigFingerprint: "fp",
		CanonicalVersion:  "1",
	}

	o := orchestrator.New(orchestrator.Deps{Recorder: audit.NewRecorder(store), Store: store, Payloads: payloads}, spec)
	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != audit.RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", res.Status)
	}
	return res.RunID, store, payloads
}

// TestPurgeDeletesPayloadsForCompletedRunsPastCutoff exercises the purge
// policy end to end: a completed run's sink artifacts are removed from the
// payload store once the cutoff passes, while the audit trail's hash
// references survive untouched.
func TestPurgeDeletesPayloadsForCompletedRunsPastCutoff(t *testing.T) {
	ctx := context.Background()
	runID, store, payloads := runLinearPipeline(t)

	refs, err := store.ListPayloadRefs(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) == 0 {
		t.Fatal("expected the sink's artifacts to leave at least one payload ref")
	}
	for _, hash := range refs {
		if !payloads.Exists(hash) {
			t.Fatalf("expected payload %s to exist before purge", hash)
		}
	}

	purger := New(store, payloads)
	report, err := purger.Purge(ctx, Policy{AsOf: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if report.RunsPurged != 1 {
		t.Fatalf("expected 1 run purged, got %d", report.RunsPurged)
	}
	if report.PayloadsDeleted != len(refs) {
		t.Fatalf("expected %d payloads deleted, got %d", len(refs), report.PayloadsDeleted)
	}

	for _, hash := range refs {
		if payloads.Exists(hash) {
			t.Fatalf("expected payload %s to be gone after purge", hash)
		}
	}

	// The audit trail's hash references are untouched by purge.
	refsAfter, err := store.ListPayloadRefs(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(refsAfter) != len(refs) {
		t.Fatalf("expected purge to leave audit references in place, got %d want %d", len(refsAfter), len(refs))
	}
}

// TestPurgeSkipsRunsCompletedAfterCutoff exercises the cutoff boundary: a run
// completed after AsOf is not eligible for purge.
func TestPurgeSkipsRunsCompletedAfterCutoff(t *testing.T) {
	ctx := context.Background()
	_, store, payloads := runLinearPipeline(t)

	purger := New(store, payloads)
	report, err := purger.Purge(ctx, Policy{AsOf: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if report.RunsPurged != 0 {
		t.Fatalf("expected 0 runs purged before their completion, got %d", report.RunsPurged)
	}
}

// TestPurgeDryRunLeavesPayloadsInPlace exercises Policy.DryRun: counts are
// reported as if a purge happened, but nothing is actually deleted.
func TestPurgeDryRunLeavesPayloadsInPlace(t *testing.T) {
	ctx := context.Background()
	runID, store, payloads := runLinearPipeline(t)

	refs, err := store.ListPayloadRefs(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}

	purger := New(store, payloads)
	report, err := purger.Purge(ctx, Policy{AsOf: time.Now().Add(time.Hour), DryRun: true})
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if report.PayloadsDeleted != len(refs) {
		t.Fatalf("expected dry run to report %d payloads, got %d", len(refs), report.PayloadsDeleted)
	}
	for _, hash := range refs {
		if !payloads.Exists(hash) {
			t.Fatalf("expected dry run to leave payload %s in place", hash)
		}
	}
}
