package executor

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/audit/schema"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

func newTestRigWithStore(t *testing.T) (*audit.Recorder, *audit.SQLStore, string, string) {
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
	rec := audit.NewRecorder(store)

	ctx := context.Background()
	runID, err := rec.BeginRun(ctx, "fp-1", "1", audit.ModeLive, nil)
	if err != nil {
		t.Fatal(err)
	}
	nodeID, err := rec.RegisterNode(ctx, runID, "transform-1", audit.NodeTransform, "uppercase", "1.0.0", "cfg-hash", audit.Deterministic)
	if err != nil {
		t.Fatal(err)
	}
	rowID, err := rec.CreateRow(ctx, runID, nodeID, 0, "input-hash", nil)
	if err != nil {
		t.Fatal(err)
	}
	tokenID, err := rec.CreateToken(ctx, runID, rowID, nodeID)
	if err != nil {
		t.Fatal(err)
	}
	return rec, store, runID, tokenID
}

func newTestRig(t *testing.T) (*audit.Recorder, string, string) {
	t.Helper()
	rec, _, runID, tokenID := newTestRigWithStore(t)
	return rec, runID, tokenID
}

type fakeTransform struct {
	result plugin.TransformResult
}

func (f fakeTransform) Process(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) plugin.TransformResult {
	return f.result
}

func TestRunTransformSuccess(t *testing.T) {
	rec, runID, tokenID := newTestRig(t)
	nr := &NodeRunner{Recorder: rec, NodeID: tokenID} // NodeID reused loosely; test only checks bracketing succeeds
	pc := &plugin.PluginContext{RunID: runID}

	transform := fakeTransform{result: plugin.Success(plugin.Row{"value": "OUT"})}
	rows, err := RunTransform(context.Background(), nr, tokenID, 0, plugin.Row{"value": "in"}, transform, pc)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["value"] != "OUT" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if pc.StateID == "" {
		t.Fatal("expected PluginContext.StateID to be stamped")
	}
}

func TestRunTransformFailureRecordsFailedState(t *testing.T) {
	rec, runID, tokenID := newTestRig(t)
	nr := &NodeRunner{Recorder: rec, NodeID: tokenID}
	pc := &plugin.PluginContext{RunID: runID}

	transform := fakeTransform{result: plugin.Failure(errors.New("boom"), true)}
	_, err := RunTransform(context.Background(), nr, tokenID, 0, plugin.Row{"value": "in"}, transform, pc)
	if err == nil {
		t.Fatal("expected transform failure to propagate")
	}
}

type fakeGate struct {
	action plugin.RoutingAction
}

func (f fakeGate) Evaluate(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) (plugin.RoutingAction, error) {
	return f.action, nil
}

func TestRunGateReturnsRoutingDecision(t *testing.T) {
	rec, runID, tokenID := newTestRig(t)
	nr := &NodeRunner{Recorder: rec, NodeID: tokenID}
	pc := &plugin.PluginContext{RunID: runID}

	gate := fakeGate{action: plugin.RoutingAction{Kind: plugin.RouteTo, RouteLabels: []string{"next"}}}
	action, err := RunGate(context.Background(), nr, tokenID, 0, plugin.Row{}, gate, pc)
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != plugin.RouteTo || action.RouteLabels[0] != "next" {
		t.Fatalf("unexpected action %+v", action)
	}
}
