package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

type fakeSink struct {
	artifact plugin.ArtifactDescriptor
	err      error
}

func (f fakeSink) Write(ctx context.Context, rows []plugin.Row, pc *plugin.PluginContext) (plugin.ArtifactDescriptor, error) {
	return f.artifact, f.err
}

type fakePluginAudit struct {
	artifacts []string
}

func (f *fakePluginAudit) RecordCall(ctx context.Context, c audit.Call) error { return nil }
func (f *fakePluginAudit) RecordArtifact(ctx context.Context, runID, stateID, kind, uri, contentHash string, sizeBytes int64) error {
	f.artifacts = append(f.artifacts, uri)
	return nil
}
func (f *fakePluginAudit) RecordRoutingEvent(ctx context.Context, stateID, edgeID, rule string, reasonRef *string, mode audit.RoutingMode) error {
	return nil
}

func TestRunSinkRecordsArtifact(t *testing.T) {
	rec, runID, tokenID := newTestRig(t)
	nr := &NodeRunner{Recorder: rec, NodeID: tokenID}

	audit := &fakePluginAudit{}
	pc := &plugin.PluginContext{RunID: runID, Audit: audit}

	sink := fakeSink{artifact: plugin.ArtifactDescriptor{URI: "file:///out.json", ContentHash: "abc", SizeBytes: 10, Kind: "jsonfile"}}
	artifact, err := RunSink(context.Background(), nr, tokenID, 0, []plugin.Row{{"a": 1}}, sink, pc)
	if err != nil {
		t.Fatal(err)
	}
	if artifact.URI != "file:///out.json" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if len(audit.artifacts) != 1 || audit.artifacts[0] != "file:///out.json" {
		t.Fatalf("expected artifact to be recorded, got %+v", audit.artifacts)
	}
}

func TestRunSinkFailurePropagates(t *testing.T) {
	rec, runID, tokenID := newTestRig(t)
	nr := &NodeRunner{Recorder: rec, NodeID: tokenID}
	audit := &fakePluginAudit{}
	pc := &plugin.PluginContext{RunID: runID, Audit: audit}

	sink := fakeSink{err: errors.New("disk full")}
	_, err := RunSink(context.Background(), nr, tokenID, 0, []plugin.Row{{"a": 1}}, sink, pc)
	if err == nil {
		t.Fatal("expected sink failure to propagate")
	}
	if len(audit.artifacts) != 0 {
		t.Fatalf("expected no artifact recorded on failure, got %+v", audit.artifacts)
	}
}

type fakeAggregation struct {
	acceptErr error
	flushRows []plugin.Row
	flushErr  error
}

func (f fakeAggregation) Accept(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) error {
	return f.acceptErr
}
func (f fakeAggregation) Flush(ctx context.Context, reason plugin.FlushReason, pc *plugin.PluginContext) ([]plugin.Row, error) {
	return f.flushRows, f.flushErr
}

func TestRunAggregationAcceptAndFlush(t *testing.T) {
	rec, runID, tokenID := newTestRig(t)
	nr := &NodeRunner{Recorder: rec, NodeID: tokenID}
	pc := &plugin.PluginContext{RunID: runID}

	agg := fakeAggregation{flushRows: []plugin.Row{{"count": 3}}}
	if err := RunAggregationAccept(context.Background(), nr, tokenID, 0, plugin.Row{"v": 1}, agg, pc); err != nil {
		t.Fatal(err)
	}
	rows, err := RunAggregationFlush(context.Background(), nr, tokenID, 0, plugin.FlushCount, agg, pc)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["count"] != 3 {
		t.Fatalf("unexpected flush rows %+v", rows)
	}
}

type fakeCoalesce struct {
	merged plugin.Row
	err    error
}

func (f fakeCoalesce) Merge(ctx context.Context, rowsByLabel map[string]plugin.Row, pc *plugin.PluginContext) (plugin.Row, error) {
	return f.merged, f.err
}

func TestRunCoalesceMerges(t *testing.T) {
	rec, runID, tokenID := newTestRig(t)
	nr := &NodeRunner{Recorder: rec, NodeID: tokenID}
	pc := &plugin.PluginContext{RunID: runID}

	coalesce := fakeCoalesce{merged: plugin.Row{"merged": true}}
	row, err := RunCoalesce(context.Background(), nr, tokenID, 0, map[string]plugin.Row{"left": {}, "right": {}}, coalesce, pc)
	if err != nil {
		t.Fatal(err)
	}
	if row["merged"] != true {
		t.Fatalf("unexpected merge result %+v", row)
	}
}

type fakeRowIterator struct {
	rows []plugin.Row
	pos  int
}

func (f *fakeRowIterator) Next(ctx context.Context) bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++
	return true
}
func (f *fakeRowIterator) Row() plugin.Row { return f.rows[f.pos-1] }
func (f *fakeRowIterator) Err() error      { return nil }
func (f *fakeRowIterator) Close() error    { return nil }

type fakeSource struct {
	rows []plugin.Row
}

func (f fakeSource) Load(ctx context.Context, pc *plugin.PluginContext) (plugin.RowIterator, error) {
	return &fakeRowIterator{rows: f.rows}, nil
}

func TestRunSourceDrivesAllRows(t *testing.T) {
	src := fakeSource{rows: []plugin.Row{{"a": 1}, {"a": 2}, {"a": 3}}}
	pc := &plugin.PluginContext{}
	var seen []plugin.Row
	err := RunSource(context.Background(), src, pc, func(r plugin.Row) error {
		seen = append(seen, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(seen))
	}
}
