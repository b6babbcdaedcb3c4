package builtin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

func TestCSVSourceCoercesColumns(t *testing.T) {
	src := NewCSVSource()
	pc := &plugin.PluginContext{Config: map[string]any{"data": "id,text\n1,hello\n2,world\n"}}

	it, err := src.Load(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var rows []plugin.Row
	for it.Next(context.Background()) {
		rows = append(rows, it.Row())
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["id"] != int64(1) || rows[0]["text"] != "hello" {
		t.Fatalf("unexpected row %+v", rows[0])
	}
}

func TestCSVSourceRejectsMissingData(t *testing.T) {
	src := NewCSVSource()
	pc := &plugin.PluginContext{Config: map[string]any{}}
	if _, err := src.Load(context.Background(), pc); err == nil {
		t.Fatal("expected missing data config to fail")
	}
}

func TestUppercaseTransformS1(t *testing.T) {
	tr := NewUppercaseTransform()
	pc := &plugin.PluginContext{Config: map[string]any{"field": "text"}}
	result := tr.Process(context.Background(), plugin.Row{"id": int64(1), "text": "hello"}, pc)
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["text"] != "HELLO" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Rows[0]["id"] != int64(1) {
		t.Fatalf("expected id to pass through untouched, got %+v", result.Rows[0])
	}
}

func TestUppercaseTransformRejectsNonString(t *testing.T) {
	tr := NewUppercaseTransform()
	pc := &plugin.PluginContext{Config: map[string]any{"field": "text"}}
	result := tr.Process(context.Background(), plugin.Row{"text": 42}, pc)
	if result.Err == nil {
		t.Fatal("expected non-string field to fail")
	}
	if result.Retryable {
		t.Fatal("expected type mismatch to be non-retryable")
	}
}

func TestThresholdGateRoutesHighLow(t *testing.T) {
	gate, err := NewThresholdGate("score >= 0.5", []string{"score"}, "high", "low")
	if err != nil {
		t.Fatal(err)
	}

	action, err := gate.Evaluate(context.Background(), plugin.Row{"score": 0.9}, &plugin.PluginContext{})
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != plugin.RouteTo || action.RouteLabels[0] != "high" {
		t.Fatalf("expected route to high, got %+v", action)
	}

	action, err = gate.Evaluate(context.Background(), plugin.Row{"score": 0.1}, &plugin.PluginContext{})
	if err != nil {
		t.Fatal(err)
	}
	if action.RouteLabels[0] != "low" {
		t.Fatalf("expected route to low, got %+v", action)
	}
}

func TestCountAggregationFlushesBufferedCount(t *testing.T) {
	agg := NewCountAggregation()
	ctx := context.Background()
	pc := &plugin.PluginContext{}
	for i := 0; i < 3; i++ {
		if err := agg.Accept(ctx, plugin.Row{"n": i}, pc); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := agg.Flush(ctx, plugin.FlushCount, pc)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["count"] != 3 {
		t.Fatalf("unexpected flush output %+v", rows)
	}

	// A second flush with no further accepts reports an empty batch.
	rows, err = agg.Flush(ctx, plugin.FlushSourceExhausted, pc)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0]["count"] != 0 {
		t.Fatalf("expected empty flush to report zero, got %+v", rows[0])
	}
}

func TestLabelMergeCoalesceMergesDisjointFields(t *testing.T) {
	c := NewLabelMergeCoalesce()
	merged, err := c.Merge(context.Background(), map[string]plugin.Row{
		"left":  {"a": 1},
		"right": {"b": 2},
	}, &plugin.PluginContext{})
	if err != nil {
		t.Fatal(err)
	}
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Fatalf("unexpected merge %+v", merged)
	}
}

func TestLabelMergeCoalesceRejectsConflict(t *testing.T) {
	c := NewLabelMergeCoalesce()
	_, err := c.Merge(context.Background(), map[string]plugin.Row{
		"left":  {"a": 1},
		"right": {"a": 2},
	}, &plugin.PluginContext{})
	if err == nil {
		t.Fatal("expected conflicting field to fail")
	}
}

func TestJSONFileSinkStoresCanonicalPayload(t *testing.T) {
	store, err := payloadstore.New(filepath.Join(t.TempDir(), "payloads"))
	if err != nil {
		t.Fatal(err)
	}
	sink := NewJSONFileSink()
	pc := &plugin.PluginContext{Payloads: store}

	artifact, err := sink.Write(context.Background(), []plugin.Row{{"count": 3}}, pc)
	if err != nil {
		t.Fatal(err)
	}
	if artifact.ContentHash == "" || artifact.Kind != "jsonfile" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	data, err := store.Get(artifact.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected stored payload to be non-empty")
	}
}
