package orchestrator

import (
	"context"
	"testing"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/builtin"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// failOnceSink writes every row except the one whose "text" field equals
// failText, which it rejects outright — simulating an external sink outage
// that stops a run mid-flight after upstream nodes have already committed
// and checkpointed their work.
type failOnceSink struct {
	failText string
	inner    plugin.Sink
}

func (s *failOnceSink) Write(ctx context.Context, rows []plugin.Row, pc *plugin.PluginContext) (plugin.ArtifactDescriptor, error) {
	for _, r := range rows {
		if r["text"] == s.failText {
			return plugin.ArtifactDescriptor{}, elspetherrors.TransformError("resume_test: simulated sink outage", false, nil)
		}
	}
	return s.inner.Write(ctx, rows, pc)
}

// buildResumeSpec assembles the src->upper->sink graph shared by the crash
// and resume halves of TestResumeCompletesExactlyOncePastCrash, so both
// Orchestrators register identical node/plugin descriptors.
func buildResumeSpec(sink plugin.Sink) (Spec, error) {
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
		return Spec{}, err
	}
	return Spec{
		Graph: g,
		Plugins: PluginSet{
			Sources:    map[string]plugin.Source{"src": builtin.NewCSVSource()},
			Transforms: map[string]plugin.Transform{"upper": builtin.NewUppercaseTransform()},
			Sinks:      map[string]plugin.Sink{"sink": sink},
		},
		NodeConfig: map[string]map[string]any{
			"src": {"data": "id,text\n1,hello\n2,world\n"},
		},
		Descriptors:       descriptorsFor(nodes...),
		Mode:              audit.ModeLive,
		ConfigFingerprint: "fp",
		CanonicalVersion:  "1",
	}, nil
}

// TestResumeCompletesExactlyOncePastCrash exercises scenario S5: a crash
// after one row's transform NodeState (and its checkpoint) completes but
// before its sink runs. Resume must complete exactly that row, without
// re-completing the row that had already reached its sink before the crash.
func TestResumeCompletesExactlyOncePastCrash(t *testing.T) {
	ctx := context.Background()
	deps, db := testHarness(t)

	failingSpec, err := buildResumeSpec(&failOnceSink{failText: "WORLD", inner: builtin.NewJSONFileSink()})
	if err != nil {
		t.Fatal(err)
	}

	o := New(deps, failingSpec)
	res, err := o.Run(ctx)
	if err == nil {
		t.Fatalf("expected the simulated sink outage to fail the run, got success: %+v", res)
	}
	if res.Status != audit.RunFailed {
		t.Fatalf("expected RunFailed, got %s", res.Status)
	}

	if n := countOutcomes(t, db, res.RunID, audit.OutcomeCompleted); n != 1 {
		t.Fatalf("expected exactly 1 row to have completed before the crash, got %d", n)
	}

	workingSpec, err := buildResumeSpec(builtin.NewJSONFileSink())
	if err != nil {
		t.Fatal(err)
	}
	o2 := New(deps, workingSpec)
	res2, err := o2.Resume(ctx, res.RunID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if res2.Status != audit.RunCompleted {
		t.Fatalf("expected RunCompleted after resume, got %s", res2.Status)
	}
	if res2.RunID != res.RunID {
		t.Fatalf("expected resume to continue the original run id %s, got %s", res.RunID, res2.RunID)
	}

	if n := countOutcomes(t, db, res.RunID, audit.OutcomeCompleted); n != 2 {
		t.Fatalf("expected both rows completed exactly once after resume, got %d", n)
	}

	cks, err := deps.Recorder.LatestCheckpoints(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cks) != 0 {
		t.Fatalf("expected checkpoints to be deleted after a successful resume completion, got %d", len(cks))
	}
}

// TestResumeRejectsNonFailedRun exercises the resume policy's guard: only a
// run recorded as failed may be resumed (spec section 4.7).
func TestResumeRejectsNonFailedRun(t *testing.T) {
	ctx := context.Background()
	deps, _ := testHarness(t)

	spec, err := buildResumeSpec(builtin.NewJSONFileSink())
	if err != nil {
		t.Fatal(err)
	}
	o := New(deps, spec)
	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("run failed unexpectedly: %v", err)
	}
	if res.Status != audit.RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", res.Status)
	}

	o2 := New(deps, spec)
	if _, err := o2.Resume(ctx, res.RunID); err == nil {
		t.Fatal("expected Resume to reject a run that completed successfully")
	}
}
