package dag

import "testing"

func TestBuildValidLinearGraph(t *testing.T) {
	nodes := []NodeSpec{
		{Label: "src", Type: NodeSource},
		{Label: "xform", Type: NodeTransform},
		{Label: "snk", Type: NodeSink},
	}
	edges := []EdgeSpec{
		{From: "src", To: "xform"},
		{From: "xform", To: "snk"},
	}
	g, err := Build(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}
	to, ok := g.RouteTarget("src", "")
	if !ok || to != "xform" {
		t.Fatalf("expected src -> xform, got %q ok=%v", to, ok)
	}
}

func TestBuildRejectsDuplicateLabels(t *testing.T) {
	nodes := []NodeSpec{
		{Label: "src", Type: NodeSource},
		{Label: "src", Type: NodeSink},
	}
	if _, err := Build(nodes, nil); err == nil {
		t.Fatal("expected duplicate label rejection")
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	nodes := []NodeSpec{
		{Label: "src", Type: NodeSource},
		{Label: "a", Type: NodeTransform},
		{Label: "b", Type: NodeTransform},
		{Label: "snk", Type: NodeSink},
	}
	edges := []EdgeSpec{
		{From: "src", To: "a"},
		{From: "a", To: "b"},
		{From: "b", To: "a"},
		{From: "b", To: "snk"},
	}
	if _, err := Build(nodes, edges); err == nil {
		t.Fatal("expected cycle rejection")
	}
}

func TestBuildRequiresSourceAndSink(t *testing.T) {
	nodes := []NodeSpec{
		{Label: "a", Type: NodeTransform},
	}
	if _, err := Build(nodes, nil); err == nil {
		t.Fatal("expected missing source/sink rejection")
	}
}

func TestBuildRejectsUnreachableSink(t *testing.T) {
	nodes := []NodeSpec{
		{Label: "src", Type: NodeSource},
		{Label: "snk1", Type: NodeSink},
		{Label: "snk2", Type: NodeSink},
	}
	edges := []EdgeSpec{
		{From: "src", To: "snk1"},
	}
	if _, err := Build(nodes, edges); err == nil {
		t.Fatal("expected unreachable sink rejection")
	}
}

func TestBuildRejectsDuplicateRouteLabel(t *testing.T) {
	nodes := []NodeSpec{
		{Label: "src", Type: NodeSource},
		{Label: "gate", Type: NodeGate},
		{Label: "a", Type: NodeSink},
		{Label: "b", Type: NodeSink},
	}
	edges := []EdgeSpec{
		{From: "src", To: "gate"},
		{From: "gate", To: "a", RouteLabel: "pass"},
		{From: "gate", To: "b", RouteLabel: "pass"},
	}
	if _, err := Build(nodes, edges); err == nil {
		t.Fatal("expected duplicate route label rejection")
	}
}

func TestGateRouting(t *testing.T) {
	nodes := []NodeSpec{
		{Label: "src", Type: NodeSource},
		{Label: "gate", Type: NodeGate},
		{Label: "pass_snk", Type: NodeSink},
		{Label: "fail_snk", Type: NodeSink},
	}
	edges := []EdgeSpec{
		{From: "src", To: "gate"},
		{From: "gate", To: "pass_snk", RouteLabel: "pass"},
		{From: "gate", To: "fail_snk", RouteLabel: "fail"},
	}
	g, err := Build(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}
	to, ok := g.RouteTarget("gate", "fail")
	if !ok || to != "fail_snk" {
		t.Fatalf("expected gate/fail -> fail_snk, got %q ok=%v", to, ok)
	}
}
