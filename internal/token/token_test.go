package token

import "testing"

func TestNewTokenHasNoParents(t *testing.T) {
	tok := New("run-1", "src", map[string]any{"a": 1})
	if len(tok.Parents) != 0 {
		t.Fatalf("expected no parents, got %v", tok.Parents)
	}
	if tok.Depth != 0 {
		t.Fatalf("expected depth 0, got %d", tok.Depth)
	}
}

func TestForkRecordsSingleParent(t *testing.T) {
	parent := New("run-1", "src", 1)
	child := parent.Fork("xform", RelationPassThru, 2)
	if len(child.Parents) != 1 || child.Parents[0].ParentID != parent.ID {
		t.Fatalf("expected single parent edge to %s, got %v", parent.ID, child.Parents)
	}
	if child.Depth != parent.Depth+1 {
		t.Fatalf("expected depth increment, got %d", child.Depth)
	}
}

func TestCoalesceRecordsOneEdgePerParent(t *testing.T) {
	a := New("run-1", "src", 1)
	b := New("run-1", "src", 2)
	c := New("run-1", "src", 3)
	merged := Coalesce("run-1", "coalesce1", []*Token{a, b, c}, "merged")
	if len(merged.Parents) != 3 {
		t.Fatalf("expected 3 parent edges, got %d", len(merged.Parents))
	}
	for _, p := range merged.Parents {
		if p.Relation != RelationCoalesce {
			t.Fatalf("expected coalesce relation, got %s", p.Relation)
		}
	}
}

func TestCoalesceDepthIsMaxParentDepthPlusOne(t *testing.T) {
	a := New("run-1", "src", 1)
	deepened := a.Fork("x1", RelationPassThru, 1).Fork("x2", RelationPassThru, 1)
	merged := Coalesce("run-1", "coalesce1", []*Token{a, deepened}, "merged")
	if merged.Depth != deepened.Depth+1 {
		t.Fatalf("expected depth %d, got %d", deepened.Depth+1, merged.Depth)
	}
}
