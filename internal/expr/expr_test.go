package expr

import (
	"context"
	"testing"
)

func TestCompileAndEvalSimpleComparison(t *testing.T) {
	p, err := Compile("score >= 0.5", []string{"score"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := p.Eval(context.Background(), map[string]any{"score": 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true for score=0.9")
	}

	ok, err = p.Eval(context.Background(), map[string]any{"score": 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false for score=0.1")
	}
}

func TestCompileRejectsUnknownField(t *testing.T) {
	if _, err := Compile("secret_field == 1", []string{"score"}); err == nil {
		t.Fatal("expected rejection of unknown field")
	}
}

func TestCompileRejectsArbitraryFunctionCall(t *testing.T) {
	if _, err := Compile("os.Exit(score)", []string{"score"}); err == nil {
		t.Fatal("expected rejection of arbitrary call")
	}
}

func TestCompileAllowsLenAndIn(t *testing.T) {
	p, err := Compile(`len(text) > 0 && in(status, "ok", "warn")`, []string{"text", "status"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := p.Eval(context.Background(), map[string]any{"text": "hello", "status": "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected predicate to pass")
	}
}

func TestCompileRejectsNonBooleanResult(t *testing.T) {
	p, err := Compile("score", []string{"score"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Eval(context.Background(), map[string]any{"score": 5}); err == nil {
		t.Fatal("expected error for non-boolean predicate result")
	}
}
