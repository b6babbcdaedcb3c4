package plugin

import (
	"errors"
	"testing"
)

func TestSuccessCarriesRows(t *testing.T) {
	res := Success(Row{"a": 1}, Row{"a": 2})
	if res.Err != nil {
		t.Fatalf("expected no error, got %v", res.Err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res.Rows))
	}
}

func TestFailureCarriesRetryability(t *testing.T) {
	res := Failure(errors.New("boom"), true)
	if res.Rows != nil {
		t.Fatalf("expected no rows on failure, got %v", res.Rows)
	}
	if res.Err == nil || !res.Retryable {
		t.Fatalf("expected retryable failure, got %+v", res)
	}
}

func TestRoutingActionKinds(t *testing.T) {
	cases := []RoutingAction{
		{Kind: RouteContinue},
		{Kind: RouteTo, RouteLabels: []string{"next"}},
		{Kind: RouteFork, RouteLabels: []string{"a", "b"}},
		{Kind: RouteDrop},
	}
	for _, c := range cases {
		if c.Kind == "" {
			t.Fatal("expected non-empty routing kind")
		}
	}
}
