package operators

import (
	"testing"

	"github.com/tachyon-beep/elspeth/internal/token"
)

func TestAggregatorTriggersOnCount(t *testing.T) {
	var reduced [][]Member
	agg := NewAggregator(TriggerConfig{MaxCount: 2}, func(kind TriggerKind, members []Member) ([]any, error) {
		reduced = append(reduced, members)
		return []any{"out"}, nil
	})

	res, err := agg.Add(Member{TokenID: token.NewID(), Payload: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Triggered {
		t.Fatal("expected no trigger after 1 of 2")
	}

	res, err = agg.Add(Member{TokenID: token.NewID(), Payload: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Triggered || res.TriggerKind != TriggerCount {
		t.Fatalf("expected count trigger, got %+v", res)
	}
	if len(res.Outputs) != 1 || len(res.ConsumedTokens) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAggregatorFlushOnSourceExhaustion(t *testing.T) {
	agg := NewAggregator(TriggerConfig{MaxCount: 100}, func(kind TriggerKind, members []Member) ([]any, error) {
		return []any{len(members)}, nil
	})
	agg.Add(Member{TokenID: token.NewID(), Payload: 1})
	agg.Add(Member{TokenID: token.NewID(), Payload: 2})

	res, err := agg.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Triggered || res.TriggerKind != TriggerSourceExhausted {
		t.Fatalf("expected source_exhausted flush, got %+v", res)
	}
	if len(res.ConsumedTokens) != 2 {
		t.Fatalf("expected 2 consumed tokens, got %d", len(res.ConsumedTokens))
	}
}

func TestAggregatorFlushOnEmptyBufferIsNoop(t *testing.T) {
	agg := NewAggregator(DefaultTriggerConfig(), func(kind TriggerKind, members []Member) ([]any, error) {
		t.Fatal("fn should not be called on empty flush")
		return nil, nil
	})
	res, err := agg.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if res.Triggered {
		t.Fatal("expected no trigger for empty buffer")
	}
}

func TestAggregatorSnapshotRoundTrip(t *testing.T) {
	agg := NewAggregator(TriggerConfig{MaxCount: 10}, func(kind TriggerKind, members []Member) ([]any, error) {
		return nil, nil
	})
	tid := token.NewID()
	agg.Add(Member{TokenID: tid, Payload: map[string]any{"a": 1.0}})

	data, err := agg.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	restored := NewAggregator(TriggerConfig{MaxCount: 10}, func(kind TriggerKind, members []Member) ([]any, error) { return nil, nil })
	if err := restored.Restore(data); err != nil {
		t.Fatal(err)
	}
	res, err := restored.Add(Member{TokenID: token.NewID(), Payload: map[string]any{"a": 2.0}})
	if err != nil {
		t.Fatal(err)
	}
	_ = res
}

func TestCoalescerWaitsForAllArrivals(t *testing.T) {
	c := NewCoalescer(2, func(members []Member) (any, error) {
		return len(members), nil
	})
	res, err := c.Add("ancestor-1", Member{TokenID: token.NewID()}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Completed {
		t.Fatal("expected incomplete after 1 of 2 arrivals")
	}
	res, err = c.Add("ancestor-1", Member{TokenID: token.NewID()}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed || res.Output.(int) != 2 {
		t.Fatalf("expected completed merge of 2, got %+v", res)
	}
}

func TestCoalescerRejectsStaleArrival(t *testing.T) {
	c := NewCoalescer(1, func(members []Member) (any, error) { return nil, nil })
	if _, err := c.Add("ancestor-1", Member{TokenID: token.NewID()}, true); err == nil {
		t.Fatal("expected stale arrival to be rejected")
	}
}

func TestCoalescerPendingGroupKeys(t *testing.T) {
	c := NewCoalescer(2, func(members []Member) (any, error) { return nil, nil })
	c.Add("ancestor-1", Member{TokenID: token.NewID()}, false)
	keys := c.PendingGroupKeys()
	if len(keys) != 1 || keys[0] != "ancestor-1" {
		t.Fatalf("expected pending group ancestor-1, got %v", keys)
	}
}
