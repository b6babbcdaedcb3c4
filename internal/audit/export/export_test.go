package export

import (
	"bytes"
	"testing"
)

func TestBuildAndVerifyChain(t *testing.T) {
	e, err := New([]byte("signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	entries := []struct {
		Kind    string
		Payload any
	}{
		{Kind: "node_state", Payload: map[string]any{"state_id": "s1"}},
		{Kind: "call", Payload: map[string]any{"call_id": "c1"}},
	}
	chain, err := e.BuildChain("run-1", entries)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.VerifyChain(chain); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	e, err := New([]byte("signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	entries := []struct {
		Kind    string
		Payload any
	}{
		{Kind: "node_state", Payload: map[string]any{"state_id": "s1"}},
		{Kind: "call", Payload: map[string]any{"call_id": "c1"}},
	}
	chain, err := e.BuildChain("run-1", entries)
	if err != nil {
		t.Fatal(err)
	}
	chain.Records[0].Payload = map[string]any{"state_id": "tampered"}
	if err := e.VerifyChain(chain); err == nil {
		t.Fatal("expected tampered record to break the chain")
	}
}

func TestVerifyChainDetectsReorder(t *testing.T) {
	e, err := New([]byte("signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	entries := []struct {
		Kind    string
		Payload any
	}{
		{Kind: "node_state", Payload: map[string]any{"state_id": "s1"}},
		{Kind: "call", Payload: map[string]any{"call_id": "c1"}},
		{Kind: "call", Payload: map[string]any{"call_id": "c2"}},
	}
	chain, err := e.BuildChain("run-1", entries)
	if err != nil {
		t.Fatal(err)
	}
	chain.Records[1], chain.Records[2] = chain.Records[2], chain.Records[1]
	if err := e.VerifyChain(chain); err == nil {
		t.Fatal("expected reordered records to break the chain")
	}
}

func TestVerifyChainDetectsMissingRecord(t *testing.T) {
	e, err := New([]byte("signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	entries := []struct {
		Kind    string
		Payload any
	}{
		{Kind: "node_state", Payload: map[string]any{"state_id": "s1"}},
		{Kind: "call", Payload: map[string]any{"call_id": "c1"}},
		{Kind: "call", Payload: map[string]any{"call_id": "c2"}},
	}
	chain, err := e.BuildChain("run-1", entries)
	if err != nil {
		t.Fatal(err)
	}
	chain.Records = append(chain.Records[:1], chain.Records[2:]...)
	if err := e.VerifyChain(chain); err == nil {
		t.Fatal("expected missing record to break the chain")
	}
}

func TestNDJSONRoundTrip(t *testing.T) {
	e, err := New([]byte("signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	entries := []struct {
		Kind    string
		Payload any
	}{
		{Kind: "node_state", Payload: map[string]any{"state_id": "s1"}},
		{Kind: "call", Payload: map[string]any{"call_id": "c1"}},
	}
	chain, err := e.BuildChain("run-1", entries)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteNDJSON(&buf, chain); err != nil {
		t.Fatal(err)
	}

	roundTripped, err := ReadNDJSON(&buf, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.VerifyChain(roundTripped); err != nil {
		t.Fatalf("expected round-tripped chain to verify, got %v", err)
	}
	if len(roundTripped.Records) != len(chain.Records) {
		t.Fatalf("expected %d records, got %d", len(chain.Records), len(roundTripped.Records))
	}
}
