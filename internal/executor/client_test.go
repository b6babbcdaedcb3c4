package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/resilience"
)

func newTestPayloadStore(t *testing.T) *payloadstore.Store {
	t.Helper()
	store, err := payloadstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestClientDeps(t *testing.T, mode audit.RunMode) (ClientDeps, string) {
	t.Helper()
	rec, store, runID, _ := newTestRigWithStore(t)
	return ClientDeps{
		Store:    store,
		Recorder: rec,
		RunID:    runID,
		Mode:     mode,
		Retry:    resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Payloads: newTestPayloadStore(t),
		Now:      time.Now,
	}, runID
}

func TestAuditedClientCallLiveSuccess(t *testing.T) {
	deps, _ := newTestClientDeps(t, audit.ModeLive)
	calls := 0
	transport := func(ctx context.Context, body []byte) ([]byte, string, error) {
		calls++
		return []byte(`{"ok":true}`), "prov-1", nil
	}
	client := NewAuditedClient(deps, "svc", "https://example.test/endpoint", "state-1", audit.CallLLM, transport)

	resp, err := client.Call(context.Background(), []byte(`{"q":"hi"}`), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("unexpected response %s", resp)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one transport call, got %d", calls)
	}
}

func TestAuditedClientCallRetriesThenSucceeds(t *testing.T) {
	deps, _ := newTestClientDeps(t, audit.ModeLive)
	attempts := 0
	transport := func(ctx context.Context, body []byte) ([]byte, string, error) {
		attempts++
		if attempts < 2 {
			return nil, "", elspetherrors.ExternalCallError("transient failure", true, errors.New("connection reset"))
		}
		return []byte(`{"ok":true}`), "", nil
	}
	client := NewAuditedClient(deps, "svc", "https://example.test/endpoint", "state-1", audit.CallHTTP, transport)

	resp, err := client.Call(context.Background(), []byte(`{"q":"hi"}`), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("unexpected response %s", resp)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestAuditedClientCallStopsOnPermanentError(t *testing.T) {
	deps, _ := newTestClientDeps(t, audit.ModeLive)
	attempts := 0
	transport := func(ctx context.Context, body []byte) ([]byte, string, error) {
		attempts++
		return nil, "", elspetherrors.ExternalCallError("bad request", false, errors.New("400"))
	}
	client := NewAuditedClient(deps, "svc", "https://example.test/endpoint", "state-1", audit.CallHTTP, transport)

	_, err := client.Call(context.Background(), []byte(`{"q":"hi"}`), "", nil)
	if err == nil {
		t.Fatal("expected call to fail")
	}
	if attempts != 1 {
		t.Fatalf("expected non-retryable error to stop after 1 attempt, got %d", attempts)
	}
}

// beginRealState opens a genuine NodeState for tokenID so audit.Call rows
// recorded against it join back to the owning run through node_states ->
// tokens, the same path FindCallForReplay relies on.
func beginRealState(t *testing.T, rec *audit.Recorder, tokenID string, attempt int) string {
	t.Helper()
	stateID, err := rec.BeginNodeState(context.Background(), tokenID, tokenID, attempt, "input-hash", nil)
	if err != nil {
		t.Fatal(err)
	}
	return stateID
}

func TestAuditedClientReplayReturnsStoredSuccess(t *testing.T) {
	rec, store, sourceRunID, tokenID := newTestRigWithStore(t)
	deps := ClientDeps{
		Store:    store,
		Recorder: rec,
		RunID:    sourceRunID,
		Mode:     audit.ModeLive,
		Retry:    resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Payloads: newTestPayloadStore(t),
		Now:      time.Now,
	}
	stateID := beginRealState(t, rec, tokenID, 0)

	// Seed a prior successful call under the "source" run, then switch a
	// second client to replay mode pointing back at that run.
	transport := func(ctx context.Context, body []byte) ([]byte, string, error) {
		return []byte(`{"ok":true}`), "", nil
	}
	client := NewAuditedClient(deps, "svc", "https://example.test/endpoint", stateID, audit.CallLLM, transport)
	if _, err := client.Call(context.Background(), []byte(`{"q":"hi"}`), "", nil); err != nil {
		t.Fatal(err)
	}

	replayDeps := deps
	replayDeps.Mode = audit.ModeReplay
	replayDeps.ReplaySourceRunID = sourceRunID
	replayStateID := beginRealState(t, rec, tokenID, 1)
	replayClient := NewAuditedClient(replayDeps, "svc", "https://example.test/endpoint", replayStateID, audit.CallLLM, func(ctx context.Context, body []byte) ([]byte, string, error) {
		t.Fatal("replay mode must not invoke the transport")
		return nil, "", nil
	})

	resp, err := replayClient.Call(context.Background(), []byte(`{"q":"hi"}`), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("replay returned %q, want the original stored response %q", resp, `{"ok":true}`)
	}
}

func TestAuditedClientReplayMissingCallFails(t *testing.T) {
	deps, sourceRunID := newTestClientDeps(t, audit.ModeReplay)
	deps.ReplaySourceRunID = sourceRunID
	client := NewAuditedClient(deps, "svc", "https://example.test/endpoint", "state-1", audit.CallLLM, func(ctx context.Context, body []byte) ([]byte, string, error) {
		t.Fatal("replay mode must not invoke the transport")
		return nil, "", nil
	})

	_, err := client.Call(context.Background(), []byte(`{"q":"never recorded"}`), "", nil)
	if err == nil {
		t.Fatal("expected replay lookup miss to fail")
	}
}
