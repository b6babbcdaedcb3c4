// Package operators implements the many-in/few-out aggregation operator
// and the N-in/1-out coalesce barrier from spec section 4.4. Both persist
// their internal state via a checkpoint-serializable snapshot, grounded on
// the teacher's infrastructure/state.PersistenceBackend interface
// (Save/Load/Delete shape) generalized from a generic key-value backend to
// a typed snapshot of in-flight buffer contents, and on
// infrastructure/transaction's Transaction/Step shape (ordered units of
// work with recorded outcomes) generalized from a saga's rollback-on-
// failure to a barrier's wait-for-all-members-then-emit.
package operators

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/token"
)

// TriggerKind names why an aggregation batch closed.
type TriggerKind string

const (
	TriggerCount            TriggerKind = "count"
	TriggerBytes            TriggerKind = "bytes"
	TriggerElapsed          TriggerKind = "elapsed"
	TriggerSourceExhausted  TriggerKind = "source_exhausted"
)

// TriggerConfig bounds how large/long an aggregation window may grow
// before it must flush. Zero fields, MaxElapsed included, are treated as
// "no bound" on that dimension; DefaultTriggerConfig is the constructor
// that supplies a non-zero MaxElapsed.
type TriggerConfig struct {
	MaxCount   int
	MaxBytes   int64
	MaxElapsed time.Duration
}

// DefaultTriggerConfig bounds a window to 100 rows or 30 seconds,
// whichever comes first.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{MaxCount: 100, MaxElapsed: 30 * time.Second}
}

// Member is one token consumed into a batch or barrier.
type Member struct {
	TokenID token.ID
	Payload any
	// ApproxBytes is an estimate of the payload's encoded size, used only
	// for the byte-size trigger; callers that don't track size may leave
	// this zero, in which case the byte trigger never fires.
	ApproxBytes int64
	// Label identifies which labeled input path this member arrived on,
	// used only by Coalescer callers that need to rebuild a
	// rows-by-label projection for a plugin.Coalesce.Merge call; ignored
	// by Aggregator.
	Label string
}

// AggregateFunc reduces the buffered members of a closed batch to zero or
// more output payloads. kind reports which trigger closed the batch so
// callers whose reduction logic distinguishes flush reasons (e.g. a
// plugin.Aggregation.Flush call, which takes a FlushReason) can forward it.
type AggregateFunc func(kind TriggerKind, members []Member) ([]any, error)

// AddResult reports what happened to a token handed to an Aggregator.
type AddResult struct {
	Triggered      bool
	TriggerKind    TriggerKind
	Outputs        []any
	ConsumedTokens []token.ID
}

// Aggregator buffers tokens for one aggregation node until a trigger
// fires, then reduces the buffer via fn.
type Aggregator struct {
	mu       sync.Mutex
	trigger  TriggerConfig
	fn       AggregateFunc
	buffer   []Member
	bytes    int64
	openedAt time.Time
}

// NewAggregator builds an Aggregator for one node.
func NewAggregator(trigger TriggerConfig, fn AggregateFunc) *Aggregator {
	return &Aggregator{trigger: trigger, fn: fn, openedAt: time.Now()}
}

// Add buffers one token. The caller (scheduler) records the token's
// intermediate outcome as "buffered" regardless of whether this call also
// triggers a flush, per spec section 4.4 step 1.
func (a *Aggregator) Add(m Member) (AddResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) == 0 {
		a.openedAt = time.Now()
	}
	a.buffer = append(a.buffer, m)
	a.bytes += m.ApproxBytes

	if kind, ok := a.checkTriggerLocked(); ok {
		return a.flushLocked(kind)
	}
	return AddResult{}, nil
}

// Flush forces a close regardless of trigger state, used for
// source-exhaustion per spec section 4.4 step 3 ("partial flush on source
// exhaustion is guaranteed").
func (a *Aggregator) Flush() (AddResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return AddResult{}, nil
	}
	return a.flushLocked(TriggerSourceExhausted)
}

func (a *Aggregator) checkTriggerLocked() (TriggerKind, bool) {
	if a.trigger.MaxCount > 0 && len(a.buffer) >= a.trigger.MaxCount {
		return TriggerCount, true
	}
	if a.trigger.MaxBytes > 0 && a.bytes >= a.trigger.MaxBytes {
		return TriggerBytes, true
	}
	if a.trigger.MaxElapsed > 0 && time.Since(a.openedAt) >= a.trigger.MaxElapsed {
		return TriggerElapsed, true
	}
	return "", false
}

func (a *Aggregator) flushLocked(kind TriggerKind) (AddResult, error) {
	members := a.buffer
	consumed := make([]token.ID, 0, len(members))
	for _, m := range members {
		consumed = append(consumed, m.TokenID)
	}

	outputs, err := a.fn(kind, members)
	if err != nil {
		a.buffer = nil
		a.bytes = 0
		return AddResult{}, elspetherrors.TransformError("operators: aggregate function failed", false, err)
	}

	a.buffer = nil
	a.bytes = 0
	return AddResult{Triggered: true, TriggerKind: kind, Outputs: outputs, ConsumedTokens: consumed}, nil
}

// snapshot is the checkpoint-serializable form of an Aggregator's state.
type snapshot struct {
	Buffer   []Member  `json:"buffer"`
	Bytes    int64     `json:"bytes"`
	OpenedAt time.Time `json:"opened_at"`
}

// Snapshot serializes the aggregator's buffered-but-not-yet-flushed state
// to canonical JSON, for storage under a checkpoint's aggregation_state_ref
// (spec section 4.7).
func (a *Aggregator) Snapshot() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := snapshot{Buffer: a.buffer, Bytes: a.bytes, OpenedAt: a.openedAt}
	data, err := canonicaljson.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("operators: snapshot aggregator: %w", err)
	}
	return data, nil
}

// BufferedTokens returns the token ids currently buffered, unflushed.
// Resume uses this to repopulate the scheduler's token/row lookup for
// members that were buffered before a crash, since Restore only
// rehydrates the operator's own state, not the scheduler's.
func (a *Aggregator) BufferedTokens() []token.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]token.ID, len(a.buffer))
	for i, m := range a.buffer {
		ids[i] = m.TokenID
	}
	return ids
}

// Restore rehydrates buffered state from a prior Snapshot, used on resume
// (spec section 4.7 "rehydrates aggregation/coalesce state from the
// payload store").
func (a *Aggregator) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("operators: restore aggregator: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = snap.Buffer
	a.bytes = snap.Bytes
	a.openedAt = snap.OpenedAt
	return nil
}
