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

// CoalesceFunc merges the arrived members of one barrier group into a
// single output payload.
type CoalesceFunc func(members []Member) (any, error)

// CoalesceResult reports what happened to a token handed to a Coalescer.
type CoalesceResult struct {
	Completed     bool
	Output        any
	ConsumedTokens []token.ID
}

// pendingGroup tracks arrivals for one barrier key while waiting for all
// expected paths to show up.
type pendingGroup struct {
	Members  []Member  `json:"members"`
	OpenedAt time.Time `json:"opened_at"`
}

// Coalescer is a stateful N-in/1-out barrier keyed by an ancestor
// identity (spec section 4.4: "Coalesce uses the token's lineage to
// identify matching siblings").
type Coalescer struct {
	mu       sync.Mutex
	expected int
	fn       CoalesceFunc
	groups   map[string]*pendingGroup
}

// NewCoalescer builds a Coalescer expecting `expected` arrivals per group
// (the number of labeled parallel paths configured for this barrier).
func NewCoalescer(expected int, fn CoalesceFunc) *Coalescer {
	return &Coalescer{expected: expected, fn: fn, groups: make(map[string]*pendingGroup)}
}

// Add registers one arrival under groupKey (typically the common ancestor
// token's ID, rendered as a string). A mismatched or stale arrival — one
// whose groupKey already completed and was evicted — is failed explicitly
// rather than silently dropped, per spec section 4.4.
func (c *Coalescer) Add(groupKey string, m Member, alreadySeen bool) (CoalesceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if alreadySeen {
		return CoalesceResult{}, elspetherrors.GateError(
			fmt.Sprintf("operators: stale coalesce arrival for already-completed group %q", groupKey), nil)
	}

	group, ok := c.groups[groupKey]
	if !ok {
		group = &pendingGroup{OpenedAt: time.Now()}
		c.groups[groupKey] = group
	}
	group.Members = append(group.Members, m)

	if len(group.Members) < c.expected {
		return CoalesceResult{}, nil
	}
	if len(group.Members) > c.expected {
		delete(c.groups, groupKey)
		return CoalesceResult{}, elspetherrors.InvariantViolation(
			fmt.Sprintf("operators: coalesce group %q received more arrivals (%d) than expected (%d)",
				groupKey, len(group.Members), c.expected), nil)
	}

	delete(c.groups, groupKey)
	output, err := c.fn(group.Members)
	if err != nil {
		return CoalesceResult{}, elspetherrors.TransformError("operators: coalesce function failed", false, err)
	}
	consumed := make([]token.ID, 0, len(group.Members))
	for _, mem := range group.Members {
		consumed = append(consumed, mem.TokenID)
	}
	return CoalesceResult{Completed: true, Output: output, ConsumedTokens: consumed}, nil
}

// PendingGroupKeys reports groups still waiting for arrivals, used by the
// scheduler to fail stragglers explicitly when a run ends with incomplete
// barriers rather than leaving them silently buffered forever.
func (c *Coalescer) PendingGroupKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.groups))
	for k := range c.groups {
		keys = append(keys, k)
	}
	return keys
}

// PendingTokens returns the token ids currently buffered across every
// incomplete barrier group. See Aggregator.BufferedTokens for why resume
// needs this alongside Restore.
func (c *Coalescer) PendingTokens() []token.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []token.ID
	for _, g := range c.groups {
		for _, m := range g.Members {
			ids = append(ids, m.TokenID)
		}
	}
	return ids
}

type coalesceSnapshot struct {
	Expected int                      `json:"expected"`
	Groups   map[string]*pendingGroup `json:"groups"`
}

// Snapshot serializes in-flight barrier state for checkpointing.
func (c *Coalescer) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := coalesceSnapshot{Expected: c.expected, Groups: c.groups}
	data, err := canonicaljson.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("operators: snapshot coalescer: %w", err)
	}
	return data, nil
}

// Restore rehydrates barrier state from a prior Snapshot.
func (c *Coalescer) Restore(data []byte) error {
	var snap coalesceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("operators: restore coalescer: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expected = snap.Expected
	if snap.Groups == nil {
		snap.Groups = make(map[string]*pendingGroup)
	}
	c.groups = snap.Groups
	return nil
}
