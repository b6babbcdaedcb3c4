// Package token implements token identity and lineage (spec section 3's
// Token and TokenParent entities): every unit of work flowing through the
// graph carries a stable identity, a current node/status, and a set of
// parent edges recording how it was produced — one parent for a plain
// pass-through, several for a coalesce join, none for a row freshly
// ingested from a source. Grounded on the pack's correlator-io lineage
// store, which represents provenance as a flat (child, parent, relation)
// edge list rather than an in-memory tree, so replaying lineage from the
// audit store never needs pointer reconstruction.
package token

import (
	"github.com/google/uuid"
)

// Relation describes why a parent edge exists.
type Relation string

const (
	RelationFork     Relation = "fork"     // aggregation/gate fan-out duplicate
	RelationPassThru Relation = "pass_through"
	RelationCoalesce Relation = "coalesce" // many parents joined into one child
	RelationBatch    Relation = "batch"    // aggregation batch member -> batch output
)

// Parent is one edge in a token's lineage.
type Parent struct {
	ParentID ID
	Relation Relation
}

// ID is a token's stable identity.
type ID string

// NewID mints a fresh token identity.
func NewID() ID {
	return ID(uuid.NewString())
}

// Status mirrors the per-token lifecycle states referenced across spec
// section 3 and section 5.
type Status string

const (
	StatusActive    Status = "active"
	StatusRouted    Status = "routed"
	StatusHeld      Status = "held" // buffered inside an aggregation/coalesce node
	StatusCompleted Status = "completed"
	StatusDropped   Status = "dropped"
	StatusFailed    Status = "failed"
)

// Token is one unit of work moving through the graph.
type Token struct {
	ID          ID
	RunID       string
	CurrentNode string
	Status      Status
	Parents     []Parent
	Payload     any // the decoded row/value currently carried, see internal/canonicaljson for wire form
	PayloadHash string
	Depth       int // number of edges since the originating source row
}

// New creates a fresh token with no lineage, as produced directly by a
// source node.
func New(runID, nodeLabel string, payload any) *Token {
	return &Token{
		ID:          NewID(),
		RunID:       runID,
		CurrentNode: nodeLabel,
		Status:      StatusActive,
		Payload:     payload,
		Depth:       0,
	}
}

// Fork derives a new token from t for a single downstream edge, deep-copying
// nothing by reference: callers are expected to have already produced an
// independent payload value (e.g. via canonicaljson normalization or an
// explicit copy) before calling Fork, since Go has no generic deep-copy and
// blindly copying an `any` would only copy the interface header for map/
// slice payloads.
func (t *Token) Fork(nodeLabel string, relation Relation, payload any) *Token {
	child := &Token{
		ID:          NewID(),
		RunID:       t.RunID,
		CurrentNode: nodeLabel,
		Status:      StatusActive,
		Payload:     payload,
		Depth:       t.Depth + 1,
		Parents:     []Parent{{ParentID: t.ID, Relation: relation}},
	}
	return child
}

// Coalesce derives a single child token from several parents, recording one
// Parent edge per input — the shape spec section 4.4 requires so lineage
// queries can reconstruct which upstream rows fed a coalesced output.
func Coalesce(runID, nodeLabel string, parents []*Token, payload any) *Token {
	edges := make([]Parent, 0, len(parents))
	maxDepth := 0
	for _, p := range parents {
		edges = append(edges, Parent{ParentID: p.ID, Relation: RelationCoalesce})
		if p.Depth > maxDepth {
			maxDepth = p.Depth
		}
	}
	return &Token{
		ID:          NewID(),
		RunID:       runID,
		CurrentNode: nodeLabel,
		Status:      StatusActive,
		Payload:     payload,
		Depth:       maxDepth + 1,
		Parents:     edges,
	}
}
