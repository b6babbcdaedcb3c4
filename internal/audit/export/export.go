// Package export produces a signed, hash-chained subset of a run's audit
// trail for transmission to external parties (spec section 4.5 "Export").
// Each record's signature covers its own canonical JSON plus the prior
// record's signature, so a missing or reordered record breaks the chain —
// grounded on the hash-chain binding pattern in the pack's certen-validator
// ExternalChainResult (PreviousResultHash + SequenceNumber + ResultHash),
// adapted from a Merkle/block-proof chain to an HMAC-SHA256 chain since
// ELSPETH's export has no external chain of blocks to anchor to — only the
// fingerprinting key already used for secret fingerprints
// (internal/secretfp).
package export

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
)

// Record is one signed, chained entry in an exported audit trail.
type Record struct {
	SequenceNumber int64  `json:"sequence_number"`
	Kind           string `json:"record_type"` // "node_state", "call", "routing_event", "token_outcome", ...
	Payload        any    `json:"payload"`
	PrevSignature  string `json:"prev_signature"` // hex HMAC of the previous record, "" for the first
	Signature      string `json:"signature"`      // hex HMAC-SHA256 over canonical(record sans Signature) + PrevSignature
}

// Chain is an ordered, signed sequence of Records.
type Chain struct {
	RunID   string   `json:"run_id"`
	Records []Record `json:"records"`
}

// Exporter signs export chains with a fixed HMAC key — callers should pass
// the same internal/secretfp-managed key used elsewhere in the process, so
// export signatures and secret fingerprints share one key-rotation story.
type Exporter struct {
	key []byte
}

// New builds an Exporter. key must be non-empty.
func New(key []byte) (*Exporter, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("export: signing key must not be empty")
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Exporter{key: cp}, nil
}

// BuildChain signs an ordered list of (kind, payload) entries for a run
// into a hash-chained, exportable Chain.
func (e *Exporter) BuildChain(runID string, entries []struct {
	Kind    string
	Payload any
}) (Chain, error) {
	chain := Chain{RunID: runID, Records: make([]Record, 0, len(entries))}
	prevSig := ""
	for i, entry := range entries {
		rec := Record{
			SequenceNumber: int64(i),
			Kind:           entry.Kind,
			Payload:        entry.Payload,
			PrevSignature:  prevSig,
		}
		sig, err := e.sign(rec)
		if err != nil {
			return Chain{}, fmt.Errorf("export: sign record %d: %w", i, err)
		}
		rec.Signature = sig
		chain.Records = append(chain.Records, rec)
		prevSig = sig
	}
	return chain, nil
}

func (e *Exporter) sign(rec Record) (string, error) {
	// Sign the record with its own Signature field cleared, chained to the
	// previous record's signature so splicing or reordering is detectable.
	rec.Signature = ""
	canon, err := canonicaljson.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("export: canonicalize record: %w", err)
	}
	mac := hmac.New(sha256.New, e.key)
	mac.Write(canon)
	mac.Write([]byte(rec.PrevSignature))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyChain recomputes every record's signature and checks it against
// both the stored signature and the stored PrevSignature linkage. Any
// missing, reordered, or tampered record causes rejection.
func (e *Exporter) VerifyChain(chain Chain) error {
	prevSig := ""
	for i, rec := range chain.Records {
		if rec.SequenceNumber != int64(i) {
			return fmt.Errorf("export: chain broken at position %d: unexpected sequence_number %d", i, rec.SequenceNumber)
		}
		if rec.PrevSignature != prevSig {
			return fmt.Errorf("export: chain broken at position %d: prev_signature does not match prior record", i)
		}
		expected, err := e.sign(rec)
		if err != nil {
			return fmt.Errorf("export: recompute signature at position %d: %w", i, err)
		}
		if expected != rec.Signature {
			return fmt.Errorf("export: chain broken at position %d: signature mismatch", i)
		}
		prevSig = rec.Signature
	}
	return nil
}

// WriteNDJSON writes chain's records to w as a newline-delimited stream of
// canonical-JSON records, one record per line (spec section 6 "Signed
// export format"). The run_id wrapper used by Chain's own JSON encoding is
// not part of the wire format; callers that need to recover it should pass
// it out of band (e.g. as a file name or a preceding header line).
func WriteNDJSON(w io.Writer, chain Chain) error {
	for i, rec := range chain.Records {
		line, err := canonicaljson.Marshal(rec)
		if err != nil {
			return fmt.Errorf("export: canonicalize record %d: %w", i, err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("export: write record %d: %w", i, err)
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return fmt.Errorf("export: write newline after record %d: %w", i, err)
		}
	}
	return nil
}

// ReadNDJSON reads a newline-delimited canonical-JSON record stream back
// into a Chain. runID is attached to the result since the wire format
// itself carries no run identifier.
func ReadNDJSON(r io.Reader, runID string) (Chain, error) {
	chain := Chain{RunID: runID}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return Chain{}, fmt.Errorf("export: parse record at line %d: %w", line, err)
		}
		chain.Records = append(chain.Records, rec)
		line++
	}
	if err := scanner.Err(); err != nil {
		return Chain{}, fmt.Errorf("export: scan record stream: %w", err)
	}
	return chain, nil
}

// FromExplain flattens an audit.ExplainResult into ordered export entries
// (node states, then calls, then routing events, then artifacts, then
// outcomes) ready for BuildChain.
func FromExplain(result audit.ExplainResult) []struct {
	Kind    string
	Payload any
} {
	var entries []struct {
		Kind    string
		Payload any
	}
	for _, ns := range result.NodeStates {
		entries = append(entries, struct {
			Kind    string
			Payload any
		}{Kind: "node_state", Payload: ns})
	}
	for _, c := range result.Calls {
		entries = append(entries, struct {
			Kind    string
			Payload any
		}{Kind: "call", Payload: c})
	}
	for _, re := range result.RoutingEvents {
		entries = append(entries, struct {
			Kind    string
			Payload any
		}{Kind: "routing_event", Payload: re})
	}
	for _, a := range result.Artifacts {
		entries = append(entries, struct {
			Kind    string
			Payload any
		}{Kind: "artifact", Payload: a})
	}
	for _, o := range result.Outcomes {
		entries = append(entries, struct {
			Kind    string
			Payload any
		}{Kind: "token_outcome", Payload: o})
	}
	return entries
}
