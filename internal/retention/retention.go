// Package retention implements the purge policy of spec section 4.6:
// payload-store content for completed runs older than a cutoff is deleted,
// while the audit trail's hash references are left in place so lineage
// stays navigable — a later read resolves a purged hash to the explicit
// PURGED signal audit.Recorder.GetCallResponse already knows how to report,
// rather than an error. Grounded on the teacher's infrastructure/redaction
// idiom (a policy struct plus a method that walks data applying it)
// generalized from "redact a field in place" to "delete a blob, leave its
// hash as a tombstone".
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
)

// Policy configures one purge pass.
type Policy struct {
	// AsOf is the cutoff: completed runs whose completed_at is strictly
	// before this instant are eligible.
	AsOf time.Time
	// DryRun reports what would be deleted without touching the payload
	// store, for an operator to review before committing to a purge.
	DryRun bool
}

// RunReport is one eligible run's purge outcome.
type RunReport struct {
	RunID           string
	PayloadsDeleted int
	PayloadsMissing int // already absent; not an error, just already gone
}

// Report summarizes a full purge pass across every eligible run.
type Report struct {
	Runs            []RunReport
	RunsPurged      int
	PayloadsDeleted int
}

// Purger applies a Policy against one audit store and payload store.
type Purger struct {
	store    audit.Store
	payloads *payloadstore.Store
}

// New builds a Purger over store and payloads.
func New(store audit.Store, payloads *payloadstore.Store) *Purger {
	return &Purger{store: store, payloads: payloads}
}

// Purge deletes payload-store content for every completed run older than
// policy.AsOf, per spec section 4.6's "purge --as-of <timestamp> removes
// payloads older than the computed cutoff for completed runs and reports
// counts". It never modifies the audit trail itself — only Store.Explain,
// Store.GetCall, and friends observe the effect, as a missing blob behind
// a still-present hash.
func (p *Purger) Purge(ctx context.Context, policy Policy) (Report, error) {
	runs, err := p.store.ListCompletedRunsBefore(ctx, policy.AsOf)
	if err != nil {
		return Report{}, fmt.Errorf("retention: list completed runs before %s: %w", policy.AsOf, err)
	}

	report := Report{Runs: make([]RunReport, 0, len(runs))}
	for _, run := range runs {
		rr, err := p.purgeRun(ctx, run.RunID, policy.DryRun)
		if err != nil {
			return Report{}, err
		}
		report.Runs = append(report.Runs, rr)
		report.RunsPurged++
		report.PayloadsDeleted += rr.PayloadsDeleted
	}
	return report, nil
}

func (p *Purger) purgeRun(ctx context.Context, runID string, dryRun bool) (RunReport, error) {
	refs, err := p.store.ListPayloadRefs(ctx, runID)
	if err != nil {
		return RunReport{}, fmt.Errorf("retention: list payload refs for run %s: %w", runID, err)
	}

	rr := RunReport{RunID: runID}
	seen := make(map[string]bool, len(refs))
	for _, hash := range refs {
		if seen[hash] {
			continue
		}
		seen[hash] = true

		if !p.payloads.Exists(hash) {
			rr.PayloadsMissing++
			continue
		}
		if dryRun {
			rr.PayloadsDeleted++
			continue
		}
		if err := p.payloads.Delete(hash); err != nil {
			return RunReport{}, fmt.Errorf("retention: delete payload %s for run %s: %w", hash, runID, err)
		}
		rr.PayloadsDeleted++
	}
	return rr, nil
}
