package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
)

// Recorder is the begin/complete-paired façade over Store named in spec
// section 4.5: callers never see raw SQL, and "open" rows are written
// before the corresponding work starts so a crash mid-operation still
// leaves a navigable trail.
type Recorder struct {
	store Store
}

// NewRecorder wraps a Store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func newID() string { return uuid.NewString() }

// BeginRun creates a new Run row in the 'running' state.
func (r *Recorder) BeginRun(ctx context.Context, configFingerprint, canonicalVersion string, mode RunMode, sourceRunID *string) (string, error) {
	runID := newID()
	run := Run{
		RunID:             runID,
		StartedAt:         time.Now().UTC(),
		Status:            RunRunning,
		ConfigFingerprint: configFingerprint,
		CanonicalVersion:  canonicalVersion,
		Mode:              mode,
		SourceRunID:       sourceRunID,
	}
	if err := r.store.BeginRun(ctx, run); err != nil {
		return "", fmt.Errorf("audit: begin run: %w", err)
	}
	return runID, nil
}

// CompleteRun marks a Run completed. Terminal; a Run is never reopened.
func (r *Recorder) CompleteRun(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	return r.store.CompleteRun(ctx, runID, Run{CompletedAt: &now})
}

// FailRun marks a Run failed. Terminal.
func (r *Recorder) FailRun(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	return r.store.FailRun(ctx, runID, Run{CompletedAt: &now})
}

// RegisterNode records one DAG node, once, at graph registration time.
func (r *Recorder) RegisterNode(ctx context.Context, runID, label string, typ NodeType, pluginName, pluginVersion, configHash string, det Determinism) (string, error) {
	nodeID := newID()
	n := Node{
		NodeID: nodeID, RunID: runID, Label: label, Type: typ,
		PluginName: pluginName, PluginVersion: pluginVersion, ConfigHash: configHash, Determinism: det,
	}
	if err := r.store.RegisterNode(ctx, n); err != nil {
		return "", fmt.Errorf("audit: register node %s: %w", label, err)
	}
	return nodeID, nil
}

// RegisterEdge records one DAG edge, once, at graph registration time.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID string, routeLabel *string) (string, error) {
	edgeID := newID()
	e := Edge{EdgeID: edgeID, RunID: runID, FromNodeID: fromNodeID, ToNodeID: toNodeID, RouteLabel: routeLabel}
	if err := r.store.RegisterEdge(ctx, e); err != nil {
		return "", fmt.Errorf("audit: register edge: %w", err)
	}
	return edgeID, nil
}

// CreateRow records one immutable ingested row.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, inputHash string, sourceDataRef *string) (string, error) {
	rowID := newID()
	row := Row{
		RowID: rowID, RunID: runID, SourceNodeID: sourceNodeID, RowIndex: rowIndex,
		InputHash: inputHash, SourceDataRef: sourceDataRef, LoadedAt: time.Now().UTC(),
	}
	if err := r.store.CreateRow(ctx, row); err != nil {
		return "", fmt.Errorf("audit: create row: %w", err)
	}
	return rowID, nil
}

// CreateToken records a token freshly produced from a Row, with no parent
// lineage (spec section 3 "created on ingest").
func (r *Recorder) CreateToken(ctx context.Context, runID, rowID, originNodeID string) (string, error) {
	return r.createTokenWithParents(ctx, runID, rowID, originNodeID, nil)
}

// ForkToken records a child token produced from a single parent (gate
// continuation, fork_to_paths branch, or aggregation expand).
func (r *Recorder) ForkToken(ctx context.Context, runID, rowID, originNodeID, parentTokenID string, relation TokenRelation) (string, error) {
	return r.createTokenWithParents(ctx, runID, rowID, originNodeID, []TokenParent{{ParentTokenID: parentTokenID, Relation: relation}})
}

// CoalesceTokens records a single child token joining several parents.
func (r *Recorder) CoalesceTokens(ctx context.Context, runID, rowID, originNodeID string, parentTokenIDs []string) (string, error) {
	parents := make([]TokenParent, 0, len(parentTokenIDs))
	for _, pid := range parentTokenIDs {
		parents = append(parents, TokenParent{ParentTokenID: pid, Relation: RelationCoalesce})
	}
	return r.createTokenWithParents(ctx, runID, rowID, originNodeID, parents)
}

func (r *Recorder) createTokenWithParents(ctx context.Context, runID, rowID, originNodeID string, parents []TokenParent) (string, error) {
	tokenID := newID()
	t := Token{TokenID: tokenID, RunID: runID, RowID: rowID, CreatedAt: time.Now().UTC(), OriginNodeID: originNodeID}
	for i := range parents {
		parents[i].TokenID = tokenID
	}
	if err := r.store.CreateToken(ctx, t, parents); err != nil {
		return "", fmt.Errorf("audit: create token: %w", err)
	}
	return tokenID, nil
}

// BeginNodeState opens a NodeState for one attempt of one token at one
// node, returning its state_id. attempt must be the next dense value for
// (token_id, node_id); callers track this via the scheduler's retry loop.
func (r *Recorder) BeginNodeState(ctx context.Context, tokenID, nodeID string, attempt int, inputHash string, contextBeforeRef *string) (string, error) {
	stateID := newID()
	ns := NodeState{
		StateID: stateID, TokenID: tokenID, NodeID: nodeID, Attempt: attempt,
		Status: NodeStateOpen, StartedAt: time.Now().UTC(), InputHash: inputHash, ContextBeforeRef: contextBeforeRef,
	}
	if err := r.store.BeginNodeState(ctx, ns); err != nil {
		return "", fmt.Errorf("audit: begin node state: %w", err)
	}
	return stateID, nil
}

// CompleteNodeState closes a NodeState successfully.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID, outputHash string, contextAfterRef *string, startedAt time.Time) error {
	now := time.Now().UTC()
	durationMS := now.Sub(startedAt).Milliseconds()
	ns := NodeState{
		StateID: stateID, CompletedAt: &now, OutputHash: &outputHash,
		ContextAfterRef: contextAfterRef, DurationMS: &durationMS,
	}
	if err := r.store.CompleteNodeState(ctx, ns); err != nil {
		return fmt.Errorf("audit: complete node state %s: %w", stateID, err)
	}
	return nil
}

// FailNodeState closes a NodeState with a structured error. See
// ErrorJSON for the required shape (type, message, attempt, retryable).
func (r *Recorder) FailNodeState(ctx context.Context, stateID string, errInfo ErrorJSON, startedAt time.Time) error {
	now := time.Now().UTC()
	durationMS := now.Sub(startedAt).Milliseconds()
	payload, err := json.Marshal(errInfo)
	if err != nil {
		return fmt.Errorf("audit: marshal error_json: %w", err)
	}
	errStr := string(payload)
	ns := NodeState{StateID: stateID, CompletedAt: &now, ErrorJSON: &errStr, DurationMS: &durationMS}
	if err := r.store.FailNodeState(ctx, ns); err != nil {
		return fmt.Errorf("audit: fail node state %s: %w", stateID, err)
	}
	return nil
}

// RecordCall stores one audited external-call attempt.
func (r *Recorder) RecordCall(ctx context.Context, c Call) error {
	if c.CallID == "" {
		c.CallID = newID()
	}
	if err := r.store.RecordCall(ctx, c); err != nil {
		return fmt.Errorf("audit: record call: %w", err)
	}
	return nil
}

// RecordRoutingEvent stores a gate's decision.
func (r *Recorder) RecordRoutingEvent(ctx context.Context, stateID, edgeID, rule string, reasonRef *string, mode RoutingMode) error {
	e := RoutingEvent{
		EventID: newID(), StateID: stateID, EdgeID: edgeID,
		DecidedAt: time.Now().UTC(), Rule: rule, ReasonRef: reasonRef, Mode: mode,
	}
	if err := r.store.RecordRoutingEvent(ctx, e); err != nil {
		return fmt.Errorf("audit: record routing event: %w", err)
	}
	return nil
}

// RecordArtifact stores one produced side-output.
func (r *Recorder) RecordArtifact(ctx context.Context, runID, stateID, kind, uri, contentHash string, sizeBytes int64) error {
	a := Artifact{
		ArtifactID: newID(), RunID: runID, StateID: stateID, Kind: kind,
		URI: uri, ContentHash: contentHash, SizeBytes: sizeBytes, CreatedAt: time.Now().UTC(),
	}
	if err := r.store.RecordArtifact(ctx, a); err != nil {
		return fmt.Errorf("audit: record artifact: %w", err)
	}
	return nil
}

// RecordTokenOutcome stores the terminal classification of a token's path.
// Recording a second terminal outcome for the same token is an
// InvariantViolation (spec invariant 2), surfaced by the underlying store's
// unique index.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, runID, tokenID string, outcome RowOutcome) error {
	o := TokenOutcome{OutcomeID: newID(), RunID: runID, TokenID: tokenID, Outcome: outcome, RecordedAt: time.Now().UTC()}
	if err := r.store.RecordTokenOutcome(ctx, o); err != nil {
		return err
	}
	return nil
}

// OpenBatch opens an aggregation window.
func (r *Recorder) OpenBatch(ctx context.Context, runID, nodeID string) (string, error) {
	batchID := newID()
	b := Batch{BatchID: batchID, RunID: runID, NodeID: nodeID, Status: BatchOpen, OpenedAt: time.Now().UTC()}
	if err := r.store.OpenBatch(ctx, b); err != nil {
		return "", fmt.Errorf("audit: open batch: %w", err)
	}
	return batchID, nil
}

// AddBatchMember records one token consumed into an open batch.
func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string) error {
	if err := r.store.AddBatchMember(ctx, BatchMember{BatchID: batchID, TokenID: tokenID}); err != nil {
		return fmt.Errorf("audit: add batch member: %w", err)
	}
	return nil
}

// CloseBatch closes a batch and records its produced output tokens in one
// atomic transaction, per spec section 5's "writes for a single logical
// event are atomic".
func (r *Recorder) CloseBatch(ctx context.Context, runID, batchID, triggerKind string, outputTokenIDs []string) error {
	now := time.Now().UTC()
	outputs := make([]BatchOutput, 0, len(outputTokenIDs))
	for _, tid := range outputTokenIDs {
		outputs = append(outputs, BatchOutput{BatchID: batchID, TokenID: tid})
	}
	return r.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.CloseBatch(ctx, Batch{BatchID: batchID, ClosedAt: &now}, outputs); err != nil {
			return fmt.Errorf("audit: close batch %s: %w", batchID, err)
		}
		return nil
	})
}

// FailBatch closes a batch in the failed state with no outputs.
func (r *Recorder) FailBatch(ctx context.Context, batchID string) error {
	now := time.Now().UTC()
	if err := r.store.FailBatch(ctx, Batch{BatchID: batchID, ClosedAt: &now}); err != nil {
		return fmt.Errorf("audit: fail batch %s: %w", batchID, err)
	}
	return nil
}

// WriteCheckpoint records a safe-to-restart boundary. rowRef, when set, is
// a payload-store hash of the token's row content at this boundary, so
// internal/checkpoint can rehydrate a continuation without re-running
// every upstream node.
func (r *Recorder) WriteCheckpoint(ctx context.Context, runID, tokenID, nodeID string, sequenceNumber int64, aggregationStateRef, rowRef *string) error {
	c := Checkpoint{
		CheckpointID: newID(), RunID: runID, TokenID: tokenID, NodeID: nodeID,
		SequenceNumber: sequenceNumber, CreatedAt: time.Now().UTC(),
		AggregationStateRef: aggregationStateRef, RowRef: rowRef,
	}
	if err := r.store.WriteCheckpoint(ctx, c); err != nil {
		return fmt.Errorf("audit: write checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoints returns the most recent checkpoint per token for a run,
// used by internal/checkpoint on resume.
func (r *Recorder) LatestCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	return r.store.LatestCheckpoints(ctx, runID)
}

// DeleteCheckpoints removes all checkpoints for a run, called on successful
// completion per spec section 4.7.
func (r *Recorder) DeleteCheckpoints(ctx context.Context, runID string) error {
	return r.store.DeleteCheckpoints(ctx, runID)
}

// RecordValidationError stores a structured quarantine record for a source
// row that failed schema validation.
func (r *Recorder) RecordValidationError(ctx context.Context, runID, rowID, field, message string) error {
	rec := ValidationErrorRecord{RunID: runID, RowID: rowID, Field: field, Message: message, CreatedAt: time.Now().UTC()}
	if err := r.store.RecordValidationError(ctx, rec); err != nil {
		return fmt.Errorf("audit: record validation error: %w", err)
	}
	return nil
}

// RecordTransformError stores a structured quarantine record for a
// transform failure.
func (r *Recorder) RecordTransformError(ctx context.Context, runID, tokenID, nodeID, message string) error {
	rec := TransformErrorRecord{RunID: runID, TokenID: tokenID, NodeID: nodeID, Message: message, CreatedAt: time.Now().UTC()}
	if err := r.store.RecordTransformError(ctx, rec); err != nil {
		return fmt.Errorf("audit: record transform error: %w", err)
	}
	return nil
}

// Explain returns the full lineage rooted at rowID.
func (r *Recorder) Explain(ctx context.Context, rowID string) (ExplainResult, error) {
	return r.store.Explain(ctx, rowID)
}

// CallResponseStatus describes whether GetCallResponse resolved a payload.
type CallResponseStatus string

const (
	CallResponsePurged      CallResponseStatus = "PURGED"
	CallResponseNeverStored CallResponseStatus = "NEVER_STORED"
	CallResponseAvailable   CallResponseStatus = "AVAILABLE"
)

// PayloadResolver resolves a content hash to bytes; satisfied by
// internal/payloadstore.Store.
type PayloadResolver interface {
	Get(hash string) ([]byte, error)
	Exists(hash string) bool
}

// GetCallResponse resolves a Call's response payload via its response_ref,
// degrading to PURGED/NEVER_STORED per spec section 4.5's Tier-3 trust
// model rather than erroring.
func (r *Recorder) GetCallResponse(ctx context.Context, payloads PayloadResolver, callID string) ([]byte, CallResponseStatus, error) {
	call, err := r.store.GetCall(ctx, callID)
	if err != nil {
		return nil, "", fmt.Errorf("audit: get call response: %w", err)
	}
	if call.ResponseRef == nil || *call.ResponseRef == "" {
		return nil, CallResponseNeverStored, nil
	}
	if !payloads.Exists(*call.ResponseRef) {
		return nil, CallResponsePurged, nil
	}
	data, err := payloads.Get(*call.ResponseRef)
	if err != nil {
		ee, ok := elspetherrors.As(err)
		if ok && ee.Code == elspetherrors.CodePayloadIntegrityError {
			return nil, "", err // Tier-1: integrity failures are fatal, never degraded
		}
		return nil, CallResponsePurged, nil
	}
	return data, CallResponseAvailable, nil
}
