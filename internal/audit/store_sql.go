package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
)

// SQLStore is a Store backed by database/sql via jmoiron/sqlx, adapted from
// the teacher's BaseStore (pkg/storage/postgres/base_store.go): queries are
// written once with "?" placeholders and rebound per driver with
// sqlx.Rebind, so the same implementation serves both the PostgreSQL
// deployment target and the SQLite path used for local development and
// this package's own tests.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLStore wraps an already-open, already-migrated database handle.
func NewSQLStore(db *sql.DB, driverName string) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, driverName), driver: driverName}
}

type txKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

func (s *SQLStore) querier(ctx context.Context) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func (s *SQLStore) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(s.driver), query)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.querier(ctx).ExecContext(ctx, s.rebind(query), args...)
	return err
}

// WithTx commits all writes made by fn together, or rolls all of them back.
func (s *SQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	txStore := &SQLStore{db: s.db, driver: s.driver}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) BeginRun(ctx context.Context, run Run) error {
	return s.exec(ctx, `
		INSERT INTO runs (run_id, started_at, status, config_fingerprint, canonical_version, mode, source_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt, RunRunning, run.ConfigFingerprint, run.CanonicalVersion, orDefault(run.Mode, ModeLive), run.SourceRunID)
}

func orDefault(m RunMode, def RunMode) RunMode {
	if m == "" {
		return def
	}
	return m
}

func (s *SQLStore) CompleteRun(ctx context.Context, runID string, run Run) error {
	return s.exec(ctx, `UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		RunCompleted, run.CompletedAt, runID)
}

func (s *SQLStore) FailRun(ctx context.Context, runID string, run Run) error {
	return s.exec(ctx, `UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		RunFailed, run.CompletedAt, runID)
}

func (s *SQLStore) ReopenRun(ctx context.Context, runID string) error {
	return s.exec(ctx, `UPDATE runs SET status = ?, completed_at = NULL WHERE run_id = ?`, RunRunning, runID)
}

func (s *SQLStore) RegisterNode(ctx context.Context, n Node) error {
	return s.exec(ctx, `
		INSERT INTO nodes (node_id, run_id, label, type, plugin_name, plugin_version, config_hash, determinism)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.NodeID, n.RunID, n.Label, n.Type, n.PluginName, n.PluginVersion, n.ConfigHash, n.Determinism)
}

func (s *SQLStore) RegisterEdge(ctx context.Context, e Edge) error {
	return s.exec(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, route_label)
		VALUES (?, ?, ?, ?, ?)`,
		e.EdgeID, e.RunID, e.FromNodeID, e.ToNodeID, e.RouteLabel)
}

func (s *SQLStore) ListNodes(ctx context.Context, runID string) ([]Node, error) {
	rows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT node_id, run_id, label, type, plugin_name, plugin_version, config_hash, determinism
		FROM nodes WHERE run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.NodeID, &n.RunID, &n.Label, &n.Type, &n.PluginName, &n.PluginVersion, &n.ConfigHash, &n.Determinism); err != nil {
			return nil, fmt.Errorf("audit: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListEdges(ctx context.Context, runID string) ([]Edge, error) {
	rows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT edge_id, run_id, from_node_id, to_node_id, route_label
		FROM edges WHERE run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.RouteLabel); err != nil {
			return nil, fmt.Errorf("audit: scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateRow(ctx context.Context, r Row) error {
	return s.exec(ctx, `
		INSERT INTO rows_ingested (row_id, run_id, source_node_id, row_index, input_hash, source_data_ref, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RowID, r.RunID, r.SourceNodeID, r.RowIndex, r.InputHash, r.SourceDataRef, r.LoadedAt)
}

// ListRowsForRun returns every row ingested for runID, in ingestion order.
func (s *SQLStore) ListRowsForRun(ctx context.Context, runID string) ([]Row, error) {
	rows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT row_id, run_id, source_node_id, row_index, input_hash, source_data_ref, loaded_at
		FROM rows_ingested WHERE run_id = ? ORDER BY row_index`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query rows for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.RowID, &r.RunID, &r.SourceNodeID, &r.RowIndex, &r.InputHash, &r.SourceDataRef, &r.LoadedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateToken(ctx context.Context, t Token, parents []TokenParent) error {
	if err := s.exec(ctx, `
		INSERT INTO tokens (token_id, run_id, row_id, created_at, origin_node_id)
		VALUES (?, ?, ?, ?, ?)`,
		t.TokenID, t.RunID, t.RowID, t.CreatedAt, t.OriginNodeID); err != nil {
		return err
	}
	for _, p := range parents {
		if err := s.exec(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id, relation)
			VALUES (?, ?, ?)`, t.TokenID, p.ParentTokenID, p.Relation); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) GetToken(ctx context.Context, tokenID string) (Token, error) {
	var t Token
	err := s.querier(ctx).QueryRowxContext(ctx, s.rebind(`
		SELECT token_id, run_id, row_id, created_at, origin_node_id
		FROM tokens WHERE token_id = ?`), tokenID,
	).Scan(&t.TokenID, &t.RunID, &t.RowID, &t.CreatedAt, &t.OriginNodeID)
	if err != nil {
		return Token{}, fmt.Errorf("audit: get token %s: %w", tokenID, err)
	}
	return t, nil
}

func (s *SQLStore) BeginNodeState(ctx context.Context, ns NodeState) error {
	return s.exec(ctx, `
		INSERT INTO node_states (state_id, token_id, node_id, attempt, status, started_at, input_hash, context_before_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ns.StateID, ns.TokenID, ns.NodeID, ns.Attempt, NodeStateOpen, ns.StartedAt, ns.InputHash, ns.ContextBeforeRef)
}

// CompleteNodeState enforces spec invariant 1: a completed NodeState must
// carry a non-null output_hash. The check happens here, not only at read
// time, so a violation is caught at the moment it would be written.
func (s *SQLStore) CompleteNodeState(ctx context.Context, ns NodeState) error {
	if ns.OutputHash == nil || *ns.OutputHash == "" {
		return elspetherrors.InvariantViolation("audit: completed NodeState requires a non-null output_hash", nil)
	}
	return s.exec(ctx, `
		UPDATE node_states
		SET status = ?, completed_at = ?, output_hash = ?, context_after_ref = ?, duration_ms = ?
		WHERE state_id = ?`,
		NodeStateCompleted, ns.CompletedAt, ns.OutputHash, ns.ContextAfterRef, ns.DurationMS, ns.StateID)
}

func (s *SQLStore) FailNodeState(ctx context.Context, ns NodeState) error {
	return s.exec(ctx, `
		UPDATE node_states
		SET status = ?, completed_at = ?, error_json = ?, duration_ms = ?
		WHERE state_id = ?`,
		NodeStateFailed, ns.CompletedAt, ns.ErrorJSON, ns.DurationMS, ns.StateID)
}

func (s *SQLStore) RecordCall(ctx context.Context, c Call) error {
	return s.exec(ctx, `
		INSERT INTO calls (call_id, state_id, call_type, endpoint, started_at, completed_at, duration_ms, status,
			request_hash, response_hash, request_ref, response_ref, secret_fingerprint, attempt, provider_request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CallID, c.StateID, c.CallType, c.Endpoint, c.StartedAt, c.CompletedAt, c.DurationMS, c.Status,
		c.RequestHash, c.ResponseHash, c.RequestRef, c.ResponseRef, c.SecretFingerprint, c.Attempt, c.ProviderRequestID)
}

func (s *SQLStore) RecordRoutingEvent(ctx context.Context, e RoutingEvent) error {
	return s.exec(ctx, `
		INSERT INTO routing_events (event_id, state_id, edge_id, decided_at, rule, reason_ref, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.StateID, e.EdgeID, e.DecidedAt, e.Rule, e.ReasonRef, e.Mode)
}

func (s *SQLStore) RecordArtifact(ctx context.Context, a Artifact) error {
	return s.exec(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, state_id, kind, uri, content_hash, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.RunID, a.StateID, a.Kind, a.URI, a.ContentHash, a.SizeBytes, a.CreatedAt)
}

// RecordTokenOutcome relies on the store's partial unique index
// (token_outcomes_terminal_unique) to enforce "exactly one terminal
// outcome per token"; a failed insert, including such a violation, is
// returned wrapped as elspetherrors.InvariantViolation.
func (s *SQLStore) RecordTokenOutcome(ctx context.Context, o TokenOutcome) error {
	if o.OutcomeID == "" {
		o.OutcomeID = uuid.NewString()
	}
	if err := s.exec(ctx, `
		INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		o.OutcomeID, o.RunID, o.TokenID, o.Outcome, o.RecordedAt); err != nil {
		return elspetherrors.InvariantViolation(
			fmt.Sprintf("audit: token %s already has a terminal outcome", o.TokenID), err)
	}
	return nil
}

func (s *SQLStore) OpenBatch(ctx context.Context, b Batch) error {
	return s.exec(ctx, `
		INSERT INTO batches (batch_id, run_id, node_id, status, opened_at, trigger_kind)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.RunID, b.NodeID, BatchOpen, b.OpenedAt, b.TriggerKind)
}

func (s *SQLStore) AddBatchMember(ctx context.Context, m BatchMember) error {
	return s.exec(ctx, `INSERT INTO batch_members (batch_id, token_id) VALUES (?, ?)`, m.BatchID, m.TokenID)
}

func (s *SQLStore) CloseBatch(ctx context.Context, b Batch, outputs []BatchOutput) error {
	if err := s.exec(ctx, `UPDATE batches SET status = ?, closed_at = ? WHERE batch_id = ?`,
		BatchCompleted, b.ClosedAt, b.BatchID); err != nil {
		return err
	}
	for _, o := range outputs {
		if err := s.exec(ctx, `INSERT INTO batch_outputs (batch_id, token_id) VALUES (?, ?)`, o.BatchID, o.TokenID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) FailBatch(ctx context.Context, b Batch) error {
	return s.exec(ctx, `UPDATE batches SET status = ?, closed_at = ? WHERE batch_id = ?`,
		BatchFailed, b.ClosedAt, b.BatchID)
}

func (s *SQLStore) WriteCheckpoint(ctx context.Context, c Checkpoint) error {
	return s.exec(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, sequence_number, created_at, aggregation_state_ref, row_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CheckpointID, c.RunID, c.TokenID, c.NodeID, c.SequenceNumber, c.CreatedAt, c.AggregationStateRef, c.RowRef)
}

func (s *SQLStore) LatestCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, created_at, aggregation_state_ref, row_ref
		FROM checkpoints c1
		WHERE run_id = ?
		AND sequence_number = (
			SELECT MAX(sequence_number) FROM checkpoints c2 WHERE c2.token_id = c1.token_id
		)`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.CheckpointID, &c.RunID, &c.TokenID, &c.NodeID, &c.SequenceNumber, &c.CreatedAt, &c.AggregationStateRef, &c.RowRef); err != nil {
			return nil, fmt.Errorf("audit: scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	return s.exec(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
}

func (s *SQLStore) RecordValidationError(ctx context.Context, r ValidationErrorRecord) error {
	if r.RecordID == "" {
		r.RecordID = uuid.NewString()
	}
	return s.exec(ctx, `
		INSERT INTO validation_error_records (record_id, run_id, row_id, field, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RecordID, r.RunID, r.RowID, r.Field, r.Message, r.CreatedAt)
}

func (s *SQLStore) RecordTransformError(ctx context.Context, r TransformErrorRecord) error {
	if r.RecordID == "" {
		r.RecordID = uuid.NewString()
	}
	return s.exec(ctx, `
		INSERT INTO transform_error_records (record_id, run_id, token_id, node_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RecordID, r.RunID, r.TokenID, r.NodeID, r.Message, r.CreatedAt)
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	row := s.querier(ctx).QueryRowxContext(ctx, s.rebind(`
		SELECT run_id, started_at, completed_at, status, config_fingerprint, canonical_version, mode, source_run_id
		FROM runs WHERE run_id = ?`), runID)
	err := row.Scan(&run.RunID, &run.StartedAt, &run.CompletedAt, &run.Status, &run.ConfigFingerprint,
		&run.CanonicalVersion, &run.Mode, &run.SourceRunID)
	if err != nil {
		return Run{}, fmt.Errorf("audit: get run %s: %w", runID, err)
	}
	return run, nil
}

func (s *SQLStore) GetNodeState(ctx context.Context, stateID string) (NodeState, error) {
	var ns NodeState
	row := s.querier(ctx).QueryRowxContext(ctx, s.rebind(`
		SELECT state_id, token_id, node_id, attempt, status, started_at, input_hash, context_before_ref,
			completed_at, output_hash, context_after_ref, duration_ms, error_json
		FROM node_states WHERE state_id = ?`), stateID)
	err := row.Scan(&ns.StateID, &ns.TokenID, &ns.NodeID, &ns.Attempt, &ns.Status, &ns.StartedAt, &ns.InputHash,
		&ns.ContextBeforeRef, &ns.CompletedAt, &ns.OutputHash, &ns.ContextAfterRef, &ns.DurationMS, &ns.ErrorJSON)
	if err != nil {
		return NodeState{}, fmt.Errorf("audit: get node state %s: %w", stateID, err)
	}
	// Tier-1 trust: our own audit data must satisfy invariant 1 on read,
	// not just on write, since a foreign process could have written a
	// malformed row directly against the database.
	if ns.Status == NodeStateCompleted && (ns.OutputHash == nil || *ns.OutputHash == "") {
		return NodeState{}, elspetherrors.InvariantViolation(
			fmt.Sprintf("audit: completed NodeState %s has no output_hash", stateID), nil)
	}
	return ns, nil
}

func (s *SQLStore) GetCall(ctx context.Context, callID string) (Call, error) {
	var c Call
	row := s.querier(ctx).QueryRowxContext(ctx, s.rebind(`
		SELECT call_id, state_id, call_type, endpoint, started_at, completed_at, duration_ms, status,
			request_hash, response_hash, request_ref, response_ref, secret_fingerprint, attempt, provider_request_id
		FROM calls WHERE call_id = ?`), callID)
	err := row.Scan(&c.CallID, &c.StateID, &c.CallType, &c.Endpoint, &c.StartedAt, &c.CompletedAt, &c.DurationMS,
		&c.Status, &c.RequestHash, &c.ResponseHash, &c.RequestRef, &c.ResponseRef, &c.SecretFingerprint,
		&c.Attempt, &c.ProviderRequestID)
	if err != nil {
		return Call{}, fmt.Errorf("audit: get call %s: %w", callID, err)
	}
	return c, nil
}

// ListCompletedRunsBefore returns every run completed strictly before
// cutoff, for internal/retention's purge policy.
func (s *SQLStore) ListCompletedRunsBefore(ctx context.Context, cutoff time.Time) ([]Run, error) {
	rows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT run_id, started_at, completed_at, status, config_fingerprint, canonical_version, mode, source_run_id
		FROM runs WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`), RunCompleted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("audit: list completed runs before %s: %w", cutoff, err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.CompletedAt, &r.Status, &r.ConfigFingerprint,
			&r.CanonicalVersion, &r.Mode, &r.SourceRunID); err != nil {
			return nil, fmt.Errorf("audit: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPayloadRefs gathers every payload-store hash referenced anywhere in
// runID's audit trail: ingested-row source data, node-state context
// snapshots, call request/response bodies, and sink artifacts.
func (s *SQLStore) ListPayloadRefs(ctx context.Context, runID string) ([]string, error) {
	var refs []string
	appendNonNil := func(ptrs ...*string) {
		for _, p := range ptrs {
			if p != nil && *p != "" {
				refs = append(refs, *p)
			}
		}
	}

	rowRefs, err := s.querier(ctx).QueryxContext(ctx, s.rebind(
		`SELECT source_data_ref FROM rows_ingested WHERE run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: list payload refs: rows: %w", err)
	}
	defer rowRefs.Close()
	for rowRefs.Next() {
		var ref *string
		if err := rowRefs.Scan(&ref); err != nil {
			return nil, fmt.Errorf("audit: list payload refs: scan row ref: %w", err)
		}
		appendNonNil(ref)
	}

	stateRefs, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT ns.context_before_ref, ns.context_after_ref
		FROM node_states ns JOIN nodes n ON ns.node_id = n.node_id
		WHERE n.run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: list payload refs: node states: %w", err)
	}
	defer stateRefs.Close()
	for stateRefs.Next() {
		var before, after *string
		if err := stateRefs.Scan(&before, &after); err != nil {
			return nil, fmt.Errorf("audit: list payload refs: scan node state refs: %w", err)
		}
		appendNonNil(before, after)
	}

	callRefs, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT c.request_ref, c.response_ref
		FROM calls c
		JOIN node_states ns ON c.state_id = ns.state_id
		JOIN nodes n ON ns.node_id = n.node_id
		WHERE n.run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: list payload refs: calls: %w", err)
	}
	defer callRefs.Close()
	for callRefs.Next() {
		var reqRef, respRef *string
		if err := callRefs.Scan(&reqRef, &respRef); err != nil {
			return nil, fmt.Errorf("audit: list payload refs: scan call refs: %w", err)
		}
		appendNonNil(reqRef, respRef)
	}

	artifactRefs, err := s.querier(ctx).QueryxContext(ctx, s.rebind(
		`SELECT content_hash FROM artifacts WHERE run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("audit: list payload refs: artifacts: %w", err)
	}
	defer artifactRefs.Close()
	for artifactRefs.Next() {
		var hash string
		if err := artifactRefs.Scan(&hash); err != nil {
			return nil, fmt.Errorf("audit: list payload refs: scan artifact hash: %w", err)
		}
		appendNonNil(&hash)
	}

	return refs, nil
}

// FindCallForReplay looks up the most recent Call matching
// (run_id, endpoint, request_hash, attempt) via its owning NodeState's
// token, for the audited client's replay mode (spec section 4.8).
func (s *SQLStore) FindCallForReplay(ctx context.Context, runID, endpoint, requestHash string, attempt int) (Call, bool, error) {
	var c Call
	row := s.querier(ctx).QueryRowxContext(ctx, s.rebind(`
		SELECT c.call_id, c.state_id, c.call_type, c.endpoint, c.started_at, c.completed_at, c.duration_ms, c.status,
			c.request_hash, c.response_hash, c.request_ref, c.response_ref, c.secret_fingerprint, c.attempt, c.provider_request_id
		FROM calls c
		JOIN node_states ns ON ns.state_id = c.state_id
		JOIN tokens t ON t.token_id = ns.token_id
		WHERE t.run_id = ? AND c.endpoint = ? AND c.request_hash = ? AND c.attempt = ?
		ORDER BY c.started_at DESC
		LIMIT 1`), runID, endpoint, requestHash, attempt)
	err := row.Scan(&c.CallID, &c.StateID, &c.CallType, &c.Endpoint, &c.StartedAt, &c.CompletedAt, &c.DurationMS,
		&c.Status, &c.RequestHash, &c.ResponseHash, &c.RequestRef, &c.ResponseRef, &c.SecretFingerprint,
		&c.Attempt, &c.ProviderRequestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return Call{}, false, nil
		}
		return Call{}, false, fmt.Errorf("audit: find call for replay (run=%s endpoint=%s): %w", runID, endpoint, err)
	}
	return c, true, nil
}

// Explain reconstructs the full DAG of tokens, states, calls, routing
// events, and artifacts rooted at rowID (spec section 4.5 "explain").
func (s *SQLStore) Explain(ctx context.Context, rowID string) (ExplainResult, error) {
	var result ExplainResult

	row := s.querier(ctx).QueryRowxContext(ctx, s.rebind(`
		SELECT row_id, run_id, source_node_id, row_index, input_hash, source_data_ref, loaded_at
		FROM rows_ingested WHERE row_id = ?`), rowID)
	if err := row.Scan(&result.Row.RowID, &result.Row.RunID, &result.Row.SourceNodeID, &result.Row.RowIndex,
		&result.Row.InputHash, &result.Row.SourceDataRef, &result.Row.LoadedAt); err != nil {
		return ExplainResult{}, fmt.Errorf("audit: explain: row %s: %w", rowID, err)
	}

	tokRows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(
		`SELECT token_id, run_id, row_id, created_at, origin_node_id FROM tokens WHERE row_id = ?`), rowID)
	if err != nil {
		return ExplainResult{}, fmt.Errorf("audit: explain: tokens: %w", err)
	}
	defer tokRows.Close()
	tokenIDs := make([]string, 0)
	for tokRows.Next() {
		var t Token
		if err := tokRows.Scan(&t.TokenID, &t.RunID, &t.RowID, &t.CreatedAt, &t.OriginNodeID); err != nil {
			return ExplainResult{}, fmt.Errorf("audit: explain: scan token: %w", err)
		}
		result.Tokens = append(result.Tokens, t)
		tokenIDs = append(tokenIDs, t.TokenID)
	}

	for _, tid := range tokenIDs {
		if err := s.appendTokenLineage(ctx, tid, &result); err != nil {
			return ExplainResult{}, err
		}
	}
	return result, nil
}

func (s *SQLStore) appendTokenLineage(ctx context.Context, tokenID string, result *ExplainResult) error {
	parentRows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(
		`SELECT token_id, parent_token_id, relation FROM token_parents WHERE token_id = ?`), tokenID)
	if err != nil {
		return fmt.Errorf("audit: explain: token parents: %w", err)
	}
	defer parentRows.Close()
	for parentRows.Next() {
		var p TokenParent
		if err := parentRows.Scan(&p.TokenID, &p.ParentTokenID, &p.Relation); err != nil {
			return fmt.Errorf("audit: explain: scan token parent: %w", err)
		}
		result.TokenParents = append(result.TokenParents, p)
	}

	stateRows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT state_id, token_id, node_id, attempt, status, started_at, input_hash, context_before_ref,
			completed_at, output_hash, context_after_ref, duration_ms, error_json
		FROM node_states WHERE token_id = ? ORDER BY attempt ASC`), tokenID)
	if err != nil {
		return fmt.Errorf("audit: explain: node states: %w", err)
	}
	defer stateRows.Close()
	var stateIDs []string
	for stateRows.Next() {
		var ns NodeState
		if err := stateRows.Scan(&ns.StateID, &ns.TokenID, &ns.NodeID, &ns.Attempt, &ns.Status, &ns.StartedAt,
			&ns.InputHash, &ns.ContextBeforeRef, &ns.CompletedAt, &ns.OutputHash, &ns.ContextAfterRef,
			&ns.DurationMS, &ns.ErrorJSON); err != nil {
			return fmt.Errorf("audit: explain: scan node state: %w", err)
		}
		result.NodeStates = append(result.NodeStates, ns)
		stateIDs = append(stateIDs, ns.StateID)
	}

	for _, sid := range stateIDs {
		if err := s.appendStateArtifacts(ctx, sid, result); err != nil {
			return err
		}
	}

	outRows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(
		`SELECT outcome_id, run_id, token_id, outcome, recorded_at FROM token_outcomes WHERE token_id = ?`), tokenID)
	if err != nil {
		return fmt.Errorf("audit: explain: outcomes: %w", err)
	}
	defer outRows.Close()
	for outRows.Next() {
		var o TokenOutcome
		if err := outRows.Scan(&o.OutcomeID, &o.RunID, &o.TokenID, &o.Outcome, &o.RecordedAt); err != nil {
			return fmt.Errorf("audit: explain: scan outcome: %w", err)
		}
		result.Outcomes = append(result.Outcomes, o)
	}
	return nil
}

func (s *SQLStore) appendStateArtifacts(ctx context.Context, stateID string, result *ExplainResult) error {
	callRows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(`
		SELECT call_id, state_id, call_type, endpoint, started_at, completed_at, duration_ms, status,
			request_hash, response_hash, request_ref, response_ref, secret_fingerprint, attempt, provider_request_id
		FROM calls WHERE state_id = ? ORDER BY attempt ASC`), stateID)
	if err != nil {
		return fmt.Errorf("audit: explain: calls: %w", err)
	}
	defer callRows.Close()
	for callRows.Next() {
		var c Call
		if err := callRows.Scan(&c.CallID, &c.StateID, &c.CallType, &c.Endpoint, &c.StartedAt, &c.CompletedAt,
			&c.DurationMS, &c.Status, &c.RequestHash, &c.ResponseHash, &c.RequestRef, &c.ResponseRef,
			&c.SecretFingerprint, &c.Attempt, &c.ProviderRequestID); err != nil {
			return fmt.Errorf("audit: explain: scan call: %w", err)
		}
		result.Calls = append(result.Calls, c)
	}

	routeRows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(
		`SELECT event_id, state_id, edge_id, decided_at, rule, reason_ref, mode FROM routing_events WHERE state_id = ?`), stateID)
	if err != nil {
		return fmt.Errorf("audit: explain: routing events: %w", err)
	}
	defer routeRows.Close()
	for routeRows.Next() {
		var e RoutingEvent
		if err := routeRows.Scan(&e.EventID, &e.StateID, &e.EdgeID, &e.DecidedAt, &e.Rule, &e.ReasonRef, &e.Mode); err != nil {
			return fmt.Errorf("audit: explain: scan routing event: %w", err)
		}
		result.RoutingEvents = append(result.RoutingEvents, e)
	}

	artRows, err := s.querier(ctx).QueryxContext(ctx, s.rebind(
		`SELECT artifact_id, run_id, state_id, kind, uri, content_hash, size_bytes, created_at FROM artifacts WHERE state_id = ?`), stateID)
	if err != nil {
		return fmt.Errorf("audit: explain: artifacts: %w", err)
	}
	defer artRows.Close()
	for artRows.Next() {
		var a Artifact
		if err := artRows.Scan(&a.ArtifactID, &a.RunID, &a.StateID, &a.Kind, &a.URI, &a.ContentHash, &a.SizeBytes, &a.CreatedAt); err != nil {
			return fmt.Errorf("audit: explain: scan artifact: %w", err)
		}
		result.Artifacts = append(result.Artifacts, a)
	}
	return nil
}
