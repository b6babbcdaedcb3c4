package audit

import (
	"context"
	"time"
)

// Store is the persistence surface the Recorder and query layer write
// through. A single SQLStore implementation (store_sql.go) backs both
// PostgreSQL and SQLite by rebinding placeholder syntax per driver,
// generalized from the teacher's BaseStore (pkg/storage/postgres) which
// only ever targeted Postgres.
type Store interface {
	BeginRun(ctx context.Context, run Run) error
	CompleteRun(ctx context.Context, runID string, run Run) error
	FailRun(ctx context.Context, runID string, run Run) error
	// ReopenRun marks a failed run running again so a resumed scheduler can
	// continue writing NodeStates/outcomes against the same run_id (spec
	// section 4.7: resume continues the original run, it does not start a
	// new one, since checkpoints are only deleted once the run completes).
	ReopenRun(ctx context.Context, runID string) error

	RegisterNode(ctx context.Context, n Node) error
	RegisterEdge(ctx context.Context, e Edge) error
	// ListNodes and ListEdges return a run's registered graph, used by
	// internal/orchestrator's Resume to rebuild label/node-id lookups
	// without re-registering nodes that already exist for the failed run.
	ListNodes(ctx context.Context, runID string) ([]Node, error)
	ListEdges(ctx context.Context, runID string) ([]Edge, error)

	CreateRow(ctx context.Context, r Row) error
	// ListRowsForRun returns every row ingested for runID, in ingestion
	// order, for cmd/elspeth's `explain --run-id` (no --row-id) path.
	ListRowsForRun(ctx context.Context, runID string) ([]Row, error)
	CreateToken(ctx context.Context, t Token, parents []TokenParent) error
	GetToken(ctx context.Context, tokenID string) (Token, error)

	BeginNodeState(ctx context.Context, ns NodeState) error
	CompleteNodeState(ctx context.Context, ns NodeState) error
	FailNodeState(ctx context.Context, ns NodeState) error

	RecordCall(ctx context.Context, c Call) error
	RecordRoutingEvent(ctx context.Context, e RoutingEvent) error
	RecordArtifact(ctx context.Context, a Artifact) error
	RecordTokenOutcome(ctx context.Context, o TokenOutcome) error

	OpenBatch(ctx context.Context, b Batch) error
	AddBatchMember(ctx context.Context, m BatchMember) error
	CloseBatch(ctx context.Context, b Batch, outputs []BatchOutput) error
	FailBatch(ctx context.Context, b Batch) error

	WriteCheckpoint(ctx context.Context, c Checkpoint) error
	LatestCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, runID string) error

	RecordValidationError(ctx context.Context, r ValidationErrorRecord) error
	RecordTransformError(ctx context.Context, r TransformErrorRecord) error

	GetRun(ctx context.Context, runID string) (Run, error)
	GetNodeState(ctx context.Context, stateID string) (NodeState, error)
	GetCall(ctx context.Context, callID string) (Call, error)
	// ListCompletedRunsBefore returns every completed run whose
	// completed_at is strictly before cutoff, for internal/retention's
	// "purge --as-of" policy (spec section 4.6).
	ListCompletedRunsBefore(ctx context.Context, cutoff time.Time) ([]Run, error)
	// ListPayloadRefs returns every payload-store hash referenced anywhere
	// in runID's audit trail: row source data, node-state context
	// snapshots, call request/response bodies, and sink artifacts. The
	// audit rows themselves are never touched by a purge — only the
	// payload-store blobs these hashes name are deleted, which is why
	// GetCallResponse can still degrade to PURGED afterward instead of
	// failing outright.
	ListPayloadRefs(ctx context.Context, runID string) ([]string, error)
	// FindCallForReplay looks up a prior run's Call matching
	// (endpoint, request_hash, attempt), used by the audited client in
	// replay mode (spec section 4.8). ok is false if no such Call exists.
	FindCallForReplay(ctx context.Context, runID, endpoint, requestHash string, attempt int) (call Call, ok bool, err error)
	Explain(ctx context.Context, rowID string) (ExplainResult, error)

	// WithTx runs fn against a Store bound to a single transaction, so a
	// logical event's writes (e.g. batch close + N BatchOutput rows + N
	// TokenOutcome rows) commit atomically, per spec section 5.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// ExplainResult is the full lineage rooted at one Row, returned by
// Store.Explain and exposed through cmd/elspeth's explain subcommand.
type ExplainResult struct {
	Row           Row
	Tokens        []Token
	TokenParents  []TokenParent
	NodeStates    []NodeState
	Calls         []Call
	RoutingEvents []RoutingEvent
	Artifacts     []Artifact
	Outcomes      []TokenOutcome
}
