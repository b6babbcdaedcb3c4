// Package audit implements the recorder, query, and export surface of the
// engine's audit trail (spec section 3 and section 4.5): every state
// transition is written before the caller proceeds, "open" rows stay
// visible across a crash, and a three-tier trust model governs how reads
// treat our own data versus pipeline-internal values versus post-purge
// gaps. Grounded on the teacher's pkg/storage/postgres (BaseStore,
// transaction context helpers, SelectBuilder) generalized from
// service-specific CRUD tables to the fixed entity set below.
package audit

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// NodeType mirrors internal/dag.NodeType as a stored string enum.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// NodeStateStatus is the lifecycle state of a NodeState.
type NodeStateStatus string

const (
	NodeStateOpen      NodeStateStatus = "open"
	NodeStateCompleted NodeStateStatus = "completed"
	NodeStateFailed    NodeStateStatus = "failed"
)

// BatchStatus is the lifecycle state of an aggregation Batch.
type BatchStatus string

const (
	BatchOpen      BatchStatus = "open"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// RoutingKind is the action a gate decided.
type RoutingKind string

const (
	RoutingContinue RoutingKind = "continue"
	RoutingRoute    RoutingKind = "route"
	RoutingFork     RoutingKind = "fork"
)

// RoutingMode records whether a routing decision came from a static edge
// or a conditional predicate.
type RoutingMode string

const (
	RoutingStatic      RoutingMode = "static"
	RoutingConditional RoutingMode = "conditional"
)

// CallType classifies an audited external call.
type CallType string

const (
	CallLLM   CallType = "llm"
	CallHTTP  CallType = "http"
	CallOther CallType = "other"
)

// CallStatus is the outcome of an audited external call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// RunMode selects live execution, replay against stored Call responses, or
// verify (live call, diffed against a prior recorded response).
type RunMode string

const (
	ModeLive   RunMode = "live"
	ModeReplay RunMode = "replay"
	ModeVerify RunMode = "verify"
)

// RowOutcome is the terminal classification of a token's path.
type RowOutcome string

const (
	OutcomeCompleted       RowOutcome = "completed"
	OutcomeRouted          RowOutcome = "routed"
	OutcomeForked          RowOutcome = "forked"
	OutcomeConsumedInBatch RowOutcome = "consumed_in_batch"
	OutcomeCoalesced       RowOutcome = "coalesced"
	OutcomeQuarantined     RowOutcome = "quarantined"
	OutcomeFailed          RowOutcome = "failed"
	OutcomeExpanded        RowOutcome = "expanded"
	OutcomeBuffered        RowOutcome = "buffered"
)

// terminalOutcomes are the RowOutcome values that satisfy the "exactly one
// terminal outcome per token" partial-unique-index invariant (spec
// invariant 2). OutcomeBuffered is intermediate, not terminal.
var terminalOutcomes = map[RowOutcome]bool{
	OutcomeCompleted:       true,
	OutcomeRouted:          true,
	OutcomeForked:          true,
	OutcomeConsumedInBatch: true,
	OutcomeCoalesced:       true,
	OutcomeQuarantined:     true,
	OutcomeFailed:          true,
	OutcomeExpanded:        true,
}

// IsTerminal reports whether o ends a token's path.
func (o RowOutcome) IsTerminal() bool { return terminalOutcomes[o] }

// Determinism records whether a node's plugin is declared to produce
// identical output for identical input.
type Determinism string

const (
	Deterministic    Determinism = "deterministic"
	NonDeterministic Determinism = "nondeterministic"
)

// TokenRelation is how a TokenParent edge was produced.
type TokenRelation string

const (
	RelationFork     TokenRelation = "fork"
	RelationCoalesce TokenRelation = "coalesce"
	RelationExpand   TokenRelation = "expand"
)

// Run is the top-level audit root for one execution of a graph.
type Run struct {
	RunID             string
	StartedAt         time.Time
	CompletedAt       *time.Time
	Status            RunStatus
	ConfigFingerprint string
	CanonicalVersion  string
	Mode              RunMode
	SourceRunID       *string // set for replay/verify runs
}

// Node is one registered DAG node within a Run.
type Node struct {
	NodeID        string
	RunID         string
	Label         string
	Type          NodeType
	PluginName    string
	PluginVersion string
	ConfigHash    string
	Determinism   Determinism
}

// Edge is one registered DAG edge within a Run.
type Edge struct {
	EdgeID     string
	RunID      string
	FromNodeID string
	ToNodeID   string
	RouteLabel *string
}

// Row is one immutable unit ingested from a source.
type Row struct {
	RowID         string
	RunID         string
	SourceNodeID  string
	RowIndex      int64
	InputHash     string
	SourceDataRef *string // payload-store hash
	LoadedAt      time.Time
}

// Token is the moving instance of a Row on one path through the graph.
type Token struct {
	TokenID      string
	RunID        string
	RowID        string
	CreatedAt    time.Time
	OriginNodeID string
}

// TokenParent is one lineage edge: (token_id, parent_token_id, relation).
type TokenParent struct {
	TokenID       string
	ParentTokenID string
	Relation      TokenRelation
}

// NodeState is the discriminated-on-status record of one attempt of one
// token at one node.
type NodeState struct {
	StateID         string
	TokenID         string
	NodeID          string
	Attempt         int
	Status          NodeStateStatus
	StartedAt       time.Time
	InputHash       string
	ContextBeforeRef *string

	// populated only when Status == NodeStateCompleted
	CompletedAt    *time.Time
	OutputHash     *string
	ContextAfterRef *string
	DurationMS     *int64

	// populated only when Status == NodeStateFailed
	ErrorJSON *string
}

// Call is one audited external-call attempt linked to a NodeState.
type Call struct {
	CallID             string
	StateID            string
	CallType           CallType
	Endpoint           string
	StartedAt          time.Time
	CompletedAt        *time.Time
	DurationMS         *int64
	Status             CallStatus
	RequestHash        string
	ResponseHash       *string
	RequestRef         *string
	ResponseRef        *string
	SecretFingerprint  *string
	Attempt            int
	ProviderRequestID  *string
}

// Artifact is a produced side-output (e.g. a sink write) linked to a
// NodeState.
type Artifact struct {
	ArtifactID  string
	RunID       string
	StateID     string
	Kind        string
	URI         string
	ContentHash string
	SizeBytes   int64
	CreatedAt   time.Time
}

// RoutingEvent records a gate's decision.
type RoutingEvent struct {
	EventID   string
	StateID   string
	EdgeID    string
	DecidedAt time.Time
	Rule      string
	ReasonRef *string
	Mode      RoutingMode
}

// Batch is an open-or-closed aggregation window.
type Batch struct {
	BatchID     string
	RunID       string
	NodeID      string
	Status      BatchStatus
	OpenedAt    time.Time
	ClosedAt    *time.Time
	TriggerKind *string // count, bytes, elapsed, source_exhausted
}

// BatchMember is one token consumed into a Batch.
type BatchMember struct {
	BatchID string
	TokenID string
}

// BatchOutput is one token produced by closing a Batch.
type BatchOutput struct {
	BatchID string
	TokenID string
}

// TokenOutcome is the terminal classification record for a Token. Spec
// invariant 2 requires exactly one terminal TokenOutcome per token; the
// uniqueness is enforced at the store layer with a partial unique index
// over outcomes satisfying RowOutcome.IsTerminal.
type TokenOutcome struct {
	OutcomeID  string
	RunID      string
	TokenID    string
	Outcome    RowOutcome
	RecordedAt time.Time
}

// Checkpoint records a safe-to-restart scheduling boundary.
type Checkpoint struct {
	CheckpointID        string
	RunID               string
	TokenID             string
	NodeID              string
	SequenceNumber      int64
	CreatedAt           time.Time
	AggregationStateRef *string // payload-store hash of serialized operator state
	RowRef              *string // payload-store hash of the token's row payload at checkpoint time
}

// ValidationErrorRecord is a structured failure row for a quarantined
// source row that failed schema validation.
type ValidationErrorRecord struct {
	RecordID  string
	RunID     string
	RowID     string
	Field     string
	Message   string
	CreatedAt time.Time
}

// TransformErrorRecord is a structured failure row for a transform that
// raised on a specific token.
type TransformErrorRecord struct {
	RecordID  string
	RunID     string
	TokenID   string
	NodeID    string
	Message   string
	CreatedAt time.Time
}

// ErrorJSON is the structured shape stored in NodeState.ErrorJSON and
// TransformErrorRecord-adjacent failures (spec section 4.1 "failure
// handling").
type ErrorJSON struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Attempt   int    `json:"attempt"`
	Retryable bool   `json:"retryable"`
}
