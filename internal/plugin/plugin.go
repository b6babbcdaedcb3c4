// Package plugin defines the six protocol interfaces a pipeline node's
// behavior is plugged in through (spec section 6 "Plugin protocols"), plus
// the PluginContext every protocol method receives. Implementations live
// outside this package (internal/builtin holds the reference set); this
// package owns only the contracts and the context the core hands them.
//
// Grounded on the teacher's system/framework/manifest.go Manifest (Name/
// Version/ConfigHash declared contract fields) for the idea of a
// self-describing pluggable unit, and on other_examples' script-weaver
// TaskRunner/NodeObserver split (Probe/Run as distinct protocol methods
// received by one executor) for the general "core holds the loop, plugin
// holds the behavior" separation reused here across six node kinds instead
// of one task kind.
package plugin

import (
	"context"
	"time"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
)

// Row is one unit of data flowing along an edge. Sources and transforms
// produce/consume Rows; their shape is declared by plugin config and
// enforced by the tier-2 schema validation around plugin boundaries (spec
// section 3 "Tier 2: pipeline-internal values").
type Row map[string]any

// Descriptor identifies a concrete plugin implementation for node
// registration and audit (spec's Node.plugin_name/plugin_version/
// config_hash fields).
type Descriptor struct {
	Name           string
	Version        string
	ConfigHash     string
	Deterministic  bool
}

// AuditHandle is the subset of the recorder a plugin may call directly —
// never the full Recorder, so a plugin cannot open/close runs or nodes on
// its own behalf, only record side-effects scoped to the node state it was
// invoked for.
type AuditHandle interface {
	RecordCall(ctx context.Context, c audit.Call) error
	RecordArtifact(ctx context.Context, runID, stateID, kind, uri, contentHash string, sizeBytes int64) error
	RecordRoutingEvent(ctx context.Context, stateID, edgeID, rule string, reasonRef *string, mode audit.RoutingMode) error
}

// LLMClientFactory and HTTPClientFactory build audited clients bound to one
// named external service (spec section 4.8); the concrete client types live
// in internal/executor, which also owns request/response hashing, retry,
// and rate limiting. Plugins never build their own http.Client.
type LLMClientFactory func(service string) LLMClient
type HTTPClientFactory func(service string) HTTPClient

// LLMClient and HTTPClient are the audited-call surfaces a plugin is given;
// both are satisfied by internal/executor's AuditedClient so a plugin never
// talks to an external endpoint except through the audit/retry/rate-limit
// wrapping described in spec section 4.8.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
type HTTPClient interface {
	Do(ctx context.Context, method, url string, body []byte) ([]byte, int, error)
}

// PluginContext is handed to every protocol method (spec section 6): the
// run identity, the node's validated config, a scoped audit handle, the
// payload store, audited client factories, and the node's checkpoint
// snapshot from the last successful restart boundary (nil if none exists).
type PluginContext struct {
	RunID          string
	StateID        string // the current NodeState attempt's id, for audited-call linkage
	NodeLabel      string
	Config         map[string]any
	Audit          AuditHandle
	Payloads       *payloadstore.Store
	LLMClients     LLMClientFactory
	HTTPClients    HTTPClientFactory
	CheckpointData []byte
	Now            func() time.Time
}

// RowIterator yields rows one at a time, grounded on the teacher's
// pagination-cursor idiom (Next/Row/Err) rather than returning a slice, so a
// source can stream arbitrarily large inputs without buffering them all in
// memory.
type RowIterator interface {
	Next(ctx context.Context) bool
	Row() Row
	Err() error
	Close() error
}

// Source loads rows into the pipeline. Spec section 6: "Sources may coerce
// external data" — unlike Transform, a Source is the one plugin kind
// allowed to coerce, since it sits at the Tier-2/Tier-3 trust boundary
// where external data first enters the system.
type Source interface {
	Load(ctx context.Context, pc *PluginContext) (RowIterator, error)
}

// TransformResult is either a success carrying zero or more output rows, or
// a typed failure. Err != nil marks a failure, which carries no Rows; a
// success with zero output rows has both Rows and Err nil.
type TransformResult struct {
	Rows      []Row
	Err       error
	Retryable bool
}

// Success builds a successful TransformResult.
func Success(rows ...Row) TransformResult { return TransformResult{Rows: rows} }

// Failure builds a failed TransformResult. retryable classifies the error
// per spec section 7's TransformError taxonomy entry.
func Failure(err error, retryable bool) TransformResult {
	return TransformResult{Err: err, Retryable: retryable}
}

// Transform processes one row into zero or more rows. Must not silently
// coerce (spec section 6): a row that doesn't fit the declared schema is a
// Failure, not a best-effort conversion.
type Transform interface {
	Process(ctx context.Context, row Row, pc *PluginContext) TransformResult
}

// RoutingActionKind names what a Gate decided.
type RoutingActionKind string

const (
	RouteContinue RoutingActionKind = "continue"
	RouteTo       RoutingActionKind = "route"
	RouteFork     RoutingActionKind = "fork"
	RouteDrop     RoutingActionKind = "drop"
)

// RoutingAction is a Gate's side-effect-free routing decision (spec section
// 6: "Gate.evaluate(row, ctx) -> RoutingAction. No side effects.").
type RoutingAction struct {
	Kind        RoutingActionKind
	RouteLabels []string // one label for RouteTo, many for RouteFork
	Rule        string   // human-readable rule description, recorded on the RoutingEvent
}

// Gate evaluates a row and decides how it's routed downstream. Evaluate
// must be pure: no audit calls, no external I/O, no mutation of pc.
type Gate interface {
	Evaluate(ctx context.Context, row Row, pc *PluginContext) (RoutingAction, error)
}

// FlushReason names why an Aggregation's buffer was closed, mirroring
// internal/operators.TriggerKind so a plugin's flush logic can react to the
// same vocabulary the core trigger engine uses.
type FlushReason string

const (
	FlushCount           FlushReason = "count"
	FlushBytes           FlushReason = "bytes"
	FlushElapsed         FlushReason = "elapsed"
	FlushSourceExhausted FlushReason = "source_exhausted"
)

// Aggregation buffers rows under Accept until the core's trigger engine
// (internal/operators.Aggregator) calls Flush. State must be serializable
// via canonical JSON (spec section 6) — Accept/Flush carry no result beyond
// what Flush returns, since intermediate buffering is the core's concern,
// not the plugin's.
type Aggregation interface {
	Accept(ctx context.Context, row Row, pc *PluginContext) error
	Flush(ctx context.Context, reason FlushReason, pc *PluginContext) ([]Row, error)
}

// Coalesce merges the rows that arrived along each of a barrier's labeled
// input paths into a single output row.
type Coalesce interface {
	Merge(ctx context.Context, rowsByLabel map[string]Row, pc *PluginContext) (Row, error)
}

// ArtifactDescriptor is what a Sink reports after writing, matching the
// audit Artifact fields exactly (spec section 6).
type ArtifactDescriptor struct {
	URI         string
	ContentHash string
	SizeBytes   int64
	Kind        string
}

// Sink writes rows to their final destination.
type Sink interface {
	Write(ctx context.Context, rows []Row, pc *PluginContext) (ArtifactDescriptor, error)
}
