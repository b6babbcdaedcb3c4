// Package orchestrator implements the token scheduler and DAG executor
// from spec section 4.1: given a validated graph, a set of plugin
// implementations, and a source, it drives tokens to terminal outcomes
// while producing a complete audit trail. Grounded on the pack's
// script-weaver DAG executor (other_examples' Executor/TaskRunner/
// NodeObserver: a single mutex-guarded loop pulling ready work and
// recording terminal results through an observer) generalized from one
// task kind to the six node kinds in internal/plugin, and on the teacher's
// infrastructure/resilience wiring idiom for per-service breaker/limiter
// construction reused here per external service a plugin calls out to.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/logging"
	"github.com/tachyon-beep/elspeth/internal/operators"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/plugin"
	"github.com/tachyon-beep/elspeth/internal/resilience"
	"github.com/tachyon-beep/elspeth/internal/secretfp"
)

// DefaultQueueCeiling is the safety guard from spec section 4.1: a run
// whose work queue would grow past this many pending items aborts rather
// than risk unbounded memory growth from a pathological graph.
const DefaultQueueCeiling = 10000

// PluginSet is the loaded, named plugin implementations for one run,
// keyed by node label. Spec section 9 describes discovery as a loader that
// yields (name, kind, implementation); the loader itself lives outside
// this package (cmd/elspeth), which hands the orchestrator the resolved
// set.
type PluginSet struct {
	Sources      map[string]plugin.Source
	Transforms   map[string]plugin.Transform
	Gates        map[string]plugin.Gate
	Aggregations map[string]plugin.Aggregation
	Coalesces    map[string]plugin.Coalesce
	Sinks        map[string]plugin.Sink
}

// AggregationSpec configures one aggregation node's trigger policy.
type AggregationSpec struct {
	Trigger operators.TriggerConfig
}

// CoalesceSpec configures one coalesce node's barrier arity: the number of
// labeled parallel paths expected to arrive per ancestor group.
type CoalesceSpec struct {
	Expected int
}

// Spec is everything the orchestrator needs to drive one run.
type Spec struct {
	Graph        *dag.Graph
	Plugins      PluginSet
	NodeConfig   map[string]map[string]any // per-node plugin.Config, keyed by label
	Descriptors  map[string]plugin.Descriptor
	Aggregations map[string]AggregationSpec
	Coalesces    map[string]CoalesceSpec
	// Quarantine names, for a transform label, the sink label its
	// exhausted-retry or non-retryable failures route to (spec section 7
	// "quarantine or fail"). A transform with no entry here fails the run
	// outright on such errors.
	Quarantine map[string]string

	ConfigFingerprint string
	CanonicalVersion  string
	Mode              audit.RunMode
	SourceRunID       *string

	QueueCeiling int
	// MaxAttempts bounds the NodeState attempts a retryable transform
	// failure gets before it is quarantined or the run is failed.
	MaxAttempts int
}

// TransportFactory builds the low-level transport for one named external
// service, used to construct that service's AuditedClient. Supplied by the
// caller (cmd/elspeth) since the concrete dialing behavior is
// configuration-specific; internal/httputil supplies a TLS-hardened base
// transport callers can build theirs on top of.
type TransportFactory func(service string) executor.Transport

// Deps bundles the shared infrastructure an Orchestrator needs, built once
// per process and reused across runs.
type Deps struct {
	Recorder     *audit.Recorder
	Store        audit.Store
	Payloads     *payloadstore.Store
	Logger       *logging.Logger
	Fingerprint  *secretfp.Fingerprinter
	TransportFor TransportFactory
	Retry        resilience.RetryConfig
	Limiters     *resilience.Registry
}

// Orchestrator drives one run to completion. Not safe for concurrent Run
// calls: spec section 5 mandates a single scheduler per run, and one
// Orchestrator value is scoped to exactly one.
type Orchestrator struct {
	spec   Spec
	deps   Deps
	runID  string
	runCtx context.Context

	nodeID map[string]string            // label -> audit node_id
	edgeID map[string]map[string]string // from -> routeLabel -> edge_id

	aggregators map[string]*operators.Aggregator
	coalescers  map[string]*operators.Coalescer
	breakers    map[string]*resilience.CircuitBreaker

	tokenRow  map[string]string // token_id -> row_id, read by operator closures that mint new tokens
	sourceSeq map[string]int64  // source node label -> next row_index

	queue *workQueue
	seq   int64 // monotonic checkpoint sequence counter

	cancelled int32
}

// New builds an Orchestrator for one Spec, ready to Run.
func New(deps Deps, spec Spec) *Orchestrator {
	if spec.QueueCeiling <= 0 {
		spec.QueueCeiling = DefaultQueueCeiling
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 3
	}
	return &Orchestrator{
		spec:        spec,
		deps:        deps,
		nodeID:      make(map[string]string),
		edgeID:      make(map[string]map[string]string),
		aggregators: make(map[string]*operators.Aggregator),
		coalescers:  make(map[string]*operators.Coalescer),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		tokenRow:    make(map[string]string),
		sourceSeq:   make(map[string]int64),
	}
}

// Cancel requests cooperative shutdown (spec section 5): in-flight work
// drains to its next safe boundary and no new source rows are admitted.
func (o *Orchestrator) Cancel() { atomic.StoreInt32(&o.cancelled, 1) }

func (o *Orchestrator) isCancelled() bool { return atomic.LoadInt32(&o.cancelled) != 0 }

// Result reports the outcome of a Run.
type Result struct {
	RunID  string
	Status audit.RunStatus
}

// FatalRunError is the value execute panics with when a run-ending error is
// Tier-1 fatal: an invariant violation on our own audit data, a corrupted
// payload, a checkpoint that no longer matches the run it claims to
// belong to, or a configuration error. These are distinguished from an ordinary failed run by
// elspetherrors.IsFatal. cmd/elspeth recovers this one level up and exits
// with a status distinct from a normal run failure.
type FatalRunError struct {
	RunID string
	Err   error
}

func (e FatalRunError) Error() string {
	return fmt.Sprintf("orchestrator: fatal error in run %s: %v", e.RunID, e.Err)
}

func (e FatalRunError) Unwrap() error { return e.Err }

// Run executes the full scheduler loop: registers the graph, drives every
// source to exhaustion, processes the work queue to a fixed point, flushes
// any still-open aggregations, drains what that flush produced, and
// finalizes the run.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.runCtx = ctx

	runID, err := o.deps.Recorder.BeginRun(ctx, o.spec.ConfigFingerprint, o.spec.CanonicalVersion, o.spec.Mode, o.spec.SourceRunID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: begin run: %w", err)
	}
	o.runID = runID
	o.queue = newWorkQueue(o.spec.QueueCeiling)

	seed := func(ctx context.Context) error {
		if err := o.registerGraph(ctx); err != nil {
			return err
		}
		return o.ingestSources(ctx)
	}
	return o.execute(ctx, runID, seed)
}

// execute runs seed (which populates the work queue, directly or via
// ingestSources) and then drains it to a fixed point, flushing any
// still-open aggregations and finalizing the run. Shared between a fresh
// Run and a Resume, which differ only in how the queue gets seeded.
func (o *Orchestrator) execute(ctx context.Context, runID string, seed func(context.Context) error) (Result, error) {
	runErr := func() error {
		if err := seed(ctx); err != nil {
			return err
		}
		if err := o.drain(ctx); err != nil {
			return err
		}
		if err := o.flushAllAggregations(ctx); err != nil {
			return err
		}
		if err := o.drain(ctx); err != nil {
			return err
		}
		o.failStragglingCoalesceGroups(ctx)
		return nil
	}()

	if runErr != nil {
		if elspetherrors.IsFatal(runErr) {
			// Tier-1 invariant violations (spec section 4.11) mean the audit
			// trail itself can no longer be trusted to tell this run apart
			// from any other: recording a normal fail_run would write more
			// data through machinery that just proved itself unreliable.
			// Crash instead, and let cmd/elspeth's top-level recover turn
			// this into a distinct exit status.
			panic(FatalRunError{RunID: runID, Err: runErr})
		}
		if failErr := o.deps.Recorder.FailRun(ctx, runID); failErr != nil {
			o.logError(ctx, "fail_run after run error also failed", failErr)
		}
		return Result{RunID: runID, Status: audit.RunFailed}, runErr
	}

	if o.isCancelled() {
		if err := o.deps.Recorder.FailRun(ctx, runID); err != nil {
			return Result{}, err
		}
		return Result{RunID: runID, Status: audit.RunFailed}, nil
	}

	if err := o.deps.Recorder.CompleteRun(ctx, runID); err != nil {
		return Result{}, fmt.Errorf("orchestrator: complete run: %w", err)
	}
	if err := o.deps.Recorder.DeleteCheckpoints(ctx, runID); err != nil {
		o.logError(ctx, "delete checkpoints after successful completion", err)
	}
	return Result{RunID: runID, Status: audit.RunCompleted}, nil
}

func (o *Orchestrator) logError(ctx context.Context, msg string, err error) {
	if o.deps.Logger == nil {
		return
	}
	o.deps.Logger.LogAudit(ctx, "orchestrator_error", map[string]any{"message": msg, "error": err.Error()})
}

// registerGraph writes every node and edge from o.spec.Graph into the
// audit trail once, at run start (spec section 4.2 "Resolution"), and
// seeds per-node aggregation/coalesce operators.
func (o *Orchestrator) registerGraph(ctx context.Context) error {
	for _, label := range o.spec.Graph.Order() {
		n := o.spec.Graph.Nodes[label]
		desc := o.spec.Descriptors[label]
		det := audit.NonDeterministic
		if desc.Deterministic {
			det = audit.Deterministic
		}
		nodeID, err := o.deps.Recorder.RegisterNode(ctx, o.runID, label, audit.NodeType(n.Type), desc.Name, desc.Version, desc.ConfigHash, det)
		if err != nil {
			return err
		}
		o.nodeID[label] = nodeID

		switch n.Type {
		case dag.NodeAggregation:
			aggSpec, ok := o.spec.Aggregations[label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: aggregation node %q has no trigger configuration", label), nil)
			}
			impl, ok := o.spec.Plugins.Aggregations[label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: aggregation node %q has no plugin implementation", label), nil)
			}
			o.aggregators[label] = operators.NewAggregator(aggSpec.Trigger, o.aggregateFunc(label, impl))
		case dag.NodeCoalesce:
			coSpec, ok := o.spec.Coalesces[label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: coalesce node %q has no arity configuration", label), nil)
			}
			impl, ok := o.spec.Plugins.Coalesces[label]
			if !ok {
				return elspetherrors.ConfigError(fmt.Sprintf("orchestrator: coalesce node %q has no plugin implementation", label), nil)
			}
			o.coalescers[label] = operators.NewCoalescer(coSpec.Expected, o.coalesceFunc(label, impl))
		}
	}

	for _, label := range o.spec.Graph.Order() {
		for _, e := range o.spec.Graph.Outputs(label) {
			var routeLabel *string
			if e.RouteLabel != "" {
				rl := e.RouteLabel
				routeLabel = &rl
			}
			edgeID, err := o.deps.Recorder.RegisterEdge(ctx, o.runID, o.nodeID[e.From], o.nodeID[e.To], routeLabel)
			if err != nil {
				return err
			}
			if o.edgeID[e.From] == nil {
				o.edgeID[e.From] = make(map[string]string)
			}
			o.edgeID[e.From][e.RouteLabel] = edgeID
		}
	}
	return nil
}

func (o *Orchestrator) nodeRunner(label string) *executor.NodeRunner {
	return &executor.NodeRunner{Recorder: o.deps.Recorder, NodeID: o.nodeID[label]}
}

// writeCheckpoint records a restart-safe boundary for one token at one
// node after a successful NodeState (spec section 4.7), attaching a
// serialized operator snapshot when the node owns aggregation/coalesce
// state, and the token's current row payload so internal/checkpoint can
// rebuild its continuation on resume without re-deriving it from scratch.
func (o *Orchestrator) writeCheckpoint(ctx context.Context, tokenID, nodeLabel string, row any) {
	seq := atomic.AddInt64(&o.seq, 1)
	var ref *string
	if agg, ok := o.aggregators[nodeLabel]; ok {
		if data, err := agg.Snapshot(); err == nil {
			if hash, putErr := o.deps.Payloads.Put(data); putErr == nil {
				ref = &hash
			}
		}
	} else if c, ok := o.coalescers[nodeLabel]; ok {
		if data, err := c.Snapshot(); err == nil {
			if hash, putErr := o.deps.Payloads.Put(data); putErr == nil {
				ref = &hash
			}
		}
	}
	var rowRef *string
	if data, err := canonicaljson.Marshal(row); err == nil {
		if hash, putErr := o.deps.Payloads.Put(data); putErr == nil {
			rowRef = &hash
		}
	}
	if err := o.deps.Recorder.WriteCheckpoint(ctx, o.runID, tokenID, o.nodeID[nodeLabel], seq, ref, rowRef); err != nil {
		o.logError(ctx, "write checkpoint", err)
	}
}

// failStragglingCoalesceGroups logs any coalesce barrier still waiting for
// arrivals once the run reaches a fixed point, rather than leaving those
// tokens silently buffered forever with no record of why they never
// terminated.
func (o *Orchestrator) failStragglingCoalesceGroups(ctx context.Context) {
	for label, c := range o.coalescers {
		for _, key := range c.PendingGroupKeys() {
			o.logError(ctx, fmt.Sprintf("coalesce node %q: group %q never completed before run end", label, key),
				elspetherrors.InvariantViolation("orchestrator: incomplete coalesce barrier at run end", nil))
		}
	}
}
