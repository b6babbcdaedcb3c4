package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/plugin"
	"github.com/tachyon-beep/elspeth/internal/resilience"
)

// pluginContext builds the PluginContext a node's plugin methods are
// invoked with. StateID is left unset here: NodeRunner.Begin stamps it the
// moment a NodeState opens, so the client factories below — which close
// over this same pc pointer rather than a copy — always see the StateID of
// whichever visit is currently open when a plugin calls
// pc.LLMClients(service) or pc.HTTPClients(service) mid-call.
func (o *Orchestrator) pluginContext(label string) *plugin.PluginContext {
	pc := &plugin.PluginContext{
		RunID:     o.runID,
		NodeLabel: label,
		Config:    o.spec.NodeConfig[label],
		Audit:     o.deps.Recorder,
		Payloads:  o.deps.Payloads,
		Now:       time.Now,
	}
	pc.LLMClients = func(service string) plugin.LLMClient {
		return executor.NewLLMAdapter(o.auditedClientFor(service, pc.StateID, audit.CallLLM))
	}
	pc.HTTPClients = func(service string) plugin.HTTPClient {
		return executor.NewHTTPAdapter(o.auditedClientFor(service, pc.StateID, audit.CallHTTP))
	}
	return pc
}

// breakerFor returns (building lazily if necessary) the circuit breaker
// guarding one external service's calls. Spec section 4.8: "a breaker per
// external service, not per call"; lazy construction means services a run
// never actually calls never pay for a breaker.
func (o *Orchestrator) breakerFor(service string) *resilience.CircuitBreaker {
	if cb, ok := o.breakers[service]; ok {
		return cb
	}
	cfg := resilience.DefaultConfig()
	if o.deps.Logger != nil {
		cfg = resilience.ServiceConfig(o.deps.Logger, service)
	}
	cb := resilience.New(cfg)
	o.breakers[service] = cb
	return cb
}

func (o *Orchestrator) limiterFor(service string) *resilience.RateLimiter {
	if o.deps.Limiters == nil {
		return nil
	}
	return o.deps.Limiters.For(service)
}

func (o *Orchestrator) clientDepsFor(stateID string) executor.ClientDeps {
	sourceRunID := ""
	if o.spec.SourceRunID != nil {
		sourceRunID = *o.spec.SourceRunID
	}
	return executor.ClientDeps{
		Store:             o.deps.Store,
		Recorder:          o.deps.Recorder,
		RunID:             o.runID,
		ReplaySourceRunID: sourceRunID,
		Mode:              o.spec.Mode,
		Retry:             o.deps.Retry,
		Fingerprint:       o.deps.Fingerprint,
		Logger:            o.deps.Logger,
		Payloads:          o.deps.Payloads,
		Now:               time.Now,
	}
}

// auditedClientFor builds an AuditedClient for one named service, bound to
// stateID (the NodeState currently open for the node invoking it).
func (o *Orchestrator) auditedClientFor(service, stateID string, callType audit.CallType) *executor.AuditedClient {
	deps := o.clientDepsFor(stateID)
	deps.Breaker = o.breakerFor(service)
	deps.Limiter = o.limiterFor(service)
	transport := o.transportFor(service)
	return executor.NewAuditedClient(deps, service, service, stateID, callType, transport)
}

func (o *Orchestrator) transportFor(service string) executor.Transport {
	if o.deps.TransportFor != nil {
		return o.deps.TransportFor(service)
	}
	return func(ctx context.Context, requestBody []byte) ([]byte, string, error) {
		return nil, "", fmt.Errorf("orchestrator: no transport configured for service %q", service)
	}
}
