// Package executor dispatches plugin protocol methods per node kind with
// audit bracketing around every call (spec section 4.1), and implements
// the audited external-call discipline from spec section 4.8: request
// hashing, per-service rate limiting, circuit breaking, retry with
// per-attempt Call records, and replay/verify modes.
//
// Grounded on internal/resilience (itself ported from the teacher's
// infrastructure/resilience and infrastructure/ratelimit) for the
// breaker/retry/limiter primitives, and on
// other_examples/ea21ff82_Mindburn-Labs-helm__core-pkg-executor-executor.go.go
// for the general per-kind-dispatch executor shape.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/logging"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/plugin"
	"github.com/tachyon-beep/elspeth/internal/resilience"
	"github.com/tachyon-beep/elspeth/internal/secretfp"
)

// Transport issues one physical call attempt and returns the raw response
// bytes plus an optional provider-assigned request id. AuditedClient owns
// everything around this call (hashing, retry, rate limiting, recording);
// Transport owns only "how to reach the endpoint".
type Transport func(ctx context.Context, requestBody []byte) (responseBody []byte, providerRequestID string, err error)

// ClientDeps bundles the shared infrastructure an AuditedClient needs,
// built once per run and reused across node invocations for one service.
type ClientDeps struct {
	Store    audit.Store
	Recorder *audit.Recorder
	RunID    string
	// ReplaySourceRunID is the run being replayed/verified against
	// (audit.Run.SourceRunID) — spec section 4.8 looks up "a prior run's
	// Call", not the current run's own. Required when Mode is
	// ModeReplay or ModeVerify; ignored in ModeLive.
	ReplaySourceRunID string
	Mode              audit.RunMode
	Breaker           *resilience.CircuitBreaker
	Limiter           *resilience.RateLimiter
	Retry             resilience.RetryConfig
	Fingerprint       *secretfp.Fingerprinter
	Logger            *logging.Logger
	// Payloads is the content-addressable store Call persists request and
	// response bodies into, and replay resolves them back out of. Required
	// in ModeLive/ModeVerify to record a Call that replay can later satisfy,
	// and in ModeReplay to resolve a prior run's stored response.
	Payloads *payloadstore.Store
	Now      func() time.Time
}

func (d ClientDeps) replayRunID() string {
	if d.ReplaySourceRunID != "" {
		return d.ReplaySourceRunID
	}
	return d.RunID
}

// AuditedClient mediates one external service's calls per spec section
// 4.8. A new AuditedClient is built per node invocation (via
// plugin.LLMClientFactory/HTTPClientFactory), carrying the current
// NodeState's StateID so every Call attaches to the right node state.
type AuditedClient struct {
	deps     ClientDeps
	service  string
	endpoint string
	callType audit.CallType
	stateID  string
	transport Transport
}

// NewAuditedClient builds a client bound to one (service, endpoint,
// stateID) triple.
func NewAuditedClient(deps ClientDeps, service, endpoint, stateID string, callType audit.CallType, transport Transport) *AuditedClient {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &AuditedClient{deps: deps, service: service, endpoint: endpoint, callType: callType, stateID: stateID, transport: transport}
}

// classifyCallError maps a transport error to retryable/not, per spec
// section 7: RateLimited and TimeoutError are always retryable.
func classifyCallError(err error) bool {
	ee, ok := elspetherrors.As(err)
	if !ok {
		return false
	}
	return ee.Retryable
}

// Call issues one audited request: computes request_hash, fingerprints
// secretValue if present, rate-limits, retries with per-attempt Call
// records, and in replay mode returns a prior run's stored response
// without any outbound transport call at all.
func (c *AuditedClient) Call(ctx context.Context, requestBody []byte, secretSubject string, secretValue []byte) ([]byte, error) {
	requestHash, err := canonicaljson.StableHash(requestBody)
	if err != nil {
		return nil, fmt.Errorf("executor: hash request body: %w", err)
	}

	if c.deps.Mode == audit.ModeReplay {
		return c.replay(ctx, requestHash)
	}

	var secretFP *string
	if c.deps.Fingerprint != nil && len(secretValue) > 0 {
		fp := c.deps.Fingerprint.Fingerprint(secretSubject, secretValue)
		secretFP = &fp
	}

	var requestRef *string
	if c.deps.Payloads != nil {
		ref, err := c.deps.Payloads.Put(requestBody)
		if err != nil {
			return nil, fmt.Errorf("executor: store request body: %w", err)
		}
		requestRef = &ref
	}

	var responseBody []byte
	attempt := 0
	retryErr := resilience.Retry(ctx, c.deps.Retry, classifyCallError, func(attemptNum int) error {
		attempt = attemptNum
		started := c.deps.Now().UTC()

		if c.deps.Limiter != nil {
			if err := c.deps.Limiter.Wait(ctx); err != nil {
				return elspetherrors.RateLimited(fmt.Sprintf("executor: rate limiter wait for %s: %v", c.service, err))
			}
		}

		var body []byte
		var providerReqID string
		callErr := c.breakerExecute(ctx, func() error {
			b, pid, e := c.transport(ctx, requestBody)
			body, providerReqID = b, pid
			return e
		})

		completed := c.deps.Now().UTC()
		durationMS := completed.Sub(started).Milliseconds()

		call := audit.Call{
			CallID:      newCallID(),
			StateID:     c.stateID,
			CallType:    c.callType,
			Endpoint:    c.endpoint,
			StartedAt:   started,
			Attempt:     attemptNum,
			RequestHash: requestHash,
			RequestRef:  requestRef,
		}
		if secretFP != nil {
			call.SecretFingerprint = secretFP
		}
		if providerReqID != "" {
			call.ProviderRequestID = &providerReqID
		}

		if callErr != nil {
			call.Status = audit.CallError
			call.CompletedAt = &completed
			call.DurationMS = &durationMS
			if recErr := c.deps.Recorder.RecordCall(ctx, call); recErr != nil {
				return fmt.Errorf("executor: record failed call attempt: %w", recErr)
			}
			// classifyCallError decides retryable-vs-permanent; Retry
			// itself wraps non-retryable returns in backoff.Permanent.
			return callErr
		}

		responseHash, hashErr := canonicaljson.StableHash(body)
		if hashErr != nil {
			return fmt.Errorf("executor: hash response body: %w", hashErr)
		}
		call.Status = audit.CallSuccess
		call.CompletedAt = &completed
		call.DurationMS = &durationMS
		call.ResponseHash = &responseHash
		if c.deps.Payloads != nil {
			responseRef, putErr := c.deps.Payloads.Put(body)
			if putErr != nil {
				return fmt.Errorf("executor: store response body: %w", putErr)
			}
			call.ResponseRef = &responseRef
		}
		if recErr := c.deps.Recorder.RecordCall(ctx, call); recErr != nil {
			return fmt.Errorf("executor: record successful call attempt: %w", recErr)
		}

		if c.deps.Mode == audit.ModeVerify {
			if divErr := c.verifyAgainstPrior(ctx, requestHash, attemptNum, responseHash); divErr != nil && c.deps.Logger != nil {
				// Verification divergence is recorded as a log event and
				// the run proceeds, never fails the call (spec section
				// 4.8/7: "recorded as an audit event; run continues").
				c.deps.Logger.LogAudit(ctx, "verification_divergence", map[string]any{
					"endpoint": c.endpoint,
					"attempt":  attemptNum,
					"error":    divErr.Error(),
				})
			}
		}

		responseBody = body
		return nil
	})
	if retryErr != nil {
		return nil, elspetherrors.ExternalCallError(
			fmt.Sprintf("executor: call to %s exhausted retries after %d attempts", c.endpoint, attempt+1),
			false, retryErr)
	}
	return responseBody, nil
}

func (c *AuditedClient) breakerExecute(ctx context.Context, fn func() error) error {
	if c.deps.Breaker == nil {
		return fn()
	}
	return c.deps.Breaker.Execute(ctx, fn)
}

// replay looks up the prior run's stored response and returns it without
// any outbound call (spec section 4.8 "Replay mode").
func (c *AuditedClient) replay(ctx context.Context, requestHash string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		call, ok, err := c.deps.Store.FindCallForReplay(ctx, c.deps.replayRunID(), c.endpoint, requestHash, attempt)
		if err != nil {
			return nil, fmt.Errorf("executor: replay lookup: %w", err)
		}
		if !ok {
			if attempt == 0 {
				return nil, elspetherrors.ExternalCallError(
					fmt.Sprintf("executor: no stored call to replay for endpoint %s request_hash %s", c.endpoint, requestHash),
					false, nil)
			}
			return nil, elspetherrors.ExternalCallError(
				fmt.Sprintf("executor: replay exhausted stored attempts for endpoint %s", c.endpoint), false, nil)
		}
		if call.Status == audit.CallSuccess && call.ResponseRef != nil {
			if c.deps.Payloads == nil {
				return nil, elspetherrors.ExternalCallError(
					fmt.Sprintf("executor: replay: no payload store configured to resolve response_ref for endpoint %s", c.endpoint),
					false, nil)
			}
			data, err := c.deps.Payloads.Get(*call.ResponseRef)
			if err != nil {
				return nil, elspetherrors.ExternalCallError(
					fmt.Sprintf("executor: replay: resolve response_ref %s for endpoint %s: %v", *call.ResponseRef, c.endpoint, err),
					false, err)
			}
			return data, nil
		}
		if call.Status == audit.CallSuccess {
			return nil, elspetherrors.ExternalCallError(
				fmt.Sprintf("executor: replay: stored successful call for endpoint %s has no response_ref", c.endpoint),
				false, nil)
		}
		// This attempt failed in the source run; keep walking attempts
		// until a success is found or attempts are exhausted.
	}
}

// verifyAgainstPrior diffs the freshly-computed response hash against the
// prior run's stored response for the same (endpoint, request_hash,
// attempt), recording a VerificationDivergence event on mismatch rather
// than failing the call (spec section 4.8 "Verify mode").
func (c *AuditedClient) verifyAgainstPrior(ctx context.Context, requestHash string, attempt int, responseHash string) error {
	prior, ok, err := c.deps.Store.FindCallForReplay(ctx, c.deps.replayRunID(), c.endpoint, requestHash, attempt)
	if err != nil || !ok || prior.ResponseHash == nil {
		return nil
	}
	if *prior.ResponseHash != responseHash {
		return elspetherrors.VerificationDivergence(
			fmt.Sprintf("executor: response hash diverged for %s attempt %d (prior %s, current %s)",
				c.endpoint, attempt, *prior.ResponseHash, responseHash))
	}
	return nil
}

func newCallID() string { return uuid.NewString() }

// LLMAdapter exposes an AuditedClient as a plugin.LLMClient.
type LLMAdapter struct {
	client *AuditedClient
}

// NewLLMAdapter wraps client as a plugin.LLMClient. The prompt becomes the
// request body verbatim (UTF-8 bytes); callers that need structured
// request bodies should canonicalize before calling Complete.
func NewLLMAdapter(client *AuditedClient) *LLMAdapter { return &LLMAdapter{client: client} }

func (a *LLMAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := a.client.Call(ctx, []byte(prompt), "", nil)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// HTTPAdapter exposes an AuditedClient as a plugin.HTTPClient. method and
// url are informational only: the underlying AuditedClient's Transport
// closure already has the real request target bound at construction time,
// since one AuditedClient is built per (service, endpoint) pair.
type HTTPAdapter struct {
	client *AuditedClient
}

// NewHTTPAdapter wraps client as a plugin.HTTPClient.
func NewHTTPAdapter(client *AuditedClient) *HTTPAdapter { return &HTTPAdapter{client: client} }

func (a *HTTPAdapter) Do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	resp, err := a.client.Call(ctx, body, "", nil)
	if err != nil {
		return nil, 0, err
	}
	return resp, 200, nil
}

var (
	_ plugin.LLMClient  = (*LLMAdapter)(nil)
	_ plugin.HTTPClient = (*HTTPAdapter)(nil)
)
