// Package elspetherrors defines the error taxonomy used across the engine.
// It mirrors the teacher's infrastructure/errors package: a single typed
// error carrying a stable code, a human message, and an optional wrapped
// cause, plus named constructors per taxonomy entry.
package elspetherrors

import (
	"errors"
	"fmt"
)

// Code identifies one entry of the error taxonomy in spec section 7.
type Code string

const (
	CodeConfigError            Code = "CONFIG_ERROR"
	CodeInvariantViolation     Code = "INVARIANT_VIOLATION"
	CodeSourceError            Code = "SOURCE_ERROR"
	CodeTransformError         Code = "TRANSFORM_ERROR"
	CodeGateError              Code = "GATE_ERROR"
	CodeExternalCallError      Code = "EXTERNAL_CALL_ERROR"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeTimeoutError           Code = "TIMEOUT_ERROR"
	CodeCheckpointMismatch     Code = "CHECKPOINT_MISMATCH"
	CodePayloadIntegrityError  Code = "PAYLOAD_INTEGRITY_ERROR"
	CodeVerificationDivergence Code = "VERIFICATION_DIVERGENCE"
)

// EngineError is the concrete error type raised by every core package.
// Fatal reports whether the error must crash the process (Tier 1
// invariant violations) rather than merely fail the run.
type EngineError struct {
	Code      Code
	Message   string
	Retryable bool
	fatal     bool
	Details   map[string]any
	cause     error
}

func (e *EngineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.cause }

// Fatal reports whether this error must crash the process rather than fail
// the run. Only ConfigError, InvariantViolation, CheckpointMismatch, and
// PayloadIntegrityError are fatal.
func (e *EngineError) Fatal() bool { return e.fatal }

// WithDetails returns a copy of e with additional structured context
// merged in, used to populate error_json on a failed NodeState.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	clone := *e
	clone.Details = merged
	return &clone
}

func newErr(code Code, fatal, retryable bool, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: msg, fatal: fatal, Retryable: retryable, cause: cause}
}

// ConfigError reports a DAG or configuration validation failure. Fatal
// before the run starts.
func ConfigError(msg string, cause error) *EngineError {
	return newErr(CodeConfigError, true, false, msg, cause)
}

// InvariantViolation reports a Tier-1 anomaly found while reading or
// writing audit data. Always fatal: the process must crash, never coerce.
func InvariantViolation(msg string, cause error) *EngineError {
	return newErr(CodeInvariantViolation, true, false, msg, cause)
}

// SourceError reports a source plugin failure. Fails the run.
func SourceError(msg string, cause error) *EngineError {
	return newErr(CodeSourceError, false, false, msg, cause)
}

// TransformError reports a transform plugin failure, retryable or not.
func TransformError(msg string, retryable bool, cause error) *EngineError {
	return newErr(CodeTransformError, false, retryable, msg, cause)
}

// GateError reports a gate predicate that raised instead of routing.
func GateError(msg string, cause error) *EngineError {
	return newErr(CodeGateError, false, false, msg, cause)
}

// ExternalCallError reports an audited-client failure, classified as
// retryable or not by the caller.
func ExternalCallError(msg string, retryable bool, cause error) *EngineError {
	return newErr(CodeExternalCallError, false, retryable, msg, cause)
}

// RateLimited reports a limiter withholding a permit. Always retryable.
func RateLimited(msg string) *EngineError {
	return newErr(CodeRateLimited, false, true, msg, nil)
}

// TimeoutError reports a client-side timeout. Always retryable.
func TimeoutError(msg string, cause error) *EngineError {
	return newErr(CodeTimeoutError, false, true, msg, cause)
}

// CheckpointMismatch reports a resume-time inconsistency. Fatal; requires
// operator intervention.
func CheckpointMismatch(msg string, cause error) *EngineError {
	return newErr(CodeCheckpointMismatch, true, false, msg, cause)
}

// PayloadIntegrityError reports a payload-store hash mismatch. Fatal.
func PayloadIntegrityError(msg string, cause error) *EngineError {
	return newErr(CodePayloadIntegrityError, true, false, msg, cause)
}

// VerificationDivergence reports a verify-mode response mismatch. Recorded
// as an audit event; the run continues.
func VerificationDivergence(msg string) *EngineError {
	return newErr(CodeVerificationDivergence, false, false, msg, nil)
}

// As reports whether err (or any error it wraps) is an *EngineError, and
// returns it.
func As(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsFatal reports whether err is a fatal EngineError, i.e. one that must
// crash the process rather than merely fail the run or a node state.
func IsFatal(err error) bool {
	ee, ok := As(err)
	return ok && ee.Fatal()
}
