// Package logging provides structured, context-aware logging built on
// logrus. It mirrors the teacher's infrastructure/logging package: a
// service-scoped Logger, a context key carrying a per-run trace ID, and a
// handful of domain-shaped helpers (LogAudit, LogServiceCall) instead of
// bare Info/Error calls scattered through the engine.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tachyon-beep/elspeth/internal/redaction"
)

// Logger wraps a *logrus.Logger scoped to one service/process name.
// LogAudit's fields and LogServiceCall's error string are run through a
// Redactor first, so a plugin echoing a credential back in an error
// message never reaches stdout unredacted; the other helper arguments
// (endpoint, node label, status) are logged as given.
type Logger struct {
	*logrus.Logger
	service  string
	redactor *redaction.Redactor
}

// New builds a Logger with the given service name, level, and format
// ("json" or "text").
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: l, service: service, redactor: redaction.New(redaction.DefaultConfig())}
}

// NewFromEnv builds a Logger reading ELSPETH_LOG_LEVEL / ELSPETH_LOG_FORMAT,
// defaulting to info/text.
func NewFromEnv(service string) *Logger {
	level := os.Getenv("ELSPETH_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("ELSPETH_LOG_FORMAT")
	if format == "" {
		format = "text"
	}
	return New(service, level, format)
}

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	runIDKey   ctxKey = "run_id"
)

// WithTraceID returns a context carrying a trace ID, generating one if the
// context doesn't already carry one.
func WithTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, uuid.NewString())
}

// TraceID returns the trace ID carried by ctx, or "".
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithRunID returns a context carrying the given run ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the run ID carried by ctx, or "".
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// WithContext returns a logrus.Entry pre-populated with the service name
// plus any trace/run IDs found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.WithField("service", l.service)
	if tid := TraceID(ctx); tid != "" {
		entry = entry.WithField("trace_id", tid)
	}
	if rid := RunID(ctx); rid != "" {
		entry = entry.WithField("run_id", rid)
	}
	return entry
}

// LogAudit emits a structured line mirroring one audit-recorder write, so
// operators get a live tail of the same events the database holds durably.
func (l *Logger) LogAudit(ctx context.Context, event string, fields map[string]any) {
	entry := l.WithContext(ctx).WithField("audit_event", event)
	for k, v := range l.redactor.RedactFields(fields) {
		entry = entry.WithField(k, v)
	}
	entry.Info("audit event recorded")
}

// LogServiceCall logs the outcome of an external call mediated by the
// audited client. err's message is redacted first since adapters surface
// the remote service's raw response text here, which can itself echo back
// an Authorization header or API key the request carried.
func (l *Logger) LogServiceCall(ctx context.Context, endpoint string, durationMS int64, status string, err error) {
	entry := l.WithContext(ctx).
		WithField("endpoint", endpoint).
		WithField("duration_ms", durationMS).
		WithField("status", status)
	if err != nil {
		entry.WithField("error", l.redactor.RedactString(err.Error())).Warn("external call failed")
		return
	}
	entry.Debug("external call completed")
}

// LogNodeState logs a node state transition at the appropriate level.
func (l *Logger) LogNodeState(ctx context.Context, nodeLabel, status string, attempt int) {
	entry := l.WithContext(ctx).
		WithField("node_label", nodeLabel).
		WithField("status", status).
		WithField("attempt", attempt)
	if status == "failed" {
		entry.Warn("node state failed")
		return
	}
	entry.Debug("node state transition")
}

var defaultLogger *Logger

// InitDefault installs l as the process-wide default logger.
func InitDefault(l *Logger) { defaultLogger = l }

// Default returns the process-wide default logger, building one from the
// environment on first use.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("elspeth")
	}
	return defaultLogger
}
