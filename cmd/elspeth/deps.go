package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/trace"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/audit/schema"
	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/httputil"
	"github.com/tachyon-beep/elspeth/internal/logging"
	"github.com/tachyon-beep/elspeth/internal/obsv"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/resilience"
	"github.com/tachyon-beep/elspeth/internal/secretfp"
	"github.com/tachyon-beep/elspeth/internal/version"
)

// app bundles everything every subcommand needs, built once from loaded
// configuration. Mirrors the teacher's practice of building one shared
// dependency set at process start rather than letting each subcommand
// reconstruct its own store/logger.
type app struct {
	cfg             *config.Config
	db              *sql.DB
	store           audit.Store
	recorder        *audit.Recorder
	payloads        *payloadstore.Store
	logger          *logging.Logger
	deps            orchestrator.Deps
	tracer          trace.Tracer
	shutdownTracer  func(context.Context) error
	shutdownMetrics func(context.Context) error
}

// buildApp loads configuration from configPath (may be "") and wires the
// full dependency set: database connection + migration, payload store,
// logger, secret fingerprinter, and the orchestrator.Deps bundle every
// run/resume invocation drives.
func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.NewFromEnv("elspeth")

	db, err := sql.Open(driverNameFor(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("elspeth: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	switch cfg.Database.Driver {
	case "postgres":
		if err := schema.MigratePostgres(db); err != nil {
			return nil, fmt.Errorf("elspeth: migrate postgres schema: %w", err)
		}
	default:
		if err := schema.MigrateSQLite(db); err != nil {
			return nil, fmt.Errorf("elspeth: migrate sqlite schema: %w", err)
		}
	}

	store := audit.NewSQLStore(db, driverNameFor(cfg.Database.Driver))
	recorder := audit.NewRecorder(store)

	payloads, err := payloadstore.New(cfg.PayloadStore.Root)
	if err != nil {
		return nil, fmt.Errorf("elspeth: open payload store: %w", err)
	}

	fingerprintKey, err := cfg.ResolveFingerprintKey(ctx)
	if err != nil {
		return nil, err
	}
	fingerprinter, err := secretfp.New(fingerprintKey)
	if err != nil {
		return nil, fmt.Errorf("elspeth: build secret fingerprinter: %w", err)
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Engine.MaxRetries

	limiters := resilience.NewRegistry(resilience.DefaultRateLimitConfig())

	baseTransport := httputil.DefaultTransportWithMinTLS12()
	callTimeout := time.Duration(cfg.Engine.CallTimeoutMS) * time.Millisecond
	httpClient := &http.Client{Transport: baseTransport, Timeout: callTimeout}
	// One AuditedClient is built per (service, endpoint) pair (spec section
	// 4.8), and the service string doubles as the endpoint URL — see
	// internal/executor's HTTPAdapter/LLMAdapter, whose method/url arguments
	// are informational only because the real target is already bound here.
	transportFor := func(service string) executor.Transport {
		return func(ctx context.Context, requestBody []byte) ([]byte, string, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, service, bytes.NewReader(requestBody))
			if err != nil {
				return nil, "", err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", version.UserAgent())
			resp, err := httpClient.Do(req)
			if err != nil {
				return nil, "", err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, "", err
			}
			if resp.StatusCode >= 300 {
				return nil, resp.Header.Get("X-Request-Id"), fmt.Errorf("elspeth: transport: %s returned status %d", service, resp.StatusCode)
			}
			return body, resp.Header.Get("X-Request-Id"), nil
		}
	}

	shutdownTracer := func(context.Context) error { return nil }
	tracer := trace.NewNoopTracerProvider().Tracer("elspeth/cmd")
	if cfg.Tracing.Enabled {
		provider, shutdown, err := obsv.NewOTLPTracerProvider(ctx, obsv.OTLPConfig{
			Endpoint:    cfg.Tracing.OTLPEndpoint,
			ServiceName: cfg.Tracing.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("elspeth: configure tracing: %w", err)
		}
		tracer = obsv.ConfigureGlobalTracer(provider, "elspeth/cmd")
		shutdownTracer = shutdown
	}

	shutdownMetrics, err := obsv.StartServer(cfg.Metrics.Listen)
	if err != nil {
		return nil, fmt.Errorf("elspeth: start metrics server: %w", err)
	}

	return &app{
		cfg:      cfg,
		db:       db,
		store:    store,
		recorder: recorder,
		payloads: payloads,
		logger:   logger,
		deps: orchestrator.Deps{
			Recorder:     recorder,
			Store:        store,
			Payloads:     payloads,
			Logger:       logger,
			Fingerprint:  fingerprinter,
			TransportFor: transportFor,
			Retry:        retry,
			Limiters:     limiters,
		},
		tracer:          tracer,
		shutdownTracer:  shutdownTracer,
		shutdownMetrics: shutdownMetrics,
	}, nil
}

func (a *app) Close() error {
	ctx := context.Background()
	if a.shutdownMetrics != nil {
		_ = a.shutdownMetrics(ctx)
	}
	if a.shutdownTracer != nil {
		_ = a.shutdownTracer(ctx)
	}
	return a.db.Close()
}

func driverNameFor(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

func configHashOf(v any) (string, error) {
	return canonicaljson.StableHash(v)
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
