package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vsenthil7/voxcortex/pkg/admin"
	"github.com/vsenthil7/voxcortex/pkg/audit"
	"github.com/vsenthil7/voxcortex/pkg/config"
	"github.com/vsenthil7/voxcortex/pkg/evidence"
	"github.com/vsenthil7/voxcortex/pkg/hypothesis"
	"github.com/vsenthil7/voxcortex/pkg/ingest"
	"github.com/vsenthil7/voxcortex/pkg/logging"
	"github.com/vsenthil7/voxcortex/pkg/observability"
	"github.com/vsenthil7/voxcortex/pkg/pipeline"
	"github.com/vsenthil7/voxcortex/pkg/reasoner"
	"github.com/vsenthil7/voxcortex/pkg/store"
	"github.com/vsenthil7/voxcortex/pkg/store/lite"
)

// explanationSource reads back the newest explanation for a trace.
type explanationSource interface {
	LatestExplanation(ctx context.Context, traceID string) (*pipeline.TraceExplanation, error)
}

// backend is one process's fully wired stack: stores, reasoner gateway, and
// the pipeline orchestrator. Postgres when DATABASE_URL is configured, the
// embedded SQLite store otherwise.
type backend struct {
	cfg *config.Config
	log *slog.Logger
	obs *observability.Provider

	db   *sql.DB
	lite *lite.Store

	pipe         *pipeline.Orchestrator
	events       ingest.Store
	auditLog     pipeline.AuditLog
	audits       admin.AuditReader
	evidenceRead admin.EvidenceReader
	explanations explanationSource
}

// newBackend loads config, installs the component logger, and wires every
// store and the pipeline for the selected persistence mode.
func newBackend(ctx context.Context, component string) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(component, cfg.LogLevel)

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	signer, err := evidence.NewSigner(cfg.SigningKeyB64)
	if err != nil {
		return nil, err
	}

	b := &backend{cfg: cfg, log: logger, obs: obs}

	var (
		snapshots pipeline.Snapshotter
		calls     reasoner.CallRecorder
		hyps      reasoner.HypothesisSink
		promoter  pipeline.Promoter
		outcomes  pipeline.Store
	)

	if cfg.UseLite() {
		logger.Info("no database configured, using embedded store", "path", cfg.LitePath)
		ls, err := lite.Open(cfg.LitePath, signer)
		if err != nil {
			return nil, fmt.Errorf("open lite store: %w", err)
		}
		b.lite = ls
		snapshots, calls, hyps, promoter, outcomes = ls, ls, ls, ls, ls
		b.events, b.auditLog = ls, ls
		b.audits, b.evidenceRead, b.explanations = ls, ls, ls
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		b.db = db
		logger.Info("postgres connected")

		evStore := evidence.NewStore(db, signer)
		hypStore := hypothesis.NewStore(db)
		logStore := audit.NewLogStore(db)
		outStore := pipeline.NewPostgresStore(db)

		snapshots, calls, hyps = evStore, audit.NewCallStore(db), hypStore
		promoter, outcomes = hypStore, outStore
		b.events, b.auditLog = ingest.NewPostgresStore(db), logStore
		b.audits, b.evidenceRead, b.explanations = logStore, evStore, outStore
	}

	gateway := reasoner.NewGateway(reasoner.GatewayConfig{
		Client:     reasoner.NewGeminiClient(cfg.GeminiAPIKey),
		Audits:     calls,
		Model:      cfg.GeminiModel,
		Hypotheses: hyps,
		Limiter:    rate.NewLimiter(rate.Limit(cfg.LLMRequestsPerSec), 1),
		Logger:     logger,
	})

	b.pipe = pipeline.New(pipeline.Config{
		Evidence:   snapshots,
		Reasoner:   gateway,
		Promoter:   promoter,
		Store:      outcomes,
		Audit:      b.auditLog,
		Obs:        obs,
		Logger:     logger,
		LLMTimeout: cfg.LLMTimeout,
		DBTimeout:  cfg.DBTimeout,
	})

	return b, nil
}

// Close flushes telemetry and releases the store.
func (b *backend) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.obs.Shutdown(ctx)
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.lite != nil {
		_ = b.lite.Close()
	}
}
