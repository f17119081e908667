// The corral-worker binary runs the AP pipeline worker: it opens the state
// store and artifact root, wires the extraction sidecar behind the schema
// gate, registers the package and invoice workflows, and drives open
// executions until signalled to stop.
//
// Exit codes: 0 graceful shutdown, 1 fatal initialization error, 2 backend
// unreachable after startup.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corralhq/corral/pkg/artifact"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/durable"
	"github.com/corralhq/corral/pkg/extract"
	"github.com/corralhq/corral/pkg/gate"
	"github.com/corralhq/corral/pkg/observability"
	"github.com/corralhq/corral/pkg/pipeline"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/tokenstore"
)

const (
	resumePollInterval = 5 * time.Second
	maxResumeFailures  = 5
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "corral-worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx, config.Load(), logger)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	if cfg.ExtractorURL == "" {
		logger.Error("CORRAL_EXTRACTOR_URL is required")
		return 1
	}

	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Error("opening state store", "dsn", cfg.DatabaseDSN, "error", err)
		return 1
	}
	defer st.Close()

	arts, err := artifact.Open(ctx, cfg.ArtifactRoot)
	if err != nil {
		logger.Error("opening artifact root", "root", cfg.ArtifactRoot, "error", err)
		return 1
	}

	entityCfg, vendorCfg, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Error("loading resolution profile", "path", cfg.ProfilePath, "error", err)
		return 1
	}

	// Fail fast on bad sealing keys before any workflow runs. The ERP
	// connector reads refreshed credentials out of this store.
	if cfg.TokenKey != "" {
		enc, err := tokenstore.NewEncryption(cfg.TokenKey)
		if err != nil {
			logger.Error("token key rejected", "error", err)
			return 1
		}
		if _, err := tokenstore.NewFileStore("credentials", enc); err != nil {
			logger.Error("opening token store", "error", err)
			return 1
		}
	}

	var g gate.Gate
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		limit := int64(cfg.ExtractRPS)
		if limit < 1 {
			limit = 1
		}
		g = gate.NewRedisGate(client, "corral:extract:"+cfg.TaskQueue, limit, time.Second)
	} else {
		g = gate.NewLocalGate(cfg.ExtractRPS, cfg.ExtractBurst)
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("initializing telemetry", "endpoint", obsCfg.OTLPEndpoint, "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	schemas, err := contracts.NewSchemaSet()
	if err != nil {
		logger.Error("compiling document schemas", "error", err)
		return 1
	}

	sidecar := newExtractorClient(cfg.ExtractorURL)
	extraction := extract.NewService(sidecar, arts, schemas, true)

	p := pipeline.New(st, arts, extraction, sidecar, g,
		pipeline.WithResolutionConfig(entityCfg, vendorCfg),
		pipeline.WithLogger(logger),
	)

	w := durable.NewWorker(st, cfg.TaskQueue,
		durable.WithMaxActivities(cfg.MaxActivities),
		durable.WithLogger(logger),
		durable.WithAttemptObserver(provider.RecordActivityAttempt),
		durable.WithWorkflowObserver(provider.TrackWorkflow),
	)
	p.Register(w)

	logger.Info("worker started",
		"task_queue", cfg.TaskQueue,
		"db", cfg.DatabaseDSN,
		"artifact_root", cfg.ArtifactRoot,
		"max_activities", cfg.MaxActivities,
	)

	// Open executions in the store belong to this queue; new ones arrive as
	// rows enqueued by the API process, so the worker polls.
	failures := 0
	ticker := time.NewTicker(resumePollInterval)
	defer ticker.Stop()
	for {
		if err := w.ResumeOpen(ctx); err != nil && ctx.Err() == nil {
			failures++
			logger.Error("driving open workflows", "error", err, "consecutive_failures", failures)
			if failures >= maxResumeFailures {
				logger.Error("backend unreachable, giving up")
				return 2
			}
		} else if err == nil {
			failures = 0
		}
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return 0
		case <-ticker.C:
		}
	}
}
