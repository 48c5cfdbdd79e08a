// Package app wires the services both binaries share.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docflow/internal/answer"
	"docflow/internal/assistant"
	"docflow/internal/config"
	"docflow/internal/embedding"
	"docflow/internal/extract"
	"docflow/internal/ingest"
	"docflow/internal/jobs"
	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/memory"
	"docflow/internal/providers"
	"docflow/internal/storage"
	"docflow/internal/storage/memstore"
	"docflow/internal/summary"

	tclient "go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
)

// Store is everything the services persist through. The Postgres store and
// memstore both satisfy it.
type Store interface {
	ingest.ServiceStore
	answer.Retriever
	memory.Store
	ledger.UsageStore
	summary.Store
	assistant.Store
	Ping(ctx context.Context) error
}

type App struct {
	Config    config.Config
	Store     Store
	Ledger    *ledger.Ledger
	Providers *providers.Manager
	Pipeline  *ingest.Pipeline
	Ingest    *ingest.Service
	Answers   *answer.Service
	Assistant *assistant.Service
	Summary   *summary.Service
	Temporal  tclient.Client
	Local     *jobs.LocalQueue

	embedder *embedding.Client
	closers  []func()
	logger   *slog.Logger
}

// Build opens the configured store and job queue and assembles the
// services. In local queue mode the queue handlers are registered too, so
// the process runs jobs itself.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	pm, err := providers.NewManager(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Providers = pm

	a.Ledger = ledger.New(a.Store,
		ledger.WithDailyLimit(cfg.DailyLimitUSD),
		ledger.WithLocation(cfg.Location()),
		ledger.WithLogger(logging.NewModuleLogger("ledger", "ledger")),
	)
	if err := a.Ledger.CheckPrices(pm.Models()); err != nil {
		a.Close()
		return nil, fmt.Errorf("configured providers: %w", err)
	}
	a.embedder, err = embedding.New(pm.Embedder(),
		embedding.WithBatchSize(cfg.EmbedBatchSize),
		embedding.WithBatchDelay(cfg.EmbedBatchDelay),
		embedding.WithRateLimit(cfg.EmbedRPS),
		embedding.WithDimension(cfg.EmbedDim),
		embedding.WithLogger(logging.NewModuleLogger("embedding", "client")),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.embedder.Release)

	a.Pipeline = ingest.NewPipeline(a.Store, extract.NewPDF(cfg.MinTextChars), a.Ledger, a.embedder,
		ingest.WithChunking(cfg.ChunkSize, cfg.ChunkOverlap),
		ingest.WithPipelineLogger(logging.NewModuleLogger("ingest", "pipeline")),
	)
	mem := memory.New(a.Store, memory.WithWindow(cfg.MemoryTurns), memory.WithMaxTurns(cfg.MemoryMaxTurns))
	a.Answers = answer.New(a.Store, a.Store, pm.Embedder(), pm, a.Ledger, mem,
		answer.WithRetrieval(cfg.TopK, cfg.CandidatePool, cfg.RelevanceFloor),
		answer.WithContextChars(cfg.DirectContextChars),
		answer.WithEmbedDimension(cfg.EmbedDim),
		answer.WithLogger(logging.NewModuleLogger("answer", "service")),
	)
	a.Assistant = assistant.New(a.Store, pm, a.Ledger,
		assistant.WithLogger(logging.NewModuleLogger("assistant", "service")),
	)
	a.Summary = summary.New(a.Store, pm, a.Ledger,
		summary.WithContextChars(cfg.DirectContextChars),
		summary.WithLogger(logging.NewModuleLogger("summary", "service")),
	)

	queue, err := a.openQueue()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ingest = ingest.NewService(a.Store, a.Ledger, queue, cfg.DataInRoot,
		ingest.WithMaxUploadBytes(cfg.MaxUploadBytes),
		ingest.WithServiceLogger(logging.NewModuleLogger("ingest", "service")),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store {
	case "memory":
		a.Store = memstore.New()
		return nil
	case "postgres":
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := storage.NewDB(dbCtx, a.Config.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Migrate(dbCtx, a.Config.EmbedDim); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Store = storage.NewStore(db)
		return nil
	default:
		return fmt.Errorf("unknown store %q", a.Config.Store)
	}
}

func (a *App) openQueue() (jobs.Queue, error) {
	switch a.Config.JobQueue {
	case "local":
		q, err := jobs.NewLocalQueue(4,
			jobs.WithMaxAttempts(a.Config.StageMaxAttempts),
			jobs.WithLogger(logging.NewModuleLogger("jobs", "local")),
		)
		if err != nil {
			return nil, err
		}
		q.OnJob(jobs.KindProcessPDF, func(ctx context.Context, spec jobs.Spec) error {
			_, err := a.Pipeline.Run(ctx, spec)
			return err
		}, func(ctx context.Context, spec jobs.Spec, cause error) {
			if err := a.Pipeline.MarkFailed(ctx, spec.DocumentID, cause); err != nil {
				a.logger.Error("dead-lettered document not marked failed", "document_id", spec.DocumentID, "error", err)
			}
		})
		q.OnJob(jobs.KindSummarizeNote, func(ctx context.Context, spec jobs.Spec) error {
			_, err := a.Summary.Summarize(ctx, spec.DocumentID, spec.OwnerID)
			return err
		}, func(ctx context.Context, spec jobs.Spec, _ error) {
			a.Summary.MarkFailed(ctx, spec.DocumentID, spec.OwnerID)
		})
		a.Local = q
		a.closers = append(a.closers, q.Close)
		return q, nil
	case "temporal":
		c, err := a.DialTemporal()
		if err != nil {
			return nil, err
		}
		return jobs.NewTemporalQueue(c, a.Config.TemporalTaskQueue), nil
	default:
		return nil, fmt.Errorf("unknown job queue %q", a.Config.JobQueue)
	}
}

// DialTemporal returns the shared Temporal client, dialing it on first use.
func (a *App) DialTemporal() (tclient.Client, error) {
	if a.Temporal != nil {
		return a.Temporal, nil
	}
	c, err := tclient.Dial(tclient.Options{
		HostPort: a.Config.TemporalAddress,
		Logger:   tlog.NewStructuredLogger(logging.NewModuleLogger("temporal", "client")),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	a.Temporal = c
	a.closers = append(a.closers, c.Close)
	return c, nil
}

// RunSweeper fails stale documents every interval until ctx ends.
func (a *App) RunSweeper(ctx context.Context) {
	t := time.NewTicker(a.Config.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Pipeline.SweepStale(ctx, a.Config.StaleAfter); err != nil {
				a.logger.Warn("stale sweep failed", "error", err)
			}
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
