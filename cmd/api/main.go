package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"docflow/internal/api"
	"docflow/internal/app"
	"docflow/internal/config"
	"docflow/internal/logging"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()
	if a.Local != nil {
		go a.RunSweeper(ctx)
	}

	h := api.NewServer(a.Ingest, a.Answers, a.Assistant, a.Ledger, a.Store, cfg.MaxUploadBytes, logging.NewModuleLogger("api", "server"))
	srv := &http.Server{Addr: cfg.APIAddr, Handler: h.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("docflow api listening", "addr", cfg.APIAddr, "store", cfg.Store, "job_queue", cfg.JobQueue,
		"llm_providers", cfg.LLMProviders, "embed_providers", cfg.EmbedProviders)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
