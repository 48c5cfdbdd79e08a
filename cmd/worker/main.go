package main

import (
	"context"
	"errors"
	"log"

	"docflow/internal/activities"
	"docflow/internal/app"
	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/workflows"

	"github.com/joho/godotenv"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()
	c, err := a.DialTemporal()
	if err != nil {
		log.Fatal(err)
	}

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w)
	activities.Register(w, activities.New(a.Pipeline, a.Summary, cfg.StaleAfter, logging.NewModuleLogger("activities", "worker")))

	_, err = c.ExecuteWorkflow(context.Background(), client.StartWorkflowOptions{
		ID:           workflows.StaleSweepWorkflowID,
		TaskQueue:    cfg.TemporalTaskQueue,
		CronSchedule: "@every " + cfg.SweepInterval.String(),
	}, workflows.StaleSweepWorkflow)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if err != nil && !errors.As(err, &started) {
		logger.Warn("stale sweep schedule not started", "error", err)
	}

	logger.Info("docflow worker listening", "temporal", cfg.TemporalAddress, "queue", cfg.TemporalTaskQueue,
		"llm_providers", cfg.LLMProviders, "embed_providers", cfg.EmbedProviders)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatal(err)
	}
}
