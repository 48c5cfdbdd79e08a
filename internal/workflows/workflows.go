package workflows

import (
	"errors"
	"time"

	"docflow/internal/activities"
	"docflow/internal/jobs"
	"docflow/internal/models"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	QueryGetIngestStatus = "GetIngestStatus"

	StaleSweepWorkflowID = "stale-sweep"
)

var stageRetry = &temporal.RetryPolicy{
	InitialInterval:    2 * time.Second,
	BackoffCoefficient: 2,
	MaximumInterval:    20 * time.Second,
	MaximumAttempts:    3,
}

// DocumentIngestWorkflow runs the ingestion stages for one upload, starting
// from whatever status the document already has. A permanent failure marks
// the document failed and completes the workflow with "failed".
func DocumentIngestWorkflow(ctx workflow.Context, spec jobs.Spec) (string, error) {
	progress := IngestProgress{
		DocumentID:  spec.DocumentID,
		CurrentStep: "init",
		Steps:       map[string]string{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryGetIngestStatus, func() (IngestProgress, error) {
		return progress, nil
	}); err != nil {
		return "", err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         stageRetry,
	})
	embedCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         stageRetry,
	})

	step := func(name string, run func() error) error {
		progress.CurrentStep = name
		progress.Steps[name] = "processing"
		if err := run(); err != nil {
			progress.Steps[name] = "failed"
			return err
		}
		progress.Steps[name] = "done"
		return nil
	}

	var loaded activities.LoadStatusOutput
	if err := step("load_status", func() error {
		return workflow.ExecuteActivity(ctx, "LoadStatusActivity", spec).Get(ctx, &loaded)
	}); err != nil {
		return "", err
	}
	progress.Status = loaded.Status
	if loaded.Status.Terminal() {
		progress.CurrentStep = "done"
		return string(loaded.Status), nil
	}

	err := runStages(ctx, embedCtx, spec, &progress, step)
	if err == nil {
		progress.CurrentStep = "done"
		progress.Status = models.StatusCompleted
		return string(models.StatusCompleted), nil
	}

	kind, reason := failureOf(err)
	progress.Status = models.StatusFailed
	progress.FailReason = reason
	workflow.GetLogger(ctx).Warn("ingestion failed", "document_id", spec.DocumentID, "step", progress.CurrentStep, "kind", kind, "error", err)
	if merr := workflow.ExecuteActivity(ctx, "MarkFailedActivity", activities.MarkFailedInput{
		DocumentID: spec.DocumentID,
		OwnerID:    spec.OwnerID,
		Kind:       kind,
		Reason:     reason,
	}).Get(ctx, nil); merr != nil {
		return "", errors.Join(err, merr)
	}
	if permanent(err) {
		return string(models.StatusFailed), nil
	}
	return "", err
}

func runStages(ctx, embedCtx workflow.Context, spec jobs.Spec, progress *IngestProgress, step func(string, func() error) error) error {
	if err := step("gate", func() error {
		return workflow.ExecuteActivity(ctx, "GateActivity", spec).Get(ctx, nil)
	}); err != nil {
		return err
	}
	status := progress.Status
	if status == models.StatusPending {
		if err := step("accept", func() error {
			return workflow.ExecuteActivity(ctx, "AcceptActivity", spec).Get(ctx, nil)
		}); err != nil {
			return err
		}
		status = models.StatusProcessing
		progress.Status = status
	}
	if status == models.StatusProcessing {
		if err := step("extract_text", func() error {
			return workflow.ExecuteActivity(ctx, "ExtractTextActivity", spec).Get(ctx, nil)
		}); err != nil {
			return err
		}
		progress.Status = models.StatusEmbedding
	}

	var chunked activities.ChunkTextOutput
	if err := step("chunk_text", func() error {
		return workflow.ExecuteActivity(ctx, "ChunkTextActivity", spec).Get(ctx, &chunked)
	}); err != nil {
		return err
	}
	progress.Chunks = chunked.Count

	var embedded activities.EmbedChunksOutput
	if err := step("embed_chunks", func() error {
		return workflow.ExecuteActivity(embedCtx, "EmbedChunksActivity", spec).Get(ctx, &embedded)
	}); err != nil {
		return err
	}
	progress.Embedded = embedded.Embedded + embedded.Skipped

	return step("complete", func() error {
		return workflow.ExecuteActivity(ctx, "CompleteActivity", spec).Get(ctx, nil)
	})
}

// SummarizeWorkflow generates the summary of a note. The summary status is
// failed if every attempt fails.
func SummarizeWorkflow(ctx workflow.Context, spec jobs.Spec) (string, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         stageRetry,
	})
	err := workflow.ExecuteActivity(ctx, "SummarizeActivity", spec).Get(ctx, nil)
	if err == nil {
		return string(models.SummaryCompleted), nil
	}
	_, reason := failureOf(err)
	if merr := workflow.ExecuteActivity(ctx, "MarkSummaryFailedActivity", activities.MarkFailedInput{
		DocumentID: spec.DocumentID,
		OwnerID:    spec.OwnerID,
		Reason:     reason,
	}).Get(ctx, nil); merr != nil {
		return "", errors.Join(err, merr)
	}
	if permanent(err) {
		return string(models.SummaryFailed), nil
	}
	return "", err
}

// StaleSweepWorkflow fails documents stuck mid-ingestion. The worker starts
// it on a cron schedule.
func StaleSweepWorkflow(ctx workflow.Context) (int, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         stageRetry,
	})
	var ids []string
	if err := workflow.ExecuteActivity(ctx, "SweepStaleActivity").Get(ctx, &ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// failureOf reads the error category and message an activity reported.
func failureOf(err error) (kind, reason string) {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type(), appErr.Message()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "", "stage timed out: " + timeoutErr.Error()
	}
	return "", err.Error()
}

func permanent(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}
