package activities

import (
	"context"
	"log/slog"
	"time"

	"docflow/internal/ingest"
	"docflow/internal/jobs"
	"docflow/internal/util"

	"go.temporal.io/sdk/temporal"
)

// Activities exposes each ingestion stage and the summary job to Temporal.
// Stage state lives in the store, so every activity only takes the job.
type Activities struct {
	pipeline   *ingest.Pipeline
	summarizer Summarizer
	staleAfter time.Duration
	logger     *slog.Logger
}

type Summarizer interface {
	Summarize(ctx context.Context, documentID, ownerID string) (string, error)
	MarkFailed(ctx context.Context, documentID, ownerID string)
}

func New(pipeline *ingest.Pipeline, summarizer Summarizer, staleAfter time.Duration, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{pipeline: pipeline, summarizer: summarizer, staleAfter: staleAfter, logger: logger}
}

func (a *Activities) LoadStatusActivity(ctx context.Context, in jobs.Spec) (LoadStatusOutput, error) {
	status, err := a.pipeline.Status(ctx, in.DocumentID)
	if err != nil {
		return LoadStatusOutput{}, asActivityError(err)
	}
	return LoadStatusOutput{Status: status}, nil
}

func (a *Activities) GateActivity(ctx context.Context, in jobs.Spec) error {
	return asActivityError(a.pipeline.Gate(ctx, in))
}

func (a *Activities) AcceptActivity(ctx context.Context, in jobs.Spec) error {
	return asActivityError(a.pipeline.Accept(ctx, in))
}

// ExtractTextActivity extracts and persists in one step so the document
// text never travels through workflow history.
func (a *Activities) ExtractTextActivity(ctx context.Context, in jobs.Spec) (ExtractTextOutput, error) {
	res, err := a.pipeline.Extract(ctx, in)
	if err != nil {
		return ExtractTextOutput{}, asActivityError(err)
	}
	if err := a.pipeline.Persist(ctx, in, res); err != nil {
		return ExtractTextOutput{}, asActivityError(err)
	}
	return ExtractTextOutput{Chars: len(res.Text), PageCount: res.PageCount}, nil
}

func (a *Activities) ChunkTextActivity(ctx context.Context, in jobs.Spec) (ChunkTextOutput, error) {
	n, err := a.pipeline.Chunk(ctx, in)
	if err != nil {
		return ChunkTextOutput{}, asActivityError(err)
	}
	return ChunkTextOutput{Count: n}, nil
}

func (a *Activities) EmbedChunksActivity(ctx context.Context, in jobs.Spec) (EmbedChunksOutput, error) {
	rep, err := a.pipeline.Embed(ctx, in)
	if err != nil {
		return EmbedChunksOutput{}, asActivityError(err)
	}
	return EmbedChunksOutput{Chunks: rep.Chunks, Embedded: rep.Embedded, Skipped: rep.Skipped}, nil
}

func (a *Activities) CompleteActivity(ctx context.Context, in jobs.Spec) error {
	return asActivityError(a.pipeline.Complete(ctx, in))
}

func (a *Activities) MarkFailedActivity(ctx context.Context, in MarkFailedInput) error {
	return asActivityError(a.pipeline.MarkFailed(ctx, in.DocumentID, remoteError{kind: in.Kind, msg: in.Reason}))
}

func (a *Activities) SummarizeActivity(ctx context.Context, in jobs.Spec) error {
	_, err := a.summarizer.Summarize(ctx, in.DocumentID, in.OwnerID)
	return asActivityError(err)
}

func (a *Activities) MarkSummaryFailedActivity(ctx context.Context, in MarkFailedInput) error {
	a.logger.Warn("summary failed", "document_id", in.DocumentID, "reason", in.Reason)
	a.summarizer.MarkFailed(ctx, in.DocumentID, in.OwnerID)
	return nil
}

func (a *Activities) SweepStaleActivity(ctx context.Context) ([]string, error) {
	ids, err := a.pipeline.SweepStale(ctx, a.staleAfter)
	if err != nil {
		return nil, asActivityError(err)
	}
	if len(ids) > 0 {
		a.logger.Info("stale documents failed", "count", len(ids), "older_than", a.staleAfter)
	}
	return ids, nil
}

// asActivityError tags err with its category so the workflow can tell
// failures apart. Categories the job runner must not retry become
// non-retryable application errors.
func asActivityError(err error) error {
	if err == nil {
		return nil
	}
	kind := util.Kind(err)
	if kind == "" {
		return err
	}
	if !util.Retryable(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), kind, err)
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), kind, err)
}

// remoteError restores the category of a failure reported by the workflow
// so errors.Is works against the util sentinels.
type remoteError struct {
	kind string
	msg  string
}

func (e remoteError) Error() string { return e.msg }

func (e remoteError) Is(target error) bool {
	return e.kind != "" && util.Kind(target) == e.kind
}
