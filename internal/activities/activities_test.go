package activities

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"docflow/internal/embedding"
	"docflow/internal/extract"
	"docflow/internal/ingest"
	"docflow/internal/jobs"
	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/providers"
	"docflow/internal/storage/memstore"
	"docflow/internal/summary"
	"docflow/internal/util"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
)

type staticExtractor struct {
	res extract.Result
	err error
}

func (s staticExtractor) Extract(context.Context, []byte) (extract.Result, error) {
	return s.res, s.err
}

func newActivities(t *testing.T, ex ingest.Extractor) (*Activities, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	mock := providers.NewMockProvider(8)
	client, err := embedding.New(mock, embedding.WithDimension(8))
	require.NoError(t, err)
	t.Cleanup(client.Release)
	led := ledger.New(store, ledger.WithLocation(time.UTC))
	pipeline := ingest.NewPipeline(store, ex, led, client, ingest.WithChunking(20, 5))
	return New(pipeline, summary.New(store, mock, led), 30*time.Minute, nil), store
}

func pendingDocument(t *testing.T, store *memstore.Store) jobs.Spec {
	t.Helper()
	require.NoError(t, store.CreateDocument(context.Background(), models.Document{
		ID: "d1", OwnerID: "owner", ProcessingStatus: models.StatusPending, SummaryStatus: models.SummaryPending,
		Metadata: models.DocumentMetadata{Source: "upload"},
	}))
	return jobs.Spec{Kind: jobs.KindProcessPDF, DocumentID: "d1", OwnerID: "owner", FileBytes: []byte("%PDF-1.4")}
}

func TestStagesDriveDocumentToCompleted(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta ", 15)
	a, store := newActivities(t, staticExtractor{res: extract.Result{Text: text, PageCount: 2}})
	spec := pendingDocument(t, store)
	ctx := context.Background()

	st, err := a.LoadStatusActivity(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, st.Status)

	require.NoError(t, a.GateActivity(ctx, spec))
	require.NoError(t, a.AcceptActivity(ctx, spec))
	ex, err := a.ExtractTextActivity(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, 2, ex.PageCount)

	ch, err := a.ChunkTextActivity(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, 4, ch.Count)

	em, err := a.EmbedChunksActivity(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, EmbedChunksOutput{Chunks: 4, Embedded: 4}, em)

	again, err := a.EmbedChunksActivity(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, 4, again.Skipped)

	require.NoError(t, a.CompleteActivity(ctx, spec))
	st, err = a.LoadStatusActivity(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, st.Status)
	require.Len(t, store.UsageRecords(), 4)
}

func TestNoTextIsNonRetryable(t *testing.T) {
	a, store := newActivities(t, staticExtractor{err: util.ErrNoExtractableText})
	spec := pendingDocument(t, store)
	ctx := context.Background()
	require.NoError(t, a.AcceptActivity(ctx, spec))

	_, err := a.ExtractTextActivity(ctx, spec)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.True(t, appErr.NonRetryable())
	require.Equal(t, "validation", appErr.Type())
	require.ErrorIs(t, err, util.ErrNoExtractableText)
}

func TestPersistenceErrorsStayRetryable(t *testing.T) {
	err := asActivityError(util.Persistence("save", errors.New("connection reset")))
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.False(t, appErr.NonRetryable())
	require.Equal(t, "persistence", appErr.Type())

	plain := errors.New("boom")
	require.Same(t, plain, asActivityError(plain))
	require.NoError(t, asActivityError(nil))
}

func TestMarkFailedRestoresCategory(t *testing.T) {
	a, store := newActivities(t, staticExtractor{})
	spec := pendingDocument(t, store)
	ctx := context.Background()
	require.NoError(t, a.AcceptActivity(ctx, spec))

	require.NoError(t, a.MarkFailedActivity(ctx, MarkFailedInput{DocumentID: "d1", OwnerID: "owner", Kind: "rate_limit", Reason: "daily AI usage limit exceeded"}))
	doc, err := store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.ProcessingStatus)
	require.Equal(t, "daily AI usage limit exceeded", doc.FailReason)

	require.True(t, errors.Is(remoteError{kind: "rate_limit"}, util.ErrDailyLimitExceeded))
	require.False(t, errors.Is(remoteError{kind: "external"}, util.ErrDailyLimitExceeded))
	require.False(t, errors.Is(remoteError{}, util.ErrValidation))
}

func TestSummarizeActivity(t *testing.T) {
	a, store := newActivities(t, staticExtractor{})
	ctx := context.Background()
	require.NoError(t, store.CreateDocument(ctx, models.Document{
		ID: "n1", OwnerID: "owner", Content: "remember the milk", ProcessingStatus: models.StatusCompleted,
		SummaryStatus: models.SummaryPending, Metadata: models.DocumentMetadata{Source: "note"},
	}))
	spec := jobs.Spec{Kind: jobs.KindSummarizeNote, DocumentID: "n1", OwnerID: "owner"}

	require.NoError(t, a.SummarizeActivity(ctx, spec))
	doc, err := store.GetDocument(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, models.SummaryCompleted, doc.SummaryStatus)

	err = a.SummarizeActivity(ctx, jobs.Spec{Kind: jobs.KindSummarizeNote, DocumentID: "n1", OwnerID: "intruder"})
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.True(t, appErr.NonRetryable())

	require.NoError(t, a.MarkSummaryFailedActivity(ctx, MarkFailedInput{DocumentID: "n1", OwnerID: "owner"}))
	doc, _ = store.GetDocument(ctx, "n1")
	require.Equal(t, models.SummaryFailed, doc.SummaryStatus)
}

func TestSweepStaleActivity(t *testing.T) {
	a, store := newActivities(t, staticExtractor{})
	ctx := context.Background()
	store.SetClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	spec := pendingDocument(t, store)
	require.NoError(t, a.AcceptActivity(ctx, spec))
	store.SetClock(time.Now)

	ids, err := a.SweepStaleActivity(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"d1"}, ids)
}
