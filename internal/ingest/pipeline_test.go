package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"docflow/internal/embedding"
	"docflow/internal/extract"
	"docflow/internal/jobs"
	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/providers"
	"docflow/internal/storage/memstore"
	"docflow/internal/util"

	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

type fakeExtractor struct {
	res   extract.Result
	err   error
	calls atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, _ []byte) (extract.Result, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return extract.Result{}, err
	}
	return f.res, f.err
}

// scriptedEmbedder delivers batches of size batch and fails when it reaches
// batch number failAt. failAt < 0 never fails.
type scriptedEmbedder struct {
	batch  int
	failAt int
	texts  int
}

func (e *scriptedEmbedder) EmbedEach(ctx context.Context, texts []string, sink embedding.Sink) error {
	for start, n := 0, 0; start < len(texts); start, n = start+e.batch, n+1 {
		if n == e.failAt {
			return &embedding.EmbeddingFailedError{Index: start, Cause: util.External("embed", errors.New("503 from provider"))}
		}
		end := min(start+e.batch, len(texts))
		results := make([]embedding.Result, 0, end-start)
		for range texts[start:end] {
			results = append(results, embedding.Result{Vector: []float32{1, 0, 0}, Tokens: 400, Model: "text-embedding-3-small", Latency: time.Millisecond})
		}
		if err := sink(ctx, start, results); err != nil {
			return err
		}
		e.texts += end - start
	}
	return nil
}

type fixture struct {
	store     *memstore.Store
	ledger    *ledger.Ledger
	extractor *fakeExtractor
	pipeline  *Pipeline
}

func newFixture(t *testing.T, embedder Embedder, opts ...PipelineOption) *fixture {
	t.Helper()
	store := memstore.New()
	led := ledger.New(store, ledger.WithLocation(time.UTC))
	ex := &fakeExtractor{res: extract.Result{Text: words(600), PageCount: 3}}
	opts = append([]PipelineOption{WithChunking(500, 100)}, opts...)
	return &fixture{store: store, ledger: led, extractor: ex, pipeline: NewPipeline(store, ex, led, embedder, opts...)}
}

func (f *fixture) seed(t *testing.T, id string, status models.ProcessingStatus) jobs.Spec {
	t.Helper()
	require.NoError(t, f.store.CreateDocument(context.Background(), models.Document{
		ID: id, OwnerID: "owner", Title: id, ProcessingStatus: status, SummaryStatus: models.SummaryProcessing,
	}))
	return jobs.Spec{Kind: jobs.KindProcessPDF, DocumentID: id, OwnerID: "owner", FileBytes: []byte("%PDF-1.4")}
}

func TestRunCompletesDocument(t *testing.T) {
	f := newFixture(t, &scriptedEmbedder{batch: 10, failAt: -1})
	job := f.seed(t, "d1", models.StatusPending)

	status, err := f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)

	doc, err := f.store.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, doc.ProcessingStatus)
	require.Equal(t, models.SummaryPending, doc.SummaryStatus)
	require.Equal(t, 3, doc.Metadata.PageCount)
	require.Equal(t, words(600), doc.Content)

	chunks := f.store.Chunks("d1")
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
		require.Equal(t, "owner", c.OwnerID)
	}
	usage := f.store.UsageRecords()
	require.Len(t, usage, 2)
	for _, u := range usage {
		require.Equal(t, models.FeaturePDFUpload, u.Feature)
		require.Equal(t, models.ModeRAG, u.Mode)
		require.Equal(t, models.OperationEmbedding, u.Operation)
		require.InDelta(t, 0.000008, u.CostUSD, 1e-12)
	}

	status, err = f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)
	require.Len(t, f.store.Chunks("d1"), 2)
}

func TestRunWithRealEmbeddingClient(t *testing.T) {
	client, err := embedding.New(providers.NewMockProvider(8), embedding.WithDimension(8))
	require.NoError(t, err)
	defer client.Release()

	f := newFixture(t, client)
	job := f.seed(t, "d1", models.StatusPending)
	status, err := f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)
	require.Len(t, f.store.Chunks("d1"), 2)
	require.Len(t, f.store.Chunks("d1")[0].Embedding, 8)
	require.Len(t, f.store.UsageRecords(), 2)
}

func TestIngestedChunkIsRetrievedByItsVector(t *testing.T) {
	client, err := embedding.New(providers.NewMockProvider(1536), embedding.WithDimension(1536))
	require.NoError(t, err)
	defer client.Release()

	f := newFixture(t, client)
	job := f.seed(t, "d1", models.StatusPending)
	status, err := f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)

	chunks := f.store.Chunks("d1")
	require.Len(t, chunks, 2)
	require.Len(t, chunks[1].Embedding, 1536)
	require.True(t, strings.HasPrefix(chunks[1].Text, "w400 "))
	require.True(t, strings.HasSuffix(chunks[1].Text, " w599"))

	results, err := f.store.Retrieve(context.Background(), "d1", "owner", chunks[1].Embedding, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, results[0].Index)
	require.Greater(t, results[0].Score, 0.2)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestRunFailsWhenNoTextExtracted(t *testing.T) {
	f := newFixture(t, &scriptedEmbedder{batch: 10, failAt: -1})
	f.extractor.err = util.ErrNoExtractableText
	job := f.seed(t, "d1", models.StatusPending)

	status, err := f.pipeline.Run(context.Background(), job)
	require.ErrorIs(t, err, util.ErrNoExtractableText)
	require.Equal(t, models.StatusFailed, status)

	doc, err := f.store.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.ProcessingStatus)
	require.Contains(t, doc.FailReason, "no extractable text")
	require.Empty(t, f.store.Chunks("d1"))
	require.Empty(t, f.store.UsageRecords())
}

func TestRunAbortsOverDailyLimit(t *testing.T) {
	f := newFixture(t, &scriptedEmbedder{batch: 10, failAt: -1})
	require.NoError(t, f.store.InsertUsage(context.Background(), models.UsageRecord{
		ID: "spent", OwnerID: "owner", CostUSD: 1.0, CreatedAt: time.Now(),
	}))
	job := f.seed(t, "d1", models.StatusPending)

	status, err := f.pipeline.Run(context.Background(), job)
	require.ErrorIs(t, err, util.ErrDailyLimitExceeded)
	require.Equal(t, models.StatusFailed, status)
	require.Zero(t, f.extractor.calls.Load())

	doc, err := f.store.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.ProcessingStatus)
	require.Contains(t, doc.FailReason, "daily AI usage limit")
}

func TestEmbedFailureResumesWithoutDuplicates(t *testing.T) {
	// 10-word windows with no overlap over 600 words give 60 chunks, six batches.
	failing := &scriptedEmbedder{batch: 10, failAt: 3}
	f := newFixture(t, failing, WithChunking(10, 0))
	job := f.seed(t, "d1", models.StatusPending)

	status, err := f.pipeline.Run(context.Background(), job)
	require.Error(t, err)
	require.True(t, util.Retryable(err))
	var failed *embedding.EmbeddingFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, 30, failed.Index)
	require.Equal(t, models.StatusEmbedding, status)
	require.Len(t, f.store.Chunks("d1"), 30)
	require.Len(t, f.store.UsageRecords(), 30)

	doc, err := f.store.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, models.StatusEmbedding, doc.ProcessingStatus)

	resumed := &scriptedEmbedder{batch: 10, failAt: -1}
	f.pipeline.embedder = resumed
	status, err = f.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)
	require.Equal(t, 30, resumed.texts)
	require.Equal(t, int32(1), f.extractor.calls.Load())

	chunks := f.store.Chunks("d1")
	require.Len(t, chunks, 60)
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
	}
	require.Len(t, f.store.UsageRecords(), 60)
}

func TestEmbedRefusesWrongState(t *testing.T) {
	f := newFixture(t, &scriptedEmbedder{batch: 10, failAt: -1})
	job := f.seed(t, "d1", models.StatusProcessing)
	_, err := f.pipeline.Embed(context.Background(), job)
	require.ErrorIs(t, err, util.ErrStatusConflict)
	require.Empty(t, f.store.Chunks("d1"))
}

func TestStagesAreIdempotent(t *testing.T) {
	f := newFixture(t, &scriptedEmbedder{batch: 10, failAt: -1})
	job := f.seed(t, "d1", models.StatusPending)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Accept(ctx, job))
	require.NoError(t, f.pipeline.Accept(ctx, job))

	res, err := f.pipeline.Extract(ctx, job)
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Persist(ctx, job, res))
	require.NoError(t, f.pipeline.Persist(ctx, job, res))

	n, err := f.pipeline.Chunk(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	report, err := f.pipeline.Embed(ctx, job)
	require.NoError(t, err)
	require.Equal(t, EmbedReport{Chunks: 2, Embedded: 2}, report)
	report, err = f.pipeline.Embed(ctx, job)
	require.NoError(t, err)
	require.Equal(t, EmbedReport{Chunks: 2, Skipped: 2}, report)

	require.NoError(t, f.pipeline.Complete(ctx, job))
	require.NoError(t, f.pipeline.Complete(ctx, job))

	err = f.pipeline.Accept(ctx, job)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMarkFailedPicksEventFromStatus(t *testing.T) {
	f := newFixture(t, &scriptedEmbedder{batch: 10, failAt: -1})
	ctx := context.Background()
	f.seed(t, "embedding", models.StatusEmbedding)
	f.seed(t, "done", models.StatusCompleted)

	require.NoError(t, f.pipeline.MarkFailed(ctx, "embedding", errors.New("gave up after 3 attempts")))
	doc, err := f.store.GetDocument(ctx, "embedding")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.ProcessingStatus)
	require.Equal(t, "gave up after 3 attempts", doc.FailReason)

	require.NoError(t, f.pipeline.MarkFailed(ctx, "done", errors.New("late")))
	doc, err = f.store.GetDocument(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, doc.ProcessingStatus)
}

func TestSweepStale(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, &scriptedEmbedder{batch: 10, failAt: -1}, WithPipelineClock(func() time.Time { return base.Add(time.Hour) }))
	f.store.SetClock(func() time.Time { return base })
	f.seed(t, "stuck", models.StatusEmbedding)
	f.store.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	f.seed(t, "queued", models.StatusPending)
	f.store.SetClock(func() time.Time { return base.Add(50 * time.Minute) })
	f.seed(t, "recent", models.StatusProcessing)

	failed, err := f.pipeline.SweepStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"stuck", "queued"}, failed)

	doc, err := f.store.GetDocument(context.Background(), "stuck")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.ProcessingStatus)
	require.Contains(t, doc.FailReason, "timed out")
	doc, err = f.store.GetDocument(context.Background(), "queued")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, doc.ProcessingStatus)
	require.Contains(t, doc.FailReason, "in pending")
	doc, err = f.store.GetDocument(context.Background(), "recent")
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, doc.ProcessingStatus)
}
