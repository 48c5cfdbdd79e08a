package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/providers"
	"docflow/internal/storage/memstore"
	"docflow/internal/util"

	"github.com/stretchr/testify/require"
)

type failingLLM struct{ err error }

func (f failingLLM) Generate(context.Context, providers.GenerateRequest) (providers.GenerateResponse, providers.ProviderInfo, error) {
	return providers.GenerateResponse{}, providers.ProviderInfo{Model: providers.MockLLMModel}, f.err
}

type promptRecorder struct {
	*providers.MockProvider
	prompt string
}

func (p *promptRecorder) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, providers.ProviderInfo, error) {
	p.prompt = req.Prompt
	return p.MockProvider.Generate(ctx, req)
}

func seed(t *testing.T, store *memstore.Store, content string) {
	t.Helper()
	require.NoError(t, store.CreateDocument(context.Background(), models.Document{
		ID: "n1", OwnerID: "owner", Content: content,
		ProcessingStatus: models.StatusCompleted, SummaryStatus: models.SummaryPending,
		Metadata: models.DocumentMetadata{Source: "note"},
	}))
}

func TestSummarizeStoresSummaryAndUsage(t *testing.T) {
	store := memstore.New()
	seed(t, store, "Meeting moved to Thursday. Bring the budget draft.")
	llm := &promptRecorder{MockProvider: providers.NewMockProvider(8)}
	svc := New(store, llm, ledger.New(store, ledger.WithLocation(time.UTC)))

	text, err := svc.Summarize(context.Background(), "n1", "owner")
	require.NoError(t, err)
	require.Equal(t, "- Mock summary point one.\n- Mock summary point two.", text)
	require.Equal(t, "Summarize the following note in 2-3 clear bullet points:\n\nMeeting moved to Thursday. Bring the budget draft.", llm.prompt)

	doc, err := store.GetDocument(context.Background(), "n1")
	require.NoError(t, err)
	require.Equal(t, models.SummaryCompleted, doc.SummaryStatus)
	require.Equal(t, text, doc.Summary)

	usage := store.UsageRecords()
	require.Len(t, usage, 1)
	require.Equal(t, models.FeatureNoteSummary, usage[0].Feature)
	require.Equal(t, models.ModeDirect, usage[0].Mode)
	require.Equal(t, models.OperationGeneration, usage[0].Operation)
	require.Equal(t, "n1", usage[0].DocumentID)
}

func TestSummarizeFailureMarksFailed(t *testing.T) {
	store := memstore.New()
	seed(t, store, "content")
	svc := New(store, failingLLM{err: errors.New("503 upstream")}, ledger.New(store))

	_, err := svc.Summarize(context.Background(), "n1", "owner")
	require.ErrorIs(t, err, util.ErrExternalCall)

	doc, err := store.GetDocument(context.Background(), "n1")
	require.NoError(t, err)
	require.Equal(t, models.SummaryFailed, doc.SummaryStatus)
	require.Empty(t, store.UsageRecords())
}

func TestSummarizeChecksOwnerAndGate(t *testing.T) {
	store := memstore.New()
	seed(t, store, "content")
	svc := New(store, providers.NewMockProvider(8), ledger.New(store, ledger.WithLocation(time.UTC)))
	ctx := context.Background()

	_, err := svc.Summarize(ctx, "n1", "intruder")
	require.ErrorIs(t, err, util.ErrForbidden)
	doc, _ := store.GetDocument(ctx, "n1")
	require.Equal(t, models.SummaryPending, doc.SummaryStatus)

	_, err = svc.Summarize(ctx, "missing", "owner")
	require.ErrorIs(t, err, util.ErrNotFound)

	require.NoError(t, store.InsertUsage(ctx, models.UsageRecord{ID: "u", OwnerID: "owner", CostUSD: 2, CreatedAt: time.Now()}))
	_, err = svc.Summarize(ctx, "n1", "owner")
	require.ErrorIs(t, err, util.ErrDailyLimitExceeded)
	doc, _ = store.GetDocument(ctx, "n1")
	require.Equal(t, models.SummaryFailed, doc.SummaryStatus)
}

func TestSummarizeEmptyContent(t *testing.T) {
	store := memstore.New()
	seed(t, store, "")
	svc := New(store, providers.NewMockProvider(8), ledger.New(store))

	_, err := svc.Summarize(context.Background(), "n1", "owner")
	require.ErrorIs(t, err, util.ErrEmptyContent)
	doc, _ := store.GetDocument(context.Background(), "n1")
	require.Equal(t, models.SummaryFailed, doc.SummaryStatus)
}
