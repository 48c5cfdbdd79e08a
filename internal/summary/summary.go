// Package summary produces the short bullet summary stored on a document.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/providers"
	"docflow/internal/util"
)

const promptPrefix = "Summarize the following note in 2-3 clear bullet points:\n\n"

type Store interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	SetSummaryStatus(ctx context.Context, id string, status models.SummaryStatus, summary *string) error
}

type Service struct {
	store        Store
	llm          providers.LLMProvider
	ledger       *ledger.Ledger
	contextChars int
	logger       *slog.Logger
}

type Option func(*Service)

func WithContextChars(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.contextChars = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(store Store, llm providers.LLMProvider, led *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		llm:          llm,
		ledger:       led,
		contextChars: 12000,
		logger:       slog.Default().With("component", "summary"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize generates and stores the summary of a document. Once the
// document has been found and its owner checked, any failure leaves the
// summary status at failed.
func (s *Service) Summarize(ctx context.Context, documentID, ownerID string) (string, error) {
	if err := s.ledger.CheckGate(ctx, ownerID); err != nil {
		s.markFailed(ctx, documentID, ownerID)
		return "", err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.OwnerID != ownerID {
		return "", fmt.Errorf("document %s: %w", documentID, util.ErrForbidden)
	}

	text, err := s.generate(ctx, doc)
	if err != nil {
		s.markFailed(ctx, doc.ID, ownerID)
		return "", err
	}
	s.logger.Info("summary stored", "document_id", doc.ID, "chars", len(text))
	return text, nil
}

func (s *Service) generate(ctx context.Context, doc models.Document) (string, error) {
	if err := s.store.SetSummaryStatus(ctx, doc.ID, models.SummaryProcessing, nil); err != nil {
		return "", util.Persistence("mark summary processing", err)
	}
	content := strings.TrimSpace(doc.Content)
	if content == "" {
		return "", util.ErrEmptyContent
	}

	started := time.Now()
	resp, info, err := s.llm.Generate(ctx, providers.GenerateRequest{
		Operation: "summary",
		Prompt:    promptPrefix + util.Truncate(content, s.contextChars),
	})
	if err != nil {
		return "", util.External("generate summary", err)
	}
	_, err = s.ledger.RecordUsage(ctx, ledger.UsageInput{
		OwnerID:          doc.OwnerID,
		DocumentID:       doc.ID,
		Feature:          models.FeatureNoteSummary,
		Mode:             models.ModeDirect,
		Operation:        models.OperationGeneration,
		Model:            info.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          time.Since(started),
	})
	if err != nil && !errors.Is(err, ledger.ErrUnknownModel) {
		return "", err
	}
	if err != nil {
		s.logger.Warn("usage not recorded", "document_id", doc.ID, "model", info.Model, "error", err)
	}

	text := strings.TrimSpace(resp.Text)
	if err := s.store.SetSummaryStatus(ctx, doc.ID, models.SummaryCompleted, &text); err != nil {
		return "", util.Persistence("store summary", err)
	}
	return text, nil
}

// MarkFailed records a summary failure decided outside Summarize, such as
// an exhausted retry budget.
func (s *Service) MarkFailed(ctx context.Context, documentID, ownerID string) {
	s.markFailed(ctx, documentID, ownerID)
}

func (s *Service) markFailed(ctx context.Context, documentID, ownerID string) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil || doc.OwnerID != ownerID {
		return
	}
	if err := s.store.SetSummaryStatus(ctx, documentID, models.SummaryFailed, nil); err != nil {
		s.logger.Error("summary status not updated", "document_id", documentID, "error", err)
	}
}
