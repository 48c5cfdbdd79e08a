package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docflow/internal/ledger"
	"docflow/internal/memory"
	"docflow/internal/models"
	"docflow/internal/providers"
	"docflow/internal/util"
)

const (
	NoRelevantAnswer = "I couldn't find relevant information in this document to answer your question. Please try rephrasing or asking something else about the document."

	ragSystemPrompt = "You are a helpful assistant. Answer questions based ONLY on the provided context. If the answer is not in the context, say 'I don't have enough information in this document to answer that question.'"

	chunkSeparator = "\n\n---\n\n"

	DefaultRelevanceFloor = 0.2
	DefaultContextChars   = 12000
	ragMaxTokens          = 500
	ragTemperature        = 0.7
)

type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, documentID, ownerID string, query []float32, k, candidatePool int) ([]models.ChunkResult, error)
}

type Request struct {
	DocumentID string
	OwnerID    string
	Question   string
	// Mode is models.ModeDirect or models.ModeRAG. Empty picks rag for
	// uploaded documents and direct for notes.
	Mode string
}

type Result struct {
	Answer     string               `json:"answer"`
	ChunksUsed int                  `json:"chunks_used"`
	Mode       string               `json:"mode"`
	Sources    []models.ChunkResult `json:"sources,omitempty"`
}

// Service answers questions about one document at a time.
type Service struct {
	docs          DocumentReader
	retriever     Retriever
	embedder      providers.EmbeddingProvider
	llm           providers.StreamingLLMProvider
	ledger        *ledger.Ledger
	memory        *memory.Memory
	topK          int
	candidatePool int
	floor         float64
	contextChars  int
	embedDim      int
	logger        *slog.Logger
}

type Option func(*Service)

func WithRetrieval(topK, candidatePool int, floor float64) Option {
	return func(s *Service) {
		if topK > 0 {
			s.topK = topK
		}
		if candidatePool > 0 {
			s.candidatePool = candidatePool
		}
		if floor >= 0 {
			s.floor = floor
		}
	}
}

func WithContextChars(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.contextChars = n
		}
	}
}

func WithEmbedDimension(dim int) Option {
	return func(s *Service) { s.embedDim = dim }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(docs DocumentReader, retriever Retriever, embedder providers.EmbeddingProvider, llm providers.StreamingLLMProvider,
	led *ledger.Ledger, mem *memory.Memory, opts ...Option) *Service {
	s := &Service{
		docs:          docs,
		retriever:     retriever,
		embedder:      embedder,
		llm:           llm,
		ledger:        led,
		memory:        mem,
		topK:          5,
		candidatePool: 50,
		floor:         DefaultRelevanceFloor,
		contextChars:  DefaultContextChars,
		logger:        slog.Default().With("component", "answer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// prepared is everything gathered before the generation call.
type prepared struct {
	req     Request
	doc     models.Document
	mode    string
	feature string
	gen     providers.GenerateRequest
	sources []models.ChunkResult
	// canned is set when retrieval found nothing relevant; no generation
	// call is made.
	canned bool
}

func (s *Service) Answer(ctx context.Context, req Request) (Result, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if p.canned {
		return s.finishCanned(ctx, p)
	}

	started := time.Now()
	resp, info, err := s.llm.Generate(ctx, p.gen)
	if err != nil {
		return Result{}, util.External("generate answer", err)
	}
	s.record(ctx, p, models.OperationGeneration, info.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, time.Since(started))

	answer := strings.TrimSpace(resp.Text)
	if _, err := s.memory.Append(ctx, p.doc.ID, p.req.OwnerID, p.req.Question, answer); err != nil {
		s.logger.Warn("memory not saved", "document_id", p.doc.ID, "error", err)
	}
	return Result{Answer: answer, ChunksUsed: len(p.sources), Mode: p.mode, Sources: p.sources}, nil
}

// ClearHistory forgets the conversation on a document.
func (s *Service) ClearHistory(ctx context.Context, documentID, ownerID string) error {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != ownerID {
		return fmt.Errorf("document %s: %w", documentID, util.ErrForbidden)
	}
	return s.memory.Clear(ctx, doc.ID)
}

func (s *Service) prepare(ctx context.Context, req Request) (prepared, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return prepared{}, util.ErrInvalidQuestion
	}
	doc, err := s.docs.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return prepared{}, err
	}
	if doc.OwnerID != req.OwnerID {
		return prepared{}, fmt.Errorf("document %s: %w", req.DocumentID, util.ErrForbidden)
	}
	if doc.ProcessingStatus != models.StatusCompleted {
		return prepared{}, fmt.Errorf("%w: %s is %s", util.ErrStatusConflict, doc.ID, doc.ProcessingStatus)
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeDirect
		if doc.Metadata.Source == "upload" {
			mode = models.ModeRAG
		}
	}
	if mode != models.ModeDirect && mode != models.ModeRAG {
		return prepared{}, fmt.Errorf("%w: unsupported answer mode %q", util.ErrValidation, mode)
	}
	if err := s.ledger.CheckGate(ctx, req.OwnerID); err != nil {
		return prepared{}, err
	}

	turns, err := s.memory.Recent(ctx, doc.ID, req.OwnerID)
	if err != nil {
		s.logger.Warn("memory unavailable", "document_id", doc.ID, "error", err)
	}
	history := memory.Format(turns)

	p := prepared{req: req, doc: doc, mode: mode}
	if mode == models.ModeDirect {
		p.feature = models.FeatureNoteQuestion
		if strings.TrimSpace(doc.Content) == "" {
			return prepared{}, util.ErrEmptyContent
		}
		p.gen = providers.GenerateRequest{
			Operation: "note-question",
			Prompt:    directPrompt(util.Truncate(doc.Content, s.contextChars), history, req.Question),
		}
		return p, nil
	}

	p.feature = models.FeaturePDFQuestion
	started := time.Now()
	emb, info, err := s.embedder.Embed(ctx, providers.EmbedRequest{
		Operation: models.OperationEmbedding,
		Inputs:    []string{req.Question},
		Dimension: s.embedDim,
	})
	if err != nil {
		return prepared{}, util.External("embed question", err)
	}
	if len(emb.Vectors) != 1 {
		return prepared{}, util.External("embed question", fmt.Errorf("got %d vectors for 1 input", len(emb.Vectors)))
	}
	s.record(ctx, p, models.OperationEmbedding, info.Model, emb.Usage.PromptTokens, 0, time.Since(started))

	chunks, err := s.retriever.Retrieve(ctx, doc.ID, req.OwnerID, emb.Vectors[0], s.topK, s.candidatePool)
	if err != nil {
		return prepared{}, util.Persistence("retrieve chunks", err)
	}
	if len(chunks) == 0 || chunks[0].Score < s.floor {
		s.logger.Info("no relevant chunks", "document_id", doc.ID, "retrieved", len(chunks))
		p.canned = true
		return p, nil
	}
	p.sources = chunks
	p.gen = providers.GenerateRequest{
		Operation:   "pdf-question",
		System:      ragSystemPrompt,
		Prompt:      ragPrompt(chunks, history, req.Question),
		MaxTokens:   ragMaxTokens,
		Temperature: ragTemperature,
	}
	return p, nil
}

func (s *Service) finishCanned(ctx context.Context, p prepared) (Result, error) {
	if _, err := s.memory.Append(ctx, p.doc.ID, p.req.OwnerID, p.req.Question, NoRelevantAnswer); err != nil {
		s.logger.Warn("memory not saved", "document_id", p.doc.ID, "error", err)
	}
	return Result{Answer: NoRelevantAnswer, Mode: p.mode}, nil
}

func (s *Service) record(ctx context.Context, p prepared, operation, model string, promptTokens, completionTokens int, latency time.Duration) {
	_, err := s.ledger.RecordUsage(ctx, ledger.UsageInput{
		OwnerID:          p.req.OwnerID,
		DocumentID:       p.doc.ID,
		Feature:          p.feature,
		Mode:             p.mode,
		Operation:        operation,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Latency:          latency,
	})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ledger.ErrUnknownModel) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "usage not recorded", "document_id", p.doc.ID, "operation", operation, "model", model, "error", err)
	}
}

func directPrompt(content, history, question string) string {
	return "Based on this note:\n\n" + content + "\n\n" + history + "Answer this question: " + question
}

// FormatContext renders retrieved chunks as numbered context blocks.
func FormatContext(chunks []models.ChunkResult) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("[Chunk %d]\n%s", i+1, c.Text)
	}
	return strings.Join(parts, chunkSeparator)
}

func ragPrompt(chunks []models.ChunkResult, history, question string) string {
	return "CONTEXT:\n" + FormatContext(chunks) + "\n\n" + history + "QUESTION:\n" + question
}
