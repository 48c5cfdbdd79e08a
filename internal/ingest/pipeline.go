package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"docflow/internal/embedding"
	"docflow/internal/extract"
	"docflow/internal/jobs"
	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/util"
)

// DocumentStore is the document persistence the pipeline needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, d models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	UpdateStatus(ctx context.Context, id string, from []models.ProcessingStatus, to models.ProcessingStatus, u models.StatusUpdate) (bool, error)
	ListStale(ctx context.Context, before time.Time) ([]models.Document, error)
}

// ChunkStore persists embedded chunks.
type ChunkStore interface {
	SaveEmbeddedBatch(ctx context.Context, documentID string, chunks []models.Chunk, usage []models.UsageRecord) error
	ChunkIndexes(ctx context.Context, documentID string) ([]int, error)
	CountChunks(ctx context.Context, documentID string) (int, error)
}

type Store interface {
	DocumentStore
	ChunkStore
}

type Extractor interface {
	Extract(ctx context.Context, data []byte) (extract.Result, error)
}

type Embedder interface {
	EmbedEach(ctx context.Context, texts []string, sink embedding.Sink) error
}

// EmbedReport summarises one run of the embed stage.
type EmbedReport struct {
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
}

// Pipeline holds the ingestion stages. Every stage is safe to repeat: it
// either finds its work already done or redoes it without duplicating rows.
type Pipeline struct {
	store        Store
	extractor    Extractor
	ledger       *ledger.Ledger
	embedder     Embedder
	chunkSize    int
	chunkOverlap int
	readFile     func(string) ([]byte, error)
	now          func() time.Time
	logger       *slog.Logger
}

type PipelineOption func(*Pipeline)

func WithChunking(size, overlap int) PipelineOption {
	return func(p *Pipeline) {
		p.chunkSize, p.chunkOverlap = size, overlap
	}
}

func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(store Store, extractor Extractor, led *ledger.Ledger, embedder Embedder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:        store,
		extractor:    extractor,
		ledger:       led,
		embedder:     embedder,
		chunkSize:    500,
		chunkOverlap: 100,
		readFile:     os.ReadFile,
		now:          time.Now,
		logger:       slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status reads the persisted processing status of a document.
func (p *Pipeline) Status(ctx context.Context, documentID string) (models.ProcessingStatus, error) {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	return doc.ProcessingStatus, nil
}

// Gate refuses to start paid work for an owner over the daily cap.
func (p *Pipeline) Gate(ctx context.Context, job jobs.Spec) error {
	return p.ledger.CheckGate(ctx, job.OwnerID)
}

func (p *Pipeline) Accept(ctx context.Context, job jobs.Spec) error {
	return p.apply(ctx, job.DocumentID, EventAccepted, models.StatusUpdate{})
}

// Extract reads the upload and returns its text layer.
func (p *Pipeline) Extract(ctx context.Context, job jobs.Spec) (extract.Result, error) {
	data := job.FileBytes
	if len(data) == 0 {
		b, err := p.readFile(job.FilePath)
		if err != nil {
			return extract.Result{}, util.Persistence("read upload", err)
		}
		data = b
	}
	res, err := p.extractor.Extract(ctx, data)
	if err != nil {
		return extract.Result{}, err
	}
	p.logger.Info("text extracted", "document_id", job.DocumentID, "chars", len(res.Text), "pages", res.PageCount)
	return res, nil
}

// Persist stores the extracted text and moves the document to embedding.
func (p *Pipeline) Persist(ctx context.Context, job jobs.Spec, res extract.Result) error {
	text := util.SanitizeText(res.Text)
	pages := res.PageCount
	return p.apply(ctx, job.DocumentID, EventExtracted, models.StatusUpdate{Content: &text, PageCount: &pages})
}

// Chunk reports how many chunks the persisted content splits into.
func (p *Pipeline) Chunk(ctx context.Context, job jobs.Spec) (int, error) {
	doc, err := p.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return 0, err
	}
	chunks, err := util.ChunkWords(doc.Content, p.chunkSize, p.chunkOverlap)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Embed embeds every chunk not stored yet. Each batch is saved together
// with the usage records of its calls.
func (p *Pipeline) Embed(ctx context.Context, job jobs.Spec) (EmbedReport, error) {
	doc, err := p.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return EmbedReport{}, err
	}
	if doc.ProcessingStatus == models.StatusCompleted {
		return EmbedReport{}, nil
	}
	if doc.ProcessingStatus != models.StatusEmbedding {
		return EmbedReport{}, fmt.Errorf("%w: %s is %s", util.ErrStatusConflict, doc.ID, doc.ProcessingStatus)
	}

	chunks, err := util.ChunkWords(doc.Content, p.chunkSize, p.chunkOverlap)
	if err != nil {
		return EmbedReport{}, err
	}
	stored, err := p.store.ChunkIndexes(ctx, doc.ID)
	if err != nil {
		return EmbedReport{}, util.Persistence("list stored chunks", err)
	}

	indexes := make([]int, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	for i, text := range chunks {
		if _, found := slices.BinarySearch(stored, i); found {
			continue
		}
		indexes = append(indexes, i)
		texts = append(texts, text)
	}
	report := EmbedReport{Chunks: len(chunks), Skipped: len(chunks) - len(texts)}
	if len(texts) == 0 {
		return report, nil
	}

	err = p.embedder.EmbedEach(ctx, texts, func(ctx context.Context, offset int, results []embedding.Result) error {
		batch := make([]models.Chunk, 0, len(results))
		usage := make([]models.UsageRecord, 0, len(results))
		for j, r := range results {
			idx := indexes[offset+j]
			text := texts[offset+j]
			batch = append(batch, models.Chunk{
				ID:         util.ChunkID(doc.ID, idx, text),
				DocumentID: doc.ID,
				OwnerID:    doc.OwnerID,
				Index:      idx,
				Text:       text,
				Embedding:  r.Vector,
				CreatedAt:  p.now(),
			})
			rec, err := p.ledger.NewRecord(ledger.UsageInput{
				ID:           util.UsageID(doc.ID, models.OperationEmbedding, idx),
				OwnerID:      doc.OwnerID,
				DocumentID:   doc.ID,
				Feature:      models.FeaturePDFUpload,
				Mode:         models.ModeRAG,
				Operation:    models.OperationEmbedding,
				Model:        r.Model,
				PromptTokens: r.Tokens,
				Latency:      r.Latency,
			})
			if err != nil {
				return err
			}
			usage = append(usage, rec)
		}
		if err := p.store.SaveEmbeddedBatch(ctx, doc.ID, batch, usage); err != nil {
			if errors.Is(err, util.ErrValidation) {
				return err
			}
			return util.Persistence("save embedded batch", err)
		}
		report.Embedded += len(batch)
		return nil
	})
	if err != nil {
		p.logger.Warn("embedding stopped", "document_id", doc.ID, "embedded", report.Embedded, "pending", len(texts)-report.Embedded, "error", err)
		return report, err
	}
	p.logger.Info("chunks embedded", "document_id", doc.ID, "chunks", report.Chunks, "embedded", report.Embedded, "skipped", report.Skipped)
	return report, nil
}

// Complete marks the document searchable and resets its summary status.
func (p *Pipeline) Complete(ctx context.Context, job jobs.Spec) error {
	return p.apply(ctx, job.DocumentID, EventEmbedded, models.StatusUpdate{ResetSummary: true})
}

// MarkFailed fails the document with the event that matches its current
// status. Over-limit failures always abort. A document that already reached
// a terminal status is left alone.
func (p *Pipeline) MarkFailed(ctx context.Context, documentID string, cause error) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.ProcessingStatus.Terminal() {
		return nil
	}
	ev := failureEvent(doc.ProcessingStatus)
	if errors.Is(cause, util.ErrDailyLimitExceeded) {
		ev = EventAborted
	}
	reason := "processing failed"
	if cause != nil {
		reason = cause.Error()
	}
	p.logger.Warn("document failed", "document_id", documentID, "event", ev, "reason", reason)
	return p.apply(ctx, documentID, ev, models.StatusUpdate{FailReason: reason})
}

// Run drives a job through every stage still outstanding for the document,
// resuming from its persisted status. Permanent failures mark the document
// failed before returning; retryable ones are left to the caller's retry
// budget and its dead-letter hook.
func (p *Pipeline) Run(ctx context.Context, job jobs.Spec) (models.ProcessingStatus, error) {
	doc, err := p.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return "", err
	}
	if doc.ProcessingStatus.Terminal() {
		return doc.ProcessingStatus, nil
	}

	status, err := p.runStages(ctx, job, doc.ProcessingStatus)
	if err == nil {
		return status, nil
	}
	if !util.Retryable(err) {
		if ferr := p.MarkFailed(ctx, job.DocumentID, err); ferr != nil {
			return "", errors.Join(err, ferr)
		}
		return models.StatusFailed, err
	}
	return status, err
}

func (p *Pipeline) runStages(ctx context.Context, job jobs.Spec, status models.ProcessingStatus) (models.ProcessingStatus, error) {
	if err := p.Gate(ctx, job); err != nil {
		return status, err
	}
	if status == models.StatusPending {
		if err := p.Accept(ctx, job); err != nil {
			return status, err
		}
		status = models.StatusProcessing
	}
	if status == models.StatusProcessing {
		res, err := p.Extract(ctx, job)
		if err != nil {
			return status, err
		}
		if err := p.Persist(ctx, job, res); err != nil {
			return status, err
		}
		status = models.StatusEmbedding
	}
	n, err := p.Chunk(ctx, job)
	if err != nil {
		return status, err
	}
	p.logger.Debug("content chunked", "document_id", job.DocumentID, "chunks", n)
	if _, err := p.Embed(ctx, job); err != nil {
		return status, err
	}
	if err := p.Complete(ctx, job); err != nil {
		return status, err
	}
	return models.StatusCompleted, nil
}

// SweepStale fails documents that have sat in a non-terminal status for
// longer than olderThan. It returns the ids it failed.
func (p *Pipeline) SweepStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	stale, err := p.store.ListStale(ctx, p.now().Add(-olderThan))
	if err != nil {
		return nil, util.Persistence("list stale documents", err)
	}
	failed := make([]string, 0, len(stale))
	for _, d := range stale {
		reason := fmt.Sprintf("processing timed out after %s in %s", olderThan, d.ProcessingStatus)
		if err := p.apply(ctx, d.ID, EventAborted, models.StatusUpdate{FailReason: reason}); err != nil {
			// The job may have moved on between the listing and the update.
			p.logger.Warn("stale sweep skipped document", "document_id", d.ID, "error", err)
			continue
		}
		failed = append(failed, d.ID)
	}
	if len(failed) > 0 {
		p.logger.Info("stale documents failed", "count", len(failed))
	}
	return failed, nil
}

func (p *Pipeline) apply(ctx context.Context, documentID string, ev Event, u models.StatusUpdate) error {
	changed, err := p.store.UpdateStatus(ctx, documentID, Sources(ev), Target(ev), u)
	if err != nil {
		if errors.Is(err, util.ErrStatusConflict) {
			return fmt.Errorf("%w: %w", ErrIllegalTransition, err)
		}
		if errors.Is(err, util.ErrNotFound) {
			return err
		}
		return util.Persistence("update status", err)
	}
	if changed {
		p.logger.Debug("status changed", "document_id", documentID, "event", ev, "to", Target(ev))
	}
	return nil
}
