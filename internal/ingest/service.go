package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docflow/internal/jobs"
	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/util"

	"github.com/google/uuid"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	// Uploads at most this large travel inside the job payload.
	InlineBytesLimit = 256 << 10
)

var pdfMagic = []byte("%PDF")

type SubmitRequest struct {
	OwnerID  string
	FileName string
	Title    string
	Data     []byte
}

type SubmitResult struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
}

type NoteRequest struct {
	OwnerID string
	Title   string
	Content string
}

type StatusReport struct {
	DocumentID       string                  `json:"document_id"`
	ProcessingStatus models.ProcessingStatus `json:"processing_status"`
	SummaryStatus    models.SummaryStatus    `json:"summary_status"`
	FailReason       string                  `json:"fail_reason,omitempty"`
	PageCount        int                     `json:"page_count"`
	ChunkCount       int                     `json:"chunk_count"`
}

// ServiceStore adds the owner-facing edits to the pipeline store.
type ServiceStore interface {
	Store
	UpdateDocument(ctx context.Context, id, ownerID string, edit models.DocumentEdit) (models.Document, error)
	DeleteDocument(ctx context.Context, id, ownerID string) error
}

// Service accepts uploads and reports their progress.
type Service struct {
	store    ServiceStore
	ledger   *ledger.Ledger
	queue    jobs.Queue
	dataRoot string
	maxBytes int64
	now      func() time.Time
	logger   *slog.Logger
}

type ServiceOption func(*Service)

func WithMaxUploadBytes(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(store ServiceStore, led *ledger.Ledger, queue jobs.Queue, dataRoot string, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		ledger:   led,
		queue:    queue,
		dataRoot: dataRoot,
		maxBytes: DefaultMaxUploadBytes,
		now:      time.Now,
		logger:   slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates an upload, records the document as pending and queues
// its processing.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := s.validateUpload(req); err != nil {
		return SubmitResult{}, err
	}
	if err := s.ledger.CheckGate(ctx, req.OwnerID); err != nil {
		return SubmitResult{}, err
	}

	now := s.now()
	doc := models.Document{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Title:            titleFor(req),
		ProcessingStatus: models.StatusPending,
		SummaryStatus:    models.SummaryPending,
		Metadata: models.DocumentMetadata{
			FileName:   filepath.Base(req.FileName),
			FileSize:   int64(len(req.Data)),
			UploadedAt: now,
			Source:     "upload",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	path := filepath.Join(util.SafeJoin(s.dataRoot, req.OwnerID), doc.ID+".pdf")
	if err := util.WriteFileAtomic(path, req.Data); err != nil {
		return SubmitResult{}, util.Persistence("spill upload", err)
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return SubmitResult{}, util.Persistence("create document", err)
	}

	spec := jobs.Spec{Kind: jobs.KindProcessPDF, DocumentID: doc.ID, OwnerID: doc.OwnerID, FilePath: path}
	if len(req.Data) <= InlineBytesLimit {
		spec.FileBytes = req.Data
	}
	jobID, err := s.queue.Enqueue(ctx, spec)
	if err != nil {
		if _, ferr := s.store.UpdateStatus(ctx, doc.ID, Sources(EventAborted), models.StatusFailed,
			models.StatusUpdate{FailReason: "could not queue processing: " + err.Error()}); ferr != nil {
			s.logger.Error("failed to mark unqueued document", "document_id", doc.ID, "error", ferr)
		}
		return SubmitResult{}, fmt.Errorf("enqueue processing: %w", err)
	}
	s.logger.Info("document submitted", "document_id", doc.ID, "owner_id", doc.OwnerID, "bytes", len(req.Data), "job_id", jobID)
	return SubmitResult{DocumentID: doc.ID, JobID: jobID}, nil
}

// CreateNote stores a plain text note, which needs no ingestion, and queues
// its summary.
func (s *Service) CreateNote(ctx context.Context, req NoteRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return SubmitResult{}, fmt.Errorf("%w: owner is required", util.ErrValidation)
	}
	content := util.SanitizeText(req.Content)
	if content == "" {
		return SubmitResult{}, util.ErrEmptyContent
	}
	now := s.now()
	doc := models.Document{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Title:            strings.TrimSpace(req.Title),
		Content:          content,
		ProcessingStatus: models.StatusCompleted,
		SummaryStatus:    models.SummaryPending,
		Metadata:         models.DocumentMetadata{Source: "note"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return SubmitResult{}, util.Persistence("create note", err)
	}
	jobID, err := s.queue.Enqueue(ctx, jobs.Spec{Kind: jobs.KindSummarizeNote, DocumentID: doc.ID, OwnerID: doc.OwnerID})
	if err != nil {
		s.logger.Warn("summary not queued", "document_id", doc.ID, "error", err)
		return SubmitResult{DocumentID: doc.ID}, nil
	}
	return SubmitResult{DocumentID: doc.ID, JobID: jobID}, nil
}

func (s *Service) Status(ctx context.Context, documentID, ownerID string) (StatusReport, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return StatusReport{}, err
	}
	if doc.OwnerID != ownerID {
		return StatusReport{}, fmt.Errorf("document %s: %w", documentID, util.ErrForbidden)
	}
	n, err := s.store.CountChunks(ctx, documentID)
	if err != nil {
		return StatusReport{}, util.Persistence("count chunks", err)
	}
	return StatusReport{
		DocumentID:       doc.ID,
		ProcessingStatus: doc.ProcessingStatus,
		SummaryStatus:    doc.SummaryStatus,
		FailReason:       doc.FailReason,
		PageCount:        doc.Metadata.PageCount,
		ChunkCount:       n,
	}, nil
}

// RequestSummary queues a fresh summary of a document the caller owns.
func (s *Service) RequestSummary(ctx context.Context, documentID, ownerID string) (string, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.OwnerID != ownerID {
		return "", fmt.Errorf("document %s: %w", documentID, util.ErrForbidden)
	}
	if doc.ProcessingStatus != models.StatusCompleted {
		return "", fmt.Errorf("%w: %s is %s", util.ErrStatusConflict, documentID, doc.ProcessingStatus)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return "", util.ErrEmptyContent
	}
	return s.queue.Enqueue(ctx, jobs.Spec{Kind: jobs.KindSummarizeNote, DocumentID: doc.ID, OwnerID: doc.OwnerID})
}

// Edit changes a document's title or content. A content change drops the
// document's chunks and conversation history. Notes get a fresh summary
// queued; completed uploads go back to embedding and are queued to rebuild
// their chunks from the new content.
func (s *Service) Edit(ctx context.Context, documentID, ownerID string, edit models.DocumentEdit) (models.Document, error) {
	if edit.Title == nil && edit.Content == nil {
		return models.Document{}, fmt.Errorf("%w: nothing to update", util.ErrValidation)
	}
	if edit.Title != nil {
		t := strings.TrimSpace(*edit.Title)
		edit.Title = &t
	}
	var before models.Document
	if edit.Content != nil {
		c := util.SanitizeText(*edit.Content)
		if c == "" {
			return models.Document{}, util.ErrEmptyContent
		}
		edit.Content = &c

		var err error
		before, err = s.store.GetDocument(ctx, documentID)
		if err != nil {
			return models.Document{}, err
		}
		if before.OwnerID != ownerID {
			return models.Document{}, fmt.Errorf("document %s: %w", documentID, util.ErrForbidden)
		}
		if before.Metadata.Source == "upload" {
			edit.Reprocess = &models.StatusMove{From: Sources(EventEdited), To: Target(EventEdited)}
		}
	}

	doc, err := s.store.UpdateDocument(ctx, documentID, ownerID, edit)
	if err != nil {
		return models.Document{}, err
	}
	switch {
	case edit.Content != nil && doc.Metadata.Source == "note":
		if _, err := s.queue.Enqueue(ctx, jobs.Spec{Kind: jobs.KindSummarizeNote, DocumentID: doc.ID, OwnerID: doc.OwnerID}); err != nil {
			s.logger.Warn("summary not queued", "document_id", doc.ID, "error", err)
		}
	case edit.Reprocess != nil && before.ProcessingStatus != doc.ProcessingStatus:
		if err := s.requeueEmbedding(ctx, doc); err != nil {
			return models.Document{}, err
		}
	}
	return doc, nil
}

// requeueEmbedding queues ingestion for a document that was moved back to
// embedding. The job resumes at the chunk stage, so the upload file is only
// named, not read.
func (s *Service) requeueEmbedding(ctx context.Context, doc models.Document) error {
	path := filepath.Join(util.SafeJoin(s.dataRoot, doc.OwnerID), doc.ID+".pdf")
	jobID, err := s.queue.Enqueue(ctx, jobs.Spec{Kind: jobs.KindProcessPDF, DocumentID: doc.ID, OwnerID: doc.OwnerID, FilePath: path})
	if err != nil {
		if _, ferr := s.store.UpdateStatus(ctx, doc.ID, Sources(EventAborted), models.StatusFailed,
			models.StatusUpdate{FailReason: "could not queue re-embedding: " + err.Error()}); ferr != nil {
			s.logger.Error("failed to mark unqueued document", "document_id", doc.ID, "error", ferr)
		}
		return fmt.Errorf("enqueue re-embedding: %w", err)
	}
	s.logger.Info("edited upload queued for re-embedding", "document_id", doc.ID, "job_id", jobID)
	return nil
}

// Delete removes the document with its chunks, usage, history and spilled
// upload.
func (s *Service) Delete(ctx context.Context, documentID, ownerID string) error {
	if err := s.store.DeleteDocument(ctx, documentID, ownerID); err != nil {
		return err
	}
	path := filepath.Join(util.SafeJoin(s.dataRoot, ownerID), documentID+".pdf")
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("upload file not removed", "document_id", documentID, "path", path, "error", err)
	}
	s.logger.Info("document deleted", "document_id", documentID, "owner_id", ownerID)
	return nil
}

func (s *Service) validateUpload(req SubmitRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", util.ErrValidation)
	}
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: empty upload", util.ErrValidation)
	}
	if int64(len(req.Data)) > s.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", util.ErrFileTooLarge, len(req.Data), s.maxBytes)
	}
	if !strings.EqualFold(filepath.Ext(req.FileName), ".pdf") || !bytes.HasPrefix(req.Data, pdfMagic) {
		return util.ErrUnsupportedFile
	}
	return nil
}

func titleFor(req SubmitRequest) string {
	if t := strings.TrimSpace(req.Title); t != "" {
		return t
	}
	base := filepath.Base(req.FileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
