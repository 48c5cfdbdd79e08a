package jobs

import (
	"context"
	"errors"
	"fmt"

	"docflow/internal/util"
)

// Kind names a job event.
type Kind string

const (
	KindProcessPDF    Kind = "pdf/process.requested"
	KindSummarizeNote Kind = "note/summarize.requested"
)

// Spec is the payload of a job. FileBytes may carry small uploads inline;
// otherwise FilePath points at the spilled upload.
type Spec struct {
	Kind       Kind   `json:"kind"`
	DocumentID string `json:"documentId"`
	OwnerID    string `json:"ownerId"`
	FilePath   string `json:"filePath,omitempty"`
	FileBytes  []byte `json:"fileBytes,omitempty"`
}

func (s Spec) Validate() error {
	switch s.Kind {
	case KindProcessPDF:
		if s.FilePath == "" && len(s.FileBytes) == 0 {
			return fmt.Errorf("%w: %s needs a file path or inline bytes", util.ErrValidation, s.Kind)
		}
	case KindSummarizeNote:
	default:
		return fmt.Errorf("%w: unknown job kind %q", util.ErrValidation, s.Kind)
	}
	if s.DocumentID == "" || s.OwnerID == "" {
		return fmt.Errorf("%w: job needs document and owner ids", util.ErrValidation)
	}
	return nil
}

// Handler processes one job. Returning an error the util taxonomy marks as
// retryable schedules another attempt.
type Handler func(ctx context.Context, spec Spec) error

// DeadLetter is told about jobs that exhausted their attempts.
type DeadLetter func(ctx context.Context, spec Spec, err error)

// Queue accepts jobs for background execution.
type Queue interface {
	Enqueue(ctx context.Context, spec Spec) (string, error)
}

var (
	ErrNoHandler   = errors.New("no handler registered for job kind")
	ErrQueueClosed = errors.New("job queue closed")
)
