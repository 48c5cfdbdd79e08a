package workflows

import "docflow/internal/models"

// IngestProgress is what the GetIngestStatus query reports.
type IngestProgress struct {
	DocumentID  string                  `json:"document_id"`
	CurrentStep string                  `json:"current_step"`
	Status      models.ProcessingStatus `json:"status"`
	FailReason  string                  `json:"fail_reason,omitempty"`
	Chunks      int                     `json:"chunks"`
	Embedded    int                     `json:"embedded"`
	Steps       map[string]string       `json:"steps"`
}
