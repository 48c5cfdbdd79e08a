package activities

import "docflow/internal/models"

type LoadStatusOutput struct {
	Status models.ProcessingStatus `json:"status"`
}

type ExtractTextOutput struct {
	Chars     int `json:"chars"`
	PageCount int `json:"page_count"`
}

type ChunkTextOutput struct {
	Count int `json:"count"`
}

type EmbedChunksOutput struct {
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
}

// MarkFailedInput carries a failure back from the workflow. Kind is the
// error category recorded by the failing activity.
type MarkFailedInput struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
	Kind       string `json:"kind,omitempty"`
	Reason     string `json:"reason"`
}
