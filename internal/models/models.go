package models

import "time"

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Terminal reports whether no further ingestion transition can leave s.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type SummaryStatus string

const (
	SummaryPending    SummaryStatus = "pending"
	SummaryProcessing SummaryStatus = "processing"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

const (
	FeaturePDFUpload      = "pdf-upload"
	FeatureNoteSummary    = "note-summary"
	FeatureNoteQuestion   = "note-question"
	FeaturePDFQuestion    = "pdf-question"
	FeatureSmartAssistant = "smart-assistant"
)

const (
	ModeDirect = "direct"
	ModeRAG    = "rag"
	ModeAgent  = "agent"
)

const (
	OperationEmbedding  = "embedding"
	OperationGeneration = "generation"
	OperationRetrieval  = "retrieval"
	OperationToolCall   = "tool-call"
)

type DocumentMetadata struct {
	FileName   string    `json:"file_name,omitempty"`
	FileSize   int64     `json:"file_size,omitempty"`
	PageCount  int       `json:"page_count,omitempty"`
	UploadedAt time.Time `json:"uploaded_at,omitempty"`
	Source     string    `json:"source,omitempty"`
}

type Document struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"owner_id"`
	Title            string           `json:"title"`
	Content          string           `json:"content,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	SummaryStatus    SummaryStatus    `json:"summary_status"`
	Summary          string           `json:"summary,omitempty"`
	Metadata         DocumentMetadata `json:"metadata"`
	FailReason       string           `json:"fail_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// StatusUpdate carries the side effects applied together with a processing
// status change.
type StatusUpdate struct {
	Content      *string
	PageCount    *int
	ResetSummary bool
	FailReason   string
}

// DocumentEdit is a partial update; nil fields are left unchanged.
type DocumentEdit struct {
	Title   *string
	Content *string
	// Reprocess moves the processing status along with a content change.
	// It is ignored when the content stays the same.
	Reprocess *StatusMove
}

// StatusMove is a conditional processing status change.
type StatusMove struct {
	From []ProcessingStatus
	To   ProcessingStatus
}

type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"owner_id"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type ChunkResult struct {
	ChunkID string  `json:"chunk_id"`
	Index   int     `json:"index"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

type UsageRecord struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	DocumentID       string    `json:"document_id,omitempty"`
	Feature          string    `json:"feature"`
	Mode             string    `json:"mode"`
	Operation        string    `json:"operation"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

type MemoryTurn struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	DocumentID string    `json:"document_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	CreatedAt  time.Time `json:"created_at"`
}
