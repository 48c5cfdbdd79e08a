// Package assistant answers questions about a user's whole library. The
// model may call one tool per question to search, count or list documents.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/providers"
	"docflow/internal/util"
)

const (
	ToolSearch = "search_all_notes"
	ToolCount  = "count_notes"
	ToolRecent = "get_recent_notes"

	// ResponseText is reported when the model answered without a tool.
	ResponseText = "text"

	systemPrompt = "You are a smart assistant for the user's notes and documents. Use the tools to look things up before answering questions about them."

	searchLimit   = 5
	defaultRecent = 5
	maxRecent     = 10
	excerptRunes  = 300
)

var toolCodeTags = regexp.MustCompile(`</?tool_code[^>]*>`)

type Store interface {
	FindDocuments(ctx context.Context, ownerID, match string, limit int) ([]models.Document, error)
	CountDocuments(ctx context.Context, ownerID, match string) (int, error)
}

type Generator interface {
	GenerateWithTools(ctx context.Context, req providers.ToolRequest) (providers.ToolResponse, providers.ProviderInfo, error)
}

type Request struct {
	OwnerID  string
	Question string
}

type Result struct {
	FunctionCalled string `json:"function_called"`
	Message        string `json:"message"`
	StructuredData any    `json:"structured_data,omitempty"`
}

// DocumentInfo is what the tools report about one document.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Source    string    `json:"source,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Excerpt   string    `json:"excerpt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SearchResult struct {
	Documents []DocumentInfo `json:"documents"`
	Success   bool           `json:"success"`
}

type CountResult struct {
	Count int    `json:"count"`
	Topic string `json:"topic"`
}

type RecentResult struct {
	Documents []DocumentInfo `json:"documents"`
}

// ToolError is handed back to the model when a call cannot be served.
type ToolError struct {
	Error string `json:"error"`
}

type Service struct {
	store  Store
	llm    Generator
	ledger *ledger.Ledger
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(store Store, llm Generator, led *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		llm:    llm,
		ledger: led,
		logger: slog.Default().With("component", "assistant"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tools declares the functions offered to the model.
func Tools() []providers.ToolSpec {
	return []providers.ToolSpec{
		{
			Name:        ToolSearch,
			Description: "Search through all of the user's notes and documents by keyword or topic",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "The keyword or topic to find"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolCount,
			Description: "Count all notes and documents, or those matching a topic",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic": map[string]any{"type": "string", "description": "Optional topic to filter by. Leave empty to count everything."},
				},
			},
		},
		{
			Name:        ToolRecent,
			Description: "Get the user's most recent notes and documents",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "number", "description": "How many to return (default 5, max 10)"},
				},
			},
		},
	}
}

// Ask runs one question through the model, serving at most one tool call.
// Usage of both model turns is recorded as a single entry.
func (s *Service) Ask(ctx context.Context, req Request) (Result, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Result{}, util.ErrInvalidQuestion
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return Result{}, fmt.Errorf("%w: owner is required", util.ErrValidation)
	}
	if err := s.ledger.CheckGate(ctx, req.OwnerID); err != nil {
		return Result{}, err
	}

	started := time.Now()
	treq := providers.ToolRequest{
		GenerateRequest: providers.GenerateRequest{Operation: models.FeatureSmartAssistant, System: systemPrompt, Prompt: question},
		Tools:           Tools(),
	}
	resp, info, err := s.llm.GenerateWithTools(ctx, treq)
	if err != nil {
		return Result{}, util.External("assistant generate", err)
	}
	usage := resp.Usage
	res := Result{FunctionCalled: ResponseText}
	operation := models.OperationGeneration

	if resp.Call != nil {
		operation = models.OperationToolCall
		data, err := s.runTool(ctx, req.OwnerID, *resp.Call)
		if err != nil {
			return Result{}, err
		}
		if _, failed := data.(ToolError); !failed {
			res.FunctionCalled = resp.Call.Name
			res.StructuredData = data
		}
		encoded, err := json.Marshal(data)
		if err != nil {
			return Result{}, fmt.Errorf("encode %s result: %w", resp.Call.Name, err)
		}
		s.logger.Info("assistant tool called", "owner_id", req.OwnerID, "tool", resp.Call.Name)

		treq.Call = resp.Call
		treq.Result = string(encoded)
		resp, info, err = s.llm.GenerateWithTools(ctx, treq)
		if err != nil {
			return Result{}, util.External("assistant follow-up", err)
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
	}

	res.Message = CleanAnswer(resp.Text)
	if res.Message == "" {
		return Result{}, util.External("assistant generate", errors.New("model returned no answer"))
	}
	s.record(ctx, req.OwnerID, operation, info.Model, usage, time.Since(started))
	return res, nil
}

// CleanAnswer strips tool_code markup some models leak into their text.
func CleanAnswer(text string) string {
	return strings.TrimSpace(toolCodeTags.ReplaceAllString(text, ""))
}

// runTool serves one call. Unknown tools and malformed arguments become a
// ToolError for the model; store failures are returned.
func (s *Service) runTool(ctx context.Context, ownerID string, call providers.ToolCall) (any, error) {
	var args struct {
		Query string  `json:"query"`
		Topic string  `json:"topic"`
		Limit float64 `json:"limit"`
	}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return ToolError{Error: "invalid arguments: " + err.Error()}, nil
		}
	}

	switch call.Name {
	case ToolSearch:
		query := strings.TrimSpace(args.Query)
		if query == "" {
			return ToolError{Error: "query is required"}, nil
		}
		docs, err := s.store.FindDocuments(ctx, ownerID, query, searchLimit)
		if err != nil {
			return nil, util.Persistence("search documents", err)
		}
		return SearchResult{Documents: describe(docs), Success: true}, nil
	case ToolCount:
		topic := strings.TrimSpace(args.Topic)
		n, err := s.store.CountDocuments(ctx, ownerID, topic)
		if err != nil {
			return nil, util.Persistence("count documents", err)
		}
		if topic == "" {
			topic = "all notes"
		}
		return CountResult{Count: n, Topic: topic}, nil
	case ToolRecent:
		docs, err := s.store.FindDocuments(ctx, ownerID, "", clampLimit(int(args.Limit)))
		if err != nil {
			return nil, util.Persistence("list recent documents", err)
		}
		return RecentResult{Documents: describe(docs)}, nil
	default:
		s.logger.Warn("assistant asked for unknown tool", "tool", call.Name)
		return ToolError{Error: "unknown function"}, nil
	}
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultRecent
	}
	return min(n, maxRecent)
}

func describe(docs []models.Document) []DocumentInfo {
	out := make([]DocumentInfo, 0, len(docs))
	for _, d := range docs {
		out = append(out, DocumentInfo{
			ID:        d.ID,
			Title:     d.Title,
			Source:    d.Metadata.Source,
			Summary:   d.Summary,
			Excerpt:   util.Truncate(strings.Join(strings.Fields(d.Content), " "), excerptRunes),
			CreatedAt: d.CreatedAt,
		})
	}
	return out
}

func (s *Service) record(ctx context.Context, ownerID, operation, model string, usage providers.Usage, latency time.Duration) {
	_, err := s.ledger.RecordUsage(ctx, ledger.UsageInput{
		OwnerID:          ownerID,
		Feature:          models.FeatureSmartAssistant,
		Mode:             models.ModeAgent,
		Operation:        operation,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Latency:          latency,
	})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ledger.ErrUnknownModel) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "usage not recorded", "owner_id", ownerID, "operation", operation, "model", model, "error", err)
	}
}
