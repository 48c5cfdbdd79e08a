package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"docflow/internal/answer"
	"docflow/internal/assistant"
	"docflow/internal/ingest"
	"docflow/internal/ledger"
	"docflow/internal/models"
	"docflow/internal/util"
)

const ownerHeader = "X-Owner-ID"

var errMissingOwner = errors.New("missing caller identity")

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	ingest   *ingest.Service
	answers  *answer.Service
	assist   *assistant.Service
	ledger   *ledger.Ledger
	store    Pinger
	maxBytes int64
	logger   *slog.Logger
}

func NewServer(ing *ingest.Service, answers *answer.Service, assist *assistant.Service, led *ledger.Ledger, store Pinger,
	maxUploadBytes int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = ingest.DefaultMaxUploadBytes
	}
	return &Server{ingest: ing, answers: answers, assist: assist, ledger: led, store: store, maxBytes: maxUploadBytes, logger: logger}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentScoped)
	mux.HandleFunc("/usage/daily", s.handleDailyUsage)
	mux.HandleFunc("/assistant", s.handleAssistant)
	return withCORS(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	res, err := s.ingest.CreateNote(r.Context(), ingest.NoteRequest{OwnerID: owner, Title: req.Title, Content: req.Content})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDocumentScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/documents/"), "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	if len(parts) == 1 && parts[0] == "upload" {
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleUpload(w, r, owner)
		return
	}

	docID := parts[0]
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodPatch:
			s.handleEdit(w, r, docID, owner)
		case http.MethodDelete:
			if err := s.ingest.Delete(r.Context(), docID, owner); err != nil {
				s.fail(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		}
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodGet {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		rep, err := s.ingest.Status(r.Context(), docID, owner)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	case len(parts) == 2 && parts[1] == "ask":
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleAsk(w, r, docID, owner)
	case len(parts) == 3 && parts[1] == "ask" && parts[2] == "stream":
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleAskStream(w, r, docID, owner)
	case len(parts) == 2 && parts[1] == "history":
		if r.Method != http.MethodDelete {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		if err := s.answers.ClearHistory(r.Context(), docID, owner); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "summarize":
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		jobID, err := s.ingest.RequestSummary(r.Context(), docID, owner)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"document_id": docID, "job_id": jobID})
	default:
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, owner string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, util.ErrFileTooLarge)
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	f, fh, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no files provided"))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	res, err := s.ingest.Submit(r.Context(), ingest.SubmitRequest{
		OwnerID:  owner,
		FileName: fh.Filename,
		Title:    r.FormValue("title"),
		Data:     data,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, docID, owner string) {
	var req struct {
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	doc, err := s.ingest.Edit(r.Context(), docID, owner, models.DocumentEdit{Title: req.Title, Content: req.Content})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type askRequest struct {
	Question string `json:"question"`
	Mode     string `json:"mode,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, docID, owner string) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	res, err := s.answers.Answer(r.Context(), answer.Request{DocumentID: docID, OwnerID: owner, Question: req.Question, Mode: req.Mode})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res.Sources = evidence(res.Sources, req.Question)
	writeJSON(w, http.StatusOK, res)
}

const evidenceRunes = 320

// evidence shortens source chunks to the sentences that best match question.
func evidence(sources []models.ChunkResult, question string) []models.ChunkResult {
	if len(sources) == 0 {
		return nil
	}
	out := make([]models.ChunkResult, len(sources))
	for i, src := range sources {
		src.Text = util.EvidenceSnippet(src.Text, question, evidenceRunes)
		out[i] = src
	}
	return out
}

// handleAskStream relays answer fragments as server-sent events. Failures
// before the first byte get a normal JSON error; later ones an error event.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request, docID, owner string) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	st, err := s.answers.AnswerStream(r.Context(), answer.Request{DocumentID: docID, OwnerID: owner, Question: req.Question, Mode: req.Mode})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "meta", map[string]any{
		"mode":        st.Mode(),
		"chunks_used": st.ChunksUsed(),
		"sources":     evidence(st.Sources(), req.Question),
	})
	flusher.Flush()
	for {
		frag, err := st.Recv()
		if errors.Is(err, io.EOF) {
			writeEvent(w, "done", map[string]any{"chunks_used": st.ChunksUsed()})
			flusher.Flush()
			return
		}
		if err != nil {
			if r.Context().Err() == nil {
				s.logger.Warn("answer stream failed", "document_id", docID, "error", err)
				apiErr := toAPIError(statusFor(err), err)
				writeEvent(w, "error", map[string]any{"code": apiErr.Code, "message": apiErr.Message})
				flusher.Flush()
			}
			return
		}
		writeEvent(w, "", map[string]any{"text": frag})
		flusher.Flush()
	}
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	res, err := s.assist.Ask(r.Context(), assistant.Request{OwnerID: owner, Question: req.Question})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDailyUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	spent, err := s.ledger.DailySpend(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id":      owner,
		"spent_usd":     spent,
		"limit_usd":     s.ledger.Limit(),
		"remaining_usd": max(s.ledger.Limit()-spent, 0),
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeErr(w, status, err)
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(ownerHeader))
	if owner == "" {
		writeErr(w, http.StatusUnauthorized, errMissingOwner)
		return "", false
	}
	return owner, true
}

func statusFor(err error) int {
	if errors.Is(err, util.ErrStatusConflict) {
		return http.StatusConflict
	}
	switch util.Kind(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "rate_limit":
		return http.StatusTooManyRequests
	case "external":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w io.Writer, event string, v any) {
	b, _ := json.Marshal(v)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	apiErr := toAPIError(code, err)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

type apiError struct {
	Code    string
	Message string
}

func toAPIError(status int, err error) apiError {
	msg := "Request failed."
	code := "DF-API-4000"
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case status == http.StatusBadGateway:
		return apiError{Code: "DF-API-5020", Message: "Upstream AI provider unavailable. Retry shortly."}
	case status == http.StatusServiceUnavailable:
		return apiError{Code: "DF-DB-5030", Message: "Storage is unavailable. Check local services and retry."}
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{
				Code:    "DF-DB-5001",
				Message: "Database schema is not initialized. Run migrations and retry.",
			}
		case strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{
				Code:    "DF-DB-5002",
				Message: "Database connection is unavailable. Check local services and retry.",
			}
		default:
			return apiError{
				Code:    "DF-API-5000",
				Message: "Internal server error. Please retry or check service logs.",
			}
		}
	case status == http.StatusBadRequest:
		code = "DF-API-4001"
		msg = "Invalid request. Check inputs and retry."
	case status == http.StatusUnauthorized:
		code = "DF-API-4010"
		msg = "Caller identity is required in the X-Owner-ID header."
	case status == http.StatusForbidden:
		code = "DF-API-4003"
		msg = "This document belongs to another user."
	case status == http.StatusNotFound:
		code = "DF-API-4004"
		msg = "Requested resource was not found."
	case status == http.StatusMethodNotAllowed:
		code = "DF-API-4005"
		msg = "This endpoint does not support the requested method."
	case status == http.StatusConflict:
		code = "DF-API-4009"
		msg = "Operation conflicts with the document's processing state. Retry after checking status."
	case status == http.StatusTooManyRequests:
		code = "DF-API-4029"
		msg = "Daily AI usage limit reached. Try again tomorrow."
	}

	// Validation errors carry user-safe text after the category prefix.
	if status == http.StatusBadRequest && err != nil {
		switch {
		case strings.Contains(raw, "invalid json"):
			msg = "Malformed JSON request body."
		case strings.Contains(raw, "no files provided"):
			msg = "No PDF file was provided."
		case errors.Is(err, util.ErrValidation):
			msg = strings.TrimPrefix(err.Error(), util.ErrValidation.Error()+": ")
		}
	}

	return apiError{Code: code, Message: msg}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+ownerHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
