package answer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"docflow/internal/models"
	"docflow/internal/providers"
	"docflow/internal/util"
)

// Stream delivers an answer fragment by fragment. It has a single consumer
// and cannot be restarted. Usage and the conversation turn are written once
// Recv reaches io.EOF; a stream that errors or is closed early writes no
// turn.
type Stream struct {
	svc     *Service
	ctx     context.Context
	p       prepared
	inner   providers.TextStream
	info    providers.ProviderInfo
	started time.Time

	mu       sync.Mutex
	answer   strings.Builder
	pending  string
	finished bool
	closed   bool
	err      error
}

// AnswerStream runs the same checks and retrieval as Answer, then opens a
// streaming generation.
func (s *Service) AnswerStream(ctx context.Context, req Request) (*Stream, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	st := &Stream{svc: s, ctx: ctx, p: p, started: time.Now()}
	if p.canned {
		st.pending = NoRelevantAnswer
		return st, nil
	}
	inner, info, err := s.llm.Stream(ctx, p.gen)
	if err != nil {
		return nil, util.External("stream answer", err)
	}
	st.inner, st.info = inner, info
	return st, nil
}

func (st *Stream) Mode() string { return st.p.mode }

// ChunksUsed is the number of retrieved chunks fed to the model.
func (st *Stream) ChunksUsed() int { return len(st.p.sources) }

func (st *Stream) Sources() []models.ChunkResult { return st.p.sources }

// Recv returns the next fragment, or io.EOF once the answer is complete.
func (st *Stream) Recv() (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.closed:
		return "", providers.ErrStreamClosed
	case st.finished:
		return "", io.EOF
	case st.err != nil:
		return "", st.err
	}

	if st.inner == nil {
		if st.pending != "" {
			frag := st.pending
			st.pending = ""
			st.answer.WriteString(frag)
			return frag, nil
		}
		st.finish()
		return "", io.EOF
	}

	frag, err := st.inner.Recv()
	if errors.Is(err, io.EOF) {
		st.finish()
		return "", io.EOF
	}
	if err != nil {
		st.err = util.External("stream answer", err)
		return "", st.err
	}
	st.answer.WriteString(frag)
	return frag, nil
}

// Close stops generation. It is safe to call more than once and after EOF.
func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	if st.inner != nil {
		return st.inner.Close()
	}
	return nil
}

func (st *Stream) finish() {
	st.finished = true
	svc, p := st.svc, st.p
	if st.inner != nil {
		u := st.inner.Usage()
		svc.record(st.ctx, p, models.OperationGeneration, st.info.Model, u.PromptTokens, u.CompletionTokens, time.Since(st.started))
	}
	answer := strings.TrimSpace(st.answer.String())
	if _, err := svc.memory.Append(st.ctx, p.doc.ID, p.req.OwnerID, p.req.Question, answer); err != nil {
		svc.logger.Warn("memory not saved", "document_id", p.doc.ID, "error", err)
	}
}
