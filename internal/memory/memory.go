package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docflow/internal/models"
	"docflow/internal/util"

	"github.com/google/uuid"
)

const (
	DefaultWindow   = 5
	DefaultMaxTurns = 50
)

// Store persists conversation turns per (document, owner).
type Store interface {
	RecentTurns(ctx context.Context, documentID, ownerID string, limit int) ([]models.MemoryTurn, error)
	AppendTurn(ctx context.Context, t models.MemoryTurn) error
	PruneTurns(ctx context.Context, documentID, ownerID string, keep int) error
	DeleteTurns(ctx context.Context, documentID string) error
}

// Memory is the bounded conversation history of each document.
type Memory struct {
	store    Store
	window   int
	maxTurns int
	now      func() time.Time
}

type Option func(*Memory)

// WithWindow sets how many recent turns Recent returns.
func WithWindow(n int) Option {
	return func(m *Memory) {
		if n >= 0 {
			m.window = n
		}
	}
}

// WithMaxTurns bounds how many turns are kept per conversation.
func WithMaxTurns(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.maxTurns = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func New(store Store, opts ...Option) *Memory {
	m := &Memory{store: store, window: DefaultWindow, maxTurns: DefaultMaxTurns, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxTurns < m.window {
		m.maxTurns = m.window
	}
	return m
}

// Recent returns the last window turns, oldest first.
func (m *Memory) Recent(ctx context.Context, documentID, ownerID string) ([]models.MemoryTurn, error) {
	if m.window == 0 {
		return nil, nil
	}
	turns, err := m.store.RecentTurns(ctx, documentID, ownerID, m.window)
	if err != nil {
		return nil, util.Persistence("load memory", err)
	}
	return turns, nil
}

// Append records a turn and drops the oldest ones beyond the bound.
func (m *Memory) Append(ctx context.Context, documentID, ownerID, question, answer string) (models.MemoryTurn, error) {
	t := models.MemoryTurn{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		DocumentID: documentID,
		Question:   question,
		Answer:     answer,
		CreatedAt:  m.now(),
	}
	if err := m.store.AppendTurn(ctx, t); err != nil {
		return models.MemoryTurn{}, util.Persistence("append memory", err)
	}
	if err := m.store.PruneTurns(ctx, documentID, ownerID, m.maxTurns); err != nil {
		return t, util.Persistence("prune memory", err)
	}
	return t, nil
}

func (m *Memory) Clear(ctx context.Context, documentID string) error {
	if err := m.store.DeleteTurns(ctx, documentID); err != nil {
		return util.Persistence("clear memory", err)
	}
	return nil
}

// Format renders turns as a prompt preamble, or "" when there are none.
func Format(turns []models.MemoryTurn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", t.Question, t.Answer)
	}
	b.WriteString("\n")
	return b.String()
}
