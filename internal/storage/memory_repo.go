package storage

import (
	"context"
	"fmt"

	"docflow/internal/models"

	"github.com/jackc/pgx/v5"
)

type MemoryRepo struct {
	db *DB
}

func NewMemoryRepo(db *DB) *MemoryRepo {
	return &MemoryRepo{db: db}
}

// RecentTurns returns at most limit turns, oldest first.
func (r *MemoryRepo) RecentTurns(ctx context.Context, documentID, ownerID string, limit int) ([]models.MemoryTurn, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT id, owner_id, document_id, question, answer, created_at FROM (
  SELECT id, owner_id, document_id, question, answer, created_at
  FROM memory_turns
  WHERE document_id=$1 AND owner_id=$2
  ORDER BY created_at DESC, id DESC
  LIMIT $3
) recent
ORDER BY created_at ASC, id ASC`, documentID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MemoryTurn, error) {
		var t models.MemoryTurn
		err := row.Scan(&t.ID, &t.OwnerID, &t.DocumentID, &t.Question, &t.Answer, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan memory turns: %w", err)
	}
	return turns, nil
}

func (r *MemoryRepo) AppendTurn(ctx context.Context, t models.MemoryTurn) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO memory_turns (id, owner_id, document_id, question, answer, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, t.ID, t.OwnerID, t.DocumentID, t.Question, t.Answer, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert memory turn: %w", err)
	}
	return nil
}

// PruneTurns keeps only the newest keep turns of the conversation.
func (r *MemoryRepo) PruneTurns(ctx context.Context, documentID, ownerID string, keep int) error {
	_, err := r.db.Pool.Exec(ctx, `
DELETE FROM memory_turns
WHERE document_id=$1 AND owner_id=$2 AND id NOT IN (
  SELECT id FROM memory_turns
  WHERE document_id=$1 AND owner_id=$2
  ORDER BY created_at DESC, id DESC
  LIMIT $3
)`, documentID, ownerID, keep)
	if err != nil {
		return fmt.Errorf("prune memory turns: %w", err)
	}
	return nil
}

func (r *MemoryRepo) DeleteTurns(ctx context.Context, documentID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM memory_turns WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete memory turns: %w", err)
	}
	return nil
}
