package storage

import (
	"context"
	"errors"
	"fmt"

	"docflow/internal/models"
	"docflow/internal/util"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

type ChunkRepo struct {
	db *DB
}

func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// SaveEmbeddedBatch writes chunks and the usage records of the calls that
// embedded them in one transaction. Rows that already exist are skipped, so a
// retried batch neither duplicates chunks nor charges twice. The document
// must be in the embedding state.
func (r *ChunkRepo) SaveEmbeddedBatch(ctx context.Context, documentID string, chunks []models.Chunk, usage []models.UsageRecord) error {
	if len(chunks) == 0 && len(usage) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx save chunks: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status string
	err = tx.QueryRow(ctx, `SELECT processing_status FROM documents WHERE id=$1 FOR SHARE`, documentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %s: %w", documentID, util.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock document for chunks: %w", err)
	}
	if models.ProcessingStatus(status) != models.StatusEmbedding {
		return fmt.Errorf("%w: %s is %s, chunks need %s", util.ErrStatusConflict, documentID, status, models.StatusEmbedding)
	}

	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to %s, not %s", c.ID, c.DocumentID, documentID)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO chunks (id, document_id, owner_id, chunk_index, text, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING`,
			c.ID, c.DocumentID, c.OwnerID, c.Index, c.Text, pgvector.NewVector(c.Embedding), c.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	for _, u := range usage {
		if err := insertUsage(ctx, tx, u); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks tx: %w", err)
	}
	return nil
}

func (r *ChunkRepo) ChunkIndexes(ctx context.Context, documentID string) ([]int, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT chunk_index FROM chunks WHERE document_id=$1 ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunk indexes: %w", err)
	}
	indexes, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("scan chunk indexes: %w", err)
	}
	return indexes, nil
}

func (r *ChunkRepo) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id=$1`, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}
