package vector

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"docflow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const (
	DefaultTopK          = 5
	DefaultCandidatePool = 50
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Searcher struct {
	db TxBeginner
}

func NewSearcher(db TxBeginner) *Searcher {
	return &Searcher{db: db}
}

// Retrieve returns up to k chunks of the document, most similar first.
// candidatePool bounds how many index candidates the HNSW scan considers.
func (s *Searcher) Retrieve(ctx context.Context, documentID, ownerID string, query []float32, k, candidatePool int) ([]models.ChunkResult, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	if candidatePool < k {
		candidatePool = max(DefaultCandidatePool, k)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retrieval tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT set_config('hnsw.ef_search', $1, true)`, strconv.Itoa(candidatePool)); err != nil {
		return nil, fmt.Errorf("set candidate pool: %w", err)
	}

	rows, err := tx.Query(ctx, `
SELECT id, chunk_index, text, 1 - (embedding <=> $3) AS score
FROM chunks
WHERE document_id = $1
  AND owner_id = $2
ORDER BY embedding <=> $3
LIMIT $4`, documentID, ownerID, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("query vector search: %w", err)
	}
	defer rows.Close()

	results := make([]models.ChunkResult, 0, k)
	for rows.Next() {
		var r models.ChunkResult
		if err := rows.Scan(&r.ChunkID, &r.Index, &r.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("scan chunk result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, nil
}

// CosineSimilarity returns 0 when either vector has zero length or norm, or
// when the dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
