package storage

import (
	"context"
	"fmt"
	"time"

	"docflow/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type UsageRepo struct {
	db *DB
}

func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

func (r *UsageRepo) InsertUsage(ctx context.Context, rec models.UsageRecord) error {
	return insertUsage(ctx, r.db.Pool, rec)
}

func (r *UsageRepo) SumCostSince(ctx context.Context, ownerID string, since time.Time) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx, `
SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE owner_id=$1 AND created_at >= $2`, ownerID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage cost: %w", err)
	}
	return total, nil
}

func insertUsage(ctx context.Context, q execer, rec models.UsageRecord) error {
	_, err := q.Exec(ctx, `
INSERT INTO usage_records (id, owner_id, document_id, feature, mode, operation, model,
                           prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, created_at)
VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.OwnerID, rec.DocumentID, rec.Feature, rec.Mode, rec.Operation, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CostUSD, rec.LatencyMs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}
