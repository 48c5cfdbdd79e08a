package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"docflow/internal/models"
	"docflow/internal/util"

	"github.com/jackc/pgx/v5"
)

const documentColumns = `id, owner_id, title, content, processing_status, summary_status, COALESCE(summary,''),
       COALESCE(file_name,''), COALESCE(file_size,0), COALESCE(page_count,0), uploaded_at, COALESCE(source,''),
       COALESCE(fail_reason,''), created_at, updated_at`

type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) CreateDocument(ctx context.Context, d models.Document) error {
	var uploadedAt *time.Time
	if !d.Metadata.UploadedAt.IsZero() {
		uploadedAt = &d.Metadata.UploadedAt
	}
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO documents (id, owner_id, title, content, processing_status, summary_status,
                       file_name, file_size, page_count, uploaded_at, source, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), NULLIF($8,0), NULLIF($9,0), $10, NULLIF($11,''), $12, $12)`,
		d.ID, d.OwnerID, d.Title, d.Content, string(d.ProcessingStatus), string(d.SummaryStatus),
		d.Metadata.FileName, d.Metadata.FileSize, d.Metadata.PageCount, uploadedAt, d.Metadata.Source, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepo) GetDocument(ctx context.Context, id string) (models.Document, error) {
	d, err := scanDocument(r.db.Pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// UpdateStatus moves the document to `to` if its current status is one of
// from. It reports false with no error when the document is already at `to`.
func (r *DocumentRepo) UpdateStatus(ctx context.Context, id string, from []models.ProcessingStatus, to models.ProcessingStatus, u models.StatusUpdate) (bool, error) {
	sources := make([]string, len(from))
	for i, s := range from {
		sources[i] = string(s)
	}
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE documents
SET processing_status = $2,
    content = COALESCE($3, content),
    page_count = COALESCE($4, page_count),
    summary_status = CASE WHEN $5 THEN 'pending' ELSE summary_status END,
    fail_reason = CASE WHEN $6 = '' THEN fail_reason ELSE $6 END,
    updated_at = NOW()
WHERE id = $1 AND processing_status = ANY($7)`,
		id, string(to), u.Content, u.PageCount, u.ResetSummary, u.FailReason, sources,
	)
	if err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var current string
	err = r.db.Pool.QueryRow(ctx, `SELECT processing_status FROM documents WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read document status: %w", err)
	}
	if models.ProcessingStatus(current) == to {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s is %s, want one of %v", util.ErrStatusConflict, id, current, sources)
}

func (r *DocumentRepo) SetSummaryStatus(ctx context.Context, id string, status models.SummaryStatus, summary *string) error {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE documents SET summary_status=$2, summary=COALESCE($3, summary), updated_at=NOW() WHERE id=$1`,
		id, string(status), summary)
	if err != nil {
		return fmt.Errorf("update summary status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	return nil
}

// UpdateDocument applies edit. A content change drops the document's chunks
// and conversation turns, and applies edit.Reprocess, in the same transaction.
func (r *DocumentRepo) UpdateDocument(ctx context.Context, id, ownerID string, edit models.DocumentEdit) (models.Document, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return models.Document{}, fmt.Errorf("begin tx update document: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var owner, content, status string
	err = tx.QueryRow(ctx, `SELECT owner_id, content, processing_status FROM documents WHERE id=$1 FOR UPDATE`, id).
		Scan(&owner, &content, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("lock document: %w", err)
	}
	if owner != ownerID {
		return models.Document{}, fmt.Errorf("document %s: %w", id, util.ErrForbidden)
	}

	contentChanged := edit.Content != nil && *edit.Content != content
	var moveTo *string
	if contentChanged && edit.Reprocess != nil {
		if !slices.Contains(edit.Reprocess.From, models.ProcessingStatus(status)) {
			return models.Document{}, fmt.Errorf("%w: %s is %s, want one of %v", util.ErrStatusConflict, id, status, edit.Reprocess.From)
		}
		to := string(edit.Reprocess.To)
		moveTo = &to
	}
	if _, err := tx.Exec(ctx, `
UPDATE documents
SET title = COALESCE($2, title),
    content = COALESCE($3, content),
    summary_status = CASE WHEN $4 THEN 'pending' ELSE summary_status END,
    summary = CASE WHEN $4 THEN NULL ELSE summary END,
    processing_status = COALESCE($5, processing_status),
    fail_reason = CASE WHEN $5::text IS NULL THEN fail_reason ELSE NULL END,
    updated_at = NOW()
WHERE id = $1`, id, edit.Title, edit.Content, contentChanged, moveTo); err != nil {
		return models.Document{}, fmt.Errorf("update document: %w", err)
	}
	if contentChanged {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, id); err != nil {
			return models.Document{}, fmt.Errorf("delete stale chunks: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM memory_turns WHERE document_id=$1`, id); err != nil {
			return models.Document{}, fmt.Errorf("delete stale memory: %w", err)
		}
	}

	d, err := scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
	if err != nil {
		return models.Document{}, fmt.Errorf("reload document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Document{}, fmt.Errorf("commit update document: %w", err)
	}
	return d, nil
}

// DeleteDocument removes the document with its chunks, usage records and
// conversation turns, or nothing at all.
func (r *DocumentRepo) DeleteDocument(ctx context.Context, id, ownerID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx delete document: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var owner string
	err = tx.QueryRow(ctx, `SELECT owner_id FROM documents WHERE id=$1 FOR UPDATE`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	if owner != ownerID {
		return fmt.Errorf("document %s: %w", id, util.ErrForbidden)
	}

	steps := []struct {
		what string
		sql  string
	}{
		{"chunks", `DELETE FROM chunks WHERE document_id=$1`},
		{"usage records", `DELETE FROM usage_records WHERE document_id=$1`},
		{"memory turns", `DELETE FROM memory_turns WHERE document_id=$1`},
		{"document", `DELETE FROM documents WHERE id=$1`},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, id); err != nil {
			return fmt.Errorf("delete %s: %w", step.what, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

// ListStale returns documents that have not reached a terminal status since
// before.
func (r *DocumentRepo) ListStale(ctx context.Context, before time.Time) ([]models.Document, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE processing_status IN ('pending','processing','embedding') AND updated_at < $1
ORDER BY updated_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}
	defer rows.Close()

	out := make([]models.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale documents: %w", err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FindDocuments returns the owner's newest documents whose title or content
// contains match, case-insensitively. An empty match lists everything.
func (r *DocumentRepo) FindDocuments(ctx context.Context, ownerID, match string, limit int) ([]models.Document, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE owner_id = $1 AND ($2::text = '' OR title ILIKE $3 OR content ILIKE $3)
ORDER BY created_at DESC, id
LIMIT $4`, ownerID, match, "%"+likeEscaper.Replace(match)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	defer rows.Close()

	out := make([]models.Document, 0, limit)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (r *DocumentRepo) CountDocuments(ctx context.Context, ownerID, match string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM documents
WHERE owner_id = $1 AND ($2::text = '' OR title ILIKE $3 OR content ILIKE $3)`,
		ownerID, match, "%"+likeEscaper.Replace(match)+"%").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func scanDocument(row pgx.Row) (models.Document, error) {
	var (
		d          models.Document
		status     string
		summary    string
		uploadedAt *time.Time
	)
	err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Content, &status, &summary, &d.Summary,
		&d.Metadata.FileName, &d.Metadata.FileSize, &d.Metadata.PageCount, &uploadedAt, &d.Metadata.Source,
		&d.FailReason, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.Document{}, err
	}
	d.ProcessingStatus = models.ProcessingStatus(status)
	d.SummaryStatus = models.SummaryStatus(summary)
	if uploadedAt != nil {
		d.Metadata.UploadedAt = *uploadedAt
	}
	return d, nil
}
