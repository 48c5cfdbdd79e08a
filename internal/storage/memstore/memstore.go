// Package memstore is an in-process implementation of the document, chunk,
// usage and memory stores. It backs tests and single-process dev runs.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"docflow/internal/models"
	"docflow/internal/util"
	"docflow/internal/vector"
)

type Store struct {
	mu        sync.RWMutex
	documents map[string]models.Document
	chunks    map[string][]models.Chunk
	usage     []models.UsageRecord
	turns     []models.MemoryTurn
	faults    map[string]error
	now       func() time.Time
}

func New() *Store {
	return &Store{
		documents: map[string]models.Document{},
		chunks:    map[string][]models.Chunk{},
		faults:    map[string]error{},
		now:       time.Now,
	}
}

// SetClock replaces the clock used for updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailOn makes the next call of the named step return err. Steps are
// operation names such as "save_chunks" or delete phases such as
// "delete_memory".
func (s *Store) FailOn(step string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[step] = err
}

func (s *Store) fault(step string) error {
	err, ok := s.faults[step]
	if !ok {
		return nil
	}
	delete(s.faults, step)
	return err
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateDocument(_ context.Context, d models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("create_document"); err != nil {
		return err
	}
	if _, ok := s.documents[d.ID]; ok {
		return fmt.Errorf("document %s already exists", d.ID)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.UpdatedAt = d.CreatedAt
	s.documents[d.ID] = d
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	return d, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from []models.ProcessingStatus, to models.ProcessingStatus, u models.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("update_status"); err != nil {
		return false, err
	}
	d, ok := s.documents[id]
	if !ok {
		return false, fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	if !slices.Contains(from, d.ProcessingStatus) {
		if d.ProcessingStatus == to {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s is %s, want one of %v", util.ErrStatusConflict, id, d.ProcessingStatus, from)
	}
	d.ProcessingStatus = to
	if u.Content != nil {
		d.Content = *u.Content
	}
	if u.PageCount != nil {
		d.Metadata.PageCount = *u.PageCount
	}
	if u.ResetSummary {
		d.SummaryStatus = models.SummaryPending
	}
	if u.FailReason != "" {
		d.FailReason = u.FailReason
	}
	d.UpdatedAt = s.now()
	s.documents[id] = d
	return true, nil
}

func (s *Store) SetSummaryStatus(_ context.Context, id string, status models.SummaryStatus, summary *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("set_summary"); err != nil {
		return err
	}
	d, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	d.SummaryStatus = status
	if summary != nil {
		d.Summary = *summary
	}
	d.UpdatedAt = s.now()
	s.documents[id] = d
	return nil
}

func (s *Store) UpdateDocument(_ context.Context, id, ownerID string, edit models.DocumentEdit) (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	if d.OwnerID != ownerID {
		return models.Document{}, fmt.Errorf("document %s: %w", id, util.ErrForbidden)
	}
	if err := s.fault("update_document"); err != nil {
		return models.Document{}, err
	}
	contentChanged := edit.Content != nil && *edit.Content != d.Content
	if contentChanged && edit.Reprocess != nil {
		if !slices.Contains(edit.Reprocess.From, d.ProcessingStatus) {
			return models.Document{}, fmt.Errorf("%w: %s is %s, want one of %v", util.ErrStatusConflict, id, d.ProcessingStatus, edit.Reprocess.From)
		}
		d.ProcessingStatus = edit.Reprocess.To
		d.FailReason = ""
	}
	if edit.Title != nil {
		d.Title = *edit.Title
	}
	if contentChanged {
		d.Content = *edit.Content
		d.SummaryStatus = models.SummaryPending
		d.Summary = ""
		delete(s.chunks, id)
		s.turns = slices.DeleteFunc(s.turns, func(t models.MemoryTurn) bool { return t.DocumentID == id })
	}
	d.UpdatedAt = s.now()
	s.documents[id] = d
	return d, nil
}

// DeleteDocument stages every removal on copies and swaps them in only when
// all phases succeed.
func (s *Store) DeleteDocument(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, util.ErrNotFound)
	}
	if d.OwnerID != ownerID {
		return fmt.Errorf("document %s: %w", id, util.ErrForbidden)
	}

	if err := s.fault("delete_chunks"); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	usage := slices.DeleteFunc(slices.Clone(s.usage), func(u models.UsageRecord) bool { return u.DocumentID == id })
	if err := s.fault("delete_usage"); err != nil {
		return fmt.Errorf("delete usage records: %w", err)
	}
	turns := slices.DeleteFunc(slices.Clone(s.turns), func(t models.MemoryTurn) bool { return t.DocumentID == id })
	if err := s.fault("delete_memory"); err != nil {
		return fmt.Errorf("delete memory turns: %w", err)
	}
	if err := s.fault("delete_document"); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	delete(s.chunks, id)
	s.usage = usage
	s.turns = turns
	delete(s.documents, id)
	return nil
}

func (s *Store) ListStale(_ context.Context, before time.Time) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0)
	for _, d := range s.documents {
		if !d.ProcessingStatus.Terminal() && d.UpdatedAt.Before(before) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) FindDocuments(_ context.Context, ownerID, match string, limit int) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("find_documents"); err != nil {
		return nil, err
	}
	out := s.matchingLocked(ownerID, match)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountDocuments(_ context.Context, ownerID, match string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("count_documents"); err != nil {
		return 0, err
	}
	return len(s.matchingLocked(ownerID, match)), nil
}

func (s *Store) matchingLocked(ownerID, match string) []models.Document {
	needle := strings.ToLower(match)
	out := make([]models.Document, 0)
	for _, d := range s.documents {
		if d.OwnerID != ownerID {
			continue
		}
		if needle == "" || strings.Contains(strings.ToLower(d.Title), needle) || strings.Contains(strings.ToLower(d.Content), needle) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Store) SaveEmbeddedBatch(_ context.Context, documentID string, chunks []models.Chunk, usage []models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("save_chunks"); err != nil {
		return err
	}
	d, ok := s.documents[documentID]
	if !ok {
		return fmt.Errorf("document %s: %w", documentID, util.ErrNotFound)
	}
	if d.ProcessingStatus != models.StatusEmbedding {
		return fmt.Errorf("%w: %s is %s, chunks need %s", util.ErrStatusConflict, documentID, d.ProcessingStatus, models.StatusEmbedding)
	}

	existing := s.chunks[documentID]
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to %s, not %s", c.ID, c.DocumentID, documentID)
		}
		dup := slices.ContainsFunc(existing, func(e models.Chunk) bool { return e.ID == c.ID || e.Index == c.Index })
		if !dup {
			c.Embedding = slices.Clone(c.Embedding)
			existing = append(existing, c)
		}
	}
	s.chunks[documentID] = existing
	for _, u := range usage {
		s.insertUsageLocked(u)
	}
	return nil
}

func (s *Store) ChunkIndexes(_ context.Context, documentID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.chunks[documentID]))
	for _, c := range s.chunks[documentID] {
		out = append(out, c.Index)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) CountChunks(_ context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[documentID]), nil
}

// Chunks returns a copy of the document's chunks ordered by index.
func (s *Store) Chunks(documentID string) []models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.chunks[documentID])
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Retrieve ranks the document's chunks by exact cosine similarity. The
// candidate pool has no meaning without an index and is ignored.
func (s *Store) Retrieve(_ context.Context, documentID, ownerID string, query []float32, k, _ int) ([]models.ChunkResult, error) {
	if k <= 0 {
		k = vector.DefaultTopK
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]models.ChunkResult, 0)
	for _, c := range s.chunks[documentID] {
		if c.OwnerID != ownerID {
			continue
		}
		results = append(results, models.ChunkResult{
			ChunkID: c.ID,
			Index:   c.Index,
			Text:    c.Text,
			Score:   vector.CosineSimilarity(query, c.Embedding),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Index < results[j].Index
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) InsertUsage(_ context.Context, rec models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("insert_usage"); err != nil {
		return err
	}
	s.insertUsageLocked(rec)
	return nil
}

func (s *Store) insertUsageLocked(rec models.UsageRecord) {
	if slices.ContainsFunc(s.usage, func(u models.UsageRecord) bool { return u.ID == rec.ID }) {
		return
	}
	s.usage = append(s.usage, rec)
}

func (s *Store) SumCostSince(_ context.Context, ownerID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, u := range s.usage {
		if u.OwnerID == ownerID && !u.CreatedAt.Before(since) {
			total += u.CostUSD
		}
	}
	return total, nil
}

// UsageRecords returns a copy of every stored usage record.
func (s *Store) UsageRecords() []models.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.usage)
}

func (s *Store) RecentTurns(_ context.Context, documentID, ownerID string, limit int) ([]models.MemoryTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mine := s.conversationLocked(documentID, ownerID)
	if limit >= 0 && len(mine) > limit {
		mine = mine[len(mine)-limit:]
	}
	return mine, nil
}

func (s *Store) AppendTurn(_ context.Context, t models.MemoryTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("append_turn"); err != nil {
		return err
	}
	s.turns = append(s.turns, t)
	return nil
}

func (s *Store) PruneTurns(_ context.Context, documentID, ownerID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mine := s.conversationLocked(documentID, ownerID)
	if len(mine) <= keep {
		return nil
	}
	drop := map[string]bool{}
	for _, t := range mine[:len(mine)-keep] {
		drop[t.ID] = true
	}
	s.turns = slices.DeleteFunc(s.turns, func(t models.MemoryTurn) bool { return drop[t.ID] })
	return nil
}

func (s *Store) DeleteTurns(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = slices.DeleteFunc(s.turns, func(t models.MemoryTurn) bool { return t.DocumentID == documentID })
	return nil
}

// conversationLocked returns the turns of one conversation, oldest first.
func (s *Store) conversationLocked(documentID, ownerID string) []models.MemoryTurn {
	out := make([]models.MemoryTurn, 0)
	for _, t := range s.turns {
		if t.DocumentID == documentID && t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
