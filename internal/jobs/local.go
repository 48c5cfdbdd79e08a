package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/util"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// LocalQueue runs jobs in-process on an ants pool.
type LocalQueue struct {
	mu          sync.RWMutex
	handlers    map[Kind]Handler
	deadLetters map[Kind]DeadLetter
	pool        *ants.Pool
	maxAttempts int
	baseDelay   time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *slog.Logger
}

type LocalOption func(*LocalQueue)

func WithMaxAttempts(n int) LocalOption {
	return func(q *LocalQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) LocalOption {
	return func(q *LocalQueue) {
		if d >= 0 {
			q.baseDelay = d
		}
	}
}

func WithLogger(logger *slog.Logger) LocalOption {
	return func(q *LocalQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func NewLocalQueue(workers int, opts ...LocalOption) (*LocalQueue, error) {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create job pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &LocalQueue{
		handlers:    map[Kind]Handler{},
		deadLetters: map[Kind]DeadLetter{},
		pool:        pool,
		maxAttempts: 3,
		baseDelay:   time.Second,
		ctx:         ctx,
		cancel:      cancel,
		logger:      slog.Default().With("component", "jobs"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// OnJob registers the handler for kind and, optionally, where exhausted jobs
// of that kind are reported.
func (q *LocalQueue) OnJob(kind Kind, h Handler, dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
	if dl != nil {
		q.deadLetters[kind] = dl
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	q.mu.RLock()
	h, ok := q.handlers[spec.Kind]
	dl := q.deadLetters[spec.Kind]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, spec.Kind)
	}
	if q.ctx.Err() != nil {
		return "", ErrQueueClosed
	}

	jobID := uuid.NewString()
	q.wg.Add(1)
	err := q.pool.Submit(func() {
		defer q.wg.Done()
		q.run(jobID, spec, h, dl)
	})
	if err != nil {
		q.wg.Done()
		return "", fmt.Errorf("submit job: %w", err)
	}
	q.logger.Debug("job enqueued", "job_id", jobID, "kind", spec.Kind, "document_id", spec.DocumentID)
	return jobID, nil
}

func (q *LocalQueue) run(jobID string, spec Spec, h Handler, dl DeadLetter) {
	logger := q.logger.With("job_id", jobID, "kind", spec.Kind, "document_id", spec.DocumentID)
	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		if q.ctx.Err() != nil {
			lastErr = q.ctx.Err()
			break
		}
		lastErr = h(q.ctx, spec)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("job succeeded after retry", "attempt", attempt)
			}
			return
		}
		if !util.Retryable(lastErr) {
			logger.Warn("job failed permanently", "attempt", attempt, "error", lastErr)
			break
		}
		logger.Warn("job attempt failed", "attempt", attempt, "max_attempts", q.maxAttempts, "error", lastErr)
		if attempt == q.maxAttempts {
			break
		}
		delay := q.baseDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	if dl != nil {
		// The queue context may already be cancelled; dead-lettering still
		// has to reach the store.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		dl(ctx, spec, lastErr)
	}
}

// Wait blocks until every accepted job has finished.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

// Close stops retries, waits for running jobs and releases the pool.
func (q *LocalQueue) Close() {
	q.cancel()
	q.wg.Wait()
	q.pool.Release()
}
