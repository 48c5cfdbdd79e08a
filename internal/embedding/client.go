package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/models"
	"docflow/internal/providers"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 200 * time.Millisecond
	MinBatchDelay     = 100 * time.Millisecond
)

// Result is the embedding of one input.
type Result struct {
	Vector  []float32
	Tokens  int
	Model   string
	Latency time.Duration
}

// Sink receives each completed batch. offset is the index of results[0] in
// the original input.
type Sink func(ctx context.Context, offset int, results []Result) error

// Client embeds texts one call per input. Calls within a batch run
// concurrently; batches run one after another with a pause in between.
type Client struct {
	provider  providers.EmbeddingProvider
	pool      *ants.Pool
	batchSize int
	delay     time.Duration
	limiter   *rate.Limiter
	dimension int
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

type Option func(*Client)

func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause between batches. Values under MinBatchDelay
// are raised to it.
func WithBatchDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = max(d, MinBatchDelay) }
}

// WithRateLimit throttles individual provider calls. rps <= 0 disables it.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

func WithDimension(dim int) Option {
	return func(c *Client) { c.dimension = dim }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func New(provider providers.EmbeddingProvider, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, ErrProviderRequired
	}
	c := &Client{
		provider:  provider,
		batchSize: DefaultBatchSize,
		delay:     DefaultBatchDelay,
		sleep:     sleepCtx,
		logger:    slog.Default().With("component", "embedding"),
	}
	for _, opt := range opts {
		opt(c)
	}
	pool, err := ants.NewPool(c.batchSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

// Release stops the worker pool.
func (c *Client) Release() {
	if c.pool != nil {
		c.pool.Release()
	}
}

// EmbedBatch returns one Result per text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	out := make([]Result, len(texts))
	err := c.EmbedEach(ctx, texts, func(_ context.Context, offset int, results []Result) error {
		copy(out[offset:], results)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedEach embeds texts batch by batch and hands every completed batch to
// sink before starting the next one. A failing batch never reaches sink;
// batches already delivered are not revisited.
func (c *Client) EmbedEach(ctx context.Context, texts []string, sink Sink) error {
	for start := 0; start < len(texts); start += c.batchSize {
		if start > 0 {
			if err := c.sleep(ctx, c.delay); err != nil {
				return err
			}
		}
		end := min(start+c.batchSize, len(texts))
		results, err := c.embedRange(ctx, texts, start, end)
		if err != nil {
			return err
		}
		if err := sink(ctx, start, results); err != nil {
			return err
		}
		c.logger.Debug("embedding batch done", "offset", start, "size", end-start, "total", len(texts))
	}
	return nil
}

func (c *Client) embedRange(ctx context.Context, texts []string, start, end int) ([]Result, error) {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, end-start)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := start; i < end; i++ {
		wg.Add(1)
		idx := i
		task := func() {
			defer wg.Done()
			res, err := c.embedOne(batchCtx, texts[idx])
			if err != nil {
				fail(&EmbeddingFailedError{Index: idx, Cause: err})
				return
			}
			results[idx-start] = res
		}
		if err := c.pool.Submit(task); err != nil {
			wg.Done()
			fail(&EmbeddingFailedError{Index: idx, Cause: err})
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) embedOne(ctx context.Context, text string) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}
	started := time.Now()
	resp, info, err := c.provider.Embed(ctx, providers.EmbedRequest{
		Operation: models.OperationEmbedding,
		Inputs:    []string{text},
		Dimension: c.dimension,
	})
	if err != nil {
		return Result{}, err
	}
	if len(resp.Vectors) != 1 {
		return Result{}, fmt.Errorf("provider %s returned %d vectors for 1 input", info.Name, len(resp.Vectors))
	}
	tokens := resp.Usage.PromptTokens
	if tokens == 0 {
		tokens = resp.Usage.TotalTokens
	}
	return Result{
		Vector:  resp.Vectors[0],
		Tokens:  tokens,
		Model:   info.Model,
		Latency: time.Since(started),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
