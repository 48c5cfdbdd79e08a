package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docflow/internal/models"
	"docflow/internal/util"

	"github.com/google/uuid"
)

// UsageStore persists usage records and sums their cost.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec models.UsageRecord) error
	SumCostSince(ctx context.Context, ownerID string, since time.Time) (float64, error)
}

// UsageInput describes one external AI call.
type UsageInput struct {
	ID               string
	OwnerID          string
	DocumentID       string
	Feature          string
	Mode             string
	Operation        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Ledger records usage and evaluates the daily spend cap. The cap is a soft
// budget: CheckGate reads the current spend without reserving anything, so
// concurrent callers can all pass it and overspend together.
type Ledger struct {
	store  UsageStore
	prices map[string]Price
	limit  float64
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Ledger)

func WithDailyLimit(usd float64) Option {
	return func(l *Ledger) { l.limit = usd }
}

func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithPrices(p map[string]Price) Option {
	return func(l *Ledger) {
		if p != nil {
			l.prices = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(store UsageStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		prices: DefaultPrices,
		limit:  1.0,
		loc:    time.Local,
		now:    time.Now,
		logger: slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Limit() float64 { return l.limit }

func (l *Ledger) CostOf(model string, promptTokens, completionTokens int) (float64, error) {
	return costOf(l.prices, model, promptTokens, completionTokens)
}

// CheckPrices fails with ErrUnknownModel naming every model that has no
// price entry.
func (l *Ledger) CheckPrices(names []string) error {
	var missing []string
	for _, n := range names {
		if _, ok := l.prices[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownModel, strings.Join(missing, ", "))
	}
	return nil
}

// NewRecord prices in without persisting it.
func (l *Ledger) NewRecord(in UsageInput) (models.UsageRecord, error) {
	cost, err := l.CostOf(in.Model, in.PromptTokens, in.CompletionTokens)
	if err != nil {
		return models.UsageRecord{}, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	prompt, completion := max(in.PromptTokens, 0), max(in.CompletionTokens, 0)
	return models.UsageRecord{
		ID:               id,
		OwnerID:          in.OwnerID,
		DocumentID:       in.DocumentID,
		Feature:          in.Feature,
		Mode:             in.Mode,
		Operation:        in.Operation,
		Model:            in.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		CostUSD:          cost,
		LatencyMs:        in.Latency.Milliseconds(),
		CreatedAt:        l.now(),
	}, nil
}

func (l *Ledger) RecordUsage(ctx context.Context, in UsageInput) (models.UsageRecord, error) {
	rec, err := l.NewRecord(in)
	if err != nil {
		return models.UsageRecord{}, err
	}
	if err := l.store.InsertUsage(ctx, rec); err != nil {
		return models.UsageRecord{}, util.Persistence("record usage", err)
	}
	l.logger.Debug("usage recorded", "owner_id", rec.OwnerID, "feature", rec.Feature, "operation", rec.Operation, "model", rec.Model, "cost_usd", rec.CostUSD)
	return rec, nil
}

func (l *Ledger) DailySpend(ctx context.Context, ownerID string) (float64, error) {
	return l.DailySpendAsOf(ctx, ownerID, l.now())
}

// DailySpendAsOf sums the owner's cost since local midnight of asOf.
func (l *Ledger) DailySpendAsOf(ctx context.Context, ownerID string, asOf time.Time) (float64, error) {
	spend, err := l.store.SumCostSince(ctx, ownerID, StartOfDay(asOf, l.loc))
	if err != nil {
		return 0, util.Persistence("sum daily spend", err)
	}
	return spend, nil
}

// CheckGate fails with util.ErrDailyLimitExceeded once the owner has spent the
// daily limit. It must run before any paid call.
func (l *Ledger) CheckGate(ctx context.Context, ownerID string) error {
	spend, err := l.DailySpend(ctx, ownerID)
	if err != nil {
		return err
	}
	if spend >= l.limit {
		l.logger.Warn("daily limit reached", "owner_id", ownerID, "spend_usd", spend, "limit_usd", l.limit)
		return fmt.Errorf("%w: spent $%.4f of $%.2f", util.ErrDailyLimitExceeded, spend, l.limit)
	}
	return nil
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
