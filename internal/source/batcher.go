package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rpattn/sheetsync/internal/domain"
)

// BatchConfig controls how a run pages through the source.
type BatchConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	// MinDelay is the pause enforced between two batches of the same run.
	MinDelay time.Duration `mapstructure:"min_delay"`
	// QuotaDelay is a floor for the run's delay when a quota rejection
	// arrives; the delay is then multiplied by BackoffFactor. It defaults to
	// MinDelay, so the first rejection slows the run by exactly the factor.
	QuotaDelay    time.Duration `mapstructure:"quota_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxRetries    int           `mapstructure:"max_retries"`
	// MaxBatches bounds a run so a source that never returns a short page
	// cannot loop forever.
	MaxBatches int `mapstructure:"max_batches"`
}

// DefaultBatchConfig returns conservative settings for a quota-limited API.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:     200,
		MinDelay:      time.Second,
		QuotaDelay:    time.Second,
		BackoffFactor: 1.5,
		MaxRetries:    3,
		MaxBatches:    500,
	}
}

func (c BatchConfig) withDefaults() BatchConfig {
	def := DefaultBatchConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.QuotaDelay <= 0 {
		c.QuotaDelay = c.MinDelay
	}
	if c.QuotaDelay <= 0 {
		c.QuotaDelay = def.QuotaDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = def.MaxBatches
	}
	return c
}

// BatchFailure describes a batch that exhausted its retries.
type BatchFailure struct {
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
	Reason string `json:"reason"`
}

// FetchResult is everything one run read from the source.
type FetchResult struct {
	Records []domain.SourceRecord
	Batches int
	Failed  []BatchFailure
	Retries int
	// FinalDelay is the inter-batch delay the run ended with.
	FinalDelay time.Duration
}

// Complete reports whether every batch was read.
func (r FetchResult) Complete() bool { return len(r.Failed) == 0 }

// Batcher serializes reads for one scope at a time and paces them.
type Batcher struct {
	reader Reader
	cfg    BatchConfig
	logger *zap.SugaredLogger
}

// NewBatcher wraps reader with batching and quota backoff.
func NewBatcher(reader Reader, cfg BatchConfig, logger *zap.SugaredLogger) *Batcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Batcher{
		reader: reader,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// runPacer is a backoff.BackOff whose delay only grows during a run. Reset
// is a no-op so the slowdown carries over to later batches.
type runPacer struct {
	delay  time.Duration
	floor  time.Duration
	factor float64
	hint   time.Duration
}

func (p *runPacer) NextBackOff() time.Duration {
	base := p.delay
	if base < p.floor {
		base = p.floor
	}
	p.delay = time.Duration(float64(base) * p.factor)
	if p.hint > p.delay {
		p.delay = p.hint
	}
	p.hint = 0
	return p.delay
}

func (p *runPacer) Reset() {}

// FetchAll pages through the scope until a short batch or MaxBatches. A
// batch that keeps hitting the quota is recorded as failed and the next
// batch is attempted. Any other read error aborts with a TransportError.
// On cancellation the rows read so far are returned with ctx.Err().
func (b *Batcher) FetchAll(ctx context.Context, scope string) (FetchResult, error) {
	pacer := &runPacer{delay: b.cfg.MinDelay, floor: b.cfg.QuotaDelay, factor: b.cfg.BackoffFactor}
	result := FetchResult{Records: []domain.SourceRecord{}, Failed: []BatchFailure{}}

	for index := 0; index < b.cfg.MaxBatches; index++ {
		if err := ctx.Err(); err != nil {
			result.FinalDelay = pacer.delay
			return result, err
		}
		if index > 0 && pacer.delay > 0 {
			if err := sleepContext(ctx, pacer.delay); err != nil {
				result.FinalDelay = pacer.delay
				return result, err
			}
		}

		offset := index * b.cfg.BatchSize
		rows, retries, err := b.fetchBatch(ctx, pacer, scope, offset)
		result.Batches++
		result.Retries += retries

		switch {
		case err == nil:
			result.Records = append(result.Records, rows...)
			if len(rows) < b.cfg.BatchSize {
				result.FinalDelay = pacer.delay
				return result, nil
			}
		case domain.IsQuotaExceeded(err):
			b.logger.Warnw("batch failed after quota retries", "scope", scope, "batch", index, "offset", offset, "retries", retries, "error", err)
			result.Failed = append(result.Failed, BatchFailure{
				Index:  index,
				Offset: offset,
				Limit:  b.cfg.BatchSize,
				Reason: err.Error(),
			})
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			result.FinalDelay = pacer.delay
			return result, err
		default:
			result.FinalDelay = pacer.delay
			return result, &domain.TransportError{Component: "source", Err: fmt.Errorf("batch %d at offset %d: %w", index, offset, err)}
		}
	}

	b.logger.Warnw("stopped reading at batch limit", "scope", scope, "max_batches", b.cfg.MaxBatches)
	result.FinalDelay = pacer.delay
	return result, nil
}

func (b *Batcher) fetchBatch(ctx context.Context, pacer *runPacer, scope string, offset int) ([]domain.SourceRecord, int, error) {
	var rows []domain.SourceRecord
	retries := 0

	operation := func() error {
		fetched, err := b.reader.FetchRows(ctx, scope, offset, b.cfg.BatchSize)
		if err == nil {
			rows = fetched
			return nil
		}
		var quotaErr *domain.QuotaExceededError
		if errors.As(err, &quotaErr) {
			pacer.hint = quotaErr.RetryAfter
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		retries++
		b.logger.Infow("source quota exceeded, slowing down", "scope", scope, "offset", offset, "wait", wait, "attempt", retries)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(pacer, uint64(b.cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	return rows, retries, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
