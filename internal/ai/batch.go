package ai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

type EmbedOptions struct {
	Mode           EmbedMode
	BatchSize      int
	Concurrency    int
	Interval       time.Duration
	RateLimitDelay time.Duration
}

func (o EmbedOptions) withDefaults() EmbedOptions {
	if o.Mode == "" {
		o.Mode = EmbedModeDocument
	}
	if o.BatchSize <= 0 || o.BatchSize > MaxEmbedBatch {
		o.BatchSize = MaxEmbedBatch
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Interval <= 0 {
		o.Interval = 100 * time.Millisecond
	}
	if o.RateLimitDelay <= 0 {
		o.RateLimitDelay = 2 * time.Second
	}
	return o
}

// EmbedAll embeds texts in batches and returns vectors in input order.
// A rate-limited batch is retried once after RateLimitDelay.
func EmbedAll(ctx context.Context, embedder Embedder, texts []string, opts EmbedOptions) ([][]float32, error) {
	opts = opts.withDefaults()
	vectors := make([][]float32, len(texts))
	if len(texts) == 0 {
		return vectors, nil
	}

	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	defer pool.Release()

	limiter := rate.NewLimiter(rate.Every(opts.Interval), 1)
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for start := 0; start < len(texts); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		if err := limiter.Wait(batchCtx); err != nil {
			fail(err)
			break
		}

		offset, batch := start, texts[start:end]
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			result, embedErr := embedBatch(batchCtx, embedder, batch, opts)
			if embedErr != nil {
				fail(fmt.Errorf("embed batch at %d: %w", offset, embedErr))
				return
			}
			copy(vectors[offset:], result)
		})
		if submitErr != nil {
			wg.Done()
			fail(fmt.Errorf("submit embedding batch: %w", submitErr))
			break
		}
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return vectors, nil
}

func embedBatch(ctx context.Context, embedder Embedder, batch []string, opts EmbedOptions) ([][]float32, error) {
	result, err := embedder.Embed(ctx, batch, opts.Mode)
	if IsRateLimited(err) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RateLimitDelay):
		}
		result, err = embedder.Embed(ctx, batch, opts.Mode)
	}
	if err != nil {
		return nil, err
	}
	if len(result) != len(batch) {
		return nil, fmt.Errorf("expected %d vectors, got %d", len(batch), len(result))
	}
	return result, nil
}
