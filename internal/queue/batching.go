package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

var (
	ErrPublishBackpressure = errors.New("event backpressure: publish buffer is full")
	ErrBatchingClosed      = errors.New("batching publisher is closed")
)

type BatchingConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	QueueCapacity int
}

// BatchingStats counts what the publisher has written so far.
type BatchingStats struct {
	Batches      int64
	Events       int64
	Deduplicated int64
	Rejected     int64
}

type publishRequest struct {
	ctx    context.Context
	event  domain.JobEvent
	result chan error
}

// BatchingPublisher groups close-in-time lifecycle events into one backend write. Batches are
// written one at a time from a single goroutine, so events of one job reach the backend in the
// order they were published. Repeated transitions, as produced by retried complete or fail calls,
// are written once.
type BatchingPublisher struct {
	base   Publisher
	writer batchCapablePublisher
	config BatchingConfig

	in        chan publishRequest
	stop      chan struct{}
	done      chan struct{}
	parent    <-chan struct{}
	closeOnce sync.Once

	batches      atomic.Int64
	events       atomic.Int64
	deduplicated atomic.Int64
	rejected     atomic.Int64
}

func NewBatchingPublisher(parent context.Context, base Publisher, cfg BatchingConfig) *BatchingPublisher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}

	batcher := &BatchingPublisher{
		base:   base,
		config: cfg,
		in:     make(chan publishRequest, cfg.QueueCapacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		parent: parent.Done(),
	}
	batcher.writer, _ = base.(batchCapablePublisher)

	go batcher.run()
	return batcher
}

// Publish waits for the batch holding event to be written. A full buffer fails fast with
// ErrPublishBackpressure instead of blocking the caller.
func (b *BatchingPublisher) Publish(ctx context.Context, event domain.JobEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrBatchingClosed
	default:
	}

	request := publishRequest{ctx: ctx, event: event, result: make(chan error, 1)}
	select {
	case b.in <- request:
	default:
		b.rejected.Add(1)
		return ErrPublishBackpressure
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BatchingPublisher) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingPublisher) Stats() BatchingStats {
	return BatchingStats{
		Batches:      b.batches.Load(),
		Events:       b.events.Load(),
		Deduplicated: b.deduplicated.Load(),
		Rejected:     b.rejected.Load(),
	}
}

func (b *BatchingPublisher) run() {
	defer close(b.done)

	pending := make([]publishRequest, 0, b.config.MaxBatchSize)
	timer := time.NewTimer(b.config.FlushInterval)
	timer.Stop()

	flush := func(final bool) {
		timer.Stop()
		if len(pending) == 0 {
			return
		}
		b.write(pending, final)
		pending = pending[:0]
	}

	for {
		select {
		case <-b.parent:
			flush(true)
			return
		case <-b.stop:
			flush(true)
			return
		case <-timer.C:
			flush(false)
		case request := <-b.in:
			if err := request.ctx.Err(); err != nil {
				request.result <- err
				continue
			}
			pending = append(pending, request)
			if len(pending) == 1 {
				timer.Reset(b.config.FlushInterval)
			}
			if len(pending) >= b.config.MaxBatchSize {
				flush(false)
			}
		}
	}
}

func (b *BatchingPublisher) write(batch []publishRequest, final bool) {
	active := make([]publishRequest, 0, len(batch))
	for _, request := range batch {
		if err := request.ctx.Err(); err != nil {
			request.result <- err
			continue
		}
		active = append(active, request)
	}
	if len(active) == 0 {
		return
	}

	events := orderedEvents(active)
	b.deduplicated.Add(int64(len(active) - len(events)))

	ctx := context.Background()
	if !final {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.FlushTimeout)
		defer cancel()
	}

	var err error
	if b.writer != nil {
		err = b.writer.PublishBatch(ctx, events)
	} else {
		for _, event := range events {
			if err = b.base.Publish(ctx, event); err != nil {
				break
			}
		}
	}
	if err == nil {
		b.batches.Add(1)
		b.events.Add(int64(len(events)))
	}

	for _, request := range active {
		request.result <- err
	}
}

// orderedEvents groups the batch by job, keeps occurrence order inside each job and drops
// repeats of the same transition.
func orderedEvents(requests []publishRequest) []domain.JobEvent {
	events := make([]domain.JobEvent, len(requests))
	for i, request := range requests {
		events[i] = request.event
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TenantID != events[j].TenantID {
			return events[i].TenantID < events[j].TenantID
		}
		if events[i].JobID != events[j].JobID {
			return events[i].JobID < events[j].JobID
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})

	type transition struct {
		jobID    string
		event    string
		attempts int
	}
	seen := make(map[transition]struct{}, len(events))
	unique := events[:0]
	for _, event := range events {
		key := transition{event.JobID, event.Event, event.Attempts}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, event)
	}
	return unique
}
