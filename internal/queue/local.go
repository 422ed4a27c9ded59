package queue

import (
	"context"
	"log"
	"sync"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

// LocalPublisher is the in-process fallback used when Redis is not configured.
type LocalPublisher struct {
	ch     chan domain.JobEvent
	logger *log.Logger

	dlqMu sync.Mutex
	dlq   []domain.JobEvent
}

func NewLocalPublisher(bufferSize int, logger *log.Logger) *LocalPublisher {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &LocalPublisher{
		ch:     make(chan domain.JobEvent, bufferSize),
		logger: logger,
		dlq:    make([]domain.JobEvent, 0),
	}
}

// Publish never blocks; events are dropped when the buffer is full.
func (p *LocalPublisher) Publish(ctx context.Context, event domain.JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Event == domain.JobEventFailed {
		p.dlqMu.Lock()
		p.dlq = append(p.dlq, event)
		p.dlqMu.Unlock()
	}
	select {
	case p.ch <- event:
	default:
		if p.logger != nil {
			p.logger.Printf("local events buffer full, dropping event=%s job_id=%s", event.Event, event.JobID)
		}
	}
	return nil
}

func (p *LocalPublisher) PublishBatch(ctx context.Context, events []domain.JobEvent) error {
	for _, event := range events {
		if err := p.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (p *LocalPublisher) Subscribe(ctx context.Context, handler func(context.Context, domain.JobEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-p.ch:
			if err := handler(ctx, event); err != nil {
				return err
			}
		}
	}
}

func (p *LocalPublisher) DeadLetters() []domain.JobEvent {
	p.dlqMu.Lock()
	defer p.dlqMu.Unlock()
	return append([]domain.JobEvent(nil), p.dlq...)
}
