package queue

import (
	"context"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

// Publisher emits job lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event domain.JobEvent) error
}

// Subscriber delivers lifecycle events to handler until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(context.Context, domain.JobEvent) error) error
}

type batchCapablePublisher interface {
	PublishBatch(ctx context.Context, events []domain.JobEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.JobEvent) error { return nil }
