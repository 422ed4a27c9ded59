package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	DLQStream string
	Group     string
	Consumer  string
	MaxLen    int64
}

// StreamsPublisher writes job events to a Redis stream and permanent failures to a dead-letter stream.
type StreamsPublisher struct {
	client    *redis.Client
	stream    string
	dlqStream string
	group     string
	consumer  string
	maxLen    int64
}

func NewStreamsPublisher(ctx context.Context, cfg StreamsConfig) (*StreamsPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "kp_job_events"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "kp_job_events_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "kp_watchers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "watcher-1"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &StreamsPublisher{
		client:    client,
		stream:    cfg.Stream,
		dlqStream: cfg.DLQStream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		maxLen:    cfg.MaxLen,
	}, nil
}

func (p *StreamsPublisher) Close() error {
	return p.client.Close()
}

func (p *StreamsPublisher) Publish(ctx context.Context, event domain.JobEvent) error {
	return p.PublishBatch(ctx, []domain.JobEvent{event})
}

func (p *StreamsPublisher) PublishBatch(ctx context.Context, events []domain.JobEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipeline := p.client.Pipeline()
	for _, event := range events {
		values := eventValues(event)
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: values,
		})
		if event.Event == domain.JobEventFailed {
			pipeline.XAdd(ctx, &redis.XAddArgs{Stream: p.dlqStream, Values: values})
		}
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("publish job events: %w", err)
	}
	return nil
}

// Subscribe reads events through a consumer group and acknowledges each one after handler returns.
func (p *StreamsPublisher) Subscribe(ctx context.Context, handler func(context.Context, domain.JobEvent) error) error {
	if err := p.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.group,
			Consumer: p.consumer,
			Streams:  []string{p.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				event, parseErr := parseStreamEvent(item)
				if parseErr == nil {
					if handleErr := handler(ctx, event); handleErr != nil {
						return handleErr
					}
				}
				if err := p.client.XAck(ctx, p.stream, p.group, item.ID).Err(); err != nil {
					return fmt.Errorf("xack: %w", err)
				}
			}
		}
	}
}

// DeadLetterCount reports the length of the dead-letter stream.
func (p *StreamsPublisher) DeadLetterCount(ctx context.Context) (int64, error) {
	count, err := p.client.XLen(ctx, p.dlqStream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen dlq: %w", err)
	}
	return count, nil
}

func (p *StreamsPublisher) ensureGroup(ctx context.Context) error {
	err := p.client.XGroupCreateMkStream(ctx, p.stream, p.group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func eventValues(event domain.JobEvent) map[string]any {
	return map[string]any{
		"job_id":      event.JobID,
		"type":        string(event.Type),
		"tenant_id":   event.TenantID,
		"status":      string(event.Status),
		"event":       event.Event,
		"attempts":    event.Attempts,
		"error":       event.Error,
		"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseStreamEvent(item redis.XMessage) (domain.JobEvent, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	fields := make(map[string]string, 8)
	for _, key := range []string{"job_id", "type", "tenant_id", "status", "event", "attempts", "occurred_at"} {
		value, err := getString(key)
		if err != nil {
			return domain.JobEvent{}, err
		}
		fields[key] = value
	}

	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("invalid attempts: %w", err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, fields["occurred_at"])
	if err != nil {
		return domain.JobEvent{}, fmt.Errorf("invalid occurred_at: %w", err)
	}
	errorMessage, _ := getString("error")

	return domain.JobEvent{
		JobID:      fields["job_id"],
		Type:       domain.JobType(fields["type"]),
		TenantID:   fields["tenant_id"],
		Status:     domain.JobStatus(fields["status"]),
		Event:      fields["event"],
		Attempts:   attempts,
		Error:      errorMessage,
		OccurredAt: occurredAt,
	}, nil
}
