package bootstrap

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/iago/knowledge-pipeline/internal/config"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/service"
)

func TestOpenStoresFallsBackToMemory(t *testing.T) {
	stores := OpenStores(context.Background(), config.Config{}, nil)
	defer stores.Close()
	if _, ok := stores.Jobs.(*repository.MemoryJobsRepository); !ok {
		t.Fatalf("expected memory jobs repository, got %T", stores.Jobs)
	}
	if _, ok := stores.Store.(*repository.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", stores.Store)
	}
}

func TestJobTimeoutsApplyOverlay(t *testing.T) {
	cfg := config.Config{}
	cfg.Tuning.Worker.TimeoutsSeconds = map[string]int{
		"video_ingestion": 1200,
		"unknown":         5,
		"ai_generation":   0,
	}
	timeouts := JobTimeouts(cfg)
	if timeouts[domain.JobTypeVideoIngestion] != 20*time.Minute {
		t.Fatalf("expected 20m video timeout, got %s", timeouts[domain.JobTypeVideoIngestion])
	}
	if timeouts[domain.JobTypeAIGeneration] != 60*time.Second {
		t.Fatalf("expected default generation timeout, got %s", timeouts[domain.JobTypeAIGeneration])
	}
	if _, ok := timeouts[domain.JobType("unknown")]; ok {
		t.Fatalf("expected unknown job types to be ignored")
	}
}

func TestOpenPublisherUsesLocalEventsWithoutRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	publisher, closer := OpenPublisher(ctx, config.Config{QueueBatchingEnabled: false}, nil)
	defer closer()
	if err := publisher.Publish(ctx, domain.JobEvent{JobID: "j1", Event: domain.JobEventDispatched}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestProcessorRunsRegisteredPipelineHandlers(t *testing.T) {
	ctx := context.Background()
	stores := memoryStores()
	memory := stores.Store.(*repository.MemoryStore)
	memory.PutTenant(domain.Tenant{ID: "t1", Active: true})
	memory.PutUser(domain.User{ID: "u1", TenantID: "t1", Email: "ana@example.com", FullName: "Ana", Status: domain.UserStatusActive})

	cfg := config.Config{WorkerID: "worker-bootstrap", OpenAIBaseURL: "http://127.0.0.1:1", TranscribeModel: "whisper-1"}
	jobs := service.NewJobsService(stores.Jobs, nil, nil)
	processor := NewProcessor(cfg, stores, jobs, nil, NewProviders(cfg), nil)

	payload, _ := json.Marshal(domain.AccountDeletionPayload{
		UserID:      "u1",
		RequestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RequestedBy: "u1",
	})
	job, err := jobs.Dispatch(ctx, "t1", domain.JobTypeAccountDeletion, payload)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	processed, err := processor.ProcessNext(ctx)
	if err != nil || !processed {
		t.Fatalf("expected processed job, got processed=%t err=%v", processed, err)
	}

	stored, err := stores.Jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s result=%s", stored.Status, stored.Result)
	}
	if !strings.Contains(string(stored.Result), `"user_anonymized":true`) {
		t.Fatalf("expected anonymized result, got %s", stored.Result)
	}
	user, _ := memory.GetUser("t1", "u1")
	if user.FullName != repository.AnonymizedName {
		t.Fatalf("expected anonymized user, got %+v", user)
	}
}
