package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/service"
)

func newTestProcessor(t *testing.T, cfg Config) (*Processor, *service.JobsService, *repository.MemoryJobsRepository) {
	t.Helper()
	repo := repository.NewMemoryJobsRepository()
	jobs := service.NewJobsService(repo, nil, nil)
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}
	return NewProcessor(jobs, cfg, nil), jobs, repo
}

func dispatchIndexing(t *testing.T, jobs *service.JobsService) *domain.Job {
	t.Helper()
	job, err := jobs.Dispatch(context.Background(), "t1", domain.JobTypeDocumentIndexing, json.RawMessage(`{"document_id":"d1"}`))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	return job
}

func loadJob(t *testing.T, repo *repository.MemoryJobsRepository, id string) *domain.Job {
	t.Helper()
	job, err := repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	return job
}

func TestProcessNextCompletesJobWithHandlerResult(t *testing.T) {
	processor, jobs, repo := newTestProcessor(t, Config{})
	job := dispatchIndexing(t, jobs)

	var seen domain.Payload
	processor.Register(domain.JobTypeDocumentIndexing, func(_ context.Context, _ *domain.Job, payload domain.Payload) (any, error) {
		seen = payload
		return map[string]any{"document_id": "d1", "chunks_created": 3}, nil
	})

	processed, err := processor.ProcessNext(context.Background())
	if err != nil || !processed {
		t.Fatalf("expected a processed job, got processed=%t err=%v", processed, err)
	}

	if typed, ok := seen.(domain.IndexingPayload); !ok || typed.DocumentID != "d1" {
		t.Fatalf("expected decoded indexing payload, got %#v", seen)
	}

	stored := loadJob(t, repo, job.ID)
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if !strings.Contains(string(stored.Result), `"chunks_created":3`) {
		t.Fatalf("expected stored result, got %s", stored.Result)
	}
}

func TestProcessNextReportsIdleQueue(t *testing.T) {
	processor, _, _ := newTestProcessor(t, Config{})
	processed, err := processor.ProcessNext(context.Background())
	if err != nil || processed {
		t.Fatalf("expected idle queue, got processed=%t err=%v", processed, err)
	}
}

func TestHandlerErrorSchedulesRetry(t *testing.T) {
	processor, jobs, repo := newTestProcessor(t, Config{})
	job := dispatchIndexing(t, jobs)
	processor.Register(domain.JobTypeDocumentIndexing, func(context.Context, *domain.Job, domain.Payload) (any, error) {
		return nil, &ai.ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded", Transient: true}
	})

	if _, err := processor.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored := loadJob(t, repo, job.ID)
	if stored.Status != domain.JobStatusPending || stored.Attempts != 1 {
		t.Fatalf("expected pending retry with 1 attempt, got %s attempts=%d", stored.Status, stored.Attempts)
	}
	if stored.WorkerID != "" || stored.NextRetryAt == nil {
		t.Fatalf("expected cleared worker and scheduled retry, got worker=%q next=%v", stored.WorkerID, stored.NextRetryAt)
	}

	var failure domain.FailureResult
	if err := json.Unmarshal(stored.Result, &failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if failure.ErrorDetails["error_type"] != ClassTransientProvider {
		t.Fatalf("expected transient_provider class, got %v", failure.ErrorDetails["error_type"])
	}
}

func TestPanicIsRecoveredIntoFailure(t *testing.T) {
	processor, jobs, repo := newTestProcessor(t, Config{})
	job := dispatchIndexing(t, jobs)
	processor.Register(domain.JobTypeDocumentIndexing, func(context.Context, *domain.Job, domain.Payload) (any, error) {
		panic("nil map write")
	})

	if _, err := processor.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored := loadJob(t, repo, job.ID)
	if stored.Attempts != 1 || !strings.Contains(string(stored.Result), "handler panic: nil map write") {
		t.Fatalf("expected recorded panic failure, got attempts=%d result=%s", stored.Attempts, stored.Result)
	}
}

func TestHandlerTimeoutFailsJob(t *testing.T) {
	processor, jobs, repo := newTestProcessor(t, Config{
		Timeouts: map[domain.JobType]time.Duration{domain.JobTypeDocumentIndexing: 20 * time.Millisecond},
	})
	job := dispatchIndexing(t, jobs)
	processor.Register(domain.JobTypeDocumentIndexing, func(ctx context.Context, _ *domain.Job, _ domain.Payload) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if _, err := processor.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored := loadJob(t, repo, job.ID)
	if !strings.Contains(string(stored.Result), `"error_type":"timeout"`) {
		t.Fatalf("expected timeout class, got %s", stored.Result)
	}
}

func TestMalformedJobIsNotHandled(t *testing.T) {
	processor, _, repo := newTestProcessor(t, Config{})
	if err := repo.CreateJob(context.Background(), &domain.Job{
		ID:        "bad-job",
		TenantID:  "t1",
		Type:      domain.JobTypeDocumentIndexing,
		Status:    domain.JobStatusPending,
		Payload:   json.RawMessage(`{"document_id":""}`),
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	var calls int32
	processor.Register(domain.JobTypeDocumentIndexing, func(context.Context, *domain.Job, domain.Payload) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})

	if _, err := processor.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected handler not to run for malformed payload")
	}
	stored := loadJob(t, repo, "bad-job")
	if !strings.Contains(string(stored.Result), `"error_type":"validation"`) {
		t.Fatalf("expected validation failure, got %s", stored.Result)
	}
	if stored.Status != domain.JobStatusFailed || stored.Attempts != 1 || stored.NextRetryAt != nil {
		t.Fatalf("expected failed without retry, got %s attempts=%d next=%v", stored.Status, stored.Attempts, stored.NextRetryAt)
	}
}

func TestUndecodablePayloadFailsWithoutRetry(t *testing.T) {
	processor, _, repo := newTestProcessor(t, Config{})
	if err := repo.CreateJob(context.Background(), &domain.Job{
		ID:        "odd-job",
		TenantID:  "t1",
		Type:      domain.JobTypeDocumentIndexing,
		Status:    domain.JobStatusPending,
		Payload:   json.RawMessage(`{"nope":1}`),
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	processor.Register(domain.JobTypeDocumentIndexing, func(context.Context, *domain.Job, domain.Payload) (any, error) {
		return nil, nil
	})

	if _, err := processor.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if stored := loadJob(t, repo, "odd-job"); stored.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed after one pass, got %s attempts=%d", stored.Status, stored.Attempts)
	}
	if processed, _ := processor.ProcessNext(context.Background()); processed {
		t.Fatalf("expected rejected job to never be claimed again")
	}
}

func TestHandlerIgnoringContextStillTimesOut(t *testing.T) {
	processor, jobs, repo := newTestProcessor(t, Config{
		Timeouts: map[domain.JobType]time.Duration{domain.JobTypeDocumentIndexing: 50 * time.Millisecond},
	})
	job := dispatchIndexing(t, jobs)

	release := make(chan struct{})
	defer close(release)
	processor.Register(domain.JobTypeDocumentIndexing, func(context.Context, *domain.Job, domain.Payload) (any, error) {
		<-release
		return map[string]bool{"late": true}, nil
	})

	done := make(chan struct{})
	go func() {
		_, _ = processor.ProcessNext(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected ProcessNext to return after the handler timeout")
	}

	stored := loadJob(t, repo, job.ID)
	if stored.Status == domain.JobStatusProcessing {
		t.Fatalf("expected job to leave processing, got %s", stored.Status)
	}
	if stored.Status != domain.JobStatusPending || stored.Attempts != 1 {
		t.Fatalf("expected pending retry with 1 attempt, got %s attempts=%d", stored.Status, stored.Attempts)
	}
	if !strings.Contains(string(stored.Result), `"error_type":"timeout"`) {
		t.Fatalf("expected timeout class, got %s", stored.Result)
	}
}

func TestStartStopsOnCancelAfterInFlightJob(t *testing.T) {
	processor, jobs, repo := newTestProcessor(t, Config{PollInterval: 5 * time.Millisecond})
	job := dispatchIndexing(t, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	processor.Register(domain.JobTypeDocumentIndexing, func(handlerCtx context.Context, _ *domain.Job, _ domain.Payload) (any, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if handlerCtx.Err() != nil {
			return nil, handlerCtx.Err()
		}
		return map[string]bool{"ok": true}, nil
	})

	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected worker to stop after cancellation")
	}

	if stored := loadJob(t, repo, job.ID); stored.Status != domain.JobStatusCompleted {
		t.Fatalf("expected in-flight job to finish, got %s", stored.Status)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{domain.NewValidationError("prompt", "is required"), ClassValidation},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ClassTimeout},
		{&ai.ProviderError{Provider: "openai", StatusCode: 401}, ClassPermanentProvider},
		{fmt.Errorf("embed: %w", &ai.ProviderError{Provider: "openai", StatusCode: 429, Transient: true}), ClassTransientProvider},
		{&domain.DataIntegrityError{Reason: "count mismatch"}, ClassDataIntegrity},
		{ai.ErrProviderUnavailable, ClassPermanentProvider},
		{errors.New("disk full"), ClassInternal},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Fatalf("expected %s for %v, got %s", tc.want, tc.err, got)
		}
	}
}

func TestDefaultWorkerIDFormat(t *testing.T) {
	id := DefaultWorkerID()
	if !strings.HasPrefix(id, "worker-") || strings.Count(id, "-") != 2 {
		t.Fatalf("expected worker-<pid>-<unixms>, got %s", id)
	}
}
