package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/queue"
)

func seedJob(t *testing.T, repo *MemoryJobsRepository, id string, createdAt time.Time) {
	t.Helper()
	err := repo.CreateJob(context.Background(), &domain.Job{
		ID:        id,
		TenantID:  "t1",
		Type:      domain.JobTypeDocumentIndexing,
		Status:    domain.JobStatusPending,
		Payload:   json.RawMessage(`{"document_id":"d1"}`),
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestMemoryClaimIsExclusiveUnderConcurrency(t *testing.T) {
	repo := NewMemoryJobsRepository()
	base := time.Now().UTC()
	for i := 0; i < 25; i++ {
		seedJob(t, repo, fmt.Sprintf("job-%02d", i), base.Add(time.Duration(i)*time.Millisecond))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := repo.ClaimJob(context.Background(), workerID, time.Now().UTC())
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if previous, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, previous, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != 25 {
		t.Fatalf("expected 25 claimed jobs, got %d", len(claimed))
	}
}

func TestMemoryClaimReturnsOldestFirst(t *testing.T) {
	repo := NewMemoryJobsRepository()
	base := time.Now().UTC()
	seedJob(t, repo, "newer", base.Add(time.Second))
	seedJob(t, repo, "older", base)

	job, err := repo.ClaimJob(context.Background(), "w1", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil || job.ID != "older" {
		t.Fatalf("expected older job first, got %+v", job)
	}
	if job.Status != domain.JobStatusProcessing || job.WorkerID != "w1" {
		t.Fatalf("expected processing by w1, got %s/%s", job.Status, job.WorkerID)
	}
}

func TestMemoryFailRetriesUntilCeiling(t *testing.T) {
	repo := NewMemoryJobsRepository()
	now := time.Now().UTC()
	seedJob(t, repo, "job-1", now)

	for attempt := 1; attempt <= domain.MaxJobAttempts; attempt++ {
		claimAt := now.Add(time.Duration(attempt) * 10 * time.Minute)
		job, err := repo.ClaimJob(context.Background(), "w1", claimAt)
		if err != nil || job == nil {
			t.Fatalf("attempt %d: expected claimable job, got %v %v", attempt, job, err)
		}

		failed, transition, err := repo.FailJob(context.Background(), job.ID, json.RawMessage(`{"error":"boom"}`), claimAt, false)
		if err != nil {
			t.Fatalf("fail job: %v", err)
		}
		if failed.Attempts != attempt {
			t.Fatalf("expected attempts %d, got %d", attempt, failed.Attempts)
		}

		if attempt < domain.MaxJobAttempts {
			if failed.Status != domain.JobStatusPending || !transition.Retry {
				t.Fatalf("attempt %d: expected pending retry, got %s", attempt, failed.Status)
			}
			if failed.WorkerID != "" {
				t.Fatalf("expected worker id cleared, got %q", failed.WorkerID)
			}
			if failed.NextRetryAt == nil || !failed.NextRetryAt.After(claimAt) {
				t.Fatalf("expected future next_retry_at, got %v", failed.NextRetryAt)
			}
			if blocked, _ := repo.ClaimJob(context.Background(), "w2", claimAt.Add(time.Minute)); blocked != nil {
				t.Fatalf("expected job to stay unclaimable during backoff")
			}
			continue
		}

		if failed.Status != domain.JobStatusFailed || failed.CompletedAt == nil {
			t.Fatalf("expected permanent failure, got %s", failed.Status)
		}
	}

	if job, _ := repo.ClaimJob(context.Background(), "w1", now.Add(24*time.Hour)); job != nil {
		t.Fatalf("expected failed job to never be claimed again")
	}
}

func TestMemoryCompleteIsIdempotent(t *testing.T) {
	repo := NewMemoryJobsRepository()
	now := time.Now().UTC()
	seedJob(t, repo, "job-1", now)
	if _, err := repo.ClaimJob(context.Background(), "w1", now); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	first, _, err := repo.CompleteJob(context.Background(), "job-1", json.RawMessage(`{"chunks_created":3}`), now)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	second, transition, err := repo.CompleteJob(context.Background(), "job-1", json.RawMessage(`{"chunks_created":9}`), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second complete failed: %v", err)
	}
	if !transition.Noop {
		t.Fatalf("expected repeated complete to be a noop")
	}
	if string(second.Result) != string(first.Result) || !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("expected completed job to be immutable")
	}

	if _, _, err := repo.CompleteJob(context.Background(), "missing", nil, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCompleteIgnoresUnclaimedJob(t *testing.T) {
	repo := NewMemoryJobsRepository()
	now := time.Now().UTC()
	seedJob(t, repo, "job-1", now)

	stored, transition, err := repo.CompleteJob(context.Background(), "job-1", json.RawMessage(`{"ok":true}`), now)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if !transition.Noop || stored.Status != domain.JobStatusPending || len(stored.Result) != 0 {
		t.Fatalf("expected pending job to stay untouched, got %s result=%s noop=%t", stored.Status, stored.Result, transition.Noop)
	}
	if job, _ := repo.ClaimJob(context.Background(), "w1", now); job == nil || job.ID != "job-1" {
		t.Fatalf("expected job to remain claimable, got %+v", job)
	}
}

func TestMemoryRepeatedFailCountsOneAttempt(t *testing.T) {
	repo := NewMemoryJobsRepository()
	now := time.Now().UTC()
	seedJob(t, repo, "job-1", now)
	if _, err := repo.ClaimJob(context.Background(), "w1", now); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	var transition queue.Transition
	for i := 0; i < 3; i++ {
		var err error
		if _, transition, err = repo.FailJob(context.Background(), "job-1", json.RawMessage(`{"error":"boom"}`), now, false); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}
	if !transition.Noop {
		t.Fatalf("expected repeated fail to be a noop")
	}

	stored, err := repo.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if stored.Status != domain.JobStatusPending || stored.Attempts != 1 {
		t.Fatalf("expected pending with 1 attempt, got %s attempts=%d", stored.Status, stored.Attempts)
	}
}

func TestMemoryPermanentFailSkipsRetry(t *testing.T) {
	repo := NewMemoryJobsRepository()
	now := time.Now().UTC()
	seedJob(t, repo, "job-1", now)
	if _, err := repo.ClaimJob(context.Background(), "w1", now); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	failed, transition, err := repo.FailJob(context.Background(), "job-1", json.RawMessage(`{"error":"bad payload"}`), now, true)
	if err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if transition.Retry || failed.Status != domain.JobStatusFailed || failed.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s attempts=%d", failed.Status, failed.Attempts)
	}
	if job, _ := repo.ClaimJob(context.Background(), "w1", now.Add(24*time.Hour)); job != nil {
		t.Fatalf("expected permanently failed job to never be claimed again")
	}
}

func TestMemoryListJobsScopesToTenant(t *testing.T) {
	repo := NewMemoryJobsRepository()
	now := time.Now().UTC()
	seedJob(t, repo, "job-1", now)
	_ = repo.CreateJob(context.Background(), &domain.Job{
		ID: "other", TenantID: "t2", Type: domain.JobTypeAIGeneration, Status: domain.JobStatusPending, CreatedAt: now,
	})

	items, total, err := repo.ListJobs(context.Background(), JobFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != "job-1" {
		t.Fatalf("expected only tenant t1 job, got %d items", total)
	}
}
