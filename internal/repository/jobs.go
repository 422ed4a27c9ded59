package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/queue"
)

var ErrNotFound = domain.ErrNotFound

// JobFilter narrows ListJobs to one tenant and optionally one status or type.
type JobFilter struct {
	TenantID string
	Status   domain.JobStatus
	Type     domain.JobType
	Page     int
	PageSize int
}

func (f *JobFilter) normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
}

// JobsRepository abstracts job persistence. ClaimJob is the only operation that must be
// exclusive across concurrent workers. CompleteJob and FailJob apply only to processing jobs;
// any other job is returned as stored with a Noop transition.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage, now time.Time) (*domain.Job, queue.Transition, error)
	FailJob(ctx context.Context, jobID string, result json.RawMessage, now time.Time, permanent bool) (*domain.Job, queue.Transition, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, int, error)
}

// MemoryJobsRepository stores jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return domain.ErrConflict
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

// ClaimJob takes the oldest claimable job under the store mutex.
func (r *MemoryJobsRepository) ClaimJob(_ context.Context, workerID string, now time.Time) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *domain.Job
	for _, job := range r.jobs {
		if !queue.CanClaim(job, now) {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.ID < oldest.ID) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}

	queue.ClaimTransition(oldest, workerID).Apply(oldest)
	return cloneJob(oldest), nil
}

func (r *MemoryJobsRepository) CompleteJob(
	_ context.Context,
	jobID string,
	result json.RawMessage,
	now time.Time,
) (*domain.Job, queue.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, queue.Transition{}, ErrNotFound
	}
	if !queue.CanFinish(job) {
		return cloneJob(job), queue.Unchanged(job), nil
	}

	transition := queue.CompleteTransition(job, now)
	transition.Apply(job)
	job.Result = append(json.RawMessage(nil), result...)
	return cloneJob(job), transition, nil
}

func (r *MemoryJobsRepository) FailJob(
	_ context.Context,
	jobID string,
	result json.RawMessage,
	now time.Time,
	permanent bool,
) (*domain.Job, queue.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, queue.Transition{}, ErrNotFound
	}
	if !queue.CanFinish(job) {
		return cloneJob(job), queue.Unchanged(job), nil
	}

	transition := failureTransition(job, now, permanent)
	transition.Apply(job)
	job.Result = append(json.RawMessage(nil), result...)
	return cloneJob(job), transition, nil
}

func failureTransition(job *domain.Job, now time.Time, permanent bool) queue.Transition {
	if permanent {
		return queue.PermanentFailure(job, now)
	}
	return queue.NextAfterFailure(job, now)
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *MemoryJobsRepository) ListJobs(_ context.Context, filter JobFilter) ([]*domain.Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter.normalize()
	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		items = append(items, cloneJob(job))
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []*domain.Job{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return items[start:end], total, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Payload = append(json.RawMessage(nil), job.Payload...)
	clone.Result = append(json.RawMessage(nil), job.Result...)
	if job.NextRetryAt != nil {
		retryAt := *job.NextRetryAt
		clone.NextRetryAt = &retryAt
	}
	if job.CompletedAt != nil {
		completedAt := *job.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}
