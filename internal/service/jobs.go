package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/policy"
	"github.com/iago/knowledge-pipeline/internal/queue"
	"github.com/iago/knowledge-pipeline/internal/repository"
)

// JobsService owns the dispatch, claim, complete and fail lifecycle of async jobs.
type JobsService struct {
	repo      repository.JobsRepository
	publisher queue.Publisher
	logger    *log.Logger
	now       func() time.Time
}

func NewJobsService(repo repository.JobsRepository, publisher queue.Publisher, logger *log.Logger) *JobsService {
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	return &JobsService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch validates payload for jobType, strips credential fields and stores a pending job.
func (s *JobsService) Dispatch(
	ctx context.Context,
	tenantID string,
	jobType domain.JobType,
	payload json.RawMessage,
) (*domain.Job, error) {
	if tenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if !jobType.Valid() {
		return nil, domain.NewValidationError("type", fmt.Sprintf("unknown job type %q", jobType))
	}

	sanitized, err := policy.SanitizePayload(payload)
	if err != nil {
		return nil, err
	}
	if _, err := domain.DecodePayload(jobType, sanitized); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      jobType,
		Status:    domain.JobStatusPending,
		Payload:   sanitized,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.publish(ctx, job, domain.JobEventDispatched, "")
	return job, nil
}

// Claim returns nil when no job is claimable.
func (s *JobsService) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	job, err := s.repo.ClaimJob(ctx, workerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *JobsService) Complete(ctx context.Context, jobID string, result any) (*domain.Job, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}

	job, transition, err := s.repo.CompleteJob(ctx, jobID, policy.SanitizeResult(encoded), s.now())
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	if !transition.Noop {
		s.publish(ctx, job, domain.JobEventCompleted, "")
	}
	return job, nil
}

// Fail records a sanitized failure and either schedules a retry or fails the job permanently.
// Jobs that are not processing are returned unchanged.
func (s *JobsService) Fail(ctx context.Context, jobID string, message string, details map[string]any) (*domain.Job, error) {
	return s.fail(ctx, jobID, message, details, false)
}

// FailPermanently records a sanitized failure and fails the job without a retry.
func (s *JobsService) FailPermanently(ctx context.Context, jobID string, message string, details map[string]any) (*domain.Job, error) {
	return s.fail(ctx, jobID, message, details, true)
}

func (s *JobsService) fail(
	ctx context.Context,
	jobID string,
	message string,
	details map[string]any,
	permanent bool,
) (*domain.Job, error) {
	current, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if !queue.CanFinish(current) {
		return current, nil
	}

	now := s.now()
	failure := domain.FailureResult{
		Error:        policy.SanitizeErrorMessage(message),
		ErrorDetails: policy.SanitizeErrorDetails(details),
		Timestamp:    now,
		Attempts:     current.Attempts + 1,
	}
	encoded, err := json.Marshal(failure)
	if err != nil {
		return nil, fmt.Errorf("encode failure result: %w", err)
	}

	job, transition, err := s.repo.FailJob(ctx, jobID, encoded, now, permanent)
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if transition.Noop {
		return job, nil
	}

	event := domain.JobEventFailed
	if transition.Retry {
		event = domain.JobEventRetrying
	}
	s.publish(ctx, job, event, failure.Error)
	return job, nil
}

// Get returns a job only when it belongs to tenantID.
func (s *JobsService) Get(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, repository.ErrNotFound
	}
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (s *JobsService) List(ctx context.Context, filter repository.JobFilter) ([]*domain.Job, int, error) {
	return s.repo.ListJobs(ctx, filter)
}

func (s *JobsService) publish(ctx context.Context, job *domain.Job, event, errorMessage string) {
	err := s.publisher.Publish(ctx, domain.JobEvent{
		JobID:      job.ID,
		Type:       job.Type,
		TenantID:   job.TenantID,
		Status:     job.Status,
		Event:      event,
		Attempts:   job.Attempts,
		Error:      errorMessage,
		OccurredAt: s.now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) && s.logger != nil {
		s.logger.Printf("job event publish failed event=%s job_id=%s err=%v", event, job.ID, err)
	}
}
