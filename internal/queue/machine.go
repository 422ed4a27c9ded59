package queue

import (
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

// Transition is the state change a storage backend applies after a job event. Noop marks a
// complete or fail request that found the job outside processing.
type Transition struct {
	Status      domain.JobStatus
	Attempts    int
	WorkerID    string
	NextRetryAt *time.Time
	CompletedAt *time.Time
	Retry       bool
	Noop        bool
}

func IsTerminal(status domain.JobStatus) bool {
	return status == domain.JobStatusCompleted || status == domain.JobStatusFailed
}

// CanClaim reports whether job is pending and its retry delay has elapsed.
func CanClaim(job *domain.Job, now time.Time) bool {
	if job == nil || job.Status != domain.JobStatusPending {
		return false
	}
	return job.NextRetryAt == nil || !job.NextRetryAt.After(now)
}

// ShouldRetry reports whether a job that has failed attempts times goes back to pending.
func ShouldRetry(attempts int) bool {
	return attempts < domain.MaxJobAttempts
}

// CanFinish reports whether job is held by a worker and may be completed or failed.
func CanFinish(job *domain.Job) bool {
	return job != nil && job.Status == domain.JobStatusProcessing
}

// Unchanged describes job as stored, for complete or fail requests that do not apply.
func Unchanged(job *domain.Job) Transition {
	return Transition{
		Status:      job.Status,
		Attempts:    job.Attempts,
		WorkerID:    job.WorkerID,
		NextRetryAt: job.NextRetryAt,
		CompletedAt: job.CompletedAt,
		Noop:        true,
	}
}

func ClaimTransition(job *domain.Job, workerID string) Transition {
	return Transition{
		Status:      domain.JobStatusProcessing,
		Attempts:    job.Attempts,
		WorkerID:    workerID,
		NextRetryAt: job.NextRetryAt,
	}
}

func CompleteTransition(job *domain.Job, now time.Time) Transition {
	completedAt := now
	return Transition{
		Status:      domain.JobStatusCompleted,
		Attempts:    job.Attempts,
		CompletedAt: &completedAt,
	}
}

// NextAfterFailure counts the failure and either schedules a retry or fails the job permanently.
func NextAfterFailure(job *domain.Job, now time.Time) Transition {
	attempts := job.Attempts + 1
	if ShouldRetry(attempts) {
		retryAt := now.Add(domain.RetryBackoff)
		return Transition{
			Status:      domain.JobStatusPending,
			Attempts:    attempts,
			NextRetryAt: &retryAt,
			Retry:       true,
		}
	}
	completedAt := now
	return Transition{
		Status:      domain.JobStatusFailed,
		Attempts:    attempts,
		NextRetryAt: job.NextRetryAt,
		CompletedAt: &completedAt,
	}
}

// PermanentFailure counts the failure and fails the job without a retry, for jobs that can never
// succeed such as rejected payloads.
func PermanentFailure(job *domain.Job, now time.Time) Transition {
	completedAt := now
	return Transition{
		Status:      domain.JobStatusFailed,
		Attempts:    job.Attempts + 1,
		NextRetryAt: job.NextRetryAt,
		CompletedAt: &completedAt,
	}
}

// Apply writes t onto job.
func (t Transition) Apply(job *domain.Job) {
	job.Status = t.Status
	job.Attempts = t.Attempts
	job.WorkerID = t.WorkerID
	job.NextRetryAt = t.NextRetryAt
	if t.CompletedAt != nil {
		job.CompletedAt = t.CompletedAt
	}
}
