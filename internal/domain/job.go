package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeDocumentIndexing JobType = "document_indexing"
	JobTypeDocumentConvert  JobType = "document_convert"
	JobTypeVideoIngestion   JobType = "video_ingestion"
	JobTypeAIGeneration     JobType = "ai_generation"
	JobTypeAccountDeletion  JobType = "account_deletion"
)

// JobTypes lists every job type the worker knows how to route.
var JobTypes = []JobType{
	JobTypeDocumentIndexing,
	JobTypeDocumentConvert,
	JobTypeVideoIngestion,
	JobTypeAIGeneration,
	JobTypeAccountDeletion,
}

func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// MaxJobAttempts is the failure count at which a job stops being retried.
const MaxJobAttempts = 3

// RetryBackoff is the fixed delay applied before a failed job becomes claimable again.
const RetryBackoff = 5 * time.Minute

// Job is the canonical async unit processed by the worker loop.
type Job struct {
	ID          string
	TenantID    string
	Type        JobType
	Status      JobStatus
	Payload     json.RawMessage
	Result      json.RawMessage
	WorkerID    string
	Attempts    int
	NextRetryAt *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// JobStatusView is the shape returned to status pollers.
type JobStatusView struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (j *Job) StatusView() JobStatusView {
	view := JobStatusView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	if len(j.Result) > 0 {
		view.Result = j.Result
	}
	return view
}

// FailureResult is stored as the job result when a handler fails.
type FailureResult struct {
	Error        string         `json:"error"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Attempts     int            `json:"attempts"`
}

// JobEvent is the transport format for job lifecycle notifications.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Type       JobType   `json:"type"`
	TenantID   string    `json:"tenant_id"`
	Status     JobStatus `json:"status"`
	Event      string    `json:"event"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	JobEventDispatched = "dispatched"
	JobEventCompleted  = "completed"
	JobEventRetrying   = "retrying"
	JobEventFailed     = "failed"
)
