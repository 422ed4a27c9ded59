package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/policy"
)

const DefaultPollInterval = time.Second

// Error classes used in execution logs and stored failure details.
const (
	ClassValidation        = "validation"
	ClassTransientProvider = "transient_provider"
	ClassPermanentProvider = "permanent_provider"
	ClassDataIntegrity     = "data_integrity"
	ClassTimeout           = "timeout"
	ClassInternal          = "internal"
)

// DefaultTimeouts bounds each handler execution by job type.
func DefaultTimeouts() map[domain.JobType]time.Duration {
	return map[domain.JobType]time.Duration{
		domain.JobTypeDocumentIndexing: 120 * time.Second,
		domain.JobTypeDocumentConvert:  60 * time.Second,
		domain.JobTypeVideoIngestion:   10 * time.Minute,
		domain.JobTypeAIGeneration:     60 * time.Second,
		domain.JobTypeAccountDeletion:  120 * time.Second,
	}
}

// JobQueue is the claim/complete/fail boundary of the job store.
type JobQueue interface {
	Claim(ctx context.Context, workerID string) (*domain.Job, error)
	Complete(ctx context.Context, jobID string, result any) (*domain.Job, error)
	Fail(ctx context.Context, jobID string, message string, details map[string]any) (*domain.Job, error)
	FailPermanently(ctx context.Context, jobID string, message string, details map[string]any) (*domain.Job, error)
}

type Handler func(ctx context.Context, job *domain.Job, payload domain.Payload) (any, error)

type Config struct {
	WorkerID     string
	PollInterval time.Duration
	Timeouts     map[domain.JobType]time.Duration
}

// Processor claims one job at a time and routes it to the handler registered for its type.
type Processor struct {
	queue    JobQueue
	handlers map[domain.JobType]Handler
	workerID string
	poll     time.Duration
	timeouts map[domain.JobType]time.Duration
	logger   *log.Logger
}

func NewProcessor(queue JobQueue, cfg Config, logger *log.Logger) *Processor {
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	timeouts := DefaultTimeouts()
	for jobType, timeout := range cfg.Timeouts {
		if timeout > 0 {
			timeouts[jobType] = timeout
		}
	}
	return &Processor{
		queue:    queue,
		handlers: make(map[domain.JobType]Handler),
		workerID: cfg.WorkerID,
		poll:     cfg.PollInterval,
		timeouts: timeouts,
		logger:   logger,
	}
}

func DefaultWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", os.Getpid(), time.Now().UnixMilli())
}

func (p *Processor) WorkerID() string {
	return p.workerID
}

func (p *Processor) Register(jobType domain.JobType, handler Handler) {
	p.handlers[jobType] = handler
}

// Start polls until ctx is cancelled. A job already running when ctx ends finishes
// under its own timeout before Start returns.
func (p *Processor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	p.logf("worker started worker_id=%s poll=%s", p.workerID, p.poll)
	for {
		if ctx.Err() != nil {
			p.logf("worker stopped worker_id=%s", p.workerID)
			return
		}

		processed, err := p.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.logf("worker claim failed worker_id=%s err=%v", p.workerID, err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			p.logf("worker stopped worker_id=%s", p.workerID)
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and runs one job. It reports false when nothing was claimable.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, p.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// The claimed job runs to completion even when the loop is shutting down.
	p.execute(context.WithoutCancel(ctx), job)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, job *domain.Job) {
	started := time.Now()
	payload, err := validateJob(job)
	if err != nil {
		p.logf("job rejected job_id=%s type=%s err=%v", job.ID, job.Type, err)
		p.fail(ctx, job, err, started, true)
		return
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		p.fail(ctx, job, fmt.Errorf("no handler registered for job type %s", job.Type), started, false)
		return
	}

	p.logf("job started type=%s job_id=%s tenant_id=%s attempt=%d worker_id=%s", job.Type, job.ID, job.TenantID, job.Attempts+1, p.workerID)

	timeout := p.timeouts[job.Type]
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := awaitHandler(runCtx, handler, job, payload)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("handler exceeded %s timeout: %w", timeout, err)
	}

	if err != nil {
		p.fail(ctx, job, err, started, false)
		return
	}

	if _, err := p.queue.Complete(ctx, job.ID, result); err != nil {
		p.logf("job complete failed type=%s job_id=%s err=%v", job.Type, job.ID, err)
		return
	}
	p.logf("job finished type=%s job_id=%s outcome=completed duration_ms=%d", job.Type, job.ID, time.Since(started).Milliseconds())
}

// fail records cause on job. Permanent failures skip the retry schedule.
func (p *Processor) fail(ctx context.Context, job *domain.Job, cause error, started time.Time, permanent bool) {
	class := ClassifyError(cause)
	duration := time.Since(started)
	record := p.queue.Fail
	if permanent {
		record = p.queue.FailPermanently
	}
	stored, err := record(ctx, job.ID, cause.Error(), map[string]any{
		"error_type":  class,
		"job_type":    string(job.Type),
		"worker_id":   p.workerID,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		p.logf("job fail failed type=%s job_id=%s err=%v", job.Type, job.ID, err)
		return
	}
	p.logf("job finished type=%s job_id=%s outcome=%s class=%s attempts=%d duration_ms=%d err=%q",
		job.Type, job.ID, stored.Status, class, stored.Attempts, duration.Milliseconds(), policy.SanitizeErrorMessage(cause.Error()))
}

type handlerOutcome struct {
	result any
	err    error
}

// awaitHandler returns when the handler does or when ctx ends, whichever comes first. A handler
// that ignores ctx keeps running in its goroutine and its late result is dropped.
func awaitHandler(ctx context.Context, handler Handler, job *domain.Job, payload domain.Payload) (any, error) {
	done := make(chan handlerOutcome, 1)
	go func() {
		result, err := runHandler(ctx, handler, job, payload)
		done <- handlerOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runHandler(ctx context.Context, handler Handler, job *domain.Job, payload domain.Payload) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(ctx, job, payload)
}

// validateJob checks the structural shape of a claimed job and decodes its payload.
func validateJob(job *domain.Job) (domain.Payload, error) {
	switch {
	case strings.TrimSpace(job.ID) == "":
		return nil, domain.NewValidationError("id", "is required")
	case !job.Type.Valid():
		return nil, domain.NewValidationError("type", fmt.Sprintf("unknown job type %q", job.Type))
	case strings.TrimSpace(job.TenantID) == "":
		return nil, domain.NewValidationError("tenant_id", "is required")
	case !json.Valid(job.Payload):
		return nil, domain.NewValidationError("payload", "is not valid JSON")
	}
	return domain.DecodePayload(job.Type, job.Payload)
}

// ClassifyError maps a handler error to one of the logged error classes.
func ClassifyError(err error) string {
	var providerErr *ai.ProviderError
	var integrityErr *domain.DataIntegrityError
	var policyErr *policy.PolicyViolationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case domain.IsValidation(err), errors.As(err, &policyErr):
		return ClassValidation
	case errors.As(err, &integrityErr):
		return ClassDataIntegrity
	case errors.As(err, &providerErr):
		if providerErr.Transient {
			return ClassTransientProvider
		}
		return ClassPermanentProvider
	case errors.Is(err, ai.ErrProviderUnavailable):
		return ClassPermanentProvider
	case ai.IsTransient(err):
		return ClassTransientProvider
	default:
		return ClassInternal
	}
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
