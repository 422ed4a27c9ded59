package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, tenant_id, type, status, payload, result, worker_id, attempts, next_retry_at, created_at, completed_at`

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(pool *pgxpool.Pool) *PostgresJobsRepository {
	return &PostgresJobsRepository{pool: pool}
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, type, status, payload, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		job.ID,
		job.TenantID,
		string(job.Type),
		string(job.Status),
		job.Payload,
		job.Attempts,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimJob locks the oldest claimable row with SKIP LOCKED so concurrent workers never
// receive the same job.
func (r *PostgresJobsRepository) ClaimJob(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', worker_id = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
				AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, workerID, now)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) CompleteJob(
	ctx context.Context,
	jobID string,
	result json.RawMessage,
	now time.Time,
) (*domain.Job, queue.Transition, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, worker_id = NULL, completed_at = $3
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns, jobID, result, now)

	job, err := scanJob(row)
	if err == nil {
		return job, queue.Transition{Status: job.Status, Attempts: job.Attempts, CompletedAt: job.CompletedAt}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.Transition{}, fmt.Errorf("complete job: %w", err)
	}
	// Not processing, or unknown.
	stored, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, queue.Transition{}, err
	}
	return stored, queue.Unchanged(stored), nil
}

func (r *PostgresJobsRepository) FailJob(
	ctx context.Context,
	jobID string,
	result json.RawMessage,
	now time.Time,
	permanent bool,
) (*domain.Job, queue.Transition, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, queue.Transition{}, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.Transition{}, ErrNotFound
		}
		return nil, queue.Transition{}, fmt.Errorf("lock job: %w", err)
	}
	if !queue.CanFinish(job) {
		return job, queue.Unchanged(job), nil
	}

	transition := failureTransition(job, now, permanent)
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, worker_id = NULL, next_retry_at = $4, completed_at = $5, result = $6
		WHERE id = $1 AND status = 'processing'
	`, jobID, string(transition.Status), transition.Attempts, transition.NextRetryAt, transition.CompletedAt, result)
	if err != nil {
		return nil, queue.Transition{}, fmt.Errorf("update failed job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, queue.Transition{}, fmt.Errorf("commit fail tx: %w", err)
	}

	transition.Apply(job)
	job.Result = result
	return job, transition, nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, int, error) {
	filter.normalize()
	where, args := buildJobFilters(filter)

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s FROM jobs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)+1, len(args)+2,
	)
	rows, err := r.pool.Query(ctx, listQuery, append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, total, nil
}

func buildJobFilters(filter JobFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("WHERE tenant_id = $1")
	args := []any{filter.TenantID}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query.WriteString(fmt.Sprintf(" AND status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query.WriteString(fmt.Sprintf(" AND type = $%d", len(args)))
	}
	return query.String(), args
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job      domain.Job
		jobType  string
		status   string
		payload  []byte
		result   []byte
		workerID *string
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&jobType,
		&status,
		&payload,
		&result,
		&workerID,
		&job.Attempts,
		&job.NextRetryAt,
		&job.CreatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	job.Result = json.RawMessage(result)
	if workerID != nil {
		job.WorkerID = *workerID
	}
	return &job, nil
}
