package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

// JobStore is the Postgres-backed implementation of the scheduler's store
// contract: idempotent upserts keyed on job ID, loads ordered by due time.
type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) Save(ctx context.Context, job task.Job) error {
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts,
			next_run_at, every_ns, last_error, cancel_requested,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			next_run_at = EXCLUDED.next_run_at,
			last_error = EXCLUDED.last_error,
			cancel_requested = EXCLUDED.cancel_requested,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		job.ID, string(job.Kind), payload, string(job.Status),
		job.Attempts, job.MaxAttempts, job.NextRunAt, int64(job.Every),
		job.LastError, job.CancelRequested,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) LoadActive(ctx context.Context) ([]task.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts,
			next_run_at, every_ns, last_error, cancel_requested,
			created_at, updated_at, completed_at
		FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY next_run_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []task.Job
	for rows.Next() {
		var (
			job       task.Job
			kind      string
			status    string
			everyNS   int64
			completed *time.Time
		)
		if err := rows.Scan(&job.ID, &kind, &job.Payload, &status,
			&job.Attempts, &job.MaxAttempts, &job.NextRunAt, &everyNS,
			&job.LastError, &job.CancelRequested,
			&job.CreatedAt, &job.UpdatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Kind = task.Kind(kind)
		job.Status = task.Status(status)
		job.Every = time.Duration(everyNS)
		job.CompletedAt = completed
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
