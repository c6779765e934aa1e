package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gasforge/internal/models"

	"github.com/google/uuid"
)

// JobStore is the durable FIFO-with-priority persistence for generation jobs.
// The queue manager treats it as the single authoritative record of job state;
// the atomic lease transition is what guarantees no two processes pick up the
// same pending job.
type JobStore struct {
	db *DB
}

// NewJobStore creates a job store over the shared MySQL connection
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, user_id, session_id, payload, status, priority, retry_count, max_retries,
	COALESCE(error_message, ''), created_at, leased_at, completed_at`

// Insert stores a new pending job and returns it with its generated id
func (s *JobStore) Insert(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = models.DefaultMaxRetries
	}
	job.Status = models.JobStatusPending
	job.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_queue (id, user_id, session_id, payload, status, priority, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.UserID, job.SessionID, []byte(job.Payload), job.Status, job.Priority, job.RetryCount, job.MaxRetries, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	return job, nil
}

// SelectAndLease atomically claims up to batchSize pending jobs ordered by
// (priority desc, created_at asc) and transitions them to processing. The
// SELECT ... FOR UPDATE SKIP LOCKED closes the window where a pending job
// would be visible to two concurrent leasers.
func (s *JobStore) SelectAndLease(ctx context.Context, batchSize int) ([]models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_queue
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending jobs: %w", err)
	}

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	leasedAt := time.Now().UTC()
	for i := range jobs {
		_, err := tx.ExecContext(ctx, `
			UPDATE generation_queue
			SET status = 'processing', leased_at = ?
			WHERE id = ?
		`, leasedAt, jobs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to lease job %s: %w", jobs[i].ID, err)
		}
		jobs[i].Status = models.JobStatusProcessing
		t := leasedAt
		jobs[i].LeasedAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	return jobs, nil
}

// GetByID returns a single job
func (s *JobStore) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_queue
		WHERE id = ?
	`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// MarkCompleted transitions a processing job to completed
func (s *JobStore) MarkCompleted(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generation_queue
		SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'processing'
	`, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// MarkRetry resets a job to pending with an incremented retry count so it
// re-enters the lease pool
func (s *JobStore) MarkRetry(ctx context.Context, jobID string, retryCount int, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generation_queue
		SET status = 'pending', retry_count = ?, error_message = ?, leased_at = NULL
		WHERE id = ?
	`, retryCount, errorMessage, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job for retry: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to terminal failed with the final error and
// retry count recorded
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, retryCount int, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generation_queue
		SET status = 'failed', retry_count = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, retryCount, errorMessage, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// CountByStatus returns per-status job counts
func (s *JobStore) CountByStatus(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM generation_queue GROUP BY status
	`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueStats{}, fmt.Errorf("failed to scan job count: %w", err)
		}
		switch models.JobStatus(status) {
		case models.JobStatusPending:
			stats.Pending = count
		case models.JobStatusProcessing:
			stats.Processing = count
		case models.JobStatusCompleted:
			stats.Completed = count
		case models.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// RequeueStale resets jobs stuck in processing longer than olderThan back to
// pending. These are zombies from a crashed worker or an LLM call that never
// returned.
func (s *JobStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		UPDATE generation_queue
		SET status = 'pending', leased_at = NULL, error_message = 'reset after processing timeout'
		WHERE status = 'processing' AND leased_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var payload []byte
	var leasedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.UserID, &job.SessionID, &payload, &job.Status,
		&job.Priority, &job.RetryCount, &job.MaxRetries, &job.ErrorMessage,
		&job.CreatedAt, &leasedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Payload = payload
	if leasedAt.Valid {
		job.LeasedAt = &leasedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
