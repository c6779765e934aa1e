package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gasforge/internal/models"
)

// ErrEnqueue is returned when a job could not be durably inserted. The
// triggering request is not considered accepted and must tell the user.
var ErrEnqueue = errors.New("failed to enqueue job")

const (
	enqueueAttempts     = 3
	enqueueInitialDelay = time.Second
)

// JobQueueStore is the durable persistence consumed by the queue manager.
// *database.JobStore is the production implementation.
type JobQueueStore interface {
	Insert(ctx context.Context, job *models.Job) (*models.Job, error)
	SelectAndLease(ctx context.Context, batchSize int) ([]models.Job, error)
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkRetry(ctx context.Context, jobID string, retryCount int, errorMessage string) error
	MarkFailed(ctx context.Context, jobID string, retryCount int, errorMessage string) error
	CountByStatus(ctx context.Context) (models.QueueStats, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// QueueService orchestrates the job lifecycle: enqueue, lease-for-processing,
// complete, fail-with-retry, and the backpressure gate. Transient store errors
// on lease/complete/fail degrade to "no work done this tick" instead of
// propagating, because the caller is a best-effort background loop.
type QueueService struct {
	store JobQueueStore

	pendingCeiling   int64
	failureRateLimit float64
}

// NewQueueService creates a queue manager over the given job store
func NewQueueService(store JobQueueStore, pendingCeiling int64, failureRateLimit float64) *QueueService {
	if pendingCeiling <= 0 {
		pendingCeiling = 50
	}
	if failureRateLimit <= 0 {
		failureRateLimit = 0.1
	}
	return &QueueService{
		store:            store,
		pendingCeiling:   pendingCeiling,
		failureRateLimit: failureRateLimit,
	}
}

// Enqueue inserts a pending job, retrying transient store errors with
// exponential backoff. On exhaustion it returns ErrEnqueue: the job was not
// accepted.
func (s *QueueService) Enqueue(ctx context.Context, userID, sessionID string, payload json.RawMessage, priority, maxRetries int) (*models.Job, error) {
	job := &models.Job{
		UserID:     userID,
		SessionID:  sessionID,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: maxRetries,
	}

	var lastErr error
	delay := enqueueInitialDelay
	for attempt := 1; attempt <= enqueueAttempts; attempt++ {
		inserted, err := s.store.Insert(ctx, job)
		if err == nil {
			log.Printf("📬 [QUEUE] Job %s enqueued for user %s (priority: %d)", inserted.ID, userID, priority)
			return inserted, nil
		}
		lastErr = err

		if attempt < enqueueAttempts {
			log.Printf("⚠️  [QUEUE] Enqueue attempt %d/%d failed for user %s: %v", attempt, enqueueAttempts, userID, err)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrEnqueue, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrEnqueue, lastErr)
}

// Lease claims up to batchSize pending jobs ordered by (priority desc,
// createdAt asc), transitioning them to processing atomically. Store errors
// degrade to an empty batch.
func (s *QueueService) Lease(ctx context.Context, batchSize int) []models.Job {
	jobs, err := s.store.SelectAndLease(ctx, batchSize)
	if err != nil {
		log.Printf("❌ [QUEUE] Lease failed: %v", err)
		return nil
	}
	return jobs
}

// Complete transitions a processing job to completed
func (s *QueueService) Complete(ctx context.Context, jobID string) {
	if err := s.store.MarkCompleted(ctx, jobID); err != nil {
		log.Printf("❌ [QUEUE] Failed to complete job %s: %v", jobID, err)
		return
	}
	log.Printf("✅ [QUEUE] Job %s completed", jobID)
}

// Fail either resets the job to pending with an incremented retry count
// (while retryCount+1 < maxRetries and shouldRetry) or moves it to terminal
// failed. It reports whether the failure was terminal.
func (s *QueueService) Fail(ctx context.Context, jobID, errorMessage string, shouldRetry bool) (terminal bool) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		log.Printf("❌ [QUEUE] Failed to load job %s for failure handling: %v", jobID, err)
		return false
	}
	if job == nil {
		log.Printf("⚠️  [QUEUE] Job %s not found for failure handling", jobID)
		return false
	}

	retryCount := job.RetryCount + 1
	if shouldRetry && retryCount < job.MaxRetries {
		if err := s.store.MarkRetry(ctx, jobID, retryCount, errorMessage); err != nil {
			log.Printf("❌ [QUEUE] Failed to requeue job %s: %v", jobID, err)
			return false
		}
		log.Printf("🔁 [QUEUE] Job %s marked for retry (%d/%d): %s", jobID, retryCount, job.MaxRetries, errorMessage)
		return false
	}

	if err := s.store.MarkFailed(ctx, jobID, retryCount, errorMessage); err != nil {
		log.Printf("❌ [QUEUE] Failed to mark job %s failed: %v", jobID, err)
		return false
	}
	log.Printf("💀 [QUEUE] Job %s permanently failed after %d attempts: %s", jobID, retryCount, errorMessage)
	return true
}

// Cancel moves a pending job to failed on the owner's request. Returns false
// when the job does not exist, does not belong to userID, or already left the
// pending state.
func (s *QueueService) Cancel(ctx context.Context, jobID, userID string) bool {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil || job == nil {
		log.Printf("⚠️  [QUEUE] Job %s not found for cancellation", jobID)
		return false
	}
	if job.UserID != userID {
		log.Printf("⚠️  [QUEUE] Unauthorized cancellation attempt on job %s by user %s", jobID, userID)
		return false
	}
	if job.Status != models.JobStatusPending {
		return false
	}

	if err := s.store.MarkFailed(ctx, jobID, job.RetryCount, "cancelled by user"); err != nil {
		log.Printf("❌ [QUEUE] Failed to cancel job %s: %v", jobID, err)
		return false
	}
	log.Printf("🚫 [QUEUE] Job %s cancelled by user %s", jobID, userID)
	return true
}

// Stats returns per-status job counts
func (s *QueueService) Stats(ctx context.Context) (models.QueueStats, error) {
	return s.store.CountByStatus(ctx)
}

// ShouldAcceptNewJobs is the backpressure gate consulted before enqueueing
// non-critical work: false when the pending backlog exceeds the ceiling or
// the failure rate among finished jobs exceeds the configured fraction.
// When the store is unreachable the gate defaults to permissive, favoring
// availability.
func (s *QueueService) ShouldAcceptNewJobs(ctx context.Context) bool {
	stats, err := s.store.CountByStatus(ctx)
	if err != nil {
		log.Printf("⚠️  [QUEUE] Backpressure check failed, accepting jobs: %v", err)
		return true
	}

	if stats.Pending > s.pendingCeiling {
		log.Printf("⚠️  [QUEUE] High queue load, rejecting new jobs (pending: %d)", stats.Pending)
		return false
	}

	if finished := stats.FinishedTotal(); finished > 0 {
		failureRate := float64(stats.Failed) / float64(finished)
		if failureRate > s.failureRateLimit {
			log.Printf("⚠️  [QUEUE] High failure rate, rejecting new jobs (%.0f%%)", failureRate*100)
			return false
		}
	}

	return true
}

// RequeueStale resets jobs stuck in processing longer than olderThan back to
// pending so a crashed worker cannot strand them
func (s *QueueService) RequeueStale(ctx context.Context, olderThan time.Duration) int64 {
	count, err := s.store.RequeueStale(ctx, olderThan)
	if err != nil {
		log.Printf("❌ [QUEUE] Stale job reclaim failed: %v", err)
		return 0
	}
	if count > 0 {
		log.Printf("♻️  [QUEUE] Requeued %d stale processing jobs", count)
	}
	return count
}
