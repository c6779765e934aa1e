package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a generation job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// DefaultMaxRetries is applied when Enqueue is called with maxRetries <= 0
const DefaultMaxRetries = 3

// Job represents one unit of background code-generation work derived from a
// completed conversational intake. Jobs live in the MySQL generation_queue
// table and are never physically deleted by the core.
type Job struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"` // higher runs first
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LeasedAt     *time.Time      `json:"leased_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// QueueStats holds per-status job counts for backpressure decisions and the
// admin surface
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// FinishedTotal returns completed+failed, the denominator for the failure-rate
// backpressure check
func (s QueueStats) FinishedTotal() int64 {
	return s.Completed + s.Failed
}
