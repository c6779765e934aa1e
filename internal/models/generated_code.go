package models

import "time"

// GeneratedCode is the durable record of a completed generation job's
// output. Written once per completed job; the webhook flow reads it back
// when the user asks for their result.
type GeneratedCode struct {
	JobID     string    `bson:"jobId" json:"job_id"`
	UserID    string    `bson:"userId" json:"user_id"`
	SessionID string    `bson:"sessionId" json:"session_id"`
	Summary   string    `bson:"summary" json:"summary"`
	Code      string    `bson:"code" json:"code"`
	Tokens    int64     `bson:"tokens" json:"tokens"`
	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
}
