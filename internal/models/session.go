package models

import (
	"time"
)

// Session represents one user's in-flight conversation.
// The Context payload is owned by the chat-flow logic; the core treats it as opaque.
type Session struct {
	SessionID string                 `bson:"sessionId" json:"session_id"`
	UserID    string                 `bson:"userId" json:"user_id"`
	Context   map[string]interface{} `bson:"context,omitempty" json:"context,omitempty"`

	// Set by the queue processor when a generation job for this user completes,
	// so the next inbound message can branch on "a result is ready".
	LastGenerationDone bool   `bson:"lastGenerationDone" json:"last_generation_done"`
	LastJobID          string `bson:"lastJobId,omitempty" json:"last_job_id,omitempty"`

	CreatedAt      time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt      time.Time `bson:"updatedAt" json:"updated_at"`
	LastActivityAt time.Time `bson:"lastActivityAt" json:"last_activity_at"`
}

// Clone returns a deep-enough copy for handing out of the cache.
// The Context map is copied one level deep; values stay shared.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Context != nil {
		cp.Context = make(map[string]interface{}, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}
