package models

import "time"

// Lock represents an exclusive, timeout-bounded claim on a key, used to
// serialize multi-step session mutations for a single user
type Lock struct {
	LockID     string    `json:"lock_id"`
	OwnerKey   string    `json:"owner_key"`
	Operation  string    `json:"operation"` // diagnostic only
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the lock has been held
func (l *Lock) Age() time.Duration {
	return time.Since(l.AcquiredAt)
}

// LockStats is a snapshot of the lock table for the admin surface
type LockStats struct {
	ActiveLocks int        `json:"active_locks"`
	Locks       []LockInfo `json:"locks,omitempty"`
}

// LockInfo describes a single held lock without exposing its id
type LockInfo struct {
	OwnerKey  string        `json:"owner_key"`
	Operation string        `json:"operation"`
	Age       time.Duration `json:"age"`
}
