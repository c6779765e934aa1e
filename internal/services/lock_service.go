package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"gasforge/internal/models"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// caller's wait budget. It is the one lock error that propagates: a caller
// that cannot get exclusive access must not proceed with a read-modify-write.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// LockService provides per-key mutual exclusion for multi-step session
// mutations. Locks held longer than staleAfter are considered abandoned and
// may be reclaimed by any acquirer, so a crashed holder cannot deadlock all
// future operations for that user.
type LockService struct {
	mu            sync.Mutex
	locks         map[string]*models.Lock
	staleAfter    time.Duration
	retryInterval time.Duration
	metrics       *Metrics
}

// NewLockService creates a lock service with the given staleness threshold
// and acquire polling interval
func NewLockService(staleAfter, retryInterval time.Duration) *LockService {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Second
	}
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	return &LockService{
		locks:         make(map[string]*models.Lock),
		staleAfter:    staleAfter,
		retryInterval: retryInterval,
	}
}

// Instrument attaches Prometheus metrics for lock waits and timeouts
func (s *LockService) Instrument(m *Metrics) {
	s.metrics = m
}

// Acquire blocks until a lock on key is obtained or timeout elapses.
// Waiting is retry-with-backoff, not a busy spin: the delay starts at
// retryInterval, doubles per attempt up to 10x, and carries jitter so
// contending waiters do not retry in lockstep.
func (s *LockService) Acquire(ctx context.Context, key, operation string, timeout time.Duration) (string, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	maxDelay := 10 * s.retryInterval
	delay := s.retryInterval

	for {
		if lockID, ok := s.tryAcquireLocked(key, operation); ok {
			if s.metrics != nil {
				s.metrics.LockWaits.Observe(time.Since(start).Seconds())
			}
			return lockID, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if s.metrics != nil {
				s.metrics.LockTimeouts.Inc()
			}
			return "", fmt.Errorf("%w: key=%s operation=%s after %v", ErrLockTimeout, key, operation, timeout)
		}

		// Jitter up to half the current delay, never sleeping past the deadline.
		wait := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// TryAcquire attempts to take the lock without waiting
func (s *LockService) TryAcquire(key, operation string) (string, bool) {
	return s.tryAcquireLocked(key, operation)
}

func (s *LockService) tryAcquireLocked(key, operation string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepAbandoned()

	existing, held := s.locks[key]
	if held {
		if existing.Age() <= s.staleAfter {
			return "", false
		}
		// Stale holder: reclaim. The original holder's release will then fail
		// harmlessly because its lockID no longer matches.
		log.Printf("⚠️  [LOCK] Force releasing stale lock for %s (operation: %s, age: %v)",
			key, existing.Operation, existing.Age())
	}

	lock := &models.Lock{
		LockID:     uuid.NewString(),
		OwnerKey:   key,
		Operation:  operation,
		AcquiredAt: time.Now(),
	}
	s.locks[key] = lock
	return lock.LockID, true
}

// Release frees the lock only if lockID matches the stored one. A mismatch
// means the lock was reclaimed while we held it; releasing would steal the
// new holder's lock, so it is a logged no-op.
func (s *LockService) Release(key, lockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok {
		return false
	}
	if lock.LockID != lockID {
		log.Printf("⚠️  [LOCK] Release lockID mismatch for %s (operation: %s)", key, lock.Operation)
		return false
	}

	delete(s.locks, key)
	return true
}

// WithLock acquires, runs fn, and releases on every exit path. fn's error is
// propagated unchanged.
func (s *LockService) WithLock(ctx context.Context, key, operation string, timeout time.Duration, fn func() error) error {
	lockID, err := s.Acquire(ctx, key, operation, timeout)
	if err != nil {
		return err
	}
	defer s.Release(key, lockID)

	return fn()
}

// sweepAbandoned drops locks older than twice the staleness threshold.
// Called opportunistically under s.mu on acquire attempts, so the table
// cannot grow without bound when holders crash. No dedicated timer.
func (s *LockService) sweepAbandoned() {
	cutoff := 2 * s.staleAfter
	for key, lock := range s.locks {
		if lock.Age() > cutoff {
			log.Printf("⚠️  [LOCK] Removing abandoned lock for %s (operation: %s, age: %v)",
				key, lock.Operation, lock.Age())
			delete(s.locks, key)
		}
	}
}

// Stats returns a snapshot of the lock table for the admin surface
func (s *LockService) Stats() models.LockStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.LockStats{ActiveLocks: len(s.locks)}
	for _, lock := range s.locks {
		stats.Locks = append(stats.Locks, models.LockInfo{
			OwnerKey:  lock.OwnerKey,
			Operation: lock.Operation,
			Age:       lock.Age(),
		})
	}
	return stats
}
