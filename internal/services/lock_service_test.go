package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockService_AcquireRelease(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	lockID, err := svc.Acquire(context.Background(), "user1", "update", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lockID == "" {
		t.Fatal("Expected non-empty lock ID")
	}

	if !svc.Release("user1", lockID) {
		t.Error("Release with matching lockID should succeed")
	}

	// Released key is immediately acquirable
	if _, ok := svc.TryAcquire("user1", "update"); !ok {
		t.Error("Expected key to be free after release")
	}
}

func TestLockService_SecondAcquirerTimesOut(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	if _, ok := svc.TryAcquire("user1", "first"); !ok {
		t.Fatal("First acquire should succeed")
	}

	_, err := svc.Acquire(context.Background(), "user1", "second", 100*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
}

func TestLockService_AcquireBackoffHonorsDeadline(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	if _, ok := svc.TryAcquire("user1", "first"); !ok {
		t.Fatal("First acquire should succeed")
	}

	// Backoff grows per retry but each sleep is clamped to the remaining
	// wait budget, so the timeout error arrives close to the deadline.
	start := time.Now()
	_, err := svc.Acquire(context.Background(), "user1", "second", 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Timed out before the deadline: %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Backoff overshot the deadline: %v", elapsed)
	}
}

func TestLockService_AcquireSucceedsAfterRelease(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	lockID, ok := svc.TryAcquire("user1", "first")
	if !ok {
		t.Fatal("First acquire should succeed")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		svc.Release("user1", lockID)
	}()

	// A waiter in its backoff loop picks the lock up once it frees.
	if _, err := svc.Acquire(context.Background(), "user1", "second", 2*time.Second); err != nil {
		t.Fatalf("Expected acquire after release, got %v", err)
	}
}

func TestLockService_DifferentKeysIndependent(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	if _, ok := svc.TryAcquire("user1", "op"); !ok {
		t.Fatal("user1 acquire should succeed")
	}
	if _, ok := svc.TryAcquire("user2", "op"); !ok {
		t.Error("user2 should not be blocked by user1's lock")
	}
}

func TestLockService_StaleLockReclaimed(t *testing.T) {
	svc := NewLockService(50*time.Millisecond, 10*time.Millisecond)

	staleID, ok := svc.TryAcquire("user1", "crashed")
	if !ok {
		t.Fatal("First acquire should succeed")
	}

	time.Sleep(60 * time.Millisecond)

	// Past staleAfter the lock is up for grabs
	newID, ok := svc.TryAcquire("user1", "recovery")
	if !ok {
		t.Fatal("Expected stale lock to be reclaimed")
	}
	if newID == staleID {
		t.Error("Reclaimed lock should have a fresh lockID")
	}

	// The original holder's release must not free the new holder's lock
	if svc.Release("user1", staleID) {
		t.Error("Release with stale lockID should be a no-op")
	}
	if _, ok := svc.TryAcquire("user1", "steal"); ok {
		t.Error("New holder's lock should still be held")
	}
	if !svc.Release("user1", newID) {
		t.Error("New holder should release normally")
	}
}

func TestLockService_ReleaseUnknownKey(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	if svc.Release("nobody", "some-id") {
		t.Error("Release of unheld key should return false")
	}
}

func TestLockService_WithLockMutualExclusion(t *testing.T) {
	svc := NewLockService(5*time.Second, time.Millisecond)

	const goroutines = 20
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.WithLock(context.Background(), "shared", "incr", 5*time.Second, func() error {
				// Unsynchronized read-modify-write; the lock is the only guard
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			if err != nil {
				t.Errorf("WithLock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Errorf("Expected counter=%d, got %d (lost updates)", goroutines, counter)
	}
}

func TestLockService_WithLockPropagatesError(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	sentinel := errors.New("boom")
	err := svc.WithLock(context.Background(), "user1", "op", time.Second, func() error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected fn error to propagate, got %v", err)
	}

	// Lock must be released even when fn fails
	if _, ok := svc.TryAcquire("user1", "after"); !ok {
		t.Error("Lock should be released after fn error")
	}
}

func TestLockService_AcquireRespectsContext(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	if _, ok := svc.TryAcquire("user1", "holder"); !ok {
		t.Fatal("First acquire should succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Acquire(ctx, "user1", "waiter", 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLockService_Stats(t *testing.T) {
	svc := NewLockService(5*time.Second, 10*time.Millisecond)

	svc.TryAcquire("user1", "op1")
	svc.TryAcquire("user2", "op2")

	stats := svc.Stats()
	if stats.ActiveLocks != 2 {
		t.Errorf("Expected 2 active locks, got %d", stats.ActiveLocks)
	}
}
