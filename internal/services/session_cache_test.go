package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gasforge/internal/models"
)

// memSessionStore is an in-memory SessionStore for tests.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	saves    int
	deletes  int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*models.Session)}
}

func (s *memSessionStore) Load(ctx context.Context, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	return session.Clone(), nil
}

func (s *memSessionStore) Save(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.UserID] = session.Clone()
	s.saves++
	return nil
}

func (s *memSessionStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	s.deletes++
	return nil
}

func newTestCache(ttl time.Duration, capacity int, store SessionStore) *SessionCache {
	locks := NewLockService(5*time.Second, time.Millisecond)
	return NewSessionCache(ttl, capacity, store, locks)
}

func TestSessionCache_SetAndGet(t *testing.T) {
	cache := newTestCache(time.Minute, 10, nil)
	defer cache.Shutdown()

	created := cache.Set(context.Background(), "user1", map[string]interface{}{"step": "intake"})
	if created.SessionID == "" {
		t.Fatal("Expected a session ID to be assigned")
	}

	got, ok := cache.Get(context.Background(), "user1")
	if !ok {
		t.Fatal("Expected session to be present")
	}
	if got.SessionID != created.SessionID {
		t.Errorf("Session ID changed between Set and Get: %s vs %s", created.SessionID, got.SessionID)
	}
	if got.Context["step"] != "intake" {
		t.Errorf("Expected context to round-trip, got %v", got.Context)
	}
}

func TestSessionCache_MissReturnsFalse(t *testing.T) {
	cache := newTestCache(time.Minute, 10, nil)
	defer cache.Shutdown()

	if _, ok := cache.Get(context.Background(), "nobody"); ok {
		t.Error("Expected miss for unknown user")
	}
}

func TestSessionCache_SlidingExpiration(t *testing.T) {
	cache := newTestCache(80*time.Millisecond, 10, nil)
	defer cache.Shutdown()

	cache.Set(context.Background(), "user1", map[string]interface{}{})

	// Keep touching the session; each hit re-arms the TTL
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		if _, ok := cache.Get(context.Background(), "user1"); !ok {
			t.Fatalf("Session expired despite activity (iteration %d)", i)
		}
	}

	// Now go idle past the TTL
	time.Sleep(120 * time.Millisecond)
	if _, ok := cache.Get(context.Background(), "user1"); ok {
		t.Error("Expected session to expire after idle period")
	}
}

func TestSessionCache_CapacityEvictsLeastRecentlyActive(t *testing.T) {
	cache := newTestCache(time.Minute, 2, nil)
	defer cache.Shutdown()

	cache.Set(context.Background(), "userA", map[string]interface{}{})
	time.Sleep(5 * time.Millisecond)
	cache.Set(context.Background(), "userB", map[string]interface{}{})
	time.Sleep(5 * time.Millisecond)

	// Touch A so B becomes the least recently active
	if _, ok := cache.Get(context.Background(), "userA"); !ok {
		t.Fatal("userA should be present")
	}
	time.Sleep(5 * time.Millisecond)

	// C pushes the cache over capacity; B should go
	cache.Set(context.Background(), "userC", map[string]interface{}{})

	if _, ok := cache.Get(context.Background(), "userB"); ok {
		t.Error("Expected userB (least recently active) to be evicted")
	}
	if _, ok := cache.Get(context.Background(), "userA"); !ok {
		t.Error("userA should survive eviction")
	}
	if _, ok := cache.Get(context.Background(), "userC"); !ok {
		t.Error("userC should be present")
	}
}

func TestSessionCache_UpdateUnderLockCreatesSession(t *testing.T) {
	cache := newTestCache(time.Minute, 10, nil)
	defer cache.Shutdown()

	err := cache.UpdateUnderLock(context.Background(), "user1", "test", func(s *models.Session) error {
		s.Context["key"] = "value"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUnderLock failed: %v", err)
	}

	got, ok := cache.Get(context.Background(), "user1")
	if !ok {
		t.Fatal("Expected session to exist after update")
	}
	if got.Context["key"] != "value" {
		t.Errorf("Expected mutation to persist, got %v", got.Context)
	}
}

func TestSessionCache_UpdateUnderLockSerializes(t *testing.T) {
	cache := newTestCache(time.Minute, 10, nil)
	defer cache.Shutdown()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cache.UpdateUnderLock(context.Background(), "user1", "incr", func(s *models.Session) error {
				n, _ := s.Context["n"].(int)
				time.Sleep(time.Millisecond)
				s.Context["n"] = n + 1
				return nil
			})
			if err != nil {
				t.Errorf("UpdateUnderLock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, ok := cache.Get(context.Background(), "user1")
	if !ok {
		t.Fatal("Expected session to exist")
	}
	if n, _ := got.Context["n"].(int); n != writers {
		t.Errorf("Expected n=%d, got %d (interleaved read-modify-write)", writers, n)
	}
}

func TestSessionCache_UpdateUnderLockFnErrorDiscardsWrite(t *testing.T) {
	cache := newTestCache(time.Minute, 10, nil)
	defer cache.Shutdown()

	cache.Set(context.Background(), "user1", map[string]interface{}{"state": "before"})

	sentinel := errors.New("validation failed")
	err := cache.UpdateUnderLock(context.Background(), "user1", "test", func(s *models.Session) error {
		s.Context["state"] = "after"
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected fn error to propagate, got %v", err)
	}

	got, _ := cache.Get(context.Background(), "user1")
	if got.Context["state"] != "before" {
		t.Errorf("Failed update must not be stored, got state=%v", got.Context["state"])
	}
}

func TestSessionCache_RotatePreservesPayload(t *testing.T) {
	cache := newTestCache(time.Minute, 10, nil)
	defer cache.Shutdown()

	created := cache.Set(context.Background(), "user1", map[string]interface{}{"history": "kept"})

	newID, err := cache.RotateSessionID(context.Background(), "user1")
	if err != nil {
		t.Fatalf("RotateSessionID failed: %v", err)
	}
	if newID == created.SessionID {
		t.Error("Expected a fresh session ID")
	}

	got, ok := cache.Get(context.Background(), "user1")
	if !ok {
		t.Fatal("Session should survive rotation")
	}
	if got.SessionID != newID {
		t.Errorf("Expected rotated ID %s, got %s", newID, got.SessionID)
	}
	if got.Context["history"] != "kept" {
		t.Errorf("Rotation must preserve payload, got %v", got.Context)
	}
}

func TestSessionCache_RotateMissingSession(t *testing.T) {
	cache := newTestCache(time.Minute, 10, nil)
	defer cache.Shutdown()

	if _, err := cache.RotateSessionID(context.Background(), "nobody"); err == nil {
		t.Error("Expected error rotating a nonexistent session")
	}
}

func TestSessionCache_ReadThroughFromStore(t *testing.T) {
	store := newMemSessionStore()
	now := time.Now()
	store.sessions["user1"] = &models.Session{
		SessionID:      "sess_stored",
		UserID:         "user1",
		Context:        map[string]interface{}{"from": "mongo"},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	cache := newTestCache(time.Minute, 10, store)
	defer cache.Shutdown()

	got, ok := cache.Get(context.Background(), "user1")
	if !ok {
		t.Fatal("Expected read-through hit from durable store")
	}
	if got.Context["from"] != "mongo" {
		t.Errorf("Expected stored payload, got %v", got.Context)
	}
}

func TestSessionCache_WriteBehindReachesStore(t *testing.T) {
	store := newMemSessionStore()
	cache := newTestCache(time.Minute, 10, store)
	defer cache.Shutdown()

	cache.Set(context.Background(), "user1", map[string]interface{}{"durable": true})

	// The sync worker runs asynchronously; poll briefly
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if stored, _ := store.Load(context.Background(), "user1"); stored != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected write-behind to persist the session to the store")
}

func TestSessionCache_DeleteRemovesEverywhere(t *testing.T) {
	store := newMemSessionStore()
	cache := newTestCache(time.Minute, 10, store)
	defer cache.Shutdown()

	cache.Set(context.Background(), "user1", map[string]interface{}{})
	cache.Delete(context.Background(), "user1")

	// The durable delete is write-behind; poll until it lands
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		stored, _ := store.Load(context.Background(), "user1")
		if stored == nil {
			if _, ok := cache.Get(context.Background(), "user1"); ok {
				t.Error("Expected session to be gone after delete")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected durable delete to reach the store")
}
