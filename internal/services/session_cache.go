package services

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"gasforge/internal/models"

	"github.com/google/uuid"
)

const (
	// sweepProbability controls the opportunistic expiry sweep: roughly this
	// fraction of Get calls pays for a full scan instead of a dedicated
	// background timer, which short-lived process environments cannot rely on.
	sweepProbability = 0.1

	// syncQueueSize bounds the write-behind queue to the durable store
	syncQueueSize = 256

	lockTimeout = 10 * time.Second
)

type syncOp struct {
	userID  string
	session *models.Session // nil means delete
}

// SessionCache is the in-memory store of per-user conversational state.
// Entries expire on a sliding TTL and the cache is capacity-bounded with
// least-recently-active eviction. It acts as a read-through/write-behind
// layer over the durable SessionStore: reads fall through on miss, writes
// update memory synchronously and the mirror asynchronously. Durable-store
// failures degrade to memory-only operation rather than failing the caller.
type SessionCache struct {
	mu       sync.Mutex
	sessions map[string]*models.Session

	ttl      time.Duration
	capacity int

	store SessionStore // optional durable mirror
	locks *LockService

	syncCh chan syncOp
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSessionCache creates a session cache. store may be nil (memory-only).
func NewSessionCache(ttl time.Duration, capacity int, store SessionStore, locks *LockService) *SessionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if capacity <= 0 {
		capacity = 1000
	}

	c := &SessionCache{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		capacity: capacity,
		store:    store,
		locks:    locks,
		syncCh:   make(chan syncOp, syncQueueSize),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.syncWorker()

	return c
}

// Get returns the user's session if present and not expired. A hit refreshes
// lastActivityAt, re-arming the sliding expiration. On a memory miss the
// durable store is consulted before declaring "no session".
func (c *SessionCache) Get(ctx context.Context, userID string) (*models.Session, bool) {
	c.mu.Lock()

	if rand.Float64() < sweepProbability {
		c.sweepExpired()
	}

	session, ok := c.sessions[userID]
	if ok {
		if time.Since(session.LastActivityAt) > c.ttl {
			delete(c.sessions, userID)
			c.mu.Unlock()
			log.Printf("⏰ [SESSION-CACHE] Session expired for user %s", userID)
			return nil, false
		}
		session.LastActivityAt = time.Now()
		cp := session.Clone()
		c.mu.Unlock()
		return cp, true
	}
	c.mu.Unlock()

	// Read-through: the durable store call is a suspension point, so it runs
	// outside the cache mutex.
	if c.store == nil {
		return nil, false
	}
	stored, err := c.store.Load(ctx, userID)
	if err != nil {
		log.Printf("⚠️  [SESSION-CACHE] Durable load failed for user %s: %v", userID, err)
		return nil, false
	}
	if stored == nil || time.Since(stored.LastActivityAt) > c.ttl {
		return nil, false
	}

	stored.LastActivityAt = time.Now()
	c.put(userID, stored)
	log.Printf("📥 [SESSION-CACHE] Session for user %s loaded from durable store", userID)
	return stored.Clone(), true
}

// Set creates or replaces the user's session payload and refreshes
// lastActivityAt. At capacity, the least-recently-active session is evicted
// before a new user is inserted.
func (c *SessionCache) Set(ctx context.Context, userID string, contextPayload map[string]interface{}) *models.Session {
	now := time.Now()

	c.mu.Lock()
	session, ok := c.sessions[userID]
	if !ok {
		session = &models.Session{
			SessionID: newSessionID(),
			UserID:    userID,
			CreatedAt: now,
		}
	}
	session.Context = contextPayload
	session.LastActivityAt = now
	session.UpdatedAt = now
	c.mu.Unlock()

	c.put(userID, session)
	c.enqueueSync(userID, session)
	return session.Clone()
}

// Delete removes the in-memory entry immediately. Deletion of the durable
// mirror is fire-and-forget: logged on failure, never blocking the caller.
func (c *SessionCache) Delete(ctx context.Context, userID string) {
	c.mu.Lock()
	delete(c.sessions, userID)
	c.mu.Unlock()

	c.enqueueSync(userID, nil)
	log.Printf("🗑️  [SESSION-CACHE] Session deleted for user %s", userID)
}

// UpdateUnderLock runs a read-modify-write of the user's session serialized by
// the lock manager, so two webhook deliveries for the same user arriving
// within milliseconds cannot interleave. fn receives the current session
// (created if absent) and mutates it in place.
func (c *SessionCache) UpdateUnderLock(ctx context.Context, userID, operation string, fn func(*models.Session) error) error {
	return c.locks.WithLock(ctx, userID, operation, lockTimeout, func() error {
		session, ok := c.Get(ctx, userID)
		if !ok {
			now := time.Now()
			session = &models.Session{
				SessionID:      newSessionID(),
				UserID:         userID,
				Context:        make(map[string]interface{}),
				CreatedAt:      now,
				LastActivityAt: now,
			}
		}
		if session.Context == nil {
			session.Context = make(map[string]interface{})
		}

		if err := fn(session); err != nil {
			return err
		}

		session.LastActivityAt = time.Now()
		session.UpdatedAt = session.LastActivityAt
		c.put(userID, session)
		c.enqueueSync(userID, session)
		return nil
	})
}

// RotateSessionID replaces the session identifier while preserving the
// conversational payload. Called at trust-boundary transitions (right before
// a job is enqueued on the user's behalf) to limit the blast radius of a
// leaked identifier.
func (c *SessionCache) RotateSessionID(ctx context.Context, userID string) (string, error) {
	var newID string
	err := c.locks.WithLock(ctx, userID, "rotate-session", lockTimeout, func() error {
		session, ok := c.Get(ctx, userID)
		if !ok {
			return fmt.Errorf("no session to rotate for user %s", userID)
		}

		oldID := session.SessionID
		newID = newSessionID()
		session.SessionID = newID
		session.UpdatedAt = time.Now()
		c.put(userID, session)
		c.enqueueSync(userID, session)

		log.Printf("🔄 [SESSION-CACHE] Session ID rotated for user %s (%s… → %s…)",
			userID, prefix(oldID, 10), prefix(newID, 10))
		return nil
	})
	return newID, err
}

// put stores a session, evicting the least-recently-active entry when a new
// user would push the cache over capacity
func (c *SessionCache) put(userID string, session *models.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sessions[userID]; !exists && len(c.sessions) >= c.capacity {
		if oldest := c.oldestUser(); oldest != "" {
			delete(c.sessions, oldest)
			log.Printf("📤 [SESSION-CACHE] Evicted least-recently-active session (user %s)", oldest)
		}
	}

	c.sessions[userID] = session
}

// oldestUser returns the userID with the smallest lastActivityAt.
// Caller holds c.mu.
func (c *SessionCache) oldestUser() string {
	var oldestID string
	var oldestTime time.Time
	for userID, session := range c.sessions {
		if oldestID == "" || session.LastActivityAt.Before(oldestTime) {
			oldestID = userID
			oldestTime = session.LastActivityAt
		}
	}
	return oldestID
}

// sweepExpired removes all expired entries. Caller holds c.mu.
func (c *SessionCache) sweepExpired() {
	now := time.Now()
	removed := 0
	for userID, session := range c.sessions {
		if now.Sub(session.LastActivityAt) > c.ttl {
			delete(c.sessions, userID)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("🧹 [SESSION-CACHE] Swept %d expired sessions", removed)
	}
}

// enqueueSync hands a snapshot to the write-behind worker. The queue is
// bounded; overflow drops the sync and logs it so memory pressure from a
// slow durable store stays observable instead of unbounded.
func (c *SessionCache) enqueueSync(userID string, session *models.Session) {
	if c.store == nil {
		return
	}

	op := syncOp{userID: userID}
	if session != nil {
		op.session = session.Clone()
	}

	select {
	case c.syncCh <- op:
	default:
		log.Printf("⚠️  [SESSION-CACHE] Sync queue full, dropping durable write for user %s", userID)
	}
}

func (c *SessionCache) syncWorker() {
	defer c.wg.Done()

	for {
		select {
		case op := <-c.syncCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var err error
			if op.session != nil {
				err = c.store.Save(ctx, op.session)
			} else {
				err = c.store.Delete(ctx, op.userID)
			}
			cancel()
			if err != nil {
				log.Printf("⚠️  [SESSION-CACHE] Durable sync failed for user %s: %v", op.userID, err)
			}
		case <-c.done:
			return
		}
	}
}

// Shutdown stops the write-behind worker
func (c *SessionCache) Shutdown() {
	close(c.done)
	c.wg.Wait()
}

// Size returns the number of entries currently in memory
func (c *SessionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Stats returns cache statistics for the admin surface
func (c *SessionCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	active := 0
	for _, session := range c.sessions {
		if now.Sub(session.LastActivityAt) <= c.ttl {
			active++
		}
	}

	return map[string]interface{}{
		"total_sessions":  len(c.sessions),
		"active_sessions": active,
		"capacity":        c.capacity,
		"sync_queue_len":  len(c.syncCh),
	}
}

func newSessionID() string {
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
