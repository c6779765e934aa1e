package handlers

import (
	"log"
	"time"

	"gasforge/internal/services"

	"github.com/gofiber/fiber/v2"
)

// QueueAdminHandler exposes queue, lock and session internals to
// superadmins for operations and debugging.
type QueueAdminHandler struct {
	queue      *services.QueueService
	processor  *services.QueueProcessor
	sessions   *services.SessionCache
	locks      *services.LockService
	usage      *services.UsageLimiterService
	results    *services.MongoResultStore
	staleAfter time.Duration
}

// NewQueueAdminHandler creates a new queue admin handler
func NewQueueAdminHandler(queue *services.QueueService, processor *services.QueueProcessor,
	sessions *services.SessionCache, locks *services.LockService,
	usage *services.UsageLimiterService, results *services.MongoResultStore,
	staleAfter time.Duration) *QueueAdminHandler {
	return &QueueAdminHandler{
		queue:      queue,
		processor:  processor,
		sessions:   sessions,
		locks:      locks,
		usage:      usage,
		results:    results,
		staleAfter: staleAfter,
	}
}

// Stats returns counters for the queue, locks, sessions and usage.
// GET /api/admin/queue/stats
func (h *QueueAdminHandler) Stats(c *fiber.Ctx) error {
	queueStats, err := h.queue.Stats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to read queue stats",
		})
	}

	resp := fiber.Map{
		"queue":     queueStats,
		"in_flight": h.processor.InFlight(),
		"locks":     h.locks.Stats(),
		"sessions":  h.sessions.Stats(),
		"accepting": h.queue.ShouldAcceptNewJobs(c.Context()),
	}

	if h.usage != nil {
		generations, _ := h.usage.DailyCount(c.Context())
		tokens, _ := h.usage.DailyTokens(c.Context())
		resp["usage"] = fiber.Map{
			"generations_today": generations,
			"tokens_today":      tokens,
			"daily_budget":      h.usage.Budget(),
		}
	}

	return c.JSON(resp)
}

// Tick runs one processor pass immediately instead of waiting for the
// scheduler. POST /api/admin/queue/tick
func (h *QueueAdminHandler) Tick(c *fiber.Ctx) error {
	result := h.processor.RunOnce(c.Context())
	return c.JSON(result)
}

// Reclaim requeues jobs stuck in processing.
// POST /api/admin/queue/reclaim
func (h *QueueAdminHandler) Reclaim(c *fiber.Ctx) error {
	count := h.queue.RequeueStale(c.Context(), h.staleAfter)
	return c.JSON(fiber.Map{"reclaimed": count})
}

// CancelJob cancels a pending job on behalf of its owner.
// DELETE /api/admin/queue/jobs/:id?user_id=...
func (h *QueueAdminHandler) CancelJob(c *fiber.Ctx) error {
	jobID := c.Params("id")
	userID := c.Query("user_id")
	if jobID == "" || userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "job id and user_id are required",
		})
	}

	if !h.queue.Cancel(c.Context(), jobID, userID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "job not found, not owned by user, or no longer pending",
		})
	}

	log.Printf("🗑️ [ADMIN] Job %s cancelled for user %s", jobID, userID)
	return c.JSON(fiber.Map{"cancelled": jobID})
}

// LatestResult returns a user's most recent generated code.
// GET /api/admin/results/:userId
func (h *QueueAdminHandler) LatestResult(c *fiber.Ctx) error {
	if h.results == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "result storage not configured",
		})
	}

	userID := c.Params("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user id is required"})
	}

	result, err := h.results.LatestForUser(c.Context(), userID)
	if err != nil {
		log.Printf("❌ [ADMIN] Failed to load result for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load result"})
	}
	if result == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no result for user"})
	}

	return c.JSON(result)
}

// DeleteSession evicts a user's session from cache and durable store.
// DELETE /api/admin/sessions/:userId
func (h *QueueAdminHandler) DeleteSession(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user id is required"})
	}

	h.sessions.Delete(c.Context(), userID)
	log.Printf("🗑️ [ADMIN] Session deleted for user %s", userID)
	return c.JSON(fiber.Map{"deleted": userID})
}
