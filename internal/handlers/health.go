package handlers

import (
	"time"

	"gasforge/internal/database"
	"gasforge/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	db    *database.DB
	mongo *database.MongoDB
	redis *services.RedisService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.DB, mongo *database.MongoDB, redis *services.RedisService) *HealthHandler {
	return &HealthHandler{db: db, mongo: mongo, redis: redis}
}

// Handle responds with server health status. Degraded dependencies turn
// the status to "degraded" but the endpoint still returns 200; the
// process is alive and the pipeline fails open.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	checks := fiber.Map{}
	status := "healthy"

	if h.db != nil {
		if err := h.db.PingContext(c.Context()); err != nil {
			checks["mysql"] = err.Error()
			status = "degraded"
		} else {
			checks["mysql"] = "ok"
		}
	}

	if h.mongo != nil {
		if err := h.mongo.Ping(c.Context()); err != nil {
			checks["mongodb"] = err.Error()
			status = "degraded"
		} else {
			checks["mongodb"] = "ok"
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(c.Context()); err != nil {
			checks["redis"] = err.Error()
			status = "degraded"
		} else {
			checks["redis"] = "ok"
		}
	}

	return c.JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
