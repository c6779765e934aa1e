package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"gasforge/internal/models"
	"gasforge/internal/services"

	"github.com/gofiber/fiber/v2"
)

// WebhookHandler receives message events from the chat channel and turns
// intake-ready ones into generation jobs.
type WebhookHandler struct {
	secret   string
	sessions *services.SessionCache
	queue    *services.QueueService
	dedup    *services.DedupService
	notifier *services.NotifierService
	metrics  *services.Metrics
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(secret string, sessions *services.SessionCache, queue *services.QueueService,
	dedup *services.DedupService, notifier *services.NotifierService, metrics *services.Metrics) *WebhookHandler {
	return &WebhookHandler{
		secret:   secret,
		sessions: sessions,
		queue:    queue,
		dedup:    dedup,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Handle processes POST /api/webhook.
// Always returns 200 once the signature checks out; the channel retries
// non-2xx responses and redelivery is handled through dedup instead.
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	if h.secret != "" {
		signature := c.Get("X-Webhook-Signature")
		if signature == "" {
			signature = c.Get("X-Hub-Signature-256") // GitHub-style header
		}
		if !verifySignature(c.Body(), h.secret, signature) {
			log.Printf("🚫 [WEBHOOK] Invalid signature from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
		}
	}

	var req models.WebhookRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	accepted := 0
	for i := range req.Events {
		if h.handleEvent(c, &req.Events[i]) {
			accepted++
		}
	}

	return c.JSON(fiber.Map{
		"received": len(req.Events),
		"accepted": accepted,
	})
}

// handleEvent processes a single event and reports whether a job was enqueued.
func (h *WebhookHandler) handleEvent(c *fiber.Ctx, ev *models.InboundEvent) bool {
	if ev.UserID == "" {
		return false
	}

	if !h.dedup.FirstSeen(ev.DeliveryID) {
		if h.metrics != nil {
			h.metrics.JobsFailed.WithLabelValues("duplicate").Inc()
		}
		return false
	}

	// Fold the event into the session whether or not a job comes out of
	// it; partial context (menu taps, postbacks) accumulates until a
	// generation request is complete.
	err := h.sessions.UpdateUnderLock(c.Context(), ev.UserID, "webhook", func(s *models.Session) error {
		for k, v := range ev.Context {
			s.Context[k] = v
		}
		if ev.Text != "" {
			s.Context["lastMessage"] = ev.Text
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, services.ErrLockTimeout) {
			log.Printf("⏱️ [WEBHOOK] Lock timeout for user %s, asking to retry", ev.UserID)
			h.reply(c, ev.UserID, "lock_retry")
			return false
		}
		log.Printf("❌ [WEBHOOK] Session update failed for %s: %v", ev.UserID, err)
		return false
	}

	if !ev.IntakeReady {
		return false
	}

	// Backpressure: refuse new work when the queue is saturated or failing.
	if !h.queue.ShouldAcceptNewJobs(c.Context()) {
		log.Printf("🛑 [WEBHOOK] Queue saturated, rejecting job for %s", ev.UserID)
		h.reply(c, ev.UserID, "busy")
		return false
	}

	// Fresh session id before the job carries it outside this process.
	sessionID, err := h.sessions.RotateSessionID(c.Context(), ev.UserID)
	if err != nil {
		if errors.Is(err, services.ErrLockTimeout) {
			h.reply(c, ev.UserID, "lock_retry")
			return false
		}
		log.Printf("❌ [WEBHOOK] Session rotation failed for %s: %v", ev.UserID, err)
		return false
	}

	payload, err := json.Marshal(fiber.Map{
		"text":    ev.Text,
		"type":    ev.Type,
		"context": ev.Context,
	})
	if err != nil {
		log.Printf("❌ [WEBHOOK] Payload marshal failed for %s: %v", ev.UserID, err)
		return false
	}

	job, err := h.queue.Enqueue(c.Context(), ev.UserID, sessionID, payload, ev.Priority, models.DefaultMaxRetries)
	if err != nil {
		log.Printf("❌ [WEBHOOK] Enqueue failed for %s: %v", ev.UserID, err)
		h.reply(c, ev.UserID, "enqueue_failed")
		return false
	}

	if h.metrics != nil {
		h.metrics.JobsEnqueued.Inc()
	}
	log.Printf("📥 [WEBHOOK] Enqueued job %s for user %s", job.ID, ev.UserID)
	h.reply(c, ev.UserID, "accepted")
	return true
}

// reply sends a templated message back to the user, best effort.
func (h *WebhookHandler) reply(c *fiber.Ctx, userID, templateKey string) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(c.Context(), userID, h.notifier.Render(templateKey, nil)); err != nil {
		log.Printf("⚠️ [WEBHOOK] Reply to %s failed: %v", userID, err)
	}
}

// verifySignature verifies an HMAC-SHA256 signature over the raw body
func verifySignature(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	// Strip "sha256=" prefix if present (GitHub-style)
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
