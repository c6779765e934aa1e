package handlers

import (
	"log"

	"gasforge/internal/config"
	"gasforge/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// AuthHandler issues and refreshes admin JWT tokens.
type AuthHandler struct {
	jwtAuth *auth.LocalJWTAuth
	cfg     *config.Config
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtAuth *auth.LocalJWTAuth, cfg *config.Config) *AuthHandler {
	return &AuthHandler{jwtAuth: jwtAuth, cfg: cfg}
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login verifies the admin password and issues a token pair.
// POST /api/auth/login
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	if h.jwtAuth == nil || h.cfg.AdminPasswordHash == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Admin login not configured",
		})
	}

	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	if req.UserID != h.cfg.AdminUserID {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credentials"})
	}

	ok, err := auth.VerifyPassword(h.cfg.AdminPasswordHash, req.Password)
	if err != nil {
		log.Printf("❌ [AUTH] Password verification error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if !ok {
		log.Printf("🚫 [AUTH] Failed login attempt for %s from %s", req.UserID, c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credentials"})
	}

	accessToken, refreshToken, err := h.jwtAuth.GenerateTokens(req.UserID, "admin")
	if err != nil {
		log.Printf("❌ [AUTH] Token generation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

// Refresh exchanges a valid refresh token for a new token pair.
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	if h.jwtAuth == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Admin login not configured",
		})
	}

	var req refreshRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	claims, err := h.jwtAuth.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid refresh token"})
	}

	accessToken, refreshToken, err := h.jwtAuth.GenerateTokens(claims.UserID, claims.Role)
	if err != nil {
		log.Printf("❌ [AUTH] Token generation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}
