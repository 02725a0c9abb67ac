package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/legalsim/render-orchestrator/internal/auth"
	"github.com/legalsim/render-orchestrator/internal/middleware"
)

// AuthHandler answers the gateway's ForwardAuth checks.
type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string) *AuthHandler {
	return &AuthHandler{authenticator: auth.NewAuthenticator(verifier, jwtSecret)}
}

// Verify handles GET /auth/verify. Returns 200 with X-User-* headers on
// success, 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	id, err := h.authenticator.Identify(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set(middleware.HeaderUserID, id.UserID)
	c.Set(middleware.HeaderUserEmail, id.Email)
	if id.Name != "" {
		c.Set(middleware.HeaderUserName, id.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
