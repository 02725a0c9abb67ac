package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/legalsim/render-orchestrator/internal/auth"
	"github.com/legalsim/render-orchestrator/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware checks tokens with the OIDC verifier and, when
// jwtSecret is set, falls back to legacy HMAC tokens.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{authenticator: auth.NewAuthenticator(verifier, jwtSecret)}
}

// Authenticate validates the bearer token from the Authorization header.
// Websocket upgrades may pass the token as ?token= instead.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var (
			id  *auth.Identity
			err error
		)
		if token := c.Query("token"); token != "" && c.Get(fiber.HeaderAuthorization) == "" {
			id, err = m.authenticator.IdentifyToken(token)
		} else {
			id, err = m.authenticator.Identify(c.Get(fiber.HeaderAuthorization))
		}
		if err != nil {
			return response.Unauthorized(c, authMessage(err))
		}

		setIdentity(c, id)
		return c.Next()
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "Missing authorization header"
	case errors.Is(err, auth.ErrMalformed):
		return "Invalid authorization header format"
	case errors.Is(err, auth.ErrNotConfigured):
		return "Authentication not configured"
	default:
		return "Invalid or expired token"
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
