package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/legalsim/render-orchestrator/internal/auth"
)

const testSecret = "test-secret"

func whoami(c *fiber.Ctx) error {
	return c.SendString(GetUserID(c) + "|" + GetUserEmail(c))
}

func TestAuthenticateLegacyToken(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(nil, testSecret).Authenticate(), whoami)

	token, err := auth.IssueLegacyToken(testSecret, "user-1", "a@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueLegacyToken failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "user-1|a@example.com" {
		t.Errorf("unexpected identity %q", body)
	}
}

func TestAuthenticateQueryToken(t *testing.T) {
	app := fiber.New()
	app.Get("/ws", NewAuthMiddleware(nil, testSecret).Authenticate(), whoami)

	token, _ := auth.IssueLegacyToken(testSecret, "user-2", "", 0)
	resp, err := app.Test(httptest.NewRequest("GET", "/ws?token="+token, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(nil, testSecret).Authenticate(), whoami)

	wrong, _ := auth.IssueLegacyToken("other-secret", "user-1", "", time.Hour)
	expired, _ := auth.IssueLegacyToken(testSecret, "user-1", "", -time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"wrong secret", "Bearer " + wrong},
		{"expired", "Bearer " + expired},
		{"garbage", "Bearer not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != 401 {
				t.Errorf("expected 401, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoami)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(HeaderUserID, "gw-user")
	req.Header.Set(HeaderUserEmail, "gw@example.com")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "gw-user|gw@example.com" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/me", nil))
	if resp.StatusCode != 401 {
		t.Errorf("expected 401 without headers, got %d", resp.StatusCode)
	}
}

func TestRenderLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	app := fiber.New()
	app.Post("/renders", GatewayAuthMiddleware(), NewRateLimiter(rdb).RenderLimit(2), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	send := func(user string) int {
		req := httptest.NewRequest("POST", "/renders", nil)
		req.Header.Set(HeaderUserID, user)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if code := send("alice"); code != fiber.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, code)
		}
	}
	if code := send("alice"); code != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", code)
	}
	if code := send("bob"); code != fiber.StatusAccepted {
		t.Fatalf("limit must be per user, got %d", code)
	}
	if ttl := mr.TTL("ratelimit:render:alice"); ttl <= 0 || ttl > time.Hour {
		t.Errorf("unexpected window ttl %s", ttl)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	app := fiber.New()
	app.Get("/x", NewRateLimiter(rdb).Limit("x", 1, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	resp, err := app.Test(httptest.NewRequest("GET", "/x", nil), 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected request through on redis outage, got %d", resp.StatusCode)
	}
}
