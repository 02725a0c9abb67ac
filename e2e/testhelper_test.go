package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/legalsim/render-orchestrator/internal/auth"
	"github.com/legalsim/render-orchestrator/internal/client"
	"github.com/legalsim/render-orchestrator/internal/config"
	"github.com/legalsim/render-orchestrator/internal/determinism"
	"github.com/legalsim/render-orchestrator/internal/events"
	"github.com/legalsim/render-orchestrator/internal/handler"
	"github.com/legalsim/render-orchestrator/internal/middleware"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/policy"
	"github.com/legalsim/render-orchestrator/internal/progress"
	"github.com/legalsim/render-orchestrator/internal/queue"
	"github.com/legalsim/render-orchestrator/internal/renderer"
	"github.com/legalsim/render-orchestrator/internal/retry"
	"github.com/legalsim/render-orchestrator/internal/service"
	"github.com/legalsim/render-orchestrator/internal/store"
	ws "github.com/legalsim/render-orchestrator/internal/websocket"
	"github.com/legalsim/render-orchestrator/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// demonstrativeCase is registered as DEMONSTRATIVE in the mode resolver.
const demonstrativeCase = "case-court"

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	redis *redis.Client
	store store.Store
}

// setupApp wires the same stack as main.go against an in-process redis,
// the simulated renderer and local artifact storage.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{
		Store:  config.StoreConfig{Backend: "redis"},
		Policy: config.PolicyConfig{Backend: "redis", DefaultMode: "SANDBOX"},
		Render: config.RenderConfig{
			Workers:           2,
			QueueCapacity:     50,
			MinWidth:          16,
			MaxWidth:          3840,
			MinHeight:         16,
			MaxHeight:         2160,
			MinFPS:            1,
			MaxFPS:            60,
			MaxTotalFrames:    10000,
			DefaultWidth:      640,
			DefaultHeight:     360,
			DefaultFPS:        24,
			DefaultMaxRetries: 2,
			MaxRetriesLimit:   5,
			BackoffBase:       10 * time.Millisecond,
			BackoffMax:        50 * time.Millisecond,
			PerFrameBudget:    time.Second,
			DeadlineGrace:     time.Second,
			ProgressBuffer:    64,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	jobStore, err := store.New(cfg, redisClient)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	modes, err := policy.New(cfg.Policy, redisClient)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}
	if err := policy.NewRedisResolver(redisClient, model.ModeSandbox).SetMode(ctx, demonstrativeCase, model.ModeDemonstrative); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	storage, err := client.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	tracker := progress.NewTracker(jobStore, hub, cfg.Render.ProgressBuffer)
	go tracker.Run(ctx)
	t.Cleanup(cancel)

	dispatcher := events.NewDispatcher(events.Options{
		RetryBase:   10 * time.Millisecond,
		RetryMax:    100 * time.Millisecond,
		OnDelivered: events.MarkDelivered(jobStore),
	}, events.NewHubSink(hub), events.NewRedisSink(redisClient))
	dispatcher.Start()
	t.Cleanup(func() { dispatcher.Stop(time.Second) })

	rend := renderer.NewSimulatedRenderer(0)
	renderQueue := queue.New(queue.Options{Capacity: cfg.Render.QueueCapacity})
	t.Cleanup(renderQueue.Close)

	determinismManager := determinism.NewManager(determinism.NewRedisGoldenRegistry(redisClient))
	executor := worker.NewExecutor(worker.Deps{
		Store:          jobStore,
		Queue:          renderQueue,
		Renderer:       rend,
		Determinism:    determinismManager,
		Retry:          retry.NewController(cfg.Render.BackoffBase, cfg.Render.BackoffMax),
		Tracker:        tracker,
		Storage:        storage,
		Events:         dispatcher,
		PerFrameBudget: cfg.Render.PerFrameBudget,
		DeadlineGrace:  cfg.Render.DeadlineGrace,
	})
	pool := worker.NewPool(renderQueue, jobStore, executor, cfg.Render.Workers)
	pool.Start()
	t.Cleanup(func() { pool.Stop(5 * time.Second) })

	renderService := service.NewRenderService(service.RenderServiceConfig{
		Store:       jobStore,
		Queue:       renderQueue,
		Modes:       modes,
		Validator:   service.NewValidator(cfg.Render),
		Determinism: determinismManager,
		Tracker:     tracker,
		Storage:     storage,
		Renderer:    rend,
		URLTTL:      time.Hour,
		Workers:     pool.Workers(),
	})

	renderHandler := handler.NewRenderHandler(renderService, validator.New(), hub)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)
	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New()
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": redisClient.Ping(c.UserContext()).Err() == nil,
				"store": cfg.Store.Backend,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())
	renders := api.Group("/renders")
	// Use very high rate limits so tests don't get blocked
	renders.Post("/", rateLimiter.RenderLimit(10000), renderHandler.Create)
	renders.Get("/", renderHandler.List)
	renders.Get("/queue/stats", renderHandler.QueueStats)
	renders.Get("/:jobId", renderHandler.Get)
	renders.Delete("/:jobId", renderHandler.Cancel)
	renders.Get("/:jobId/status", renderHandler.Status)
	renders.Post("/:jobId/cancel", renderHandler.Cancel)
	renders.Post("/:jobId/retry", renderHandler.Retry)
	renders.Get("/:jobId/download", renderHandler.Download)
	api.Get("/profiles", renderHandler.Profiles)
	api.Post("/determinism/test", renderHandler.DeterminismTest)

	return &testApp{app: app, redis: redisClient, store: jobStore}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
