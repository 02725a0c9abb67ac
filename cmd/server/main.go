package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/legalsim/render-orchestrator/internal/auth"
	"github.com/legalsim/render-orchestrator/internal/client"
	"github.com/legalsim/render-orchestrator/internal/config"
	"github.com/legalsim/render-orchestrator/internal/determinism"
	"github.com/legalsim/render-orchestrator/internal/events"
	"github.com/legalsim/render-orchestrator/internal/handler"
	"github.com/legalsim/render-orchestrator/internal/middleware"
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

// @title          Render Orchestrator API
// @version        1.0
// @description    Queues, executes and tracks courtroom simulation renders.
// @BasePath       /
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	ctx := context.Background()
	redisOK := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
		redisOK = false
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	// Background components share one lifetime, ended after the pool drains.
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	hub := ws.NewHub()
	go hub.Run(bgCtx)

	// Job registry
	jobStore, err := store.New(cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	log.Printf("Job store: %s", cfg.Store.Backend)

	modes, err := policy.New(cfg.Policy, redisClient)
	if err != nil {
		log.Fatalf("Failed to initialize mode resolver: %v", err)
	}

	storage, err := client.NewStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	rend, err := renderer.New(cfg.Renderer)
	if err != nil {
		log.Fatalf("Failed to initialize renderer: %v", err)
	}
	log.Printf("Renderer: %s", rend.Name())

	// Golden registry: shared through redis when it is reachable
	var golden determinism.GoldenRegistry = determinism.NewMemoryGoldenRegistry()
	if redisOK {
		golden = determinism.NewRedisGoldenRegistry(redisClient)
	}
	determinismManager := determinism.NewManager(golden)

	renderQueue := queue.New(queue.Options{
		Capacity:  cfg.Render.QueueCapacity,
		ScanLimit: cfg.Render.QueueScanLimit,
	})

	tracker := progress.NewTracker(jobStore, hub, cfg.Render.ProgressBuffer)
	go tracker.Run(bgCtx)

	// Event sinks
	sinks := []events.Sink{events.NewHubSink(hub)}
	if cfg.Events.RedisEnabled {
		sinks = append(sinks, events.NewRedisSink(redisClient))
	}
	if cfg.Events.AsynqEnabled {
		sinks = append(sinks, events.NewAsynqSink(asynqClient))
	}
	dispatcher := events.NewDispatcher(events.Options{
		Buffer:    cfg.Events.Buffer,
		RetryBase: cfg.Events.RetryBase,
		RetryMax:  cfg.Events.RetryMax,
		// Clears the job's pending marker once every sink has the event.
		OnDelivered: events.MarkDelivered(jobStore),
	}, sinks...)
	dispatcher.Start()

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
	pool.SetSweepInterval(cfg.Render.SweepInterval)

	if n, err := pool.Recover(ctx); err != nil {
		log.Printf("Warning: job recovery incomplete: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d queued jobs", n)
	}
	pool.Start()

	renderService := service.NewRenderService(service.RenderServiceConfig{
		Store:       jobStore,
		Queue:       renderQueue,
		Modes:       modes,
		Validator:   service.NewValidator(cfg.Render),
		Determinism: determinismManager,
		Tracker:     tracker,
		Storage:     storage,
		Renderer:    rend,
		URLTTL:      cfg.Storage.URLTTL,
		Workers:     pool.Workers(),
	})

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(bgCtx, &cfg.Zitadel)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			tokenVerifier = jwksVerifier
			defer jwksVerifier.Close()
		}
	}

	renderHandler := handler.NewRenderHandler(renderService, validate, hub)
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(tokenVerifier, cfg.JWT.Secret).Authenticate()
	}
	var limiterRedis *redis.Client
	if redisOK {
		limiterRedis = redisClient
	}
	rateLimiter := middleware.NewRateLimiter(limiterRedis)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		stats := renderQueue.Stats()
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":    redisClient.Ping(c.UserContext()).Err() == nil,
				"store":    cfg.Store.Backend,
				"storage":  cfg.Storage.Backend,
				"renderer": rend.Name(),
				"auth":     tokenVerifier != nil || cfg.JWT.Secret != "",
			},
			"queue": stats,
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	renders := api.Group("/renders")
	renders.Post("/", rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour), renderHandler.Create)
	renders.Get("/", renderHandler.List)
	renders.Get("/queue/stats", renderHandler.QueueStats)
	renders.Get("/:jobId", renderHandler.Get)
	renders.Delete("/:jobId", renderHandler.Cancel)
	renders.Get("/:jobId/status", renderHandler.Status)
	renders.Post("/:jobId/cancel", renderHandler.Cancel)
	renders.Post("/:jobId/retry", renderHandler.Retry)
	renders.Get("/:jobId/download", renderHandler.Download)

	api.Get("/profiles", renderHandler.Profiles)
	api.Post("/determinism/test", rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour), renderHandler.DeterminismTest)

	// WebSocket routes. Browsers can't set headers on upgrade, so the token
	// may come in ?token=.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, apiAuthMiddleware)
	app.Get("/ws/renders/:jobId", websocket.New(renderHandler.Stream))

	// Timeline intake
	intake := startIntakeServer(cfg, redisOpt, renderService)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Printf("Server error: %v", err)
	}

	// Stop intake first so no new jobs arrive while workers hand theirs back.
	intake.Shutdown()
	if !pool.Stop(cfg.Render.ShutdownTimeout) {
		log.Println("Warning: some render attempts did not finish; they will be recovered on next start")
	}
	renderQueue.Close()
	dispatcher.Stop(10 * time.Second)
	stopBackground()
	if err := jobStore.Close(); err != nil {
		log.Printf("Job store close error: %v", err)
	}
	log.Println("Server stopped")
}

// startIntakeServer consumes timeline:compiled tasks from the timeline
// compiler.
func startIntakeServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, renderService *service.RenderService) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			worker.QueueTimeline: 1,
		},
		LogLevel: asynqLogLevel,
	})

	timelineWorker := worker.NewTimelineWorker(renderService)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeTimelineCompiled, timelineWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		log.Printf("Asynq intake server error: %v", err)
	}
	return srv
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
