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
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/videoforge/api/internal/auth"
	"github.com/videoforge/api/internal/client"
	"github.com/videoforge/api/internal/config"
	"github.com/videoforge/api/internal/handler"
	"github.com/videoforge/api/internal/middleware"
	"github.com/videoforge/api/internal/service"
	"github.com/videoforge/api/internal/store"
	"github.com/videoforge/api/internal/worker"
)

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

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize external clients
	veoClient := client.NewVeoClient(&cfg.Veo)
	chromaClient := client.NewChromaClient(&cfg.Chroma)

	// Initialize R2 client (required: the asset store holds every video)
	r2Client, err := client.NewR2Client(&cfg.R2)
	if err != nil {
		log.Fatalf("Failed to initialize R2 storage: %v", err)
	}

	// Initialize OIDC JWKS verifier (optional - falls back to shared-secret JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize job store and service
	jobStore := store.NewRedisStore(redisClient)
	signedURLTTL := time.Duration(cfg.R2.SignedURLTTL) * time.Second
	jobService := service.NewJobService(jobStore, r2Client, asynqClient, signedURLTTL)

	// Initialize handlers
	videoHandler := handler.NewVideoHandler(jobService, validate)

	// Initialize middleware
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuth()
	} else {
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewHMACAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB, base64 frames are large
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

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":  redisClient.Ping(c.Context()).Err() == nil,
				"veo":    veoClient.IsConfigured(),
				"chroma": chromaClient.IsConfigured(),
				"r2":     r2Client.IsConfigured(),
				"auth":   jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	api.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), videoHandler.Generate)

	videos := api.Group("/videos")
	videos.Get("/", videoHandler.List)
	videos.Get("/:videoId", videoHandler.Get)
	videos.Post("/:videoId/refresh-url", videoHandler.RefreshURL)
	videos.Post("/:videoId/replace-background", rateLimiter.ReplaceLimit(cfg.RateLimit.ReplacePerHour), videoHandler.ReplaceBackground)
	videos.Delete("/:videoId", videoHandler.Delete)

	// Start Asynq worker server
	go startWorkerServer(cfg, jobService, veoClient, chromaClient, r2Client)

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

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	jobService *service.JobService,
	veoClient *client.VeoClient,
	chromaClient *client.ChromaClient,
	r2Client *client.R2Client,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"generation": 6,
				"compose":    4,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pollInterval := time.Duration(cfg.Veo.PollInterval) * time.Second
	pollTimeout := time.Duration(cfg.Veo.PollTimeout) * time.Second

	generationWorker := worker.NewGenerationWorker(jobService, veoClient, r2Client, pollInterval, pollTimeout)
	backgroundWorker := worker.NewBackgroundWorker(jobService, chromaClient, r2Client)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeGenerate, generationWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeReplaceBackground, backgroundWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
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
