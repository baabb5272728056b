package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/config"
	"github.com/researchdesk/api/internal/handler"
	"github.com/researchdesk/api/internal/logging"
	"github.com/researchdesk/api/internal/middleware"
	"github.com/researchdesk/api/internal/server"
	"github.com/researchdesk/api/internal/service"
	"github.com/researchdesk/api/internal/tracing"
	"github.com/researchdesk/api/internal/worker"
)

// @title          Research Desk API
// @version        1.0
// @description    Backend API for multi-agent company research reports.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
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

	logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing not initialized", zap.Error(err))
	}

	// Initialize Redis client
	redisClient := server.NewRedisClient(cfg.Redis)
	defer redisClient.Close()

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis not available", zap.Error(err))
	}

	// Job store with optional Postgres mirror and R2 archive
	store, closeStore, err := server.NewStore(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to initialize job store", zap.Error(err))
	}
	defer closeStore()

	// Initialize WebSocket hub
	hub := server.NewHub(cfg.Broadcast, logger)

	// Initialize external clients and the research pipeline
	providers := server.NewProviders(cfg)
	env := server.NewPipelineEnv(cfg, providers.Search, providers.LLM, hub, logger)
	runner, err := server.NewRunner(store, env)
	if err != nil {
		logger.Fatal("Failed to build research pipeline", zap.Error(err))
	}
	researchWorker := worker.NewResearchWorker(runner, logger.Named("worker"))

	// Dispatch through asynq, or run jobs in-process
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	var (
		dispatcher   service.Dispatcher
		workerServer *asynq.Server
		local        *worker.LocalDispatcher
	)
	switch cfg.Jobs.DispatchMode {
	case config.DispatchLocal:
		logger.Info("Local dispatch enabled, jobs run in-process")
		local = worker.NewLocalDispatcher(jobsCtx, researchWorker)
		dispatcher = local
	default:
		asynqClient := asynq.NewClient(server.AsynqRedisOpt(cfg.Redis))
		defer asynqClient.Close()
		dispatcher = service.NewAsynqDispatcher(asynqClient, cfg.Jobs.TTL)
		workerServer = server.NewWorkerServer(cfg, logger)
	}

	researchService := service.NewResearchService(store, dispatcher, hub, logger.Named("service"))

	// Initialize middleware
	var authMiddleware fiber.Handler
	if cfg.JWT.Enabled {
		authMiddleware = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	} else {
		logger.Info("JWT auth disabled, using identity headers")
		authMiddleware = middleware.Identity()
	}

	app := server.NewApp(server.Deps{
		Service:   researchService,
		Hub:       hub,
		Validator: validator.New(),
		Logger:    logger.Named("http"),
		Auth:      authMiddleware,
		Health: handler.NewHealthHandler(
			map[string]bool{
				"tavily":   providers.Search.IsConfigured(),
				"llm":      providers.LLM.IsConfigured(),
				"r2":       cfg.R2Configured(),
				"postgres": cfg.Postgres.Enabled,
				"auth":     cfg.JWT.Enabled,
			},
			map[string]handler.Check{
				"redis": func(ctx context.Context) bool {
					return redisClient.Ping(ctx).Err() == nil
				},
			},
		),
		RateLimiter:     middleware.NewRateLimiter(redisClient, logger.Named("ratelimit")),
		ResearchPerHour: cfg.RateLimit.ResearchPerHour,
	})

	// Start Asynq worker server
	if workerServer != nil {
		if err := startWorkerServer(workerServer, researchWorker); err != nil {
			logger.Fatal("Asynq worker error", zap.Error(err))
		}
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	logger.Info("Server starting", zap.String("addr", addr), zap.String("dispatch", cfg.Jobs.DispatchMode))
	if err := app.Listen(addr); err != nil {
		logger.Error("Server error", zap.Error(err))
	}

	if workerServer != nil {
		workerServer.Shutdown()
	}
	stopJobs()
	if local != nil {
		local.Wait()
	}
	if shutdownTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown error", zap.Error(err))
		}
	}
}

func startWorkerServer(srv *asynq.Server, researchWorker *worker.ResearchWorker) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeResearch, researchWorker.ProcessTask)

	return srv.Start(mux)
}
