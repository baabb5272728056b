package server

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/client"
	"github.com/researchdesk/api/internal/config"
	"github.com/researchdesk/api/internal/curation"
	"github.com/researchdesk/api/internal/jobstore"
	"github.com/researchdesk/api/internal/limiter"
	"github.com/researchdesk/api/internal/logging"
	"github.com/researchdesk/api/internal/persistence"
	"github.com/researchdesk/api/internal/pipeline"
	"github.com/researchdesk/api/internal/service"
	ws "github.com/researchdesk/api/internal/websocket"
)

// NewRedisClient connects to the configured redis
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// AsynqRedisOpt returns the asynq connection options for cfg
func AsynqRedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewHub builds the progress broadcaster
func NewHub(cfg config.BroadcastConfig, logger *zap.Logger) *ws.Hub {
	return ws.NewHub(
		ws.WithSendTimeout(cfg.SendTimeout),
		ws.WithBuffer(cfg.Buffer),
		ws.WithLogger(logger.Named("hub")),
	)
}

// NewStore builds the job store with its optional Postgres mirror and
// report archive. The returned close func releases the database handle.
func NewStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*jobstore.Store, func(), error) {
	var backend jobstore.Backend
	switch cfg.Jobs.Backend {
	case "memory":
		backend = jobstore.NewMemoryBackend()
	default:
		if redisClient == nil {
			return nil, nil, fmt.Errorf("redis backend requires a redis client")
		}
		backend = jobstore.NewRedisBackend(redisClient, cfg.Jobs.TTL)
	}

	opts := []jobstore.Option{jobstore.WithLogger(logger.Named("jobstore"))}
	closeFn := func() {}

	if cfg.Postgres.Enabled {
		if err := persistence.Migrate(cfg.Postgres.DSN, "up", 0); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		db, err := persistence.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		opts = append(opts, jobstore.WithPersistence(persistence.NewPostgresStore(db, logger.Named("postgres"))))
		closeFn = func() { _ = db.Close() }
	}

	if cfg.R2Configured() {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			logger.Warn("R2 client not initialized, reports will not be archived", zap.Error(err))
		} else {
			opts = append(opts, jobstore.WithArchiver(r2Client))
		}
	} else {
		logger.Info("R2 storage not configured, reports will not be archived")
	}

	return jobstore.New(backend, opts...), closeFn, nil
}

// NewPools builds the process-wide provider pools
func NewPools(cfg config.PoolsConfig, logger *zap.Logger) *limiter.Executor {
	return limiter.New([]limiter.PoolConfig{
		{Name: limiter.PoolSearch, Concurrency: cfg.Search.Concurrency, RatePerSecond: cfg.Search.RatePerSecond},
		{Name: limiter.PoolExtraction, Concurrency: cfg.Extraction.Concurrency, RatePerSecond: cfg.Extraction.RatePerSecond},
		{Name: limiter.PoolLLM, Concurrency: cfg.LLM.Concurrency, RatePerSecond: cfg.LLM.RatePerSecond},
	}, limiter.WithBatchSize(cfg.BatchSize), limiter.WithLogger(logger.Named("limiter")))
}

// Providers are the external clients a pipeline runs against
type Providers struct {
	Search *client.TavilyClient
	LLM    *client.ChatClient
}

// NewProviders builds the Tavily and chat clients. Extraction falls back
// to a local readability fetch when Tavily cannot extract a page.
func NewProviders(cfg *config.Config) Providers {
	return Providers{
		Search: client.NewTavilyClient(&cfg.Tavily, client.NewWebExtractor(cfg.Tavily.Timeout)),
		LLM:    client.NewChatClient(&cfg.LLM),
	}
}

// NewPipelineEnv builds the per-process pipeline environment
func NewPipelineEnv(cfg *config.Config, search client.SearchClient, llm client.LLMClient, publisher pipeline.Publisher, logger *zap.Logger) pipeline.Env {
	return pipeline.Env{
		Search:    search,
		LLM:       llm,
		Pools:     NewPools(cfg.Pools, logger),
		Publisher: publisher,
		Logger:    logger.Named("pipeline"),
		Curation: curation.Config{
			Threshold:      cfg.Curation.Threshold,
			MaxPerCategory: cfg.Curation.MaxPerCategory,
		},
		MaxReferences: cfg.Curation.MaxReferences,
		Briefing: pipeline.BriefingLimits{
			MaxDocChars:   cfg.Briefing.MaxDocChars,
			MaxTotalChars: cfg.Briefing.MaxTotalChars,
		},
	}
}

// NewRunner builds the default research graph and its runner
func NewRunner(store *jobstore.Store, env pipeline.Env) (*pipeline.Runner, error) {
	graph, err := pipeline.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to build research graph: %w", err)
	}
	return pipeline.NewRunner(graph, store, env), nil
}

// AsynqLogLevel maps the configured log level onto asynq's levels
func AsynqLogLevel(level string) asynq.LogLevel {
	switch logging.ParseLevel(level).String() {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// NewWorkerServer builds the asynq server consuming the research queue
func NewWorkerServer(cfg *config.Config, logger *zap.Logger) *asynq.Server {
	concurrency := cfg.Jobs.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(
		AsynqRedisOpt(cfg.Redis),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				service.QueueResearch: 1,
			},
			Logger:   logger.Named("asynq").Sugar(),
			LogLevel: AsynqLogLevel(cfg.Server.LogLevel),
		},
	)
}
