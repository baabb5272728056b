package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingCredential is returned by Validate when a required provider key is absent
var ErrMissingCredential = errors.New("missing required credential")

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Tavily    TavilyConfig
	LLM       LLMConfig
	Pools     PoolsConfig
	Curation  CurationConfig
	Briefing  BriefingConfig
	Broadcast BroadcastConfig
	Jobs      JobsConfig
	Postgres  PostgresConfig
	R2        R2Config
	Tracing   TracingConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Enabled bool
	Secret  string
}

type RateLimitConfig struct {
	ResearchPerHour int
}

type TavilyConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// LLMConfig configures an OpenAI-compatible chat completion endpoint
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// PoolConfig configures one named concurrency pool
type PoolConfig struct {
	Concurrency   int
	RatePerSecond float64
}

type PoolsConfig struct {
	Search     PoolConfig
	Extraction PoolConfig
	LLM        PoolConfig
	BatchSize  int
}

type CurationConfig struct {
	Threshold      float64
	MaxPerCategory int
	MaxReferences  int
}

type BriefingConfig struct {
	MaxDocChars   int
	MaxTotalChars int
}

type BroadcastConfig struct {
	SendTimeout time.Duration
	Buffer      int
}

type JobsConfig struct {
	TTL          time.Duration
	DispatchMode string // "asynq" or "local"
	Backend      string // "redis" or "memory"
	Concurrency  int
}

type PostgresConfig struct {
	Enabled bool
	DSN     string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
}

// Dispatch modes
const (
	DispatchAsynq = "asynq"
	DispatchLocal = "local"
)

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("TAVILY_API_KEY")
	readSecret("LLM_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("POSTGRES_DSN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.enabled", "JWT_ENABLED")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.research_per_hour", "RATELIMIT_RESEARCH_PER_HOUR")
	_ = v.BindEnv("tavily.api_key", "TAVILY_API_KEY")
	_ = v.BindEnv("tavily.base_url", "TAVILY_BASE_URL")
	_ = v.BindEnv("tavily.timeout", "TAVILY_TIMEOUT")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("llm.timeout", "LLM_TIMEOUT")
	_ = v.BindEnv("pools.search.concurrency", "POOL_SEARCH_CONCURRENCY")
	_ = v.BindEnv("pools.search.rate_per_second", "POOL_SEARCH_RPS")
	_ = v.BindEnv("pools.extraction.concurrency", "POOL_EXTRACTION_CONCURRENCY")
	_ = v.BindEnv("pools.extraction.rate_per_second", "POOL_EXTRACTION_RPS")
	_ = v.BindEnv("pools.llm.concurrency", "POOL_LLM_CONCURRENCY")
	_ = v.BindEnv("pools.llm.rate_per_second", "POOL_LLM_RPS")
	_ = v.BindEnv("pools.batch_size", "POOL_BATCH_SIZE")
	_ = v.BindEnv("curation.threshold", "CURATION_THRESHOLD")
	_ = v.BindEnv("curation.max_per_category", "CURATION_MAX_PER_CATEGORY")
	_ = v.BindEnv("curation.max_references", "CURATION_MAX_REFERENCES")
	_ = v.BindEnv("briefing.max_doc_chars", "BRIEFING_MAX_DOC_CHARS")
	_ = v.BindEnv("briefing.max_total_chars", "BRIEFING_MAX_TOTAL_CHARS")
	_ = v.BindEnv("broadcast.send_timeout", "BROADCAST_SEND_TIMEOUT")
	_ = v.BindEnv("broadcast.buffer", "BROADCAST_BUFFER")
	_ = v.BindEnv("jobs.ttl", "JOBS_TTL")
	_ = v.BindEnv("jobs.dispatch_mode", "JOBS_DISPATCH_MODE")
	_ = v.BindEnv("jobs.backend", "JOBS_BACKEND")
	_ = v.BindEnv("jobs.concurrency", "JOBS_CONCURRENCY")
	_ = v.BindEnv("postgres.enabled", "POSTGRES_ENABLED")
	_ = v.BindEnv("postgres.dsn", "POSTGRES_DSN")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = v.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
	_ = v.BindEnv("tracing.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.enabled", false)
	v.SetDefault("ratelimit.research_per_hour", 20)

	// Provider defaults
	v.SetDefault("tavily.base_url", "https://api.tavily.com")
	v.SetDefault("tavily.timeout", "30s")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4.1-mini")
	v.SetDefault("llm.timeout", "120s")

	// Pool defaults
	v.SetDefault("pools.search.concurrency", 4)
	v.SetDefault("pools.search.rate_per_second", 0)
	v.SetDefault("pools.extraction.concurrency", 3)
	v.SetDefault("pools.extraction.rate_per_second", 0)
	v.SetDefault("pools.llm.concurrency", 2)
	v.SetDefault("pools.llm.rate_per_second", 0)
	v.SetDefault("pools.batch_size", 20)

	// Curation defaults
	v.SetDefault("curation.threshold", 0.4)
	v.SetDefault("curation.max_per_category", 30)
	v.SetDefault("curation.max_references", 10)
	v.SetDefault("briefing.max_doc_chars", 8000)
	v.SetDefault("briefing.max_total_chars", 120000)

	v.SetDefault("broadcast.send_timeout", "2s")
	v.SetDefault("broadcast.buffer", 64)

	v.SetDefault("jobs.ttl", "24h")
	v.SetDefault("jobs.dispatch_mode", DispatchAsynq)
	v.SetDefault("jobs.backend", "redis")
	v.SetDefault("jobs.concurrency", 10)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-api")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Enabled: v.GetBool("jwt.enabled"),
			Secret:  v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			ResearchPerHour: v.GetInt("ratelimit.research_per_hour"),
		},
		Tavily: TavilyConfig{
			APIKey:  v.GetString("tavily.api_key"),
			BaseURL: v.GetString("tavily.base_url"),
			Timeout: v.GetDuration("tavily.timeout"),
		},
		LLM: LLMConfig{
			APIKey:  v.GetString("llm.api_key"),
			BaseURL: v.GetString("llm.base_url"),
			Model:   v.GetString("llm.model"),
			Timeout: v.GetDuration("llm.timeout"),
		},
		Pools: PoolsConfig{
			Search: PoolConfig{
				Concurrency:   v.GetInt("pools.search.concurrency"),
				RatePerSecond: v.GetFloat64("pools.search.rate_per_second"),
			},
			Extraction: PoolConfig{
				Concurrency:   v.GetInt("pools.extraction.concurrency"),
				RatePerSecond: v.GetFloat64("pools.extraction.rate_per_second"),
			},
			LLM: PoolConfig{
				Concurrency:   v.GetInt("pools.llm.concurrency"),
				RatePerSecond: v.GetFloat64("pools.llm.rate_per_second"),
			},
			BatchSize: v.GetInt("pools.batch_size"),
		},
		Curation: CurationConfig{
			Threshold:      v.GetFloat64("curation.threshold"),
			MaxPerCategory: v.GetInt("curation.max_per_category"),
			MaxReferences:  v.GetInt("curation.max_references"),
		},
		Briefing: BriefingConfig{
			MaxDocChars:   v.GetInt("briefing.max_doc_chars"),
			MaxTotalChars: v.GetInt("briefing.max_total_chars"),
		},
		Broadcast: BroadcastConfig{
			SendTimeout: v.GetDuration("broadcast.send_timeout"),
			Buffer:      v.GetInt("broadcast.buffer"),
		},
		Jobs: JobsConfig{
			TTL:          v.GetDuration("jobs.ttl"),
			DispatchMode: strings.ToLower(v.GetString("jobs.dispatch_mode")),
			Backend:      strings.ToLower(v.GetString("jobs.backend")),
			Concurrency:  v.GetInt("jobs.concurrency"),
		},
		Postgres: PostgresConfig{
			Enabled: v.GetBool("postgres.enabled"),
			DSN:     v.GetString("postgres.dsn"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Tracing: TracingConfig{
			Enabled:      v.GetBool("tracing.enabled"),
			ServiceName:  v.GetString("tracing.service_name"),
			OTLPEndpoint: v.GetString("tracing.otlp_endpoint"),
		},
	}

	return cfg, nil
}

// Validate checks that the process can serve research jobs at all.
// It is called once at startup; a failure must stop the process.
func (c *Config) Validate() error {
	if c.Tavily.APIKey == "" {
		return fmt.Errorf("%w: TAVILY_API_KEY", ErrMissingCredential)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("%w: LLM_API_KEY", ErrMissingCredential)
	}
	if c.JWT.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("%w: JWT_SECRET", ErrMissingCredential)
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("%w: POSTGRES_DSN", ErrMissingCredential)
	}
	switch c.Jobs.DispatchMode {
	case DispatchAsynq, DispatchLocal:
	default:
		return fmt.Errorf("unknown jobs.dispatch_mode %q", c.Jobs.DispatchMode)
	}
	switch c.Jobs.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown jobs.backend %q", c.Jobs.Backend)
	}
	if c.Curation.Threshold < 0 {
		return fmt.Errorf("curation.threshold must not be negative")
	}
	return nil
}

// R2Configured reports whether report archiving can be enabled
func (c *Config) R2Configured() bool {
	return c.R2.AccountID != "" && c.R2.AccessKeyID != "" && c.R2.SecretAccessKey != "" && c.R2.BucketName != ""
}
