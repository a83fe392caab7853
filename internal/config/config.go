// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Event queue
	QueueBackend  string        // "redis" (shared, default) or "sqlite" (embedded only)
	RedisAddr     string        // Shared queue service address
	QueueDBPath   string        // Embedded queue database path
	QueuePoolSize int           // Embedded queue connection pool size
	WorkerCount   int           // Queue consumer workers
	BatchSize     int           // Events claimed per dequeue
	PollInterval  time.Duration // Consumer sleep between empty dequeues
	MaxRetries    int           // Per-event retry cap before terminal failure
	ClaimTimeout  time.Duration // Stuck-processing sweep threshold

	// Settlement policy
	MinCreditUSD      string // Deposits below this are rejected, not credited
	ToleranceUSD      string // Received within this of expected counts as exact
	SevereUnderpayUSD string // Shortfall beyond this triggers auto-refund

	// Rates
	RateTTL time.Duration // Cached exchange rate lifetime

	// Providers
	StripeWebhookSecret string

	// On-chain deposit watcher (optional)
	RPCURL          string
	USDCContract    string
	PlatformAddress string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultQueueBackend   = "redis"
	DefaultRedisAddr      = "localhost:6379"
	DefaultQueueDBPath    = "paycore-queue.db"
	DefaultQueuePoolSize  = 8
	DefaultWorkerCount    = 4
	DefaultBatchSize      = 10
	DefaultMaxRetries     = 5
	DefaultMinCreditUSD   = "1.00"
	DefaultToleranceUSD   = "5.00"
	DefaultSevereUnderpay = "20.00"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		QueueBackend:        getEnv("QUEUE_BACKEND", DefaultQueueBackend),
		RedisAddr:           getEnv("REDIS_ADDR", DefaultRedisAddr),
		QueueDBPath:         getEnv("QUEUE_DB_PATH", DefaultQueueDBPath),
		QueuePoolSize:       getEnvInt("QUEUE_POOL_SIZE", DefaultQueuePoolSize),
		WorkerCount:         getEnvInt("WORKER_COUNT", DefaultWorkerCount),
		BatchSize:           getEnvInt("BATCH_SIZE", DefaultBatchSize),
		PollInterval:        getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		MaxRetries:          getEnvInt("MAX_RETRIES", DefaultMaxRetries),
		ClaimTimeout:        getEnvDuration("CLAIM_TIMEOUT", 5*time.Minute),
		MinCreditUSD:        getEnv("MIN_CREDIT_USD", DefaultMinCreditUSD),
		ToleranceUSD:        getEnv("TOLERANCE_USD", DefaultToleranceUSD),
		SevereUnderpayUSD:   getEnv("SEVERE_UNDERPAY_USD", DefaultSevereUnderpay),
		RateTTL:             getEnvDuration("RATE_TTL", 5*time.Minute),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RPCURL:              os.Getenv("RPC_URL"),
		USDCContract:        os.Getenv("USDC_CONTRACT"),
		PlatformAddress:     os.Getenv("PLATFORM_ADDRESS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be \"redis\" or \"sqlite\", got %q", c.QueueBackend)
	}

	if c.QueueBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when QUEUE_BACKEND=redis")
	}

	if c.QueueDBPath == "" {
		return fmt.Errorf("QUEUE_DB_PATH is required (embedded backend is the fallback system of record)")
	}

	if c.QueuePoolSize <= 0 {
		return fmt.Errorf("QUEUE_POOL_SIZE must be positive, got %d", c.QueuePoolSize)
	}

	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
