package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string
	WorkerID        string
	PollInterval    time.Duration
	Concurrency     int
	LeaseTimeout    time.Duration
	MaxAttempts     int
	ShutdownTimeout time.Duration

	BackoffInitial          time.Duration
	BackoffMax              time.Duration
	RateLimitBackoffInitial time.Duration

	CheckpointInterval  int
	PageSize            int
	IncrementalMinDelay time.Duration
	IncrementalMaxDelay time.Duration
	AutoDeleteBatchSize int
	ProviderTimeout     time.Duration

	GmailClientID     string
	GmailClientSecret string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	BlobDir         string
	BlobS3Bucket    string
	BlobS3Region    string
	BlobS3Endpoint  string
	BlobS3PathStyle bool

	ScannerURL     string
	ScannerAPIKey  string
	ScannerTimeout time.Duration

	NATSURL  string
	HTTPAddr string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	gmailClientID := os.Getenv("GMAIL_CLIENT_ID")
	gmailClientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if gmailClientID == "" || gmailClientSecret == "" {
		fmt.Println("Warning: GMAIL_CLIENT_ID or GMAIL_CLIENT_SECRET not set, Gmail token refresh will not work")
	}

	cfg := &Config{
		DatabaseURL:     dbURL,
		WorkerID:        getEnv("WORKER_ID", defaultWorkerID()),
		PollInterval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
		Concurrency:     getEnvInt("WORKER_CONCURRENCY", 5),
		LeaseTimeout:    getEnvDuration("LEASE_TIMEOUT", 15*time.Minute),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 5),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		BackoffInitial:          getEnvDuration("BACKOFF_INITIAL", 30*time.Second),
		BackoffMax:              getEnvDuration("BACKOFF_MAX", time.Hour),
		RateLimitBackoffInitial: getEnvDuration("RATE_LIMIT_BACKOFF_INITIAL", 2*time.Minute),

		CheckpointInterval:  getEnvInt("CHECKPOINT_INTERVAL", 500),
		PageSize:            getEnvInt("PAGE_SIZE", 100),
		IncrementalMinDelay: getEnvDuration("INCREMENTAL_MIN_DELAY", time.Minute),
		IncrementalMaxDelay: getEnvDuration("INCREMENTAL_MAX_DELAY", 30*time.Minute),
		AutoDeleteBatchSize: getEnvInt("AUTO_DELETE_BATCH_SIZE", 1000),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),

		GmailClientID:     gmailClientID,
		GmailClientSecret: gmailClientSecret,

		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 25),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 10),

		BlobDir:         getEnv("BLOB_DIR", "./data/blobs"),
		BlobS3Bucket:    os.Getenv("BLOB_S3_BUCKET"),
		BlobS3Region:    getEnv("BLOB_S3_REGION", "us-east-1"),
		BlobS3Endpoint:  os.Getenv("BLOB_S3_ENDPOINT"),
		BlobS3PathStyle: getEnvBool("BLOB_S3_PATH_STYLE", false),

		ScannerURL:     os.Getenv("SCANNER_URL"),
		ScannerAPIKey:  os.Getenv("SCANNER_API_KEY"),
		ScannerTimeout: getEnvDuration("SCANNER_TIMEOUT", 30*time.Second),

		NATSURL:  os.Getenv("NATS_URL"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}

	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.IncrementalMinDelay > cfg.IncrementalMaxDelay {
		return nil, fmt.Errorf("INCREMENTAL_MIN_DELAY must not exceed INCREMENTAL_MAX_DELAY")
	}

	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
