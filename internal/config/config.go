package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Sync   SyncConfig
	Ledger LedgerConfig
	Sweep  SweepConfig
}

// SyncConfig controls the credit event stream producer and consumer.
type SyncConfig struct {
	Stream           string
	ConsumerGroup    string
	ConsumerName     string
	BatchSize        int64
	BlockTimeout     time.Duration
	DeadLetterStream string
}

// LedgerConfig controls the optimistic-concurrency retry loop.
type LedgerConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// SweepConfig controls the background maintenance loop.
type SweepConfig struct {
	Enabled            bool
	Interval           time.Duration
	StalenessThreshold time.Duration
	LockTTL            time.Duration
	BatchSize          int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "creditledger"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Sync: SyncConfig{
			Stream:           getenv("SYNC_STREAM", "credit-events"),
			ConsumerGroup:    getenv("SYNC_CONSUMER_GROUP", "crm-credit-sync"),
			ConsumerName:     getenv("SYNC_CONSUMER_NAME", defaultConsumerName()),
			BatchSize:        int64(getenvInt("SYNC_BATCH_SIZE", 10)),
			BlockTimeout:     getenvDuration("SYNC_BLOCK_TIMEOUT", 2*time.Second),
			DeadLetterStream: getenv("SYNC_DEAD_LETTER_STREAM", ""),
		},
		Ledger: LedgerConfig{
			MaxAttempts: getenvInt("LEDGER_MAX_ATTEMPTS", 5),
			BackoffBase: getenvDuration("LEDGER_BACKOFF_BASE", 50*time.Millisecond),
		},
		Sweep: SweepConfig{
			Enabled:            getenvBool("SWEEP_ENABLED", true),
			Interval:           getenvDuration("SWEEP_INTERVAL", time.Minute),
			StalenessThreshold: getenvDuration("SWEEP_STALENESS_THRESHOLD", time.Hour),
			LockTTL:            getenvDuration("SWEEP_LOCK_TTL", 30*time.Second),
			BatchSize:          getenvInt("SWEEP_BATCH_SIZE", 100),
		},
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer-1"
	}
	return host
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
