// Package config loads runtime configuration for the transcription
// server: defaults, then a .env file, then environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// ConcurrencyMode selects how the Engine Adapter gates access to the
// non-reentrant transcription engine.
type ConcurrencyMode string

const (
	ConcurrencyLock ConcurrencyMode = "lock"
	ConcurrencyPool ConcurrencyMode = "pool"
)

// OutputFormat is a requested transcript rendering.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatSRT  OutputFormat = "srt"
)

// Config holds every recognized configuration option from spec.md §6,
// grouped by the component that consumes it.
type Config struct {
	// Server
	Host               string
	Port               int
	MaxConnections     int
	MaxFileSizeMB      int
	AllowedExtensions  []string
	HeartbeatIntervalS int
	ConnectionTimeoutS int
	WebSocketMaxGlobal int
	WebSocketMaxPerIP  int
	PrometheusPort     int

	// Scheduler
	MaxConcurrentTasks       int
	MaxQueueSize             int
	TaskTimeoutMinutes       int
	RetryTimes               int
	DeleteAfterTranscription bool
	ConcurrencyMode          ConcurrencyMode
	MergeGapS                float64

	// Cache
	CacheEnabled       bool
	CacheTTLHours      int
	ResultCacheBackend string // "sqlite" | "postgres"
	ResultCacheDSN     string

	// Blob store
	BlobStoreRoot string

	// Engine circuit breaker (domain-stack addition, see SPEC_FULL.md §4.5)
	EngineBreakerFailureThreshold uint32
	EngineBreakerTimeoutS         int

	// Auth
	AuthEnabled bool
	AuthToken   string
}

// Default returns the configuration's baseline before env overrides.
func Default() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		MaxConnections:     1000,
		MaxFileSizeMB:      500,
		AllowedExtensions:  []string{".wav", ".mp3", ".m4a", ".flac", ".mp4", ".mov"},
		HeartbeatIntervalS: 30,
		ConnectionTimeoutS: 90,
		WebSocketMaxGlobal: 1000,
		WebSocketMaxPerIP:  10,
		PrometheusPort:     9090,

		MaxConcurrentTasks:       4,
		MaxQueueSize:             64,
		TaskTimeoutMinutes:       30,
		RetryTimes:               2,
		DeleteAfterTranscription: true,
		ConcurrencyMode:          ConcurrencyLock,
		MergeGapS:                3.0,

		CacheEnabled:       true,
		CacheTTLHours:      72,
		ResultCacheBackend: "sqlite",
		ResultCacheDSN:     "./data/resultcache.db",

		BlobStoreRoot: "./data/blobs",

		EngineBreakerFailureThreshold: 5,
		EngineBreakerTimeoutS:         30,

		AuthEnabled: false,
		AuthToken:   "",
	}
}

// Load builds a Config from defaults, a .env file, then the process
// environment, mirroring the teacher's three-stage precedence. logger may
// be nil, in which case the .env load outcome is simply not logged.
func Load(logger *zap.Logger) Config {
	loadEnvironmentConfig(logger)

	cfg := Default()

	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.MaxFileSizeMB = getEnvInt("MAX_FILE_SIZE_MB", cfg.MaxFileSizeMB)
	cfg.AllowedExtensions = getEnvSlice("ALLOWED_EXTENSIONS", cfg.AllowedExtensions)
	cfg.HeartbeatIntervalS = getEnvInt("HEARTBEAT_INTERVAL_S", cfg.HeartbeatIntervalS)
	cfg.ConnectionTimeoutS = getEnvInt("CONNECTION_TIMEOUT_S", cfg.ConnectionTimeoutS)
	cfg.WebSocketMaxGlobal = getEnvInt("WEBSOCKET_MAX_GLOBAL", cfg.WebSocketMaxGlobal)
	cfg.WebSocketMaxPerIP = getEnvInt("WEBSOCKET_MAX_PER_IP", cfg.WebSocketMaxPerIP)
	cfg.PrometheusPort = getEnvInt("PROMETHEUS_PORT", cfg.PrometheusPort)

	cfg.MaxConcurrentTasks = getEnvInt("MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks)
	cfg.MaxQueueSize = getEnvInt("MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.TaskTimeoutMinutes = getEnvInt("TASK_TIMEOUT_MINUTES", cfg.TaskTimeoutMinutes)
	cfg.RetryTimes = getEnvInt("RETRY_TIMES", cfg.RetryTimes)
	cfg.DeleteAfterTranscription = getEnvBool("DELETE_AFTER_TRANSCRIPTION", cfg.DeleteAfterTranscription)
	cfg.ConcurrencyMode = ConcurrencyMode(getEnv("CONCURRENCY_MODE", string(cfg.ConcurrencyMode)))
	cfg.MergeGapS = getEnvFloat("MERGE_GAP_S", cfg.MergeGapS)

	cfg.CacheEnabled = getEnvBool("CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheTTLHours = getEnvInt("CACHE_TTL_HOURS", cfg.CacheTTLHours)
	cfg.ResultCacheBackend = getEnv("RESULT_CACHE_BACKEND", cfg.ResultCacheBackend)
	cfg.ResultCacheDSN = getEnv("RESULT_CACHE_DSN", cfg.ResultCacheDSN)

	cfg.BlobStoreRoot = getEnv("BLOB_STORE_ROOT", cfg.BlobStoreRoot)

	cfg.EngineBreakerFailureThreshold = uint32(getEnvInt("ENGINE_BREAKER_FAILURE_THRESHOLD", int(cfg.EngineBreakerFailureThreshold)))
	cfg.EngineBreakerTimeoutS = getEnvInt("ENGINE_BREAKER_TIMEOUT_S", cfg.EngineBreakerTimeoutS)

	cfg.AuthEnabled = getEnvBool("AUTH_ENABLED", cfg.AuthEnabled)
	cfg.AuthToken = getEnv("AUTH_TOKEN", cfg.AuthToken)

	return cfg
}

// Validate checks the invariants the server depends on at startup.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: max_concurrent_tasks must be positive")
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("config: max_queue_size must be positive")
	}
	if c.ConcurrencyMode != ConcurrencyLock && c.ConcurrencyMode != ConcurrencyPool {
		return fmt.Errorf("config: concurrency_mode must be %q or %q, got %q", ConcurrencyLock, ConcurrencyPool, c.ConcurrencyMode)
	}
	if c.ResultCacheBackend != "sqlite" && c.ResultCacheBackend != "postgres" {
		return fmt.Errorf("config: result_cache_backend must be %q or %q, got %q", "sqlite", "postgres", c.ResultCacheBackend)
	}
	return nil
}

// MaxFileSizeBytes converts the configured megabyte limit to bytes.
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutS) * time.Second
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMinutes) * time.Minute
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c Config) EngineBreakerTimeout() time.Duration {
	return time.Duration(c.EngineBreakerTimeoutS) * time.Second
}

// MergeGap converts the configured fractional-second merge gap to a
// time.Duration for the Formatter.
func (c Config) MergeGap() time.Duration {
	return time.Duration(c.MergeGapS * float64(time.Second))
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
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		tv := strings.TrimSpace(v)
		if strings.HasPrefix(tv, "[") && strings.HasSuffix(tv, "]") {
			var arr []string
			if err := json.Unmarshal([]byte(tv), &arr); err == nil {
				return arr
			}
		}
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			p := strings.TrimSpace(part)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}

// loadEnvironmentConfig loads a .env file, overridden by an optional
// deployment-specific .env.local, the same layering as the teacher.
func loadEnvironmentConfig(logger *zap.Logger) {
	if err := godotenv.Load(); err == nil {
		logInfo(logger, "config: loaded default .env file")
	} else {
		logInfo(logger, "config: no .env file found, using process environment")
	}
	if err := godotenv.Overload(".env.local"); err == nil {
		logInfo(logger, "config: loaded .env.local with precedence")
	}
}

func logInfo(logger *zap.Logger, msg string) {
	if logger != nil {
		logger.Info(msg)
	}
}
