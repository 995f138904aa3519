// Package config loads environment-driven configuration once at startup.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable for the realtime gateway. Values come from the
// environment, with a .env file honoured for local development.
type Config struct {
	Port      string
	GinMode   string
	LogLevel  string
	LogFormat string

	// Auth
	JWTSecret     string
	UserCacheTTL  time.Duration
	UserCacheSize int

	// Infrastructure
	NatsURL            string
	FirestoreProjectID string

	// Rate limiting
	RateLimitPerMinute int
	RateBucketCap      int

	// Registries
	MaxConnections int
	MaxStreams     int
	MaxRoomEntries int
	MaxInflight    int

	// History
	HistoryPageSize   int
	HistoryTimeout    time.Duration
	HistoryCacheTTL   time.Duration
	AccessCacheTTL    time.Duration
	HistoryRetries    int
	HistoryBackoff    time.Duration
	HistoryBackoffMax time.Duration

	// Connections
	PreemptGrace   time.Duration
	SendBufferSize int

	// AI
	AIModels   []string
	AIBaseURL  string
	AIAPIKey   string
	StreamIdle time.Duration

	// Janitor
	JanitorInterval  string
	SoftHeapBytes    uint64
	HardHeapBytes    uint64
	RateBucketMaxAge time.Duration
	InflightMaxAge   time.Duration

	// Shutdown
	ShutdownGrace time.Duration
}

// AppConfig is the process-wide configuration, populated by Load.
var AppConfig *Config

// Load reads configuration from the environment. Missing optional values
// fall back to defaults suitable for a single local instance.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment")
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		GinMode:   getEnv("GIN_MODE", "release"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		UserCacheTTL:  getEnvDuration("USER_CACHE_TTL", 5*time.Minute),
		UserCacheSize: getEnvInt("USER_CACHE_SIZE", 2000),

		NatsURL:            getEnv("NATS_URL", ""),
		FirestoreProjectID: getEnv("FIRESTORE_PROJECT_ID", ""),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 40),
		RateBucketCap:      getEnvInt("RATE_BUCKET_CAP", 2000),

		MaxConnections: getEnvInt("MAX_CONNECTIONS", 2000),
		MaxStreams:     getEnvInt("MAX_STREAMS", 500),
		MaxRoomEntries: getEnvInt("MAX_ROOM_ENTRIES", 2000),
		MaxInflight:    getEnvInt("MAX_INFLIGHT_LOADS", 1000),

		HistoryPageSize:   getEnvInt("HISTORY_PAGE_SIZE", 25),
		HistoryTimeout:    getEnvDuration("HISTORY_TIMEOUT", 8*time.Second),
		HistoryCacheTTL:   getEnvDuration("HISTORY_CACHE_TTL", 30*time.Second),
		AccessCacheTTL:    getEnvDuration("ACCESS_CACHE_TTL", 5*time.Minute),
		HistoryRetries:    getEnvInt("HISTORY_RETRIES", 3),
		HistoryBackoff:    getEnvDuration("HISTORY_BACKOFF", 1500*time.Millisecond),
		HistoryBackoffMax: getEnvDuration("HISTORY_BACKOFF_MAX", 5*time.Second),

		PreemptGrace:   getEnvDuration("PREEMPT_GRACE", 8*time.Second),
		SendBufferSize: getEnvInt("SEND_BUFFER_SIZE", 256),

		AIModels:   getEnvList("AI_MODELS", []string{"wayneAI", "consultingAI"}),
		AIBaseURL:  getEnv("AI_BASE_URL", ""),
		AIAPIKey:   getEnv("AI_API_KEY", ""),
		StreamIdle: getEnvDuration("STREAM_IDLE_TIMEOUT", 30*time.Minute),

		JanitorInterval:  getEnv("JANITOR_INTERVAL", "@every 3m"),
		SoftHeapBytes:    uint64(getEnvInt("SOFT_HEAP_MB", 512)) << 20,
		HardHeapBytes:    uint64(getEnvInt("HARD_HEAP_MB", 1024)) << 20,
		RateBucketMaxAge: getEnvDuration("RATE_BUCKET_MAX_AGE", 2*time.Minute),
		InflightMaxAge:   getEnvDuration("INFLIGHT_MAX_AGE", 5*time.Minute),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
	}

	AppConfig = cfg
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid int for %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid duration for %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
