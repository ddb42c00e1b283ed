package app

import (
	"time"

	"courier/internal/queue"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TokenSecret signs and verifies the bearer tokens presented at the
	// websocket handshake. The server refuses to start without one.
	TokenSecret string
	TokenTTL    time.Duration

	OfflineTTL time.Duration

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogPretty: EnvBool("COURIER_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COURIER_DATABASE_URL", ""),
		DBSchema:    EnvString("COURIER_DB_SCHEMA", "courier"),
		DBMaxConns:  EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COURIER_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("COURIER_REDIS_ADDR", ""),
		RedisPassword: EnvString("COURIER_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("COURIER_REDIS_DB", 0),

		TokenSecret: EnvString("COURIER_TOKEN_SECRET", ""),
		TokenTTL:    EnvDuration("COURIER_TOKEN_TTL", 24*time.Hour),

		OfflineTTL: EnvDuration("COURIER_OFFLINE_TTL", queue.DefaultTTL),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),
	}
}
