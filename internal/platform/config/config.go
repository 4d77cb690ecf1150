package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config captures process-level configuration so main stays lean.
type Config struct {
	Addr          string
	PostgresDSN   string
	RedisURL      string
	JWTSigningKey string

	// LatencySLA is the p99 bound the propagation monitor is checked against.
	LatencySLA time.Duration

	// TxTimeout bounds every unit of work; a timed-out transaction rolls back
	// and surfaces a retryable error.
	TxTimeout time.Duration

	ShutdownTimeout time.Duration
}

// FromEnv builds a Config from environment variables. A .env file, when
// present, is loaded first; missing files are fine in production.
func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:            getEnv("DISPATCH_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("DISPATCH_POSTGRES_DSN"),
		RedisURL:        os.Getenv("DISPATCH_REDIS_URL"),
		JWTSigningKey:   getEnv("DISPATCH_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		LatencySLA:      getDurationMs("DISPATCH_LATENCY_SLA_MS", 200*time.Millisecond),
		TxTimeout:       getDurationMs("DISPATCH_TX_TIMEOUT_MS", 5*time.Second),
		ShutdownTimeout: 10 * time.Second,
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
