package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay.
type Config struct {
	Port      string
	Env       string
	RedisURL  string
	JWTSecret string

	// Connection policy
	AllowAnonymous bool     // Permit unauthenticated connect followed by authenticated register
	AllowedOrigins []string // WebSocket origin whitelist; empty allows same-origin only

	// Relay tuning
	TypingTTL    time.Duration // Typing indicator expiry window
	RoomSweepAge time.Duration // Minimum age before an empty room is swept
	SendBuffer   int           // Per-connection outbound queue depth
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AllowAnonymous: getEnv("ALLOW_ANONYMOUS", "false") == "true",
		TypingTTL:      getDuration("TYPING_TTL", 5*time.Second),
		RoomSweepAge:   getDuration("ROOM_SWEEP_AGE", time.Hour),
		SendBuffer:     getInt("SEND_BUFFER", 256),
	}

	// Parse allowed origins (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, entry := range strings.Split(origins, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, entry)
			}
		}
	}

	// In production, a signing secret is mandatory
	if cfg.Env == "production" && cfg.JWTSecret == "" {
		panic("JWT_SECRET is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
