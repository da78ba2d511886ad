package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	GatewayURL string
	NatsURL    string
	JWTSecret  string

	SelfID string
	PeerID string

	PollInterval   time.Duration
	HealthInterval time.Duration
	PageSize       int
	DeleteWindow   time.Duration

	MaxInFlight int
	MinSpacing  time.Duration
}

func Load() *Config {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "over"),
		DBPassword: getEnv("DB_PASSWORD", "over_dev_password"),
		DBName:     getEnv("DB_NAME", "over"),

		GatewayURL: getEnv("GATEWAY_URL", "ws://localhost:8080/ws"),
		NatsURL:    getEnv("NATS_URL", "nats://localhost:4222"),
		JWTSecret:  getEnv("JWT_SECRET", "dev-secret-change-me"),

		SelfID: getEnv("SELF_ID", ""),
		PeerID: getEnv("PEER_ID", ""),

		PollInterval:   getDuration("POLL_INTERVAL", 3*time.Second),
		HealthInterval: getDuration("HEALTH_INTERVAL", 30*time.Second),
		PageSize:       getInt("PAGE_SIZE", 50),
		DeleteWindow:   getDuration("DELETE_WINDOW", time.Hour),

		MaxInFlight: getInt("MAX_IN_FLIGHT", 4),
		MinSpacing:  getDuration("MIN_SPACING", 50*time.Millisecond),
	}
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func getEnv(key, fallback string) string {
	val, exists := os.LookupEnv(key)

	if exists {
		return val
	}

	return fallback
}

func getInt(key string, fallback int) int {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
