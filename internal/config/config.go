package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Device-facing TCP listener
	DeviceTCPPort  string
	IdleTimeout    time.Duration
	MaxFrameErrors int

	// Ops HTTP (health, metrics, connected-devices)
	HTTPPort string

	// Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis (broadcast + latest state)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Alerting
	AlertDedupWindow time.Duration

	// Vehicle lookup cache
	LookupCacheTTL time.Duration

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		DeviceTCPPort:    getEnv("DEVICE_TCP_PORT", "5027"),
		IdleTimeout:      time.Duration(getEnvInt("IDLE_TIMEOUT_SECONDS", 300)) * time.Second,
		MaxFrameErrors:   getEnvInt("MAX_FRAME_ERRORS", 8),
		HTTPPort:         getEnv("HTTP_PORT", "8001"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "fleet_user"),
		DBPassword:       getEnv("DB_PASSWORD", "fleet_password"),
		DBName:           getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:       int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		AlertDedupWindow: time.Duration(getEnvInt("ALERT_DEDUP_WINDOW_MINUTES", 60)) * time.Minute,
		LookupCacheTTL:   time.Duration(getEnvInt("LOOKUP_CACHE_TTL_SECONDS", 60)) * time.Second,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
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
		return fallback
	}
	return n
}
