package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultMetricsAddr     = ":9090"
	defaultQueue           = "default"
	defaultConnection      = "default"
	defaultResumeInterval  = 30 * time.Second
	defaultPruneInterval   = time.Hour
	defaultRetentionWindow = 30 * 24 * time.Hour

	envNATSURL         = "HAYWIRE_NATS_URL"
	envRedisURL        = "HAYWIRE_REDIS_URL"
	envMetricsAddr     = "HAYWIRE_METRICS_ADDR"
	envAutomatic       = "HAYWIRE_AUTOMATIC_PROCESSING"
	envRetention       = "HAYWIRE_RETENTION_WINDOW"
	envResumeInterval  = "HAYWIRE_RESUME_INTERVAL"
	envPruneInterval   = "HAYWIRE_PRUNE_INTERVAL"
	envDefaultQueue    = "HAYWIRE_DEFAULT_QUEUE"
	envDefaultConn     = "HAYWIRE_DEFAULT_CONNECTION"
	envDefaultDelay    = "HAYWIRE_DEFAULT_DELAY"
	envConnectionsPath = "HAYWIRE_CONNECTIONS_PATH"
)

// Config holds runtime configuration for the haywire services.
type Config struct {
	NatsURL             string
	RedisURL            string
	MetricsAddr         string
	AutomaticProcessing bool
	RetentionWindow     time.Duration
	ResumeInterval      time.Duration
	PruneInterval       time.Duration
	DefaultQueue        string
	DefaultConnection   string
	DefaultDelay        time.Duration
	ConnectionsPath     string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:             envOr(envNATSURL, defaultNATSURL),
		RedisURL:            envOr(envRedisURL, defaultRedisURL),
		MetricsAddr:         envOr(envMetricsAddr, defaultMetricsAddr),
		AutomaticProcessing: envBool(envAutomatic, true),
		RetentionWindow:     envDuration(envRetention, defaultRetentionWindow),
		ResumeInterval:      envDuration(envResumeInterval, defaultResumeInterval),
		PruneInterval:       envDuration(envPruneInterval, defaultPruneInterval),
		DefaultQueue:        envOr(envDefaultQueue, defaultQueue),
		DefaultConnection:   envOr(envDefaultConn, defaultConnection),
		DefaultDelay:        envDuration(envDefaultDelay, 0),
		ConnectionsPath:     os.Getenv(envConnectionsPath),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
