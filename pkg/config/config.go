// Package config loads worker configuration from the environment and the
// optional YAML resolution profile.
package config

import (
	"os"
	"strconv"
)

// Config holds worker configuration.
type Config struct {
	DatabaseDSN   string
	ArtifactRoot  string
	TaskQueue     string
	MaxActivities int
	ExtractRPS    float64
	ExtractBurst  int
	RedisAddr     string
	ExtractorURL  string
	TokenKey      string
	ProfilePath   string
	OTLPEndpoint  string
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		DatabaseDSN:   getenv("CORRAL_DB", "corral.db"),
		ArtifactRoot:  getenv("CORRAL_ARTIFACT_ROOT", "artifacts"),
		TaskQueue:     getenv("CORRAL_TASK_QUEUE", "ap-core"),
		MaxActivities: getenvInt("CORRAL_MAX_ACTIVITIES", 8),
		ExtractRPS:    getenvFloat("CORRAL_EXTRACT_RPS", 1),
		ExtractBurst:  getenvInt("CORRAL_EXTRACT_BURST", 2),
		RedisAddr:     os.Getenv("CORRAL_REDIS_ADDR"),
		ExtractorURL:  os.Getenv("CORRAL_EXTRACTOR_URL"),
		TokenKey:      os.Getenv("CORRAL_TOKEN_KEY"),
		ProfilePath:   os.Getenv("CORRAL_RESOLUTION_PROFILE"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}
