// Package config loads pipeline configuration from the environment, with an
// optional YAML profile for operational tunables. Secrets stay in env only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the pipeline processes need at startup.
type Config struct {
	// IngestAddr and AdminAddr are the HTTP listen addresses.
	IngestAddr string
	AdminAddr  string

	LogLevel string

	// DatabaseURL selects Postgres. Empty means no Postgres is configured
	// and the process runs on the embedded SQLite store at LitePath.
	DatabaseURL string
	LitePath    string

	GeminiAPIKey string
	GeminiModel  string

	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	// SigningKeyB64 is the base64 HMAC key for evidence signatures.
	// Empty key downgrades signatures to plain content hashes.
	SigningKeyB64 string

	EnablePubSub bool
	RedisAddr    string
	QueueName    string

	LLMTimeout        time.Duration
	DBTimeout         time.Duration
	LLMRequestsPerSec float64

	OTLPEndpoint string
}

// Load reads configuration from environment variables, then overlays the
// profile named by VOXCORTEX_PROFILE if one is set.
func Load() (*Config, error) {
	cfg := &Config{
		IngestAddr:        ":" + envOr("PORT", "8080"),
		AdminAddr:         ":" + envOr("ADMIN_PORT", "8081"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       databaseURL(),
		LitePath:          envOr("VOXCORTEX_DB_PATH", "voxcortex.db"),
		GeminiAPIKey:      firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"),
		GeminiModel:       envOr("GEMINI_REASONER_MODEL", "models/gemini-2.5-flash"),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		SigningKeyB64:     os.Getenv("EVIDENCE_SIGNING_KEY_B64"),
		EnablePubSub:      os.Getenv("ENABLE_PUBSUB") == "true",
		RedisAddr:         envOr("REDIS_ADDR", "localhost:6379"),
		QueueName:         envOr("VOXCORTEX_QUEUE", "voxcortex:ingest"),
		LLMTimeout:        envSeconds("LLM_TIMEOUT_SECONDS", 30*time.Second),
		DBTimeout:         envSeconds("DB_TIMEOUT_SECONDS", 10*time.Second),
		LLMRequestsPerSec: 1,
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if path := os.Getenv("VOXCORTEX_PROFILE"); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, fmt.Errorf("config: profile %s: %w", path, err)
		}
		profile.Apply(cfg)
	}

	return cfg, nil
}

// UseLite reports whether the process should run on the embedded store.
func (c *Config) UseLite() bool { return c.DatabaseURL == "" }

// databaseURL returns DATABASE_URL, or composes one from POSTGRES_* pieces.
// With neither present it returns "" and the caller falls back to lite mode.
func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	db := os.Getenv("POSTGRES_DB")
	if host == "" && db == "" {
		return ""
	}
	user := envOr("POSTGRES_USER", "postgres")
	pass := envOr("POSTGRES_PASSWORD", "postgres")
	port := envOr("POSTGRES_PORT", "5432")
	if host == "" {
		host = "localhost"
	}
	if db == "" {
		db = "voxcortex"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, db)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
