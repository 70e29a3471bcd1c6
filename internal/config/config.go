package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the kiln engine.
type Config struct {
	Version   string
	Ollama    OllamaConfig
	Engine    EngineConfig
	Embed     EmbedConfig
	Events    EventsConfig
	Research  ResearchConfig
	Telemetry TelemetryConfig
}

type OllamaConfig struct {
	Host        string
	ChatTimeout time.Duration
	PullTimeout time.Duration
}

type EngineConfig struct {
	// Fanout caps how many tasks run concurrently inside one wave.
	Fanout     int
	RunTimeout time.Duration
	// DataDir is where user-level state lives (settings, caches).
	DataDir string
}

type EmbedConfig struct {
	Model string
	// PGVectorURL selects the Postgres index backend when set; empty
	// keeps the in-memory index.
	PGVectorURL string
}

type EventsConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// ResearchConfig points at an external research service. Empty URL
// keeps the no-op provider; the engine also requires the user's
// internet-access grant before going online.
type ResearchConfig struct {
	URL   string
	Token string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Version: envStr("KILN_VERSION", "0.4.0"),
		Ollama: OllamaConfig{
			Host:        envStr("KILN_OLLAMA_HOST", "http://127.0.0.1:11434"),
			ChatTimeout: envDuration("KILN_CHAT_TIMEOUT", 10*time.Minute),
			PullTimeout: envDuration("KILN_PULL_TIMEOUT", 30*time.Minute),
		},
		Engine: EngineConfig{
			Fanout:     envInt("KILN_FANOUT", 2),
			RunTimeout: envDuration("KILN_RUN_TIMEOUT", 120*time.Second),
			DataDir:    envStr("KILN_DATA_DIR", defaultDataDir()),
		},
		Embed: EmbedConfig{
			Model:       envStr("KILN_EMBED_MODEL", ""),
			PGVectorURL: envStr("KILN_PGVECTOR_URL", ""),
		},
		Events: EventsConfig{
			WebhookURL:    envStr("KILN_EVENTS_WEBHOOK", ""),
			WebhookSecret: envStr("KILN_EVENTS_WEBHOOK_SECRET", ""),
		},
		Research: ResearchConfig{
			URL:   envStr("KILN_RESEARCH_URL", ""),
			Token: envStr("KILN_RESEARCH_TOKEN", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("KILN_OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "kiln"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiln"
	}
	return filepath.Join(home, ".kiln")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
