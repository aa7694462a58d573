// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. A postgres:// URL selects the PostgreSQL
	// backend; anything else is treated as a SQLite database path.
	DatabaseURL string

	// Task settings. Task "dummy" uses the built-in rehearsal catalog
	// and scripted users; any other name loads topic and persona files.
	Task         string
	TopicsPath   string
	PersonasPath string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminName     string
	AdminPassword string // Plaintext; hashed before storage, never persisted as-is.

	// Simulated-user LLM settings. UserGuidance selects the variant:
	// "guided" users work through the subtopic agenda and rate answers,
	// "unguided" users explore freely within the agenda's turn budget.
	OpenAIAPIKey    string
	ChatModel       string
	EmbeddingModel  string
	UserGuidance    string
	RubricThreshold int
	MaxRetries      int
	Candidates      int

	// Per-mode request budgets. A zero limit disables the budget; a zero
	// window means the budget spans the whole campaign.
	RunBudgetLimit    int
	RunBudgetWindow   time.Duration
	DebugBudgetLimit  int
	DebugBudgetWindow time.Duration

	// Rate limiting (per team, requests per minute). Zero disables.
	RateLimitPerMinute int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// MCP read-only endpoint. Empty disables.
	MCPListenAddr string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("TAIWA_PORT", 8080),
		ReadTimeout:         envDuration("TAIWA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("TAIWA_WRITE_TIMEOUT", 120*time.Second),
		DatabaseURL:         envStr("TAIWA_DATABASE_URL", "taiwa.db"),
		Task:                envStr("TAIWA_TASK", "dummy"),
		TopicsPath:          envStr("TAIWA_TOPICS_PATH", ""),
		PersonasPath:        envStr("TAIWA_PERSONAS_PATH", ""),
		JWTPrivateKeyPath:   envStr("TAIWA_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("TAIWA_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("TAIWA_JWT_EXPIRATION", 24*time.Hour),
		AdminName:           envStr("TAIWA_ADMIN_NAME", "admin"),
		AdminPassword:       envStr("TAIWA_ADMIN_PASSWORD", ""),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		ChatModel:           envStr("TAIWA_CHAT_MODEL", "gpt-4.1"),
		EmbeddingModel:      envStr("TAIWA_EMBEDDING_MODEL", "text-embedding-3-small"),
		UserGuidance:        envStr("TAIWA_USER_GUIDANCE", "guided"),
		RubricThreshold:     envInt("TAIWA_RUBRIC_THRESHOLD", 3),
		MaxRetries:          envInt("TAIWA_MAX_RETRIES", 2),
		Candidates:          envInt("TAIWA_CANDIDATES", 5),
		RunBudgetLimit:      envInt("TAIWA_RUN_BUDGET_LIMIT", 0),
		RunBudgetWindow:     envDuration("TAIWA_RUN_BUDGET_WINDOW", 0),
		DebugBudgetLimit:    envInt("TAIWA_DEBUG_BUDGET_LIMIT", 0),
		DebugBudgetWindow:   envDuration("TAIWA_DEBUG_BUDGET_WINDOW", 24*time.Hour),
		RateLimitPerMinute:  envInt("TAIWA_RATE_LIMIT_PER_MINUTE", 120),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "taiwa"),
		MCPListenAddr:       envStr("TAIWA_MCP_LISTEN_ADDR", ""),
		LogLevel:            envStr("TAIWA_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("TAIWA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: TAIWA_DATABASE_URL is required")
	}
	if c.Task == "" {
		return fmt.Errorf("config: TAIWA_TASK is required")
	}
	if c.Task != "dummy" {
		if c.TopicsPath == "" {
			return fmt.Errorf("config: TAIWA_TOPICS_PATH is required for task %q", c.Task)
		}
		if c.PersonasPath == "" {
			return fmt.Errorf("config: TAIWA_PERSONAS_PATH is required for task %q", c.Task)
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required for task %q", c.Task)
		}
	}
	if c.UserGuidance != "guided" && c.UserGuidance != "unguided" {
		return fmt.Errorf("config: TAIWA_USER_GUIDANCE must be %q or %q", "guided", "unguided")
	}
	if c.RunBudgetLimit < 0 || c.DebugBudgetLimit < 0 {
		return fmt.Errorf("config: budget limits must not be negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TAIWA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
