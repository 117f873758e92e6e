// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sandbox modes.
const (
	SandboxLocal  = "local"
	SandboxDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	WorkspaceDir   string
	DBPath         string
	ProvidersFile  string
	SessionTTL     time.Duration
	MaxUploadBytes int64
	LogLevel       slog.Level

	Sandbox         SandboxConfig
	Agent           AgentConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Telemetry       TelemetryConfig
}

// SandboxConfig controls where generated Python code runs.
type SandboxConfig struct {
	Mode             string
	PythonBin        string
	Image            string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Timeout          time.Duration
}

// AgentConfig tunes the agent runtime loop.
type AgentConfig struct {
	Retries         int
	HistoryRuns     int
	MaxSteps        int
	MaxToolFailures int
}

// RateLimitConfig bounds chat and report requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		WorkspaceDir:   getEnv("WORKSPACE_DIR", "./data/workspaces"),
		DBPath:         getEnv("DB_PATH", ":memory:"),
		ProvidersFile:  getEnv("PROVIDERS_FILE", ""),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 32<<20)),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		Sandbox: SandboxConfig{
			Mode:             strings.ToLower(getEnv("SANDBOX_MODE", SandboxLocal)),
			PythonBin:        getEnv("PYTHON_BIN", "python3"),
			Image:            getEnv("SANDBOX_IMAGE", "datalab-python:latest"),
			ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
			Timeout:          getEnvDuration("SANDBOX_TIMEOUT", 120*time.Second),
		},
		Agent: AgentConfig{
			Retries:         getEnvInt("AGENT_RETRIES", 3),
			HistoryRuns:     getEnvInt("AGENT_HISTORY_RUNS", 5),
			MaxSteps:        getEnvInt("AGENT_MAX_STEPS", 24),
			MaxToolFailures: getEnvInt("AGENT_MAX_TOOL_FAILURES", 3),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Telemetry: TelemetryConfig{
			Enabled:      getEnvBool("OTEL_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "datalab"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("WORKSPACE_DIR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	switch c.Sandbox.Mode {
	case SandboxLocal, SandboxDocker:
	default:
		return fmt.Errorf("SANDBOX_MODE must be %q or %q, got %q", SandboxLocal, SandboxDocker, c.Sandbox.Mode)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be > 0")
	}
	if c.Agent.Retries < 0 {
		return fmt.Errorf("AGENT_RETRIES must be >= 0")
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("AGENT_MAX_STEPS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
