package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("SANDBOX_MODE", "local")
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("AGENT_RETRIES", "3")
	t.Setenv("OTEL_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h", cfg.SessionTTL)
	}
	if cfg.Agent.Retries != 3 {
		t.Errorf("Agent.Retries = %d, want 3", cfg.Agent.Retries)
	}
	if cfg.Sandbox.Mode != SandboxLocal {
		t.Errorf("Sandbox.Mode = %q, want local", cfg.Sandbox.Mode)
	}
}

func TestValidateRejectsUnknownSandboxMode(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Sandbox.Mode = "firecracker"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown sandbox mode")
	}
}

func TestValidateRequiresOTLPEndpointWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Telemetry.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when telemetry is enabled without endpoint")
	}
	cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("DATALAB_TEST_DURATION", "soon")
	if got := getEnvDuration("DATALAB_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("getEnvDuration = %v, want 1s", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if got := cfg.AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("dev origins = %v, want [*]", got)
	}
	cfg.FrontendURL = "https://datalab.example.com"
	if got := cfg.AllowedOrigins(); len(got) != 1 || got[0] != "https://datalab.example.com" {
		t.Fatalf("prod origins = %v", got)
	}
}

func validConfig() *Config {
	return &Config{
		Port:           "8080",
		WorkspaceDir:   "./data",
		DBPath:         ":memory:",
		MaxUploadBytes: 1 << 20,
		Sandbox:        SandboxConfig{Mode: SandboxLocal, Timeout: time.Second},
		Agent:          AgentConfig{Retries: 3, MaxSteps: 4},
		RateLimit:      RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second},
	}
}
