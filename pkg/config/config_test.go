package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}

	if cfg.Links.NegotiationTimeout != 18*time.Second {
		t.Errorf("negotiation timeout = %v, want 18s", cfg.Links.NegotiationTimeout)
	}
	if cfg.Calls.SetupTimeout != 18*time.Second {
		t.Errorf("call setup timeout = %v, want 18s", cfg.Calls.SetupTimeout)
	}
	if cfg.DirectAttempts.MaxAttempts != 3 || cfg.DirectAttempts.Window != time.Minute {
		t.Errorf("direct attempts = %d per %v, want 3 per 1m", cfg.DirectAttempts.MaxAttempts, cfg.DirectAttempts.Window)
	}
	if cfg.Signaling.Reconnect.MaxAttempts != 5 || cfg.Signaling.Reconnect.MaxDelay != 10*time.Second {
		t.Errorf("reconnect = %d attempts capped at %v, want 5 capped at 10s",
			cfg.Signaling.Reconnect.MaxAttempts, cfg.Signaling.Reconnect.MaxDelay)
	}
	if cfg.Health.Interval != time.Minute {
		t.Errorf("health interval = %v, want 1m", cfg.Health.Interval)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "signaling url must use websocket scheme",
			mutate: func(c *Config) { c.Signaling.URL = "http://localhost:8000/ws" },
		},
		{
			name:   "read timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signaling.ReadTimeout = c.Signaling.PingInterval },
		},
		{
			name:   "reconnect max delay must be >= initial",
			mutate: func(c *Config) { c.Signaling.Reconnect.MaxDelay = 500 * time.Millisecond },
		},
		{
			name:   "reconnect multiplier must be >= 1",
			mutate: func(c *Config) { c.Signaling.Reconnect.Multiplier = 0.5 },
		},
		{
			name:   "reconnect attempts must be > 0",
			mutate: func(c *Config) { c.Signaling.Reconnect.MaxAttempts = 0 },
		},
		{
			name:   "relay base url required",
			mutate: func(c *Config) { c.Relay.BaseURL = "" },
		},
		{
			name:   "breaker threshold must be > 0",
			mutate: func(c *Config) { c.Relay.Breaker.FailureThreshold = 0 },
		},
		{
			name:   "negotiation timeout must be > 0",
			mutate: func(c *Config) { c.Links.NegotiationTimeout = 0 },
		},
		{
			name: "port range must be ordered",
			mutate: func(c *Config) {
				c.Links.PortRange.Min = 50000
				c.Links.PortRange.Max = 40000
			},
		},
		{
			name:   "port range needs both bounds",
			mutate: func(c *Config) { c.Links.PortRange.Min = 50000 },
		},
		{
			name:   "record ttl must cover the window",
			mutate: func(c *Config) { c.DirectAttempts.RecordTTL = 10 * time.Second },
		},
		{
			name:   "call key must be at least 16 bytes",
			mutate: func(c *Config) { c.Calls.KeySize = 8 },
		},
		{
			name:   "unknown store backend",
			mutate: func(c *Config) { c.Store.Backend = "postgres" },
		},
		{
			name: "sqlite backend needs a path",
			mutate: func(c *Config) {
				c.Store.Backend = "sqlite"
				c.Store.SQLitePath = ""
			},
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Server.PongTimeout = c.Server.PingInterval },
		},
		{
			name: "redis store needs an address",
			mutate: func(c *Config) {
				c.Store.Backend = "redis"
				c.Redis.Address = ""
			},
		},
		{
			name:   "jwt secret required",
			mutate: func(c *Config) { c.Auth.JWTSecret = "" },
		},
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "http max concurrent must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 },
		},
		{
			name:   "ws messages per second must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 },
		},
		{
			name:   "ws burst must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 },
		},
		{
			name: "tracing sample rate within [0,1]",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	yamlDoc := `
node:
  user_id: alice
signaling:
  url: ws://relay.example:9000/ws
links:
  negotiation_timeout: 5s
store:
  backend: sqlite
  sqlite_path: /tmp/alice.db
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CHAT8_USER_ID", "bob")
	t.Setenv("CHAT8_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Node.UserID != "bob" {
		t.Errorf("user id = %q, env should win over yaml", cfg.Node.UserID)
	}
	if cfg.Signaling.URL != "ws://relay.example:9000/ws" {
		t.Errorf("signaling url = %q", cfg.Signaling.URL)
	}
	if cfg.Links.NegotiationTimeout != 5*time.Second {
		t.Errorf("negotiation timeout = %v, want 5s", cfg.Links.NegotiationTimeout)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/tmp/alice.db" {
		t.Errorf("store = %s %s", cfg.Store.Backend, cfg.Store.SQLitePath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched sections keep defaults.
	if cfg.Calls.SetupTimeout != 18*time.Second {
		t.Errorf("call setup timeout = %v, want default", cfg.Calls.SetupTimeout)
	}
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: floppy\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid backend to fail validation")
	}
}

func TestLoadFirst_SkipsMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "second.yaml")
	if err := os.WriteFile(path, []byte("node:\n  status: busy\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFirst(filepath.Join(dir, "first.yaml"), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.Status != "busy" {
		t.Errorf("status = %q, want busy", cfg.Node.Status)
	}
}
