package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Node struct {
		UserID       string            `yaml:"user_id"`
		Token        string            `yaml:"token"`
		Status       string            `yaml:"status"`
		Capabilities map[string]bool   `yaml:"capabilities"`
		HTTPAddress  string            `yaml:"http_address"`
		Labels       map[string]string `yaml:"labels,omitempty"`
	} `yaml:"node"`

	Signaling struct {
		URL              string        `yaml:"url"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		MaxMessageBytes  int64         `yaml:"max_message_bytes"`

		Reconnect struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
			MaxAttempts  int           `yaml:"max_attempts"`
		} `yaml:"reconnect"`
	} `yaml:"signaling"`

	Relay struct {
		BaseURL        string        `yaml:"base_url"`
		Timeout        time.Duration `yaml:"timeout"`
		StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`
		ReadRetries    int           `yaml:"read_retries"`

		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"relay"`

	Links struct {
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		DataChannelLabel   string        `yaml:"data_channel_label"`
		ICEServers         []ICEServer   `yaml:"ice_servers"`
		PortRange          struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"links"`

	DirectAttempts struct {
		MaxAttempts int           `yaml:"max_attempts"`
		Window      time.Duration `yaml:"window"`
		RecordTTL   time.Duration `yaml:"record_ttl"`
	} `yaml:"direct_attempts"`

	Calls struct {
		SetupTimeout  time.Duration `yaml:"setup_timeout"`
		KeySize       int           `yaml:"key_size"`
		EncryptAudio  bool          `yaml:"encrypt_audio"`
		FrameInterval time.Duration `yaml:"frame_interval"`
	} `yaml:"calls"`

	Health struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"health"`

	Store struct {
		Backend    string `yaml:"backend"` // memory, sqlite or redis
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"store"`

	Persistence struct {
		QueueSize    int           `yaml:"queue_size"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"persistence"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		PresenceTTL     time.Duration `yaml:"presence_ttl"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		// DevTokens exposes POST /api/v1/auth/token on the relay.
		DevTokens bool `yaml:"dev_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signaling
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if !strings.HasPrefix(c.Signaling.URL, "ws://") && !strings.HasPrefix(c.Signaling.URL, "wss://") {
		return fmt.Errorf("signaling.url must use ws:// or wss://")
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.WriteTimeout <= 0 {
		return fmt.Errorf("signaling.write_timeout must be > 0")
	}
	if c.Signaling.ReadTimeout <= c.Signaling.PingInterval {
		return fmt.Errorf("signaling.read_timeout must be > signaling.ping_interval")
	}
	if c.Signaling.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("signaling.reconnect.initial_delay must be > 0")
	}
	if c.Signaling.Reconnect.MaxDelay < c.Signaling.Reconnect.InitialDelay {
		return fmt.Errorf("signaling.reconnect.max_delay must be >= initial_delay")
	}
	if c.Signaling.Reconnect.Multiplier < 1 {
		return fmt.Errorf("signaling.reconnect.multiplier must be >= 1")
	}
	if c.Signaling.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("signaling.reconnect.max_attempts must be > 0")
	}

	// Relay
	if c.Relay.BaseURL == "" {
		return fmt.Errorf("relay.base_url must not be empty")
	}
	if c.Relay.Timeout <= 0 {
		return fmt.Errorf("relay.timeout must be > 0")
	}
	if c.Relay.ReadRetries < 0 {
		return fmt.Errorf("relay.read_retries must be >= 0")
	}
	if c.Relay.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("relay.breaker.failure_threshold must be > 0")
	}
	if c.Relay.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("relay.breaker.open_timeout must be > 0")
	}

	// Links
	if c.Links.NegotiationTimeout <= 0 {
		return fmt.Errorf("links.negotiation_timeout must be > 0")
	}
	if c.Links.DataChannelLabel == "" {
		return fmt.Errorf("links.data_channel_label must not be empty")
	}
	if c.Links.PortRange.Min > 0 || c.Links.PortRange.Max > 0 {
		if c.Links.PortRange.Min == 0 || c.Links.PortRange.Max == 0 {
			return fmt.Errorf("links.port_range.min and max must both be set when one is set")
		}
		if c.Links.PortRange.Min >= c.Links.PortRange.Max {
			return fmt.Errorf("links.port_range.min must be < max")
		}
	}

	// Direct attempts
	if c.DirectAttempts.MaxAttempts <= 0 {
		return fmt.Errorf("direct_attempts.max_attempts must be > 0")
	}
	if c.DirectAttempts.Window <= 0 {
		return fmt.Errorf("direct_attempts.window must be > 0")
	}
	if c.DirectAttempts.RecordTTL < c.DirectAttempts.Window {
		return fmt.Errorf("direct_attempts.record_ttl must be >= window")
	}

	// Calls
	if c.Calls.SetupTimeout <= 0 {
		return fmt.Errorf("calls.setup_timeout must be > 0")
	}
	if c.Calls.KeySize < 16 {
		return fmt.Errorf("calls.key_size must be >= 16")
	}
	if c.Calls.FrameInterval <= 0 {
		return fmt.Errorf("calls.frame_interval must be > 0")
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be > 0")
	}

	// Store
	switch c.Store.Backend {
	case "memory", "redis":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must not be empty when store.backend=sqlite")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, sqlite, redis")
	}
	if c.Persistence.QueueSize <= 0 {
		return fmt.Errorf("persistence.queue_size must be > 0")
	}
	if c.Persistence.WriteTimeout <= 0 {
		return fmt.Errorf("persistence.write_timeout must be > 0")
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be > server.ping_interval")
	}
	if c.Server.PresenceTTL <= 0 {
		return fmt.Errorf("server.presence_ttl must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled || c.Store.Backend == "redis" {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis is used")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis is used")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first configuration that loads.
// When none loads, the defaults (with env overrides) are returned together with the last error.
func LoadFirst(paths ...string) (*Config, error) {
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
	}

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, lastErr
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.Status = "online"
	cfg.Node.Capabilities = map[string]bool{"p2p": true, "voice": true}
	cfg.Node.HTTPAddress = "127.0.0.1:8090"

	cfg.Signaling.URL = "ws://localhost:8000/ws"
	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.ReadTimeout = 90 * time.Second
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.HandshakeTimeout = 10 * time.Second
	cfg.Signaling.MaxMessageBytes = 1 << 20
	cfg.Signaling.Reconnect.InitialDelay = time.Second
	cfg.Signaling.Reconnect.MaxDelay = 10 * time.Second
	cfg.Signaling.Reconnect.Multiplier = 2.0
	cfg.Signaling.Reconnect.MaxAttempts = 5

	cfg.Relay.BaseURL = "http://localhost:8000/api/v1"
	cfg.Relay.Timeout = 10 * time.Second
	cfg.Relay.StatusCacheTTL = 15 * time.Second
	cfg.Relay.ReadRetries = 2
	cfg.Relay.Breaker.FailureThreshold = 5
	cfg.Relay.Breaker.OpenTimeout = 30 * time.Second

	cfg.Links.NegotiationTimeout = 18 * time.Second
	cfg.Links.DataChannelLabel = "chat"
	cfg.Links.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.DirectAttempts.MaxAttempts = 3
	cfg.DirectAttempts.Window = 60 * time.Second
	cfg.DirectAttempts.RecordTTL = 5 * time.Minute

	cfg.Calls.SetupTimeout = 18 * time.Second
	cfg.Calls.KeySize = 32
	cfg.Calls.EncryptAudio = true
	cfg.Calls.FrameInterval = 20 * time.Millisecond

	cfg.Health.Interval = 60 * time.Second

	cfg.Store.Backend = "memory"
	cfg.Store.SQLitePath = "chat8.db"

	cfg.Persistence.QueueSize = 256
	cfg.Persistence.WriteTimeout = 5 * time.Second

	cfg.Server.Address = ":8000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.PongTimeout = 60 * time.Second
	cfg.Server.PresenceTTL = 3 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "chat8"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHAT8_USER_ID"); v != "" {
		c.Node.UserID = v
	}
	if v := os.Getenv("CHAT8_TOKEN"); v != "" {
		c.Node.Token = v
	}
	if v := os.Getenv("CHAT8_SIGNALING_URL"); v != "" {
		c.Signaling.URL = v
	}
	if v := os.Getenv("CHAT8_RELAY_URL"); v != "" {
		c.Relay.BaseURL = v
	}
	if v := os.Getenv("CHAT8_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("CHAT8_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("CHAT8_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if level := os.Getenv("CHAT8_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("CHAT8_DEV_TOKENS"); v != "" {
		c.Auth.DevTokens = v == "1" || v == "true"
	}
	if secret := os.Getenv("CHAT8_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
