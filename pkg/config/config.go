package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address" env:"CHATHUB_SERVER_ADDRESS"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
		InstanceID     string        `yaml:"instance_id" env:"CHATHUB_INSTANCE_ID"`
	} `yaml:"signal"`

	Transport struct {
		URL                  string        `yaml:"url" env:"CHATHUB_SIGNAL_URL"`
		Token                string        `yaml:"token" env:"CHATHUB_TOKEN"`
		HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		InitialBackoff       time.Duration `yaml:"initial_backoff"`
		MaxBackoff           time.Duration `yaml:"max_backoff"`
		PingInterval         time.Duration `yaml:"ping_interval"`
		PongTimeout          time.Duration `yaml:"pong_timeout"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
		SendBufferSize       int           `yaml:"send_buffer_size"`
		MaxHandlersPerType   int           `yaml:"max_handlers_per_type"`
	} `yaml:"transport"`

	Call struct {
		RingTimeout time.Duration `yaml:"ring_timeout"`
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		Microphone       bool `yaml:"microphone"`
		Camera           bool `yaml:"camera"`
		Screen           bool `yaml:"screen"`
		PermissionDenied bool `yaml:"permission_denied"`
	} `yaml:"media"`

	ChatAPI struct {
		BaseURL        string        `yaml:"base_url" env:"CHATHUB_CHAT_API_URL"`
		Timeout        time.Duration `yaml:"timeout"`
		RetryAttempts  int           `yaml:"retry_attempts"`
		BreakerFailure int           `yaml:"breaker_failure_threshold"`
		BreakerTimeout time.Duration `yaml:"breaker_timeout"`
		// Zero disables caching of workspace and channel listings.
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"chat_api"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled" env:"CHATHUB_TRACING_ENABLED"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"CHATHUB_JAEGER_ENDPOINT"`
		SampleRate     float64 `yaml:"sample_rate"`
		Environment    string  `yaml:"environment"`
	} `yaml:"tracing"`

	Logging struct {
		Level      string `yaml:"level" env:"CHATHUB_LOG_LEVEL"`
		Format     string `yaml:"format"`
		File       string `yaml:"file" env:"CHATHUB_LOG_FILE"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled" env:"CHATHUB_REDIS_ENABLED"`
		Address  string `yaml:"address" env:"CHATHUB_REDIS_ADDRESS"`
		Password string `yaml:"password" env:"CHATHUB_REDIS_PASSWORD"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret" env:"CHATHUB_JWT_SECRET"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins" env:"CHATHUB_ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
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

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must be >= 0")
	}
	if c.Transport.InitialBackoff <= 0 {
		return fmt.Errorf("transport.initial_backoff must be > 0")
	}
	if c.Transport.MaxBackoff < c.Transport.InitialBackoff {
		return fmt.Errorf("transport.max_backoff must be >= transport.initial_backoff")
	}
	if c.Transport.PingInterval <= 0 || c.Transport.PongTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.pong_timeout must be > transport.ping_interval > 0")
	}
	if c.Transport.SendBufferSize <= 0 {
		return fmt.Errorf("transport.send_buffer_size must be > 0")
	}
	if c.Transport.MaxHandlersPerType <= 0 {
		return fmt.Errorf("transport.max_handlers_per_type must be > 0")
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be > 0")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.ChatAPI.Timeout <= 0 {
		return fmt.Errorf("chat_api.timeout must be > 0")
	}
	if c.ChatAPI.RetryAttempts < 1 {
		return fmt.Errorf("chat_api.retry_attempts must be >= 1")
	}
	if c.ChatAPI.BreakerFailure <= 0 {
		return fmt.Errorf("chat_api.breaker_failure_threshold must be > 0")
	}
	if c.ChatAPI.CacheTTL < 0 {
		return fmt.Errorf("chat_api.cache_ttl must be >= 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		return fmt.Errorf("auth.refresh_token_ttl must be > auth.access_token_ttl")
	}

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
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from a YAML file on top of DefaultConfig and
// applies CHATHUB_* environment overrides. A missing file yields defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseEnv overlays environment variables onto target. Fields without a
// matching variable keep their current value.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 256

	cfg.Transport.URL = "ws://localhost:8080/ws"
	cfg.Transport.HandshakeTimeout = 10 * time.Second
	cfg.Transport.MaxReconnectAttempts = 5
	cfg.Transport.InitialBackoff = 1 * time.Second
	cfg.Transport.MaxBackoff = 30 * time.Second
	cfg.Transport.PingInterval = 25 * time.Second
	cfg.Transport.PongTimeout = 60 * time.Second
	cfg.Transport.WriteTimeout = 10 * time.Second
	cfg.Transport.SendBufferSize = 256
	cfg.Transport.MaxHandlersPerType = 10

	cfg.Call.RingTimeout = 45 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Media.Microphone = true
	cfg.Media.Camera = true
	cfg.Media.Screen = true

	cfg.ChatAPI.BaseURL = "http://localhost:3000"
	cfg.ChatAPI.Timeout = 10 * time.Second
	cfg.ChatAPI.RetryAttempts = 3
	cfg.ChatAPI.BreakerFailure = 5
	cfg.ChatAPI.BreakerTimeout = 30 * time.Second
	cfg.ChatAPI.CacheTTL = time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1
	cfg.Tracing.Environment = "development"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 28

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour // 7 days
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}
