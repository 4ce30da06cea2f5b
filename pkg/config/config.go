package config

import (
	"fmt"
	"os"
	"time"

	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendRemote = "remote"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		// Backend selects the signal store: memory and redis are used by the
		// gateway, remote by the agents talking to a gateway.
		Backend          string        `yaml:"backend"`
		URL              string        `yaml:"url"`
		Token            string        `yaml:"token"`
		SessionID        string        `yaml:"session_id"`
		FeedBuffer       int           `yaml:"feed_buffer"`
		ResubscribeDelay time.Duration `yaml:"resubscribe_delay"`
		ReplayLimit      int           `yaml:"replay_limit"`
		DedupeTTL        time.Duration `yaml:"dedupe_ttl"`
		RequestTimeout   time.Duration `yaml:"request_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`

		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"retry"`

		Breaker struct {
			FailureThreshold    int           `yaml:"failure_threshold"`
			SuccessThreshold    int           `yaml:"success_threshold"`
			Timeout             time.Duration `yaml:"timeout"`
			MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
		} `yaml:"breaker"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		RTPListenAddress string        `yaml:"rtp_listen_address"`
		ForwardAddress   string        `yaml:"forward_address"`
		VideoCodec       string        `yaml:"video_codec"`
		PLIInterval      time.Duration `yaml:"pli_interval"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Address      string        `yaml:"address"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		StreamMaxLen int64         `yaml:"stream_max_len"`
		SignalTTL    time.Duration `yaml:"signal_ttl"`
		LockTTL      time.Duration `yaml:"lock_ttl"`
	} `yaml:"redis"`

	Auth struct {
		Enabled         bool          `yaml:"enabled"`
		JWTSecret       string        `yaml:"jwt_secret"`
		TokenTTL        time.Duration `yaml:"token_ttl"`
		AllowTokenIssue bool          `yaml:"allow_token_issue"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing tracing.Config `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	switch c.Relay.Backend {
	case BackendMemory, BackendRedis:
	case BackendRemote:
		if err := validation.ValidateURL(c.Relay.URL); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	default:
		return fmt.Errorf("relay.backend must be one of memory, redis, remote (got %q)", c.Relay.Backend)
	}
	if c.Relay.SessionID != "" {
		if err := validation.ValidateSessionID(c.Relay.SessionID); err != nil {
			return fmt.Errorf("relay.session_id: %w", err)
		}
	}
	if c.Relay.FeedBuffer <= 0 {
		return fmt.Errorf("relay.feed_buffer must be > 0")
	}
	if c.Relay.ResubscribeDelay <= 0 {
		return fmt.Errorf("relay.resubscribe_delay must be > 0")
	}
	if c.Relay.ReplayLimit <= 0 {
		return fmt.Errorf("relay.replay_limit must be > 0")
	}
	if c.Relay.DedupeTTL <= 0 {
		return fmt.Errorf("relay.dedupe_ttl must be > 0")
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be > 0")
	}
	if c.Relay.PingInterval <= 0 || c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be greater than relay.ping_interval > 0")
	}
	if c.Relay.Retry.Enabled {
		if c.Relay.Retry.MaxAttempts <= 0 {
			return fmt.Errorf("relay.retry.max_attempts must be > 0 when retry is enabled")
		}
		if c.Relay.Retry.Multiplier < 1 {
			return fmt.Errorf("relay.retry.multiplier must be >= 1")
		}
	}
	if c.Relay.Breaker.FailureThreshold <= 0 || c.Relay.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("relay.breaker thresholds must be > 0")
	}
	if c.Relay.Breaker.Timeout <= 0 {
		return fmt.Errorf("relay.breaker.timeout must be > 0")
	}
	if c.Relay.Breaker.MaxRequestsHalfOpen <= 0 {
		return fmt.Errorf("relay.breaker.max_requests_half_open must be > 0")
	}

	for _, server := range c.WebRTC.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers entries need at least one url")
		}
		for _, u := range server.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers: %w", err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	switch c.Media.VideoCodec {
	case "vp8", "vp9", "h264":
	default:
		return fmt.Errorf("media.video_codec must be vp8, vp9 or h264 (got %q)", c.Media.VideoCodec)
	}
	if c.Media.PLIInterval < 0 {
		return fmt.Errorf("media.pli_interval must be >= 0")
	}

	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Relay.Backend == BackendRedis {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when relay.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when relay.backend=redis")
		}
		if c.Redis.SignalTTL <= 0 || c.Redis.LockTTL <= 0 {
			return fmt.Errorf("redis.signal_ttl and redis.lock_ttl must be > 0")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth is enabled")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0")
		}
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be > 0")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
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

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Relay.Backend = BackendMemory
	cfg.Relay.URL = "http://localhost:8080"
	cfg.Relay.FeedBuffer = 64
	cfg.Relay.ResubscribeDelay = 500 * time.Millisecond
	cfg.Relay.ReplayLimit = 256
	cfg.Relay.DedupeTTL = 5 * time.Minute
	cfg.Relay.RequestTimeout = 10 * time.Second
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second

	// Retry is opt-in; callers decide how to react to RelayUnavailable.
	cfg.Relay.Retry.Enabled = false
	cfg.Relay.Retry.MaxAttempts = 3
	cfg.Relay.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Relay.Retry.MaxDelay = 5 * time.Second
	cfg.Relay.Retry.Multiplier = 2.0

	cfg.Relay.Breaker.FailureThreshold = 5
	cfg.Relay.Breaker.SuccessThreshold = 2
	cfg.Relay.Breaker.Timeout = 10 * time.Second
	cfg.Relay.Breaker.MaxRequestsHalfOpen = 1

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}

	cfg.Media.RTPListenAddress = "127.0.0.1:5004"
	cfg.Media.ForwardAddress = "127.0.0.1:5006"
	cfg.Media.VideoCodec = "vp8"
	cfg.Media.PLIInterval = 3 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.StreamMaxLen = 1000
	cfg.Redis.SignalTTL = 24 * time.Hour
	cfg.Redis.LockTTL = 30 * time.Second

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Auth.AllowTokenIssue = false
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing = tracing.DefaultConfig()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	overrides := map[string]*string{
		"PEERLINK_SERVER_ADDRESS": &c.Server.Address,
		"PEERLINK_RELAY_BACKEND":  &c.Relay.Backend,
		"PEERLINK_RELAY_URL":      &c.Relay.URL,
		"PEERLINK_RELAY_TOKEN":    &c.Relay.Token,
		"PEERLINK_SESSION_ID":     &c.Relay.SessionID,
		"PEERLINK_LOG_LEVEL":      &c.Logging.Level,
		"PEERLINK_JWT_SECRET":     &c.Auth.JWTSecret,
		"PEERLINK_REDIS_ADDRESS":  &c.Redis.Address,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}
