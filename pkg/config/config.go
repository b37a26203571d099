package config

import (
	"fmt"
	"os"
	"time"

	"stagewire/pkg/circuitbreaker"
	"stagewire/pkg/retry"
	"stagewire/pkg/tracing"
	"stagewire/pkg/validation"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Client       ClientConfig     `yaml:"client"`
	Signal       SignalConfig     `yaml:"signal"`
	Directory    DirectoryConfig  `yaml:"directory"`
	WebRTC       WebRTCConfig     `yaml:"webrtc"`
	Auth         AuthConfig       `yaml:"auth"`
	RateLimiting RateLimitConfig  `yaml:"rate_limiting"`
	Monitoring   MonitoringConfig `yaml:"monitoring"`
	Logging      LoggingConfig    `yaml:"logging"`
	Tracing      tracing.Config   `yaml:"tracing"`
	Retry        retry.Config     `yaml:"retry"`
}

// ClientConfig drives cmd/stage.
type ClientConfig struct {
	Mode          string        `yaml:"mode" env:"STAGE_MODE"`
	Token         string        `yaml:"token" env:"STAGE_TOKEN"`
	StageID       string        `yaml:"stage_id" env:"STAGE_ID"`
	StageName     string        `yaml:"stage_name" env:"STAGE_NAME"`
	RouterID      string        `yaml:"router_id" env:"STAGE_ROUTER_ID"`
	ActionTimeout time.Duration `yaml:"action_timeout" env:"STAGE_ACTION_TIMEOUT"`

	SendAudio    bool `yaml:"send_audio" env:"STAGE_SEND_AUDIO"`
	SendVideo    bool `yaml:"send_video" env:"STAGE_SEND_VIDEO"`
	ReceiveAudio bool `yaml:"receive_audio" env:"STAGE_RECEIVE_AUDIO"`
	ReceiveVideo bool `yaml:"receive_video" env:"STAGE_RECEIVE_VIDEO"`

	Audio struct {
		DeviceID string `yaml:"device_id"`
		Stereo   bool   `yaml:"stereo"`
		DTX      bool   `yaml:"dtx"`
	} `yaml:"audio"`
	Video struct {
		DeviceID   string `yaml:"device_id"`
		Simulcast  bool   `yaml:"simulcast"`
		MaxBitrate int    `yaml:"max_bitrate"`
		// File is an IVF (VP8) file looped as the camera.
		File string `yaml:"file" env:"STAGE_VIDEO_FILE"`
	} `yaml:"video"`
}

type SignalConfig struct {
	// URL is where clients dial; Address is where the relay listens.
	URL                 string        `yaml:"url" env:"SIGNAL_URL"`
	Address             string        `yaml:"address" env:"SIGNAL_ADDRESS"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	PongTimeout         time.Duration `yaml:"pong_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout" env:"SIGNAL_REQUEST_TIMEOUT"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
	AllowedOrigins      []string      `yaml:"allowed_origins"`
}

type DirectoryConfig struct {
	Backend string `yaml:"backend" env:"DIRECTORY_BACKEND"`
	Redis   struct {
		Address           string        `yaml:"address" env:"REDIS_ADDRESS"`
		Password          string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB                int           `yaml:"db" env:"REDIS_DB"`
		PoolSize          int           `yaml:"pool_size"`
		EntryTTL          time.Duration `yaml:"entry_ttl"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	} `yaml:"redis"`
	Breaker circuitbreaker.Config `yaml:"breaker"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type WebRTCConfig struct {
	ICEServers []ICEServer `yaml:"ice_servers"`
	PortRange  struct {
		Min uint16 `yaml:"min"`
		Max uint16 `yaml:"max"`
	} `yaml:"port_range"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"STAGEWIRE_JWT_SECRET"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type RateLimitConfig struct {
	Enabled              bool    `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	MessagesPerSecond    float64 `yaml:"messages_per_second"`
	Burst                int     `yaml:"burst"`
	ConnectionsPerMinute int     `yaml:"connections_per_minute"`
	MaxConcurrent        int     `yaml:"max_concurrent_connections"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled" env:"PROMETHEUS_ENABLED"`
	MetricsAddress    string `yaml:"metrics_address" env:"METRICS_ADDRESS"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	switch c.Client.Mode {
	case "sfu", "p2p":
	default:
		return fmt.Errorf("client.mode must be sfu or p2p, got %q", c.Client.Mode)
	}
	if c.Client.ActionTimeout <= 0 {
		return fmt.Errorf("client.action_timeout must be > 0")
	}
	if c.Client.Video.MaxBitrate < 0 {
		return fmt.Errorf("client.video.max_bitrate must be >= 0")
	}

	if err := validation.ValidateURL(c.Signal.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be > 0")
	}

	switch c.Directory.Backend {
	case "memory":
	case "redis":
		if c.Directory.Redis.Address == "" {
			return fmt.Errorf("directory.redis.address must not be empty when directory.backend=redis")
		}
		if c.Directory.Redis.PoolSize <= 0 {
			return fmt.Errorf("directory.redis.pool_size must be > 0")
		}
		if c.Directory.Redis.EntryTTL <= 0 {
			return fmt.Errorf("directory.redis.entry_ttl must be > 0")
		}
		if c.Directory.Redis.HeartbeatInterval <= 0 || c.Directory.Redis.HeartbeatInterval >= c.Directory.Redis.EntryTTL {
			return fmt.Errorf("directory.redis.heartbeat_interval must be > 0 and < entry_ttl")
		}
	default:
		return fmt.Errorf("directory.backend must be memory or redis, got %q", c.Directory.Backend)
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent_connections must be >= 0")
		}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must be set when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
	}

	if c.Retry.Enabled && c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry.initial_delay must be > 0 when retry is enabled")
	}
	return nil
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file means defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Client.Mode = "sfu"
	cfg.Client.RouterID = "default"
	cfg.Client.ActionTimeout = 10 * time.Second
	cfg.Client.ReceiveAudio = true
	cfg.Client.ReceiveVideo = true
	cfg.Client.Audio.Stereo = true
	cfg.Client.Video.MaxBitrate = 1_500_000

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.RequestTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Directory.Backend = "memory"
	cfg.Directory.Redis.Address = "localhost:6379"
	cfg.Directory.Redis.PoolSize = 10
	cfg.Directory.Redis.EntryTTL = 30 * time.Second
	cfg.Directory.Redis.HeartbeatInterval = 10 * time.Second
	cfg.Directory.Breaker = circuitbreaker.DefaultConfig()

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "stagewire"
	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200
	cfg.RateLimiting.ConnectionsPerMinute = 60

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing = tracing.DefaultConfig()
	cfg.Retry = retry.DefaultConfig()
	cfg.Retry.MaxAttempts = 0

	return cfg
}
