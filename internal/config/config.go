package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the talk gateway service
type Config struct {
	// Control plane (talk requests, static assets, health, metrics)
	Port string `envconfig:"PORT" default:"3000"`

	// Viewer plane. Avatar front-ends connect here; the value must match the
	// port configured in every viewer, it is not negotiated.
	ViewerPort string `envconfig:"VIEWER_PORT" default:"22336"`
	ViewerPath string `envconfig:"VIEWER_PATH" default:"/"`

	// Path of the control endpoint the audio generator posts to
	TalkPath string `envconfig:"TALK_PATH" default:"/ws"`

	// Asset storage
	AssetDir      string `envconfig:"ASSET_DIR" default:"out"`     // Where fetched audio is written
	AssetRoute    string `envconfig:"ASSET_ROUTE" default:"/out"`  // Static route serving AssetDir
	AssetBaseDir  string `envconfig:"ASSET_BASE_DIR" default:"."`  // Viewer references are relative to this
	MaxAssetFiles int    `envconfig:"MAX_ASSET_FILES" default:"0"` // LRU retention bound, 0 keeps everything
	FetchTimeout  int    `envconfig:"FETCH_TIMEOUT" default:"30"`  // seconds

	// Per-viewer queue depth before a slow viewer is evicted
	ViewerSendBuffer int `envconfig:"VIEWER_SEND_BUFFER" default:"16"`

	// How many recent talk outcomes can be looked up by request id
	TalkHistorySize int `envconfig:"TALK_HISTORY_SIZE" default:"256"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Download failures per host before fast-fail, 0 disables
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics

	// OTLP/gRPC collector address (host:port); empty disables trace export
	TracingEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that envconfig cannot express
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.ViewerPort == "" {
		return fmt.Errorf("VIEWER_PORT is required")
	}
	if c.Port == c.ViewerPort {
		return fmt.Errorf("PORT and VIEWER_PORT must differ (both %s)", c.Port)
	}
	if c.AssetDir == "" {
		return fmt.Errorf("ASSET_DIR is required")
	}
	if !strings.HasPrefix(c.TalkPath, "/") {
		return fmt.Errorf("TALK_PATH must start with '/', got %q", c.TalkPath)
	}
	if !strings.HasPrefix(c.AssetRoute, "/") {
		return fmt.Errorf("ASSET_ROUTE must start with '/', got %q", c.AssetRoute)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %d", c.FetchTimeout)
	}
	if c.MaxAssetFiles < 0 {
		return fmt.Errorf("MAX_ASSET_FILES must not be negative, got %d", c.MaxAssetFiles)
	}
	if c.ViewerSendBuffer <= 0 {
		return fmt.Errorf("VIEWER_SEND_BUFFER must be positive, got %d", c.ViewerSendBuffer)
	}
	if c.TalkHistorySize <= 0 {
		return fmt.Errorf("TALK_HISTORY_SIZE must be positive, got %d", c.TalkHistorySize)
	}
	return nil
}

// FetchTimeoutDuration returns FetchTimeout as a time.Duration
func (c *Config) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// CircuitBreakerResetDuration returns CircuitBreakerResetTimeout as a time.Duration
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}
