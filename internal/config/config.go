package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the push-to-talk gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Comma separated list of origins allowed to open the PTT WebSocket.
	// Empty allows any origin (development only).
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Audio frames sent by the browser
	AudioSampleRate int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioEncoding   string `envconfig:"AUDIO_ENCODING" default:"linear16"`

	// Push-to-talk interaction tuning
	DefaultLanguage        string  `envconfig:"PTT_DEFAULT_LANGUAGE" default:"en-US"`
	DebounceMs             int     `envconfig:"PTT_DEBOUNCE_MS" default:"300"`
	BoundaryTolerancePx    float64 `envconfig:"PTT_BOUNDARY_TOLERANCE_PX" default:"40"`
	FlushGraceMs           int     `envconfig:"PTT_FLUSH_GRACE_MS" default:"300"`
	ErrorClearMs           int     `envconfig:"PTT_ERROR_CLEAR_MS" default:"3000"`
	RestartDelayMs         int     `envconfig:"PTT_RESTART_DELAY_MS" default:"100"`
	RetryMaxAttempts       int     `envconfig:"PTT_RETRY_MAX_ATTEMPTS" default:"2"`
	RetryBackoffMs         int     `envconfig:"PTT_RETRY_BACKOFF_MS" default:"800"`
	MicPromptTimeoutSecond int     `envconfig:"PTT_MIC_PROMPT_TIMEOUT" default:"30"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Persistence and auth (both optional)
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	JWTSecret   string `envconfig:"JWT_SECRET" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	SentryDSN      string `envconfig:"SENTRY_DSN" default:""`
	Environment    string `envconfig:"ENVIRONMENT" default:"development"`
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

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.DebounceMs < 0 || c.FlushGraceMs < 0 || c.ErrorClearMs < 0 || c.RestartDelayMs < 0 {
		return fmt.Errorf("PTT timing values must not be negative")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("PTT_RETRY_MAX_ATTEMPTS must not be negative")
	}
	if c.BoundaryTolerancePx < 0 {
		return fmt.Errorf("PTT_BOUNDARY_TOLERANCE_PX must not be negative")
	}
	if c.MicPromptTimeoutSecond <= 0 {
		return fmt.Errorf("PTT_MIC_PROMPT_TIMEOUT must be positive")
	}
	return nil
}

// Millis converts a millisecond setting into a time.Duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// MicPromptTimeout bounds how long the gateway waits for the browser to
// answer a microphone permission prompt
func (c *Config) MicPromptTimeout() time.Duration {
	return time.Duration(c.MicPromptTimeoutSecond) * time.Second
}
