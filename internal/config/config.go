package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Deployment environments accepted in APP_ENV
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Config holds all configuration for the voice gateway service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""` // Empty disables the gRPC health service
	AppEnv         string `envconfig:"APP_ENV" default:"development"`

	// ElevenLabs API configuration
	ElevenLabsAPIKey         string `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsBaseURL        string `envconfig:"ELEVENLABS_BASE_URL" default:"https://api.elevenlabs.io"`
	ElevenLabsDefaultModelID string `envconfig:"ELEVENLABS_DEFAULT_MODEL_ID" default:"eleven_monolingual_v1"`

	// Remote slot accounting. The slot table holds MaxVoices - MaxConcurrency
	// entries so in-flight work always has headroom on the provider.
	ElevenLabsMaxVoices      int `envconfig:"ELEVENLABS_MAX_VOICES" required:"true"`
	ElevenLabsMaxConcurrency int `envconfig:"ELEVENLABS_MAX_CONCURRENCY" required:"true"`

	// Timeouts for remote calls
	ElevenLabsRequestTimeout int `envconfig:"ELEVENLABS_REQUEST_TIMEOUT" default:"30"`  // seconds, list/add/delete
	ElevenLabsSpeechTimeout  int `envconfig:"ELEVENLABS_SPEECH_TIMEOUT" default:"120"`  // seconds, whole speech stream
	SlotDeleteTimeout        int `envconfig:"SLOT_DELETE_TIMEOUT" default:"10"`         // seconds, best-effort deletes
	BootstrapTimeout         int `envconfig:"BOOTSTRAP_TIMEOUT" default:"60"`           // seconds, one reconciliation attempt

	// Persistence
	DatabasePath string `envconfig:"DATABASE_PATH" default:"voice-gateway.db"`

	// Blob storage (S3 compatible)
	BucketName         string `envconfig:"BUCKET_NAME" required:"true"`
	BucketHost         string `envconfig:"BUCKET_HOST" required:"true"`
	BucketRegion       string `envconfig:"BUCKET_REGION" default:"dummy"` // Any non-empty value works for path-style hosts
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID" required:"true"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY" required:"true"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
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

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if c.ElevenLabsMaxVoices < 1 {
		return fmt.Errorf("ELEVENLABS_MAX_VOICES must be at least 1, got %d", c.ElevenLabsMaxVoices)
	}
	if c.ElevenLabsMaxConcurrency < 1 {
		return fmt.Errorf("ELEVENLABS_MAX_CONCURRENCY must be at least 1, got %d", c.ElevenLabsMaxConcurrency)
	}
	if c.SlotCapacity() < 1 {
		return fmt.Errorf("ELEVENLABS_MAX_VOICES (%d) must exceed ELEVENLABS_MAX_CONCURRENCY (%d)",
			c.ElevenLabsMaxVoices, c.ElevenLabsMaxConcurrency)
	}

	switch c.AppEnv {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("APP_ENV must be one of development, test, production, got %q", c.AppEnv)
	}

	if c.BucketName == "" || c.BucketHost == "" {
		return fmt.Errorf("BUCKET_NAME and BUCKET_HOST are required")
	}

	return nil
}

// SlotCapacity is the number of voices the slot table may hold
func (c *Config) SlotCapacity() int {
	return c.ElevenLabsMaxVoices - c.ElevenLabsMaxConcurrency
}

// IsProduction reports whether orphaned remote voices may be deleted on startup
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.ElevenLabsRequestTimeout) * time.Second
}

func (c *Config) SpeechTimeout() time.Duration {
	return time.Duration(c.ElevenLabsSpeechTimeout) * time.Second
}

func (c *Config) DeleteTimeout() time.Duration {
	return time.Duration(c.SlotDeleteTimeout) * time.Second
}

func (c *Config) BootstrapDeadline() time.Duration {
	return time.Duration(c.BootstrapTimeout) * time.Second
}
