package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported TTS backends
const (
	BackendMock      = "mock"
	BackendHTTP      = "http"
	BackendWebSocket = "websocket"
	BackendDeepgram  = "deepgram"
)

// Config holds all configuration for the narration service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service

	// TTS backend configuration
	TTSBackend     string `envconfig:"TTS_BACKEND" default:"mock"` // mock, http, websocket, deepgram
	TTSURL         string `envconfig:"TTS_URL" default:""`         // Streaming endpoint for http/websocket backends
	TTSAPIKey      string `envconfig:"TTS_API_KEY" default:""`
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"aura-asteria-en"`

	// Default voice parameters applied when a request omits them
	DefaultLanguage string  `envconfig:"DEFAULT_LANGUAGE" default:"en"`
	DefaultVoice    string  `envconfig:"DEFAULT_VOICE" default:"narrator"`
	DefaultPitch    float64 `envconfig:"DEFAULT_PITCH" default:"0"`
	DefaultPace     float64 `envconfig:"DEFAULT_PACE" default:"1.0"`

	// Segmentation configuration
	MaxChunkSize    int    `envconfig:"MAX_CHUNK_SIZE" default:"1000"` // Characters per segment
	MinChunkSize    int    `envconfig:"MIN_CHUNK_SIZE" default:"100"`
	SegmentStrategy string `envconfig:"SEGMENT_STRATEGY" default:"hybrid"` // paragraph, sentence, hybrid

	// Generation configuration
	MaxConcurrency       int `envconfig:"MAX_CONCURRENCY" default:"4"`
	RetryAttempts        int `envconfig:"RETRY_ATTEMPTS" default:"2"`        // Retries after the first attempt
	RetryBackoffMs       int `envconfig:"RETRY_BACKOFF_MS" default:"500"`    // Initial backoff in milliseconds
	RenderTimeoutMs      int `envconfig:"RENDER_TIMEOUT_MS" default:"30000"` // Per-render timeout
	ProgressiveThreshold int `envconfig:"PROGRESSIVE_THRESHOLD" default:"2"`
	InitialChunkCount    int `envconfig:"INITIAL_CHUNK_COUNT" default:"2"`
	PreloadAhead         int `envconfig:"PRELOAD_AHEAD" default:"3"`

	// Merge configuration
	MergeStrict bool `envconfig:"MERGE_STRICT" default:"false"` // Reject containers whose format differs

	// Cache configuration
	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"24h"`
	CacheMaxEntries int           `envconfig:"CACHE_MAX_ENTRIES" default:"500"`
	CacheMaxBytes   int64         `envconfig:"CACHE_MAX_BYTES" default:"536870912"` // 512 MiB

	// Decoded buffer memory configuration
	BufferTTL           time.Duration `envconfig:"BUFFER_TTL" default:"10m"`
	BufferMaxCount      int           `envconfig:"BUFFER_MAX_COUNT" default:"64"`
	BufferMaxBytes      int64         `envconfig:"BUFFER_MAX_BYTES" default:"268435456"` // 256 MiB
	BufferSweepInterval time.Duration `envconfig:"BUFFER_SWEEP_INTERVAL" default:"30s"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Job trigger configuration
	InboxDir string `envconfig:"INBOX_DIR" default:"./inbox"`

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

// Validate checks values that envconfig cannot express as tags
func (c *Config) Validate() error {
	switch c.TTSBackend {
	case BackendMock:
	case BackendHTTP, BackendWebSocket:
		if c.TTSURL == "" {
			return fmt.Errorf("TTS_URL is required for the %s backend", c.TTSBackend)
		}
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram backend")
		}
	default:
		return fmt.Errorf("unknown TTS_BACKEND %q", c.TTSBackend)
	}

	switch c.SegmentStrategy {
	case "paragraph", "sentence", "hybrid":
	default:
		return fmt.Errorf("unknown SEGMENT_STRATEGY %q", c.SegmentStrategy)
	}

	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("MAX_CHUNK_SIZE must be positive")
	}
	if c.MinChunkSize < 0 || c.MinChunkSize > c.MaxChunkSize {
		return fmt.Errorf("MIN_CHUNK_SIZE must be between 0 and MAX_CHUNK_SIZE")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("MAX_CONCURRENCY must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must not be negative")
	}

	return nil
}

// RetryBackoff returns the initial retry backoff as a duration
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// RenderTimeout returns the per-render timeout as a duration
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
