package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("TTS_BACKEND")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.TTSBackend != BackendMock {
		t.Errorf("Expected default TTSBackend 'mock', got '%s'", cfg.TTSBackend)
	}
	if cfg.MaxChunkSize != 1000 {
		t.Errorf("Expected default MaxChunkSize 1000, got %d", cfg.MaxChunkSize)
	}
	if cfg.SegmentStrategy != "hybrid" {
		t.Errorf("Expected default SegmentStrategy 'hybrid', got '%s'", cfg.SegmentStrategy)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("Expected default CacheTTL 24h, got %v", cfg.CacheTTL)
	}
	if cfg.BufferMaxCount != 64 {
		t.Errorf("Expected default BufferMaxCount 64, got %d", cfg.BufferMaxCount)
	}
	if cfg.MergeStrict {
		t.Error("Expected default MergeStrict false, got true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
}

func TestLoad_Durations(t *testing.T) {
	os.Setenv("RETRY_BACKOFF_MS", "250")
	os.Setenv("RENDER_TIMEOUT_MS", "1500")
	defer os.Unsetenv("RETRY_BACKOFF_MS")
	defer os.Unsetenv("RENDER_TIMEOUT_MS")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.RetryBackoff() != 250*time.Millisecond {
		t.Errorf("Expected RetryBackoff 250ms, got %v", cfg.RetryBackoff())
	}
	if cfg.RenderTimeout() != 1500*time.Millisecond {
		t.Errorf("Expected RenderTimeout 1.5s, got %v", cfg.RenderTimeout())
	}
}

func TestLoad_BackendRequirements(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"mock needs nothing", map[string]string{"TTS_BACKEND": "mock"}, false},
		{"http needs url", map[string]string{"TTS_BACKEND": "http"}, true},
		{"http with url", map[string]string{"TTS_BACKEND": "http", "TTS_URL": "http://tts.local/stream"}, false},
		{"websocket needs url", map[string]string{"TTS_BACKEND": "websocket"}, true},
		{"deepgram needs key", map[string]string{"TTS_BACKEND": "deepgram"}, true},
		{"deepgram with key", map[string]string{"TTS_BACKEND": "deepgram", "DEEPGRAM_API_KEY": "k"}, false},
		{"unknown backend", map[string]string{"TTS_BACKEND": "carrier-pigeon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.env {
					os.Unsetenv(k)
				}
			}()

			_, err := LoadFromEnv()
			if tt.wantErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestValidate_ChunkSizes(t *testing.T) {
	cfg := &Config{
		TTSBackend:      BackendMock,
		SegmentStrategy: "hybrid",
		MaxChunkSize:    100,
		MinChunkSize:    200,
		MaxConcurrency:  1,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when MinChunkSize exceeds MaxChunkSize")
	}

	cfg.MinChunkSize = 50
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	cfg.MaxConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when MaxConcurrency is zero")
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
