package tts

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/resilience"
)

// NewRenderer builds the renderer selected by cfg.TTSBackend, guarded by a
// circuit breaker named after the backend
func NewRenderer(cfg *config.Config, logger zerolog.Logger) (*Guarded, error) {
	merge := audio.MergeOptions{Strict: cfg.MergeStrict, Logger: &logger}

	var r Renderer
	switch cfg.TTSBackend {
	case config.BackendMock:
		r = NewMockRenderer()
	case config.BackendHTTP:
		r = NewStreamClient(cfg.TTSURL, cfg.TTSAPIKey, merge, logger)
	case config.BackendWebSocket:
		r = NewWebSocketClient(cfg.TTSURL, cfg.TTSAPIKey, merge, logger)
	case config.BackendDeepgram:
		r = NewDeepgramClient(cfg.DeepgramAPIKey, cfg.DeepgramModel, logger)
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.TTSBackend)
	}

	breaker := resilience.NewCircuitBreaker(
		"tts_"+r.Name(),
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	logger.Info().
		Str("backend", r.Name()).
		Int("breaker_max_failures", cfg.CircuitBreakerMaxFailures).
		Msg("TTS renderer initialized")

	return NewGuarded(r, breaker), nil
}
