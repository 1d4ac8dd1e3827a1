// Package narration composes segmentation, rendering, merging and caching
// into single narration requests, and drives progressive playback.
package narration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/buffers"
	"github.com/lexiqai/narrator/internal/cache"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/generator"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/segmenter"
	"github.com/lexiqai/narrator/internal/tts"
)

// ErrNoAudioProduced is returned when a narration yields no usable audio.
// It wraps the last concrete cause.
var ErrNoAudioProduced = errors.New("no audio produced")

type correlationKey struct{}

// WithCorrelationID tags ctx so narrations started with it log under id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// correlationID returns the id carried by ctx or a new one
func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return observability.NewCorrelationID()
}

// Service is the narration entry point
type Service struct {
	cfg       *config.Config
	renderer  tts.Renderer
	cache     *cache.Cache
	buffers   *buffers.Manager
	segmenter *segmenter.Segmenter
	strategy  segmenter.Strategy
	logger    zerolog.Logger
}

// NewService wires a service around renderer. The cache and buffer manager
// are owned by the caller.
func NewService(cfg *config.Config, renderer tts.Renderer, c *cache.Cache, manager *buffers.Manager, logger zerolog.Logger) (*Service, error) {
	strategy, err := segmenter.ParseStrategy(cfg.SegmentStrategy)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		renderer:  renderer,
		cache:     c,
		buffers:   manager,
		segmenter: segmenter.New(logger.With().Str("component", "segmenter").Logger()),
		strategy:  strategy,
		logger:    logger,
	}, nil
}

// ResolveVoice fills unset voice parameters with the configured defaults
func (s *Service) ResolveVoice(v tts.Voice) tts.Voice {
	if v.Language == "" {
		v.Language = s.cfg.DefaultLanguage
	}
	if v.Voice == "" {
		v.Voice = s.cfg.DefaultVoice
	}
	if v.Pitch == 0 {
		v.Pitch = s.cfg.DefaultPitch
	}
	if v.Pace == 0 {
		v.Pace = s.cfg.DefaultPace
	}
	return v
}

// Segment splits text with the configured sizes and strategy
func (s *Service) Segment(text string) []segmenter.Segment {
	segments := s.segmenter.Split(text, s.cfg.MaxChunkSize, s.cfg.MinChunkSize, s.strategy)
	observability.RecordSegments(len(segments))
	return segments
}

// GenerateNarration renders text into one merged container. Cached
// narrations are returned without rendering. Segments that fail or return
// an invalid container are left out; only a narration with no usable
// segment fails. Narrations missing segments are not cached.
func (s *Service) GenerateNarration(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	start := time.Now()
	logger := s.logger.With().Str("correlation_id", correlationID(ctx)).Logger()
	voice = s.ResolveVoice(voice)

	key := cache.NewKey(text, voice.Language, voice.Voice, voice.Pitch, voice.Pace)
	if container := s.cache.Get(key); container != nil {
		logger.Debug().Int("bytes", len(container)).Msg("Narration served from cache")
		observability.RecordNarration("cache_hit", time.Since(start).Seconds())
		return container, nil
	}

	segments := s.Segment(text)
	if len(segments) == 0 {
		observability.RecordNarration("empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: text has no content", ErrNoAudioProduced)
	}

	logger.Info().
		Int("segments", len(segments)).
		Str("voice", voice.Voice).
		Str("language", voice.Language).
		Msg("Generating narration")

	results := generator.Run(ctx, segments, s.renderFunc(voice), s.generatorOptions(&logger))
	if err := ctx.Err(); err != nil {
		observability.RecordNarration("cancelled", time.Since(start).Seconds())
		return nil, fmt.Errorf("narration cancelled: %w", context.Cause(ctx))
	}

	containers, failed, lastErr := collect(results, logger)
	if len(containers) == 0 {
		observability.RecordNarration("failed", time.Since(start).Seconds())
		logger.Error().Err(lastErr).Int("segments", len(segments)).Msg("Narration produced no audio")
		return nil, fmt.Errorf("%w: %w", ErrNoAudioProduced, lastErr)
	}

	merged, err := audio.MergeWithOptions(containers, audio.MergeOptions{Strict: s.cfg.MergeStrict, Logger: &logger})
	if err != nil {
		observability.RecordNarration("failed", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to merge narration: %w", err)
	}

	if len(failed) == 0 {
		s.cache.Put(key, merged)
	} else {
		logger.Warn().Ints("failed_segments", failed).Msg("Narration is missing segments, not caching")
	}

	observability.RecordNarration("success", time.Since(start).Seconds())
	logger.Info().
		Int("segments", len(segments)).
		Int("merged", len(containers)).
		Int("bytes", len(merged)).
		Dur("elapsed", time.Since(start)).
		Msg("Narration generated")

	return merged, nil
}

// collect keeps the valid containers of results in order
func collect(results []generator.Result, logger zerolog.Logger) (containers [][]byte, failed []int, lastErr error) {
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r.Index)
			lastErr = r.Err
			continue
		}
		if _, err := audio.ParseHeader(r.Audio); err != nil {
			logger.Warn().Err(err).Int("segment", r.Index).Msg("Dropping invalid segment container")
			observability.RecordDroppedContainer("invalid")
			failed = append(failed, r.Index)
			lastErr = err
			continue
		}
		containers = append(containers, r.Audio)
	}
	return containers, failed, lastErr
}

func (s *Service) renderFunc(voice tts.Voice) generator.RenderFunc {
	return func(ctx context.Context, seg segmenter.Segment) ([]byte, error) {
		return s.renderer.Render(ctx, tts.Request{Text: seg.Text, Voice: voice})
	}
}

func (s *Service) generatorOptions(logger *zerolog.Logger) generator.Options {
	return generator.Options{
		MaxConcurrency:       s.cfg.MaxConcurrency,
		RetryAttempts:        s.cfg.RetryAttempts,
		RetryBackoff:         s.cfg.RetryBackoff(),
		MaxBackoff:           10 * time.Second,
		Timeout:              s.cfg.RenderTimeout(),
		ProgressiveThreshold: s.cfg.ProgressiveThreshold,
		OnProgressiveReady: func(prefix []generator.Result) {
			logger.Debug().Int("prefix", len(prefix)).Msg("Leading segments ready")
		},
		Logger: logger,
	}
}

// Stats is a snapshot of the service's storage
type Stats struct {
	Cache   cache.Stats   `json:"cache"`
	Buffers buffers.Stats `json:"buffers"`
}

// Stats returns cache and buffer usage
func (s *Service) Stats() Stats {
	return Stats{
		Cache:   s.cache.Stats(),
		Buffers: s.buffers.Stats(),
	}
}
