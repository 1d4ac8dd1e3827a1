package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/buffers"
	"github.com/lexiqai/narrator/internal/cache"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/inbox"
	"github.com/lexiqai/narrator/internal/narration"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/playback"
	"github.com/lexiqai/narrator/internal/tts"
)

func main() {
	in := flag.String("in", "", "text file to narrate (- for stdin)")
	out := flag.String("out", "", "output WAV file (defaults to the input name with .wav)")
	watch := flag.Bool("watch", false, "narrate every .txt file dropped into INBOX_DIR")
	play := flag.Bool("play", false, "play the narration progressively in real time instead of writing a file")
	voice := flag.String("voice", "", "voice name (overrides DEFAULT_VOICE)")
	language := flag.String("language", "", "language (overrides DEFAULT_LANGUAGE)")
	pitch := flag.Float64("pitch", 0, "voice pitch")
	pace := flag.Float64("pace", 0, "voice pace")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, manager, err := newService(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create narration service")
	}
	defer manager.Dispose()

	v := tts.Voice{Language: *language, Voice: *voice, Pitch: *pitch, Pace: *pace}

	switch {
	case *watch:
		w := inbox.NewWatcher(cfg.InboxDir, func(ctx context.Context, path string) error {
			return narrateFile(ctx, svc, path, inbox.OutputPath(path), v, logger)
		}, observability.ComponentLogger("inbox"))
		if err := w.Run(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Inbox watcher failed")
		}

	case *in == "":
		fmt.Fprintln(os.Stderr, "usage: narrate -in story.txt [-out story.wav | -play] | -watch")
		flag.PrintDefaults()
		os.Exit(2)

	case *play:
		text, err := readText(*in)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to read input")
		}
		if err := playText(ctx, svc, text, v, logger); err != nil {
			logger.Fatal().Err(err).Msg("Playback failed")
		}

	default:
		target := *out
		if target == "" {
			if *in == "-" {
				target = "narration.wav"
			} else {
				target = inbox.OutputPath(*in)
			}
		}
		if err := narrateFile(ctx, svc, *in, target, v, logger); err != nil {
			logger.Fatal().Err(err).Msg("Narration failed")
		}
	}
}

func newService(ctx context.Context, cfg *config.Config) (*narration.Service, *buffers.Manager, error) {
	renderer, err := tts.NewRenderer(cfg, observability.ComponentLogger("tts"))
	if err != nil {
		return nil, nil, err
	}

	narrations := cache.New(cache.Config{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   cfg.CacheMaxBytes,
	}, observability.ComponentLogger("cache"))

	manager := buffers.NewManager(buffers.Config{
		TTL:           cfg.BufferTTL,
		MaxBuffers:    cfg.BufferMaxCount,
		MaxBytes:      cfg.BufferMaxBytes,
		SweepInterval: cfg.BufferSweepInterval,
	}, observability.ComponentLogger("buffers"))
	manager.Start(ctx)

	svc, err := narration.NewService(cfg, renderer, narrations, manager, observability.ComponentLogger("narration"))
	if err != nil {
		manager.Dispose()
		return nil, nil, err
	}
	return svc, manager, nil
}

func readText(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func narrateFile(ctx context.Context, svc *narration.Service, in, out string, v tts.Voice, logger zerolog.Logger) error {
	text, err := readText(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", in, err)
	}

	start := time.Now()
	ctx = narration.WithCorrelationID(ctx, filepath.Base(in))
	container, err := svc.GenerateNarration(ctx, text, v)
	if err != nil {
		return err
	}

	// Write then rename so watchers never see a partial file
	tmp := out + ".partial"
	if err := os.WriteFile(tmp, container, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return fmt.Errorf("failed to move narration into place: %w", err)
	}

	logger.Info().
		Str("in", in).
		Str("out", out).
		Int("bytes", len(container)).
		Dur("elapsed", time.Since(start)).
		Msg("Narration written")
	return nil
}

func playText(ctx context.Context, svc *narration.Service, text string, v tts.Voice, logger zerolog.Logger) error {
	sess, err := svc.Play(ctx, text, v, playback.NewClockSink(), playback.Callbacks{
		OnStateChange: func(from, to playback.State) {
			logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Playback state")
		},
	})
	if err != nil {
		return err
	}

	progressCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.Engine.ReportProgress(progressCtx, time.Second, func(percent float64, elapsed time.Duration) {
		p := sess.Loader.GetProgress()
		logger.Info().
			Float64("percent", percent).
			Dur("elapsed", elapsed).
			Int("loaded", p.Loaded).
			Int("total", p.Total).
			Dur("eta", p.EstimatedRemaining).
			Msg("Playback progress")
	})

	err = sess.Wait(context.Background())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
