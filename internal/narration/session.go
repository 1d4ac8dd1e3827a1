package narration

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/playback"
	"github.com/lexiqai/narrator/internal/progressive"
	"github.com/lexiqai/narrator/internal/tts"
)

// Session is one progressive playback. Buffers are queued on the engine in
// segment order as they load; playback starts once the initial window is
// ready.
type Session struct {
	ID     string
	Engine *playback.Engine
	Loader *progressive.Loader

	svc    *Service
	logger zerolog.Logger

	mu       sync.Mutex
	next     int      // first segment not yet queued or skipped
	queued   []string // buffer id per engine position
	segments []int    // segment index per engine position
	ready    bool
	started  bool
	closed   bool

	done    chan struct{}
	finish  sync.Once
	err     error
	closeMu sync.Mutex
}

// SessionProgress combines loading and playback progress
type SessionProgress struct {
	Loading  progressive.Progress `json:"loading"`
	State    string               `json:"state"`
	Percent  float64              `json:"percent"`
	Elapsed  time.Duration        `json:"elapsed"`
	Total    time.Duration        `json:"total"`
	Buffered int                  `json:"buffered"`
}

// Play segments text and plays it through sink while it renders. cb
// receives the engine's callbacks in addition to the session's own
// handling. The returned session finishes when playback completes, fails
// or ctx is done.
func (s *Service) Play(ctx context.Context, text string, voice tts.Voice, sink playback.Sink, cb playback.Callbacks) (*Session, error) {
	voice = s.ResolveVoice(voice)
	segments := s.Segment(text)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: text has no content", ErrNoAudioProduced)
	}

	id := correlationID(ctx)
	sess := &Session{
		ID:     id,
		svc:    s,
		logger: s.logger.With().Str("correlation_id", id).Logger(),
		done:   make(chan struct{}),
	}

	sess.Engine = playback.NewEngine(sink, playback.Callbacks{
		OnStateChange: cb.OnStateChange,
		OnBufferEnded: func(index int) {
			sess.bufferEnded(index)
			if cb.OnBufferEnded != nil {
				cb.OnBufferEnded(index)
			}
		},
		OnComplete: func() {
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
			sess.end(nil)
		},
		OnError: func(err error) {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			sess.end(err)
		},
	}, sess.logger)
	sess.Engine.SetExpectMore(true)

	sess.Loader = progressive.NewLoader(segments, s.renderFunc(voice), s.buffers, progressive.Options{
		InitialChunkCount: s.cfg.InitialChunkCount,
		PreloadAhead:      s.cfg.PreloadAhead,
		MaxConcurrency:    s.cfg.MaxConcurrency,
		RetryAttempts:     s.cfg.RetryAttempts,
		RetryBackoff:      s.cfg.RetryBackoff(),
		Timeout:           s.cfg.RenderTimeout(),
		OnChunk:           func(int, string) { sess.enqueue() },
		OnFailed: func(index int, err error) {
			sess.logger.Warn().Err(err).Int("segment", index).Msg("Skipping failed segment")
			sess.enqueue()
		},
		OnReady: func() {
			sess.mu.Lock()
			sess.ready = true
			sess.mu.Unlock()
			sess.enqueue()
		},
	}, sess.logger)

	sess.logger.Info().Int("segments", len(segments)).Msg("Starting progressive playback")
	sess.Loader.Start(ctx)
	go sess.watch(ctx)

	return sess, nil
}

// watch ends queuing once loading finishes and tears the session down when
// ctx is done
func (ss *Session) watch(ctx context.Context) {
	select {
	case <-ss.Loader.Done():
		if ctx.Err() != nil {
			break
		}
		ss.enqueue()
		ss.Engine.SetExpectMore(false)
		if ss.Engine.Len() == 0 {
			cause := ss.Loader.Err()
			if cause == nil {
				cause = progressive.ErrNothingLoaded
			}
			ss.end(fmt.Errorf("%w: %w", ErrNoAudioProduced, cause))
		}
	case <-ss.done:
		ss.Loader.Cancel()
		return
	case <-ctx.Done():
	}

	select {
	case <-ctx.Done():
		ss.teardown()
		ss.end(context.Cause(ctx))
	case <-ss.done:
		ss.Loader.Cancel()
	}
}

// enqueue appends every newly contiguous loaded buffer to the engine and
// starts playback once the session is ready
func (ss *Session) enqueue() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return
	}

	var bufs []*audio.Buffer
	for _, chunk := range ss.Loader.ContiguousFrom(ss.next) {
		ss.next = chunk.Index + 1
		buf := ss.svc.buffers.Access(chunk.BufferID)
		if buf == nil {
			ss.logger.Warn().Int("segment", chunk.Index).Msg("Loaded buffer was disposed before playback")
			continue
		}
		ss.svc.buffers.MarkActive(chunk.BufferID)
		ss.queued = append(ss.queued, chunk.BufferID)
		ss.segments = append(ss.segments, chunk.Index)
		bufs = append(bufs, buf)
	}
	if len(bufs) > 0 {
		ss.Engine.Append(bufs...)
	}

	if ss.ready && !ss.started && len(ss.queued) > 0 {
		ss.started = true
		if err := ss.Engine.Play(); err != nil {
			ss.logger.Error().Err(err).Msg("Failed to start playback")
			go ss.end(err)
		}
	}
}

// bufferEnded releases the played buffer for reclamation and moves the
// loading cursor past it
func (ss *Session) bufferEnded(position int) {
	ss.mu.Lock()
	if position < 0 || position >= len(ss.queued) {
		ss.mu.Unlock()
		return
	}
	id := ss.queued[position]
	segment := ss.segments[position]
	ss.mu.Unlock()

	ss.svc.buffers.MarkInactive(id)
	ss.Loader.UpdatePlaybackPosition(segment + 1)
}

func (ss *Session) end(err error) {
	ss.finish.Do(func() {
		ss.err = err
		if err != nil {
			ss.logger.Warn().Err(err).Msg("Playback session ended with error")
		} else {
			ss.logger.Info().Dur("duration", ss.Engine.TotalDuration()).Msg("Playback session completed")
		}
		close(ss.done)
	})
}

// Done is closed when the session finishes
func (ss *Session) Done() <-chan struct{} {
	return ss.done
}

// Err returns the terminal error once Done is closed
func (ss *Session) Err() error {
	select {
	case <-ss.done:
		return ss.err
	default:
		return nil
	}
}

// Wait blocks until the session finishes or ctx is done
func (ss *Session) Wait(ctx context.Context) error {
	select {
	case <-ss.done:
		return ss.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns a combined loading and playback snapshot
func (ss *Session) Progress() SessionProgress {
	percent, elapsed := ss.Engine.Progress()
	return SessionProgress{
		Loading:  ss.Loader.GetProgress(),
		State:    ss.Engine.State().String(),
		Percent:  percent,
		Elapsed:  elapsed,
		Total:    ss.Engine.TotalDuration(),
		Buffered: ss.Engine.Len(),
	}
}

// Close cancels loading, stops output and releases the session's buffers
func (ss *Session) Close() {
	ss.teardown()
	ss.end(context.Canceled)
}

func (ss *Session) teardown() {
	ss.closeMu.Lock()
	defer ss.closeMu.Unlock()

	ss.Loader.Cancel()
	ss.Engine.Stop()

	ss.mu.Lock()
	ss.closed = true
	ss.queued = nil
	ss.segments = nil
	ss.mu.Unlock()

	for _, chunk := range ss.Loader.GetLoadedChunksUpTo(math.MaxInt) {
		ss.svc.buffers.Release(chunk.BufferID)
	}
}
