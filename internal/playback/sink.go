package playback

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lexiqai/narrator/internal/audio"
)

var errNotOpened = errors.New("sink has no open buffer")

// ClockSink is a null output device that plays out in real time: it reports
// the natural end of a buffer once its remaining duration has elapsed.
type ClockSink struct {
	mu    sync.Mutex
	buf   *audio.Buffer
	timer *time.Timer
}

// NewClockSink creates a real-time null sink
func NewClockSink() *ClockSink {
	return &ClockSink{}
}

// Open implements Sink
func (s *ClockSink) Open(buf *audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.buf = buf
	return nil
}

// Start implements Sink
func (s *ClockSink) Start(offset time.Duration, ended func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return errNotOpened
	}
	s.stopLocked()

	remaining := s.buf.Duration - offset
	if remaining < 0 {
		remaining = 0
	}
	s.timer = time.AfterFunc(remaining, ended)
	return nil
}

// Stop implements Sink
func (s *ClockSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *ClockSink) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// WriterSink writes the played PCM frames to an io.Writer as fast as the
// writer accepts them. Consecutive buffers land back to back in the output,
// which makes it a gapless renderer for files and pipes.
type WriterSink struct {
	mu      sync.Mutex
	w       io.Writer
	buf     *audio.Buffer
	written int64
}

// NewWriterSink creates a sink writing PCM to w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Open implements Sink
func (s *WriterSink) Open(buf *audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = buf
	return nil
}

// Start writes the buffer from offset and reports its end immediately
func (s *WriterSink) Start(offset time.Duration, ended func()) error {
	s.mu.Lock()
	if s.buf == nil {
		s.mu.Unlock()
		return errNotOpened
	}
	from := s.buf.ByteOffset(offset)
	n, err := s.w.Write(s.buf.Samples[from:])
	s.written += int64(n)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write samples: %w", err)
	}
	ended()
	return nil
}

// Stop implements Sink
func (s *WriterSink) Stop() error {
	return nil
}

// Written returns the number of sample bytes written so far
func (s *WriterSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
