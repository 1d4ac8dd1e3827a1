package tts

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/lexiqai/narrator/internal/audio"
)

// MockFormat is the format of every mock rendering
var MockFormat = audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// MockRenderer turns text into a sine tone whose length follows the text, for
// running the pipeline without a backend. Output is deterministic.
type MockRenderer struct {
	// PerRune is the audio produced per rune of text at pace 1.0
	PerRune time.Duration
	// Latency is slept before returning, honouring ctx
	Latency time.Duration

	calls atomic.Int64
}

// NewMockRenderer creates a mock renderer producing 60ms of audio per rune
func NewMockRenderer() *MockRenderer {
	return &MockRenderer{PerRune: 60 * time.Millisecond}
}

// Name implements Renderer
func (m *MockRenderer) Name() string {
	return "mock"
}

// Calls returns the number of renders performed
func (m *MockRenderer) Calls() int64 {
	return m.calls.Load()
}

// Render implements Renderer
func (m *MockRenderer) Render(ctx context.Context, req Request) ([]byte, error) {
	m.calls.Add(1)
	if req.Text == "" {
		return nil, errors.New("empty text")
	}

	if m.Latency > 0 {
		timer := time.NewTimer(m.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	pace := req.Pace
	if pace <= 0 {
		pace = 1
	}
	pitch := req.Pitch
	if pitch <= 0 {
		pitch = 1
	}

	duration := time.Duration(float64(m.PerRune) * float64(utf8.RuneCountInString(req.Text)) / pace)
	samples := int(duration.Seconds() * float64(MockFormat.SampleRate))
	freq := 220.0 * pitch

	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		val := int16(3000 * math.Sin(2*math.Pi*freq*float64(i)/float64(MockFormat.SampleRate)))
		pcm[2*i] = byte(val)
		pcm[2*i+1] = byte(val >> 8)
	}
	return audio.Encode(MockFormat, pcm), nil
}
