package narration

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/buffers"
	"github.com/lexiqai/narrator/internal/cache"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/playback"
	"github.com/lexiqai/narrator/internal/tts"
)

const story = "The lighthouse keeper woke early. Fog covered the bay. " +
	"He climbed the stairs slowly. The lamp was still warm. " +
	"Ships waited beyond the rocks."

func testConfig() *config.Config {
	return &config.Config{
		DefaultLanguage:      "en",
		DefaultVoice:         "narrator",
		DefaultPace:          1,
		MaxChunkSize:         60,
		SegmentStrategy:      "hybrid",
		MaxConcurrency:       3,
		RetryAttempts:        1,
		RetryBackoffMs:       1,
		RenderTimeoutMs:      2000,
		ProgressiveThreshold: 2,
		InitialChunkCount:    2,
		PreloadAhead:         2,
	}
}

func newMock() *tts.MockRenderer {
	m := tts.NewMockRenderer()
	m.PerRune = time.Millisecond
	return m
}

func newTestService(t *testing.T, renderer tts.Renderer) (*Service, *buffers.Manager) {
	t.Helper()
	manager := buffers.NewManager(buffers.Config{}, zerolog.Nop())
	c := cache.New(cache.Config{TTL: time.Hour, MaxEntries: 10}, zerolog.Nop())
	svc, err := NewService(testConfig(), renderer, c, manager, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, manager
}

// expectedPayload renders each segment with a fresh mock and joins the PCM
func expectedPayload(t *testing.T, svc *Service, text string, skip map[int]bool) []byte {
	t.Helper()
	ref := newMock()
	voice := svc.ResolveVoice(tts.Voice{})
	var out []byte
	for _, seg := range svc.Segment(text) {
		if skip[seg.Index] {
			continue
		}
		container, err := ref.Render(context.Background(), tts.Request{Text: seg.Text, Voice: voice})
		if err != nil {
			t.Fatalf("Reference render failed: %v", err)
		}
		payload, _, err := audio.Payload(container)
		if err != nil {
			t.Fatalf("Reference container invalid: %v", err)
		}
		out = append(out, payload...)
	}
	return out
}

// scripted wraps the mock, failing or corrupting chosen segment texts
type scripted struct {
	*tts.MockRenderer
	mu      sync.Mutex
	fail    map[string]error
	corrupt map[string]bool
}

func (s *scripted) Render(ctx context.Context, req tts.Request) ([]byte, error) {
	s.mu.Lock()
	err, failing := s.fail[req.Text]
	bad := s.corrupt[req.Text]
	s.mu.Unlock()
	if failing {
		return nil, err
	}
	if bad {
		return []byte("definitely not a riff container"), nil
	}
	return s.MockRenderer.Render(ctx, req)
}

func TestGenerateNarration_MergesSegmentsInOrder(t *testing.T) {
	svc, _ := newTestService(t, newMock())
	if n := len(svc.Segment(story)); n < 3 {
		t.Fatalf("Expected story to split into at least 3 segments, got %d", n)
	}

	out, err := svc.GenerateNarration(context.Background(), story, tts.Voice{})
	if err != nil {
		t.Fatalf("GenerateNarration failed: %v", err)
	}

	payload, h, err := audio.Payload(out)
	if err != nil {
		t.Fatalf("Expected valid container, got %v", err)
	}
	if h.Format != tts.MockFormat {
		t.Errorf("Expected format %s, got %s", tts.MockFormat, h.Format)
	}
	if want := expectedPayload(t, svc, story, nil); !bytes.Equal(payload, want) {
		t.Errorf("Expected %d payload bytes in segment order, got %d", len(want), len(payload))
	}
}

func TestGenerateNarration_CacheKeyedOnVoice(t *testing.T) {
	mock := newMock()
	svc, _ := newTestService(t, mock)
	ctx := context.Background()

	first, err := svc.GenerateNarration(ctx, story, tts.Voice{Pace: 1})
	if err != nil {
		t.Fatalf("GenerateNarration failed: %v", err)
	}
	calls := mock.Calls()

	second, err := svc.GenerateNarration(ctx, story, tts.Voice{Pace: 1})
	if err != nil {
		t.Fatalf("GenerateNarration failed: %v", err)
	}
	if mock.Calls() != calls {
		t.Errorf("Expected cache hit without rendering, got %d new calls", mock.Calls()-calls)
	}
	if !bytes.Equal(first, second) {
		t.Error("Expected cached container to equal the first rendering")
	}

	if _, err := svc.GenerateNarration(ctx, story, tts.Voice{Pace: 1.5}); err != nil {
		t.Fatalf("GenerateNarration failed: %v", err)
	}
	if mock.Calls() == calls {
		t.Error("Expected a different pace to miss the cache")
	}

	stats := svc.Stats()
	if stats.Cache.Entries != 2 || stats.Cache.Hits != 1 {
		t.Errorf("Expected 2 entries and 1 hit, got %+v", stats.Cache)
	}
}

func TestGenerateNarration_EmptyText(t *testing.T) {
	svc, _ := newTestService(t, newMock())
	_, err := svc.GenerateNarration(context.Background(), "  \n\t ", tts.Voice{})
	if !errors.Is(err, ErrNoAudioProduced) {
		t.Errorf("Expected ErrNoAudioProduced, got %v", err)
	}
}

func TestGenerateNarration_AllSegmentsFail(t *testing.T) {
	cause := errors.New("voice model unavailable")
	r := &scripted{MockRenderer: newMock(), fail: map[string]error{}}
	svc, _ := newTestService(t, r)
	for _, seg := range svc.Segment(story) {
		r.fail[seg.Text] = cause
	}

	_, err := svc.GenerateNarration(context.Background(), story, tts.Voice{})
	if !errors.Is(err, ErrNoAudioProduced) {
		t.Fatalf("Expected ErrNoAudioProduced, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected the last concrete cause to be wrapped, got %v", err)
	}
}

func TestGenerateNarration_DropsInvalidContainers(t *testing.T) {
	r := &scripted{MockRenderer: newMock(), corrupt: map[string]bool{}}
	svc, _ := newTestService(t, r)
	segments := svc.Segment(story)
	r.corrupt[segments[1].Text] = true

	out, err := svc.GenerateNarration(context.Background(), story, tts.Voice{})
	if err != nil {
		t.Fatalf("GenerateNarration failed: %v", err)
	}
	payload, _, _ := audio.Payload(out)
	if want := expectedPayload(t, svc, story, map[int]bool{1: true}); !bytes.Equal(payload, want) {
		t.Errorf("Expected payload without segment 1 (%d bytes), got %d", len(want), len(payload))
	}

	// Incomplete narrations are rendered again next time
	calls := r.Calls()
	if _, err := svc.GenerateNarration(context.Background(), story, tts.Voice{}); err != nil {
		t.Fatalf("GenerateNarration failed: %v", err)
	}
	if r.Calls() == calls {
		t.Error("Expected incomplete narration not to be cached")
	}
}

func TestGenerateNarration_Cancelled(t *testing.T) {
	mock := newMock()
	mock.Latency = time.Second
	svc, _ := newTestService(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.GenerateNarration(ctx, story, tts.Voice{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestResolveVoice(t *testing.T) {
	svc, _ := newTestService(t, newMock())

	v := svc.ResolveVoice(tts.Voice{})
	if v.Language != "en" || v.Voice != "narrator" || v.Pace != 1 {
		t.Errorf("Expected defaults, got %+v", v)
	}

	v = svc.ResolveVoice(tts.Voice{Language: "de", Voice: "anna", Pitch: 1.2, Pace: 0.8})
	if v.Language != "de" || v.Voice != "anna" || v.Pitch != 1.2 || v.Pace != 0.8 {
		t.Errorf("Expected explicit values kept, got %+v", v)
	}
}

func waitSession(t *testing.T, sess *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sess.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("Timed out waiting for playback session")
	}
	return err
}

func TestPlay_GaplessOutput(t *testing.T) {
	svc, manager := newTestService(t, newMock())
	var out bytes.Buffer
	sink := playback.NewWriterSink(&out)

	var mu sync.Mutex
	var ended []int
	sess, err := svc.Play(context.Background(), story, tts.Voice{}, sink, playback.Callbacks{
		OnBufferEnded: func(index int) {
			mu.Lock()
			ended = append(ended, index)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := waitSession(t, sess); err != nil {
		t.Fatalf("Expected session to complete, got %v", err)
	}

	if want := expectedPayload(t, svc, story, nil); !bytes.Equal(out.Bytes(), want) {
		t.Errorf("Expected %d gapless bytes in order, got %d", len(want), out.Len())
	}
	if state := sess.Engine.State(); state != playback.StateCompleted {
		t.Errorf("Expected completed state, got %s", state)
	}

	segments := len(svc.Segment(story))
	mu.Lock()
	if len(ended) != segments {
		t.Errorf("Expected %d buffer ends, got %d", segments, len(ended))
	}
	mu.Unlock()

	stats := manager.Stats()
	if stats.Count != segments || stats.Active != 0 {
		t.Errorf("Expected %d inactive buffers after playback, got %+v", segments, stats)
	}
	if p := sess.Progress(); p.Percent != 100 || !p.Loading.Ready {
		t.Errorf("Expected full progress, got %+v", p)
	}
}

func TestPlay_SkipsFailedSegments(t *testing.T) {
	r := &scripted{MockRenderer: newMock(), fail: map[string]error{}}
	svc, _ := newTestService(t, r)
	segments := svc.Segment(story)
	r.fail[segments[1].Text] = errors.New("render failed")

	var out bytes.Buffer
	sess, err := svc.Play(context.Background(), story, tts.Voice{}, playback.NewWriterSink(&out), playback.Callbacks{})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := waitSession(t, sess); err != nil {
		t.Fatalf("Expected session to complete, got %v", err)
	}
	if want := expectedPayload(t, svc, story, map[int]bool{1: true}); !bytes.Equal(out.Bytes(), want) {
		t.Errorf("Expected output without segment 1 (%d bytes), got %d", len(want), out.Len())
	}
}

func TestPlay_NothingLoads(t *testing.T) {
	cause := errors.New("backend down")
	r := &scripted{MockRenderer: newMock(), fail: map[string]error{}}
	svc, _ := newTestService(t, r)
	for _, seg := range svc.Segment(story) {
		r.fail[seg.Text] = cause
	}

	sess, err := svc.Play(context.Background(), story, tts.Voice{}, playback.NewClockSink(), playback.Callbacks{})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	err = waitSession(t, sess)
	if !errors.Is(err, ErrNoAudioProduced) || !errors.Is(err, cause) {
		t.Errorf("Expected ErrNoAudioProduced wrapping the cause, got %v", err)
	}
}

func TestPlay_CancelReleasesBuffers(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	r := &blocking{MockRenderer: newMock(), release: block}
	svc, manager := newTestService(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := svc.Play(ctx, story, tts.Voice{}, playback.NewClockSink(), playback.Callbacks{})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for manager.Stats().Count == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the first segment to load")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := waitSession(t, sess); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if n := manager.Stats().Count; n != 0 {
		t.Errorf("Expected session buffers released, got %d", n)
	}
}

func TestPlay_EmptyText(t *testing.T) {
	svc, _ := newTestService(t, newMock())
	_, err := svc.Play(context.Background(), "", tts.Voice{}, playback.NewClockSink(), playback.Callbacks{})
	if !errors.Is(err, ErrNoAudioProduced) {
		t.Errorf("Expected ErrNoAudioProduced, got %v", err)
	}
}

// blocking renders the first segment and holds every other one until
// release is closed or the render is cancelled
type blocking struct {
	*tts.MockRenderer
	release <-chan struct{}
}

func (b *blocking) Render(ctx context.Context, req tts.Request) ([]byte, error) {
	if !strings.HasPrefix(story, req.Text) {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.MockRenderer.Render(ctx, req)
}
