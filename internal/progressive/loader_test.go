package progressive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/buffers"
	"github.com/lexiqai/narrator/internal/segmenter"
)

var testFormat = audio.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 16}

func segments(n int) []segmenter.Segment {
	out := make([]segmenter.Segment, n)
	for i := range out {
		out[i] = segmenter.Segment{Index: i, Text: fmt.Sprintf("segment %d", i)}
	}
	return out
}

func wavRender(_ context.Context, seg segmenter.Segment) ([]byte, error) {
	return audio.Encode(testFormat, make([]byte, 160*(seg.Index+1))), nil
}

func newManager() *buffers.Manager {
	return buffers.NewManager(buffers.Config{}, zerolog.Nop())
}

func waitDone(t *testing.T, l *Loader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestLoader_LoadsEverything(t *testing.T) {
	manager := newManager()
	l := NewLoader(segments(6), wavRender, manager, Options{
		InitialChunkCount: 2,
		PreloadAhead:      2,
		MaxConcurrency:    2,
	}, zerolog.Nop())

	l.Start(context.Background())
	waitDone(t, l)

	select {
	case <-l.Ready():
	default:
		t.Fatal("Expected ready to be closed after loading")
	}

	p := l.GetProgress()
	if p.Total != 6 || p.Loaded != 6 || p.Failed != 0 || p.InFlight != 0 || p.Pending != 0 {
		t.Errorf("Unexpected progress %+v", p)
	}
	if p.EstimatedRemaining != 0 {
		t.Errorf("Expected no remaining time, got %v", p.EstimatedRemaining)
	}

	chunks := l.GetLoadedChunksUpTo(3)
	if len(chunks) != 4 {
		t.Fatalf("Expected 4 chunks up to index 3, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("Expected chunk %d, got %d", i, c.Index)
		}
		buf := manager.Access(c.BufferID)
		if buf == nil || buf.Size() != 160*(i+1) {
			t.Errorf("Expected decoded buffer for chunk %d", i)
		}
	}
}

func TestLoader_ReadyAfterInitialWindow(t *testing.T) {
	gate := make(chan struct{})
	render := func(ctx context.Context, seg segmenter.Segment) ([]byte, error) {
		if seg.Index >= 2 {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return wavRender(ctx, seg)
	}

	var readyCalls int
	var mu sync.Mutex
	l := NewLoader(segments(5), render, newManager(), Options{
		InitialChunkCount: 2,
		MaxConcurrency:    1,
		OnReady: func() {
			mu.Lock()
			readyCalls++
			mu.Unlock()
		},
	}, zerolog.Nop())
	l.Start(context.Background())

	select {
	case <-l.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected ready after the initial window")
	}
	if got := l.ContiguousFrom(0); len(got) != 2 {
		t.Errorf("Expected 2 contiguous chunks at ready, got %d", len(got))
	}

	close(gate)
	waitDone(t, l)

	mu.Lock()
	defer mu.Unlock()
	if readyCalls != 1 {
		t.Errorf("Expected ready callback once, got %d", readyCalls)
	}
}

func TestLoader_PrioritizesCursorWindow(t *testing.T) {
	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	var l *Loader
	render := func(ctx context.Context, seg segmenter.Segment) ([]byte, error) {
		mu.Lock()
		order = append(order, seg.Index)
		mu.Unlock()
		if seg.Index == 1 {
			// Playback jumps ahead while the second phase is about to start
			l.UpdatePlaybackPosition(6)
			close(release)
		}
		return wavRender(ctx, seg)
	}

	l = NewLoader(segments(10), render, newManager(), Options{
		InitialChunkCount: 2,
		PreloadAhead:      2,
		MaxConcurrency:    1,
	}, zerolog.Nop())
	l.Start(context.Background())
	<-release
	waitDone(t, l)

	mu.Lock()
	defer mu.Unlock()
	// Initial window 0,1; cursor window 6,7; then the rest after the cursor; then behind it
	expected := []int{6, 7, 8, 9, 2, 3, 4, 5}
	phase2 := order[2:]
	if len(phase2) != len(expected) {
		t.Fatalf("Expected %d second-phase renders, got %v", len(expected), order)
	}
	for i := range expected {
		if phase2[i] != expected[i] {
			t.Fatalf("Expected second-phase order %v, got %v", expected, phase2)
		}
	}
}

func TestLoader_FailedSegmentsSkippedInContiguousRun(t *testing.T) {
	render := func(ctx context.Context, seg segmenter.Segment) ([]byte, error) {
		if seg.Index == 1 {
			return []byte("garbage"), nil
		}
		return wavRender(ctx, seg)
	}

	var mu sync.Mutex
	var failed []int
	l := NewLoader(segments(3), render, newManager(), Options{
		InitialChunkCount: 3,
		MaxConcurrency:    3,
		OnFailed: func(index int, err error) {
			mu.Lock()
			failed = append(failed, index)
			mu.Unlock()
			if !errors.Is(err, audio.ErrInvalidContainer) {
				t.Errorf("Expected ErrInvalidContainer, got %v", err)
			}
		},
	}, zerolog.Nop())
	l.Start(context.Background())
	waitDone(t, l)

	mu.Lock()
	if len(failed) != 1 || failed[0] != 1 {
		t.Errorf("Expected one failure callback for segment 1, got %v", failed)
	}
	mu.Unlock()

	chunks := l.ContiguousFrom(0)
	if len(chunks) != 2 || chunks[0].Index != 0 || chunks[1].Index != 2 {
		t.Errorf("Expected chunks 0 and 2, got %+v", chunks)
	}
	if p := l.GetProgress(); p.Failed != 1 {
		t.Errorf("Expected 1 failed segment, got %d", p.Failed)
	}
}

func TestLoader_NothingLoaded(t *testing.T) {
	cause := errors.New("backend down")
	render := func(context.Context, segmenter.Segment) ([]byte, error) { return nil, cause }

	l := NewLoader(segments(2), render, newManager(), Options{InitialChunkCount: 1}, zerolog.Nop())
	l.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Wait(ctx)
	if !errors.Is(err, ErrNothingLoaded) || !errors.Is(err, cause) {
		t.Errorf("Expected ErrNothingLoaded wrapping the cause, got %v", err)
	}
}

func TestLoader_CancelKeepsLoadedBuffers(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 10)

	render := func(ctx context.Context, seg segmenter.Segment) ([]byte, error) {
		if seg.Index >= 1 {
			started <- struct{}{}
			<-block
		}
		return wavRender(ctx, seg)
	}

	l := NewLoader(segments(4), render, newManager(), Options{InitialChunkCount: 1, MaxConcurrency: 2}, zerolog.Nop())
	l.Start(context.Background())
	<-l.Ready()
	<-started

	l.Cancel()

	p := l.GetProgress()
	if p.InFlight != 0 {
		t.Errorf("Expected in-flight slots freed on cancel, got %d", p.InFlight)
	}
	if p.Loaded != 1 {
		t.Errorf("Expected the loaded buffer to be kept, got %d", p.Loaded)
	}
	if chunks := l.GetLoadedChunksUpTo(10); len(chunks) != 1 {
		t.Errorf("Expected 1 loaded chunk, got %d", len(chunks))
	}
}
