// Package progressive loads rendered segments in playback order, announcing
// readiness once an initial window is decoded and keeping the segments just
// ahead of the playback cursor first in line.
package progressive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/buffers"
	"github.com/lexiqai/narrator/internal/generator"
	"github.com/lexiqai/narrator/internal/segmenter"
)

// ErrNothingLoaded is returned when no segment could be loaded
var ErrNothingLoaded = errors.New("no segments loaded")

// Options configures a loader
type Options struct {
	InitialChunkCount int
	PreloadAhead      int
	MaxConcurrency    int
	RetryAttempts     int
	RetryBackoff      time.Duration
	Timeout           time.Duration

	// OnChunk fires after a segment is decoded and registered
	OnChunk func(index int, bufferID string)
	// OnFailed fires when a segment exhausts its retries
	OnFailed func(index int, err error)
	// OnReady fires once when the initial window has been loaded
	OnReady func()
}

// Chunk is a loaded segment and the handle of its decoded buffer
type Chunk struct {
	Index    int
	BufferID string
}

// Progress is a snapshot of the loader
type Progress struct {
	Total              int           `json:"total"`
	Loaded             int           `json:"loaded"`
	Failed             int           `json:"failed"`
	InFlight           int           `json:"in_flight"`
	Pending            int           `json:"pending"`
	Ready              bool          `json:"ready"`
	AverageLatency     time.Duration `json:"average_latency"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// Loader drives the generator over one narration's segments
type Loader struct {
	segments []segmenter.Segment
	render   generator.RenderFunc
	buffers  *buffers.Manager
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	cursor    int
	loaded    map[int]string // segment index to buffer id
	failed    map[int]error
	inFlight  map[int]bool
	latency   time.Duration // sum over loaded segments
	cancelled bool
	ready     bool

	readyCh chan struct{}
	doneCh  chan struct{}
	err     error
	cancel  context.CancelFunc
}

// NewLoader creates a loader registering decoded buffers with manager
func NewLoader(segments []segmenter.Segment, render generator.RenderFunc, manager *buffers.Manager, opts Options, logger zerolog.Logger) *Loader {
	if opts.InitialChunkCount <= 0 {
		opts.InitialChunkCount = 1
	}
	if opts.InitialChunkCount > len(segments) {
		opts.InitialChunkCount = len(segments)
	}
	if opts.PreloadAhead <= 0 {
		opts.PreloadAhead = 1
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}

	return &Loader{
		segments: segments,
		render:   render,
		buffers:  manager,
		opts:     opts,
		logger:   logger,
		loaded:   make(map[int]string),
		failed:   make(map[int]error),
		inFlight: make(map[int]bool),
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins loading in the background
func (l *Loader) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

func (l *Loader) run(ctx context.Context) {
	defer close(l.doneCh)
	defer l.markReady()

	initial := l.segments[:l.opts.InitialChunkCount]
	rest := l.segments[l.opts.InitialChunkCount:]

	// Initial window with one slot per segment
	generator.Run(ctx, initial, l.renderAndDecode, l.generatorOptions(len(initial), nil))
	l.markReady()

	if len(rest) > 0 && ctx.Err() == nil {
		generator.Run(ctx, rest, l.renderAndDecode, l.generatorOptions(l.opts.MaxConcurrency, cursorPicker{l}))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.loaded) == 0 && len(l.segments) > 0 {
		var last error
		for _, idx := range sortedKeys(l.failed) {
			last = l.failed[idx]
		}
		if last == nil {
			last = context.Cause(ctx)
		}
		l.err = fmt.Errorf("%w: %w", ErrNothingLoaded, last)
	}
}

func (l *Loader) generatorOptions(concurrency int, picker generator.Picker) generator.Options {
	return generator.Options{
		MaxConcurrency: concurrency,
		RetryAttempts:  l.opts.RetryAttempts,
		RetryBackoff:   l.opts.RetryBackoff,
		MaxBackoff:     10 * time.Second,
		Timeout:        l.opts.Timeout,
		Picker:         picker,
		Logger:         &l.logger,
		OnStart: func(index int) {
			l.mu.Lock()
			if !l.cancelled {
				l.inFlight[index] = true
			}
			l.mu.Unlock()
		},
		OnProgress: func(completed []generator.Result) {
			l.mu.Lock()
			if l.cancelled {
				l.mu.Unlock()
				return
			}
			var failed []generator.Result
			for _, r := range completed {
				delete(l.inFlight, r.Index)
				if r.Err != nil {
					if _, ok := l.failed[r.Index]; !ok {
						l.failed[r.Index] = r.Err
						failed = append(failed, r)
					}
				}
			}
			onFailed := l.opts.OnFailed
			l.mu.Unlock()

			if onFailed != nil {
				for _, r := range failed {
					onFailed(r.Index, r.Err)
				}
			}
		},
	}
}

// renderAndDecode renders a segment and registers its decoded buffer. A
// container that does not decode fails the segment without a retry.
func (l *Loader) renderAndDecode(ctx context.Context, seg segmenter.Segment) ([]byte, error) {
	start := time.Now()
	container, err := l.render(ctx, seg)
	if err != nil {
		return nil, err
	}
	buf, err := audio.Decode(container)
	if err != nil {
		l.logger.Warn().Err(err).Int("segment", seg.Index).Msg("Dropping undecodable segment audio")
		return nil, err
	}

	l.mu.Lock()
	if l.cancelled || ctx.Err() != nil {
		l.mu.Unlock()
		return nil, context.Canceled
	}
	id := l.buffers.Register("", buf, map[string]string{"segment": strconv.Itoa(seg.Index)})
	l.loaded[seg.Index] = id
	delete(l.inFlight, seg.Index)
	l.latency += time.Since(start)
	onChunk := l.opts.OnChunk
	l.mu.Unlock()

	if onChunk != nil {
		onChunk(seg.Index, id)
	}
	return container, nil
}

func (l *Loader) markReady() {
	l.mu.Lock()
	if l.ready {
		l.mu.Unlock()
		return
	}
	l.ready = true
	onReady := l.opts.OnReady
	l.mu.Unlock()

	close(l.readyCh)
	if onReady != nil {
		onReady()
	}
}

// Ready is closed once the initial window has loaded, or loading ended
func (l *Loader) Ready() <-chan struct{} {
	return l.readyCh
}

// Done is closed when loading has finished or been cancelled
func (l *Loader) Done() <-chan struct{} {
	return l.doneCh
}

// Err returns ErrNothingLoaded once Done is closed if nothing loaded
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Wait blocks until loading finishes or ctx is done
func (l *Loader) Wait(ctx context.Context) error {
	select {
	case <-l.doneCh:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePlaybackPosition moves the cursor that prioritizes outstanding work
func (l *Loader) UpdatePlaybackPosition(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 {
		index = 0
	}
	l.cursor = index
}

// Cancel stops scheduling new segments and frees in-flight slots without
// waiting for them. Loaded buffers are kept.
func (l *Loader) Cancel() {
	l.mu.Lock()
	l.cancelled = true
	l.inFlight = make(map[int]bool)
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// GetProgress returns a snapshot of loading progress
func (l *Loader) GetProgress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := Progress{
		Total:    len(l.segments),
		Loaded:   len(l.loaded),
		Failed:   len(l.failed),
		InFlight: len(l.inFlight),
		Ready:    l.ready,
	}
	if !l.cancelled {
		p.Pending = p.Total - p.Loaded - p.Failed - p.InFlight
		if p.Pending < 0 {
			p.Pending = 0
		}
	}
	if p.Loaded > 0 {
		p.AverageLatency = l.latency / time.Duration(p.Loaded)
		remaining := p.Pending + p.InFlight
		slots := l.opts.MaxConcurrency
		p.EstimatedRemaining = p.AverageLatency * time.Duration((remaining+slots-1)/slots)
	}
	return p
}

// GetLoadedChunksUpTo returns loaded chunks with index <= maxIndex, in order
func (l *Loader) GetLoadedChunksUpTo(maxIndex int) []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Chunk
	for _, idx := range sortedKeys(l.loaded) {
		if idx > maxIndex {
			break
		}
		out = append(out, Chunk{Index: idx, BufferID: l.loaded[idx]})
	}
	return out
}

// ContiguousFrom returns loaded chunks from segment index start up to the
// first segment that is still outstanding. Failed segments are skipped.
func (l *Loader) ContiguousFrom(start int) []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Chunk
	for i := start; i < len(l.segments); i++ {
		idx := l.segments[i].Index
		if id, ok := l.loaded[idx]; ok {
			out = append(out, Chunk{Index: idx, BufferID: id})
			continue
		}
		if _, ok := l.failed[idx]; ok {
			continue
		}
		break
	}
	return out
}

// cursorPicker prefers segments within PreloadAhead of the playback cursor,
// then any segment after it, then whatever is left behind it.
type cursorPicker struct {
	l *Loader
}

func (p cursorPicker) Pick(pending []segmenter.Segment) int {
	p.l.mu.Lock()
	cursor := p.l.cursor
	ahead := p.l.opts.PreloadAhead
	p.l.mu.Unlock()

	after := -1
	for i, seg := range pending {
		if seg.Index >= cursor && seg.Index < cursor+ahead {
			return i
		}
		if after < 0 && seg.Index >= cursor {
			after = i
		}
	}
	if after >= 0 {
		return after
	}
	return 0
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
