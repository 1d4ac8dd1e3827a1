// Package generator renders segments through an external renderer with
// bounded concurrency, retries and ordered result collection.
package generator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/resilience"
	"github.com/lexiqai/narrator/internal/segmenter"
)

var (
	// ErrRenderFailure marks a segment whose retries were exhausted
	ErrRenderFailure = errors.New("render failed")
	// ErrTimeout marks a single render attempt that exceeded its deadline
	ErrTimeout = errors.New("render timed out")
)

// RenderFunc renders one segment into an audio container
type RenderFunc func(ctx context.Context, seg segmenter.Segment) ([]byte, error)

// Result is the outcome of one segment
type Result struct {
	Index    int // segment index
	Audio    []byte
	Err      error
	Elapsed  time.Duration
	Attempts int
}

// OK reports whether the segment rendered
func (r Result) OK() bool {
	return r.Err == nil && r.Audio != nil
}

// Picker chooses which pending segment a free slot renders next. pending is
// in original order; Pick returns a position within it.
type Picker interface {
	Pick(pending []segmenter.Segment) int
}

// LowestFirst always picks the earliest pending segment
type LowestFirst struct{}

// Pick implements Picker
func (LowestFirst) Pick([]segmenter.Segment) int { return 0 }

// Options configures a run
type Options struct {
	MaxConcurrency       int
	RetryAttempts        int // retries after the first attempt
	RetryBackoff         time.Duration
	MaxBackoff           time.Duration
	Timeout              time.Duration // per attempt; zero disables
	ProgressiveThreshold int

	Picker Picker

	// OnStart fires when a segment is taken by a slot
	OnStart func(index int)
	// OnProgress fires after every completion with the completed results in order
	OnProgress func(completed []Result)
	// OnProgressiveReady fires once, when the contiguous run of successful
	// results from the first item reaches ProgressiveThreshold
	OnProgressiveReady func(prefix []Result)

	Logger *zerolog.Logger
}

// DefaultOptions mirrors the service defaults
func DefaultOptions() Options {
	return Options{
		MaxConcurrency:       4,
		RetryAttempts:        2,
		RetryBackoff:         500 * time.Millisecond,
		MaxBackoff:           10 * time.Second,
		Timeout:              30 * time.Second,
		ProgressiveThreshold: 2,
	}
}

// run is the shared state of one Run call
type run struct {
	opts    Options
	render  RenderFunc
	logger  zerolog.Logger
	items   []segmenter.Segment
	pending []int // positions not yet taken, ascending

	mu        sync.Mutex
	results   []Result
	completed []bool
	fired     bool

	// callbacks are delivered one at a time in completion order
	cbMu sync.Mutex
}

// Run renders every item and returns results in the original item order.
// Scheduling stops when ctx is cancelled; items never started, and renders
// that finish after cancellation, carry ctx.Err().
func Run(ctx context.Context, items []segmenter.Segment, render RenderFunc, opts Options) []Result {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.Picker == nil {
		opts.Picker = LowestFirst{}
	}

	r := &run{
		opts:      opts,
		render:    render,
		items:     items,
		pending:   make([]int, len(items)),
		results:   make([]Result, len(items)),
		completed: make([]bool, len(items)),
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	} else {
		r.logger = observability.ComponentLogger("generator")
	}
	for i, it := range items {
		r.pending[i] = i
		r.results[i] = Result{Index: it.Index}
	}

	var g errgroup.Group
	g.SetLimit(opts.MaxConcurrency)
	for range items {
		if ctx.Err() != nil {
			break
		}
		// Blocks until a slot frees up
		g.Go(func() error {
			r.next(ctx)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.results {
		if !r.completed[i] {
			r.results[i].Err = context.Cause(ctx)
		}
	}
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// next takes the picker's choice among the pending items and renders it
func (r *run) next(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	segs := make([]segmenter.Segment, len(r.pending))
	for i, pos := range r.pending {
		segs[i] = r.items[pos]
	}
	choice := r.opts.Picker.Pick(segs)
	if choice < 0 || choice >= len(r.pending) {
		choice = 0
	}
	pos := r.pending[choice]
	r.pending = append(r.pending[:choice], r.pending[choice+1:]...)
	r.mu.Unlock()

	if r.opts.OnStart != nil {
		r.opts.OnStart(r.items[pos].Index)
	}

	result := r.renderWithRetry(ctx, r.items[pos])
	if ctx.Err() != nil {
		result.Audio = nil
		result.Err = context.Cause(ctx)
	}
	r.complete(pos, result)
}

func (r *run) renderWithRetry(ctx context.Context, seg segmenter.Segment) Result {
	start := time.Now()
	result := Result{Index: seg.Index}

	cfg := &resilience.RetryConfig{
		MaxAttempts:       r.opts.RetryAttempts + 1,
		InitialBackoff:    r.opts.RetryBackoff,
		MaxBackoff:        r.opts.MaxBackoff,
		BackoffMultiplier: 2.0,
	}

	err := resilience.Retry(ctx, func(ctx context.Context, attempt int) error {
		result.Attempts = attempt + 1
		clip, err := r.attempt(ctx, seg)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Int("segment", seg.Index).
				Int("attempt", attempt+1).
				Msg("Render attempt failed")
			return err
		}
		result.Audio = clip
		return nil
	}, cfg, func(err error) bool {
		return ctx.Err() == nil && retryable(err)
	})

	result.Elapsed = time.Since(start)
	if err != nil {
		result.Audio = nil
		result.Err = fmt.Errorf("%w: segment %d after %d attempts: %w", ErrRenderFailure, seg.Index, result.Attempts, err)
	}
	return result
}

// retryable excludes errors a repeat of the same request cannot fix
func retryable(err error) bool {
	return !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, audio.ErrInvalidContainer)
}

// attempt runs one render under the per-attempt timeout
func (r *run) attempt(ctx context.Context, seg segmenter.Segment) ([]byte, error) {
	actx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	clip, err := r.render(actx, seg)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil && len(clip) == 0:
		err = errors.New("renderer returned no audio")
		observability.RecordRenderAttempt("error", elapsed)
	case err == nil:
		observability.RecordRenderAttempt("success", elapsed)
		return clip, nil
	case ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, r.opts.Timeout, err)
		observability.RecordRenderAttempt("timeout", elapsed)
	default:
		observability.RecordRenderAttempt("error", elapsed)
	}
	return nil, err
}

// complete records a result and delivers callbacks
func (r *run) complete(pos int, result Result) {
	r.mu.Lock()
	r.results[pos] = result
	r.completed[pos] = true

	var done []Result
	if r.opts.OnProgress != nil {
		for i, ok := range r.completed {
			if ok {
				done = append(done, r.results[i])
			}
		}
	}

	var prefix []Result
	if !r.fired && r.opts.OnProgressiveReady != nil {
		threshold := r.threshold()
		run := 0
		for run < len(r.results) && r.completed[run] && r.results[run].OK() {
			run++
		}
		if run >= threshold {
			r.fired = true
			prefix = make([]Result, run)
			copy(prefix, r.results[:run])
		}
	}

	r.cbMu.Lock()
	r.mu.Unlock()
	defer r.cbMu.Unlock()

	if r.opts.OnProgress != nil {
		r.opts.OnProgress(done)
	}
	if prefix != nil {
		r.opts.OnProgressiveReady(prefix)
	}
}

// threshold clamps ProgressiveThreshold into [1, len(items)]
func (r *run) threshold() int {
	t := r.opts.ProgressiveThreshold
	if t < 1 {
		t = 1
	}
	if t > len(r.items) {
		t = len(r.items)
	}
	return t
}

// Succeeded returns the successful results, in order
func Succeeded(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.OK() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// LastError returns the error of the last failed result, or nil
func LastError(results []Result) error {
	var last error
	for _, r := range results {
		if r.Err != nil {
			last = r.Err
		}
	}
	return last
}
