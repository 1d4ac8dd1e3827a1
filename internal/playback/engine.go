// Package playback plays an ordered list of decoded buffers back to back
// through an output sink, with pause, resume and seek across buffer
// boundaries.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
)

var (
	// ErrNoAudioLoaded is returned by Play when no buffers are loaded
	ErrNoAudioLoaded = errors.New("no audio loaded")
	// ErrInvalidState is returned when an operation does not apply to the current state
	ErrInvalidState = errors.New("invalid playback state")
)

// State is the engine's playback state
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopped
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Sink is the output device. Start begins output of the opened buffer at
// offset and must call ended once when that buffer plays out naturally; it
// must not call ended after Stop.
type Sink interface {
	Open(buf *audio.Buffer) error
	Start(offset time.Duration, ended func()) error
	Stop() error
}

// Callbacks are invoked outside the engine lock
type Callbacks struct {
	OnStateChange func(from, to State)
	OnBufferEnded func(index int)
	OnComplete    func()
	OnError       func(err error)
}

// Engine is the playback state machine
type Engine struct {
	mu     sync.Mutex
	sink   Sink
	logger zerolog.Logger
	cb     Callbacks
	now    func() time.Time

	buffers    []*audio.Buffer
	total      time.Duration
	state      State
	index      int
	offset     time.Duration // within buffers[index] while not playing
	playStart  time.Time     // wall time output of buffers[index] began
	playOffset time.Duration // offset output began at
	generation uint64        // invalidates ended callbacks of superseded starts
	expectMore bool
}

// NewEngine creates an idle engine writing to sink
func NewEngine(sink Sink, cb Callbacks, logger zerolog.Logger) *Engine {
	return &Engine{
		sink:   sink,
		cb:     cb,
		logger: logger,
		now:    time.Now,
	}
}

// Load replaces the queue, computes the total duration and resets to Idle
func (e *Engine) Load(buffers []*audio.Buffer) {
	e.mu.Lock()
	var notify []func()
	if e.state == StatePlaying {
		e.halt()
	}
	e.buffers = append([]*audio.Buffer(nil), buffers...)
	e.total = 0
	for _, b := range e.buffers {
		e.total += b.Duration
	}
	e.index = 0
	e.offset = 0
	notify = append(notify, e.setState(StateIdle))
	e.mu.Unlock()
	run(notify)
}

// Append extends the queue without disturbing playback. An engine waiting
// in Loading for more audio resumes.
func (e *Engine) Append(buffers ...*audio.Buffer) {
	e.mu.Lock()
	var notify []func()
	for _, b := range buffers {
		e.buffers = append(e.buffers, b)
		e.total += b.Duration
	}
	if e.state == StateLoading && e.index < len(e.buffers) {
		notify = append(notify, e.setState(StatePlaying))
		if err := e.startCurrent(); err != nil {
			notify = append(notify, e.fail(err)...)
		}
	}
	e.mu.Unlock()
	run(notify)
}

// SetExpectMore tells the engine whether more buffers will be appended.
// While set, exhausting the queue moves to Loading instead of Completed.
func (e *Engine) SetExpectMore(more bool) {
	e.mu.Lock()
	e.expectMore = more
	var notify []func()
	if !more && e.state == StateLoading {
		notify = e.completeLocked()
	}
	e.mu.Unlock()
	run(notify)
}

// Play starts or resumes output at the cursor
func (e *Engine) Play() error {
	e.mu.Lock()
	if len(e.buffers) == 0 {
		e.mu.Unlock()
		return ErrNoAudioLoaded
	}

	var notify []func()
	switch e.state {
	case StatePlaying:
		e.mu.Unlock()
		return nil
	case StateIdle, StatePaused, StateStopped:
	default:
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot play while %s", ErrInvalidState, state)
	}

	if e.index >= len(e.buffers) {
		e.index = len(e.buffers) - 1
		e.offset = e.buffers[e.index].Duration
	}
	notify = append(notify, e.setState(StatePlaying))
	err := e.startCurrent()
	if err != nil {
		notify = append(notify, e.fail(err)...)
	}
	e.mu.Unlock()
	run(notify)
	return err
}

// Pause halts output and remembers the offset within the current buffer
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != StatePlaying {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, state)
	}
	e.offset = e.elapsedInBuffer()
	e.halt()
	notify := []func(){e.setState(StatePaused)}
	e.mu.Unlock()
	run(notify)
	return nil
}

// Stop halts output and resets the cursor to the start
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StatePlaying {
		e.halt()
	}
	e.generation++
	e.index = 0
	e.offset = 0
	notify := []func(){e.setState(StateStopped)}
	e.mu.Unlock()
	run(notify)
}

// SeekTo moves the cursor to an absolute position clamped to [0, total].
// While playing, output restarts at the new position.
func (e *Engine) SeekTo(position time.Duration) error {
	e.mu.Lock()
	if len(e.buffers) == 0 {
		e.mu.Unlock()
		return ErrNoAudioLoaded
	}

	if position < 0 {
		position = 0
	}
	if position > e.total {
		position = e.total
	}
	e.index, e.offset = e.locate(position)

	var notify []func()
	switch e.state {
	case StatePlaying:
		e.halt()
		if err := e.startCurrent(); err != nil {
			notify = append(notify, e.fail(err)...)
		}
	case StateCompleted, StateLoading:
		// The cursor moved back into the queue
		notify = append(notify, e.setState(StatePaused))
	}
	e.mu.Unlock()
	run(notify)
	return nil
}

// locate walks cumulative durations to the buffer containing position. The
// end of the queue maps to the end of the last buffer.
func (e *Engine) locate(position time.Duration) (int, time.Duration) {
	var start time.Duration
	for i, b := range e.buffers {
		if position < start+b.Duration {
			return i, position - start
		}
		start += b.Duration
	}
	last := len(e.buffers) - 1
	return last, e.buffers[last].Duration
}

// startCurrent opens and starts buffers[index] at offset. Caller holds mu.
func (e *Engine) startCurrent() error {
	buf := e.buffers[e.index]
	if err := e.sink.Open(buf); err != nil {
		return fmt.Errorf("open buffer %d: %w", e.index, err)
	}

	e.generation++
	gen := e.generation
	e.playStart = e.now()
	e.playOffset = e.offset

	// ended may fire from within Start; handle it on its own goroutine so
	// the engine lock is never re-entered
	ended := func() { go e.bufferEnded(gen) }
	if err := e.sink.Start(e.offset, ended); err != nil {
		return fmt.Errorf("start buffer %d: %w", e.index, err)
	}
	return nil
}

// halt stops the sink and invalidates its pending ended callback. Caller holds mu.
func (e *Engine) halt() {
	e.generation++
	if err := e.sink.Stop(); err != nil {
		e.logger.Warn().Err(err).Msg("Sink stop failed")
	}
}

func (e *Engine) bufferEnded(gen uint64) {
	e.mu.Lock()
	if gen != e.generation || e.state != StatePlaying {
		e.mu.Unlock()
		return
	}

	var notify []func()
	finished := e.index
	if e.cb.OnBufferEnded != nil {
		cb := e.cb.OnBufferEnded
		notify = append(notify, func() { cb(finished) })
	}

	e.index++
	e.offset = 0
	switch {
	case e.index < len(e.buffers):
		if err := e.startCurrent(); err != nil {
			notify = append(notify, e.fail(err)...)
		}
	case e.expectMore:
		notify = append(notify, e.setState(StateLoading))
	default:
		notify = append(notify, e.completeLocked()...)
	}
	e.mu.Unlock()
	run(notify)
}

func (e *Engine) completeLocked() []func() {
	e.index = len(e.buffers)
	e.offset = 0
	notify := []func(){e.setState(StateCompleted)}
	if e.cb.OnComplete != nil {
		notify = append(notify, e.cb.OnComplete)
	}
	return notify
}

// fail stops playback after a sink error. Caller holds mu.
func (e *Engine) fail(err error) []func() {
	e.logger.Error().Err(err).Int("buffer", e.index).Msg("Playback failed")
	e.generation++
	notify := []func(){e.setState(StateStopped)}
	if e.cb.OnError != nil {
		cb := e.cb.OnError
		notify = append(notify, func() { cb(err) })
	}
	return notify
}

// setState records a transition and returns its notification. Caller holds mu.
func (e *Engine) setState(to State) func() {
	from := e.state
	e.state = to
	if from == to || e.cb.OnStateChange == nil {
		return nil
	}
	e.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Playback state change")
	cb := e.cb.OnStateChange
	return func() { cb(from, to) }
}

func run(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// elapsedInBuffer is the output position within buffers[index]. Caller holds mu.
func (e *Engine) elapsedInBuffer() time.Duration {
	if e.index >= len(e.buffers) {
		return 0
	}
	if e.state != StatePlaying {
		return e.offset
	}
	pos := e.playOffset + e.now().Sub(e.playStart)
	if d := e.buffers[e.index].Duration; pos > d {
		pos = d
	}
	return pos
}

// Position returns the absolute playback position
func (e *Engine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position()
}

func (e *Engine) position() time.Duration {
	if e.state == StateCompleted {
		return e.total
	}
	var pos time.Duration
	for i := 0; i < e.index && i < len(e.buffers); i++ {
		pos += e.buffers[i].Duration
	}
	return pos + e.elapsedInBuffer()
}

// Progress returns the position as a percentage of the total and as time
func (e *Engine) Progress() (percent float64, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed = e.position()
	if e.total > 0 {
		percent = float64(elapsed) / float64(e.total) * 100
	}
	if percent > 100 {
		percent = 100
	}
	return percent, elapsed
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentIndex returns the index of the buffer at the cursor
func (e *Engine) CurrentIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// TotalDuration returns the summed duration of the loaded buffers
func (e *Engine) TotalDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Len returns the number of loaded buffers
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffers)
}

// ReportProgress calls fn every interval while playing, until ctx is done
func (e *Engine) ReportProgress(ctx context.Context, interval time.Duration, fn func(percent float64, elapsed time.Duration)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.State() != StatePlaying {
				continue
			}
			fn(e.Progress())
		}
	}
}
