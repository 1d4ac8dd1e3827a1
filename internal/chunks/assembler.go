// Package chunks assembles the audio chunks delivered by one render stream.
package chunks

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/stream"
)

var (
	// ErrBackend wraps the message of a terminal stream error event
	ErrBackend = errors.New("render backend error")
	// ErrNoChunks is returned when a stream ends without a valid container
	ErrNoChunks = errors.New("no valid audio chunks received")
	// ErrIncomplete is returned when the stream ends before a terminal event
	ErrIncomplete = errors.New("stream ended before completion")
)

// Record is one validated container keyed by its chunk index
type Record struct {
	Index      int
	Container  []byte
	ReceivedAt time.Time
}

// partial collects the fragments of one oversized chunk
type partial struct {
	fragments map[int][]byte
	last      int // ordinal of the last part, -1 until seen
}

// Assembler owns the sparse chunk map for one render stream.
// It is not safe for concurrent use.
type Assembler struct {
	logger   zerolog.Logger
	records  map[int]Record
	partials map[int]*partial
	total    int
	done     bool
	failure  error
	dropped  int
	now      func() time.Time
}

// NewAssembler creates an empty assembler
func NewAssembler(logger zerolog.Logger) *Assembler {
	return &Assembler{
		logger:   logger,
		records:  make(map[int]Record),
		partials: make(map[int]*partial),
		now:      time.Now,
	}
}

// Apply folds one stream event into the assembler state
func (a *Assembler) Apply(ev stream.Event) {
	if a.done {
		a.logger.Debug().Msg("Ignoring event received after terminal event")
		return
	}

	switch e := ev.(type) {
	case stream.ChunkEvent:
		a.announce(e.Total)
		a.store(e.Index, e.Audio)

	case stream.ChunkPartEvent:
		a.announce(e.Total)
		a.addPart(e)

	case stream.CompleteEvent:
		a.done = true
		for index := range a.partials {
			a.drop(index, "incomplete_parts")
		}

	case stream.ErrorEvent:
		a.done = true
		a.failure = fmt.Errorf("%w: %s", ErrBackend, e.Message)

	default:
		a.logger.Error().Str("type", fmt.Sprintf("%T", ev)).Msg("Unhandled stream event type")
	}
}

// ApplyAll folds a batch of events, stopping once a terminal event is seen
func (a *Assembler) ApplyAll(events []stream.Event) {
	for _, ev := range events {
		a.Apply(ev)
		if a.done {
			return
		}
	}
}

func (a *Assembler) announce(total int) {
	if total > 0 && total != a.total {
		if a.total != 0 {
			a.logger.Warn().Int("previous", a.total).Int("total", total).Msg("Chunk total changed mid-stream")
		}
		a.total = total
	}
}

func (a *Assembler) store(index int, container []byte) {
	if _, err := audio.ParseHeader(container); err != nil {
		a.logger.Warn().Err(err).Int("index", index).Msg("Dropping invalid audio container")
		a.dropped++
		observability.RecordDroppedContainer("invalid_container")
		return
	}
	if _, exists := a.records[index]; exists {
		a.logger.Warn().Int("index", index).Msg("Duplicate chunk index, keeping the later record")
	}
	a.records[index] = Record{Index: index, Container: container, ReceivedAt: a.now()}
}

func (a *Assembler) addPart(e stream.ChunkPartEvent) {
	p, ok := a.partials[e.Index]
	if !ok {
		p = &partial{fragments: make(map[int][]byte), last: -1}
		a.partials[e.Index] = p
	}
	p.fragments[e.Part] = e.Data
	if e.IsLastPart {
		p.last = e.Part
	}
	if p.last < 0 {
		return
	}

	size := 0
	for i := 0; i <= p.last; i++ {
		frag, ok := p.fragments[i]
		if !ok {
			return
		}
		size += len(frag)
	}

	container := make([]byte, 0, size)
	for i := 0; i <= p.last; i++ {
		container = append(container, p.fragments[i]...)
	}
	delete(a.partials, e.Index)
	a.store(e.Index, container)
}

func (a *Assembler) drop(index int, reason string) {
	delete(a.partials, index)
	a.dropped++
	a.logger.Warn().Int("index", index).Str("reason", reason).Msg("Dropping chunk")
	observability.RecordDroppedContainer(reason)
}

// Done reports whether a terminal event was applied
func (a *Assembler) Done() bool {
	return a.done
}

// Err returns the backend failure carried by a terminal error event, or
// ErrIncomplete if the stream has not terminated.
func (a *Assembler) Err() error {
	if a.failure != nil {
		return a.failure
	}
	if !a.done {
		return ErrIncomplete
	}
	return nil
}

// Total returns the announced chunk count, or 0 if none was announced
func (a *Assembler) Total() int {
	return a.total
}

// Len returns the number of stored records
func (a *Assembler) Len() int {
	return len(a.records)
}

// Dropped returns how many chunks were discarded
func (a *Assembler) Dropped() int {
	return a.dropped
}

// Records returns the stored records in index order
func (a *Assembler) Records() []Record {
	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Containers returns the stored containers in index order
func (a *Assembler) Containers() [][]byte {
	records := a.Records()
	out := make([][]byte, len(records))
	for i, r := range records {
		out[i] = r.Container
	}
	return out
}

// Missing lists indices below the announced total that have no record
func (a *Assembler) Missing() []int {
	var missing []int
	for i := 0; i < a.total; i++ {
		if _, ok := a.records[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Merge joins the stored containers into one
func (a *Assembler) Merge(opts audio.MergeOptions) ([]byte, error) {
	if len(a.records) == 0 {
		return nil, ErrNoChunks
	}
	if missing := a.Missing(); len(missing) > 0 {
		a.logger.Warn().Ints("missing", missing).Int("total", a.total).Msg("Merging with missing chunks")
	}
	if opts.Logger == nil {
		opts.Logger = &a.logger
	}
	return audio.MergeWithOptions(a.Containers(), opts)
}
