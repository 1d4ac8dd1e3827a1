// Package stream decodes the incrementally delivered record stream produced
// by a render backend into typed events.
package stream

// Event is one decoded stream record. The set of implementations is closed:
// ChunkEvent, ChunkPartEvent, CompleteEvent and ErrorEvent.
type Event interface {
	event()
}

// Record type tags on the wire
const (
	TypeChunk     = "chunk"
	TypeChunkPart = "chunk-part"
	TypeComplete  = "complete"
	TypeError     = "error"
)

// ChunkEvent carries one complete audio container
type ChunkEvent struct {
	Index int
	Total int // 0 when the source has not announced a total
	Audio []byte
}

// ChunkPartEvent carries one fragment of a container too large for a single
// record. Callers concatenate fragments by Part before decoding.
type ChunkPartEvent struct {
	Index      int
	Part       int
	IsLastPart bool
	Total      int
	Data       []byte
}

// CompleteEvent terminates a successful stream
type CompleteEvent struct{}

// ErrorEvent terminates a failed stream
type ErrorEvent struct {
	Message string
}

func (ChunkEvent) event()     {}
func (ChunkPartEvent) event() {}
func (CompleteEvent) event()  {}
func (ErrorEvent) event()     {}

// Terminal reports whether e ends the stream
func Terminal(e Event) bool {
	switch e.(type) {
	case CompleteEvent, ErrorEvent:
		return true
	default:
		return false
	}
}
