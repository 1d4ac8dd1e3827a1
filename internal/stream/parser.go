package stream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/observability"
)

// DefaultMaxRecordSize bounds a single buffered record
const DefaultMaxRecordSize = 8 << 20

// ErrProtocol is returned when the byte stream violates the framing protocol
// itself, as opposed to carrying a malformed record.
var ErrProtocol = errors.New("stream protocol error")

// record is the wire shape shared by all event kinds
type record struct {
	Type       string `json:"type"`
	Index      *int   `json:"index"`
	Total      int    `json:"total"`
	Audio      string `json:"audio"`
	Part       *int   `json:"part"`
	IsLastPart bool   `json:"isLastPart"`
	Message    string `json:"message"`
}

// Parser turns newline-delimited JSON records into events. Lines may also
// carry server-sent-event framing ("data: {...}"). A record may be split
// across any number of Feed calls.
//
// A Parser is not safe for concurrent use; each render stream owns one.
type Parser struct {
	logger        zerolog.Logger
	buf           []byte
	maxRecordSize int
	discarding    bool
}

// NewParser creates a parser that reports skipped records through logger
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{
		logger:        logger,
		maxRecordSize: DefaultMaxRecordSize,
	}
}

// SetMaxRecordSize changes the largest record the parser will buffer
func (p *Parser) SetMaxRecordSize(n int) {
	if n > 0 {
		p.maxRecordSize = n
	}
}

// Feed consumes the next piece of the stream and returns every event whose
// record completed within it. Partial trailing data is kept for the next call.
// The only error is ErrProtocol, when a record outgrows the size limit; the
// oversized record is discarded up to its terminating newline and parsing
// resumes after it.
func (p *Parser) Feed(data []byte) ([]Event, error) {
	var events []Event
	var protoErr error

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if !p.discarding {
				p.buf = append(p.buf, data...)
				if len(p.buf) > p.maxRecordSize {
					protoErr = p.overflow()
				}
			}
			break
		}

		line := data[:i]
		data = data[i+1:]

		if p.discarding {
			p.discarding = false
			continue
		}
		if len(p.buf) > 0 {
			p.buf = append(p.buf, line...)
			line = p.buf
		}
		if len(line) > p.maxRecordSize {
			protoErr = p.overflow()
			p.discarding = false
			continue
		}

		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
		p.buf = p.buf[:0]
	}

	return events, protoErr
}

// Flush interprets any buffered bytes as a final record. It is called once
// the transport reports end of stream.
func (p *Parser) Flush() []Event {
	defer p.Reset()
	if p.discarding || len(p.buf) == 0 {
		return nil
	}
	if ev, ok := p.parseLine(p.buf); ok {
		return []Event{ev}
	}
	return nil
}

// Boundary is called where the transport marks a possible record boundary,
// such as the end of a WebSocket message. Buffered bytes that already form a
// complete JSON value are parsed as a record; anything else stays buffered,
// since the record may continue in the next message.
func (p *Parser) Boundary() []Event {
	if p.discarding || len(p.buf) == 0 {
		return nil
	}
	line := bytes.TrimSpace(p.buf)
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(line[len("data:"):])
	}
	if !json.Valid(line) {
		return nil
	}
	ev, ok := p.parseLine(p.buf)
	p.buf = p.buf[:0]
	if !ok {
		return nil
	}
	return []Event{ev}
}

// Reset drops any partially buffered record
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.discarding = false
}

// HasBufferedData reports whether part of a record is waiting for more input
func (p *Parser) HasBufferedData() bool {
	return len(p.buf) > 0
}

func (p *Parser) overflow() error {
	size := len(p.buf)
	p.buf = p.buf[:0]
	p.discarding = true
	p.logger.Warn().Int("buffered", size).Int("limit", p.maxRecordSize).Msg("Stream record exceeds size limit, discarding")
	observability.RecordSkippedRecord()
	return fmt.Errorf("%w: record exceeds %d bytes", ErrProtocol, p.maxRecordSize)
}

func (p *Parser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}

	// Server-sent-event framing
	switch {
	case line[0] == ':':
		return nil, false
	case bytes.HasPrefix(line, []byte("data:")):
		line = bytes.TrimSpace(line[len("data:"):])
		if bytes.Equal(line, []byte("[DONE]")) {
			return CompleteEvent{}, true
		}
	case bytes.HasPrefix(line, []byte("event:")),
		bytes.HasPrefix(line, []byte("id:")),
		bytes.HasPrefix(line, []byte("retry:")):
		return nil, false
	}

	ev, err := decodeRecord(line)
	if err != nil {
		p.logger.Warn().Err(err).Int("size", len(line)).Msg("Skipping malformed stream record")
		observability.RecordSkippedRecord()
		return nil, false
	}
	return ev, true
}

func decodeRecord(line []byte) (Event, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	switch r.Type {
	case TypeChunk:
		if r.Index == nil || *r.Index < 0 {
			return nil, errors.New("chunk record without a valid index")
		}
		audio, err := base64.StdEncoding.DecodeString(r.Audio)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: invalid audio encoding: %w", *r.Index, err)
		}
		if len(audio) == 0 {
			return nil, fmt.Errorf("chunk %d: empty audio", *r.Index)
		}
		return ChunkEvent{Index: *r.Index, Total: r.Total, Audio: audio}, nil

	case TypeChunkPart:
		if r.Index == nil || *r.Index < 0 {
			return nil, errors.New("chunk-part record without a valid index")
		}
		if r.Part == nil || *r.Part < 0 {
			return nil, fmt.Errorf("chunk-part %d: missing part ordinal", *r.Index)
		}
		data, err := base64.StdEncoding.DecodeString(r.Audio)
		if err != nil {
			return nil, fmt.Errorf("chunk-part %d/%d: invalid audio encoding: %w", *r.Index, *r.Part, err)
		}
		return ChunkPartEvent{
			Index:      *r.Index,
			Part:       *r.Part,
			IsLastPart: r.IsLastPart,
			Total:      r.Total,
			Data:       data,
		}, nil

	case TypeComplete:
		return CompleteEvent{}, nil

	case TypeError:
		msg := r.Message
		if msg == "" {
			msg = "unspecified render error"
		}
		return ErrorEvent{Message: msg}, nil

	default:
		return nil, fmt.Errorf("unknown record type %q", r.Type)
	}
}

// EncodeChunk renders a chunk record line, including its trailing newline
func EncodeChunk(index, total int, audio []byte) []byte {
	return encode(map[string]any{
		"type":  TypeChunk,
		"index": index,
		"total": total,
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

// EncodeChunkPart renders a chunk-part record line
func EncodeChunkPart(index, part, total int, last bool, data []byte) []byte {
	return encode(map[string]any{
		"type":       TypeChunkPart,
		"index":      index,
		"part":       part,
		"total":      total,
		"isLastPart": last,
		"audio":      base64.StdEncoding.EncodeToString(data),
	})
}

// EncodeComplete renders a complete record line
func EncodeComplete() []byte {
	return encode(map[string]any{"type": TypeComplete})
}

// EncodeError renders an error record line
func EncodeError(message string) []byte {
	return encode(map[string]any{"type": TypeError, "message": message})
}

func encode(v map[string]any) []byte {
	// Marshal of a map of basic values cannot fail
	b, _ := json.Marshal(v)
	return append(b, '\n')
}
