package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/observability"
)

// HeaderSize is the size of the canonical RIFF/WAVE PCM header written by Encode.
const HeaderSize = 44

const (
	formatTagPCM        = 1
	formatTagExtensible = 0xFFFE
)

var (
	// ErrInvalidContainer reports a buffer that is not a usable PCM container
	ErrInvalidContainer = errors.New("invalid audio container")

	// ErrFormatMismatch is returned by strict merges when containers disagree on format
	ErrFormatMismatch = errors.New("audio format mismatch")
)

// Format describes linear PCM sample layout
type Format struct {
	SampleRate    int // Samples per second per channel
	Channels      int // 1 for mono
	BitsPerSample int // 8, 16, 24 or 32
}

// BlockAlign returns the number of bytes per sample frame
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// ByteRate returns the number of payload bytes per second
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Duration returns the playback time of n payload bytes
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(rate) * float64(time.Second))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Header is the parsed description of a container
type Header struct {
	Format
	PayloadSize   int // Declared size of the data chunk
	PayloadOffset int // Offset of the first payload byte
}

// ParseHeader locates the fmt and data chunks of a RIFF/WAVE buffer.
func ParseHeader(data []byte) (Header, error) {
	var h Header

	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes is shorter than a header", ErrInvalidContainer, len(data))
	}
	if !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return h, fmt.Errorf("%w: missing RIFF/WAVE markers", ErrInvalidContainer)
	}

	haveFormat := false
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return h, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidContainer)
			}
			tag := binary.LittleEndian.Uint16(data[body : body+2])
			if tag == formatTagExtensible && size >= 40 && body+26 <= len(data) {
				// The first two bytes of the sub-format GUID carry the real tag
				tag = binary.LittleEndian.Uint16(data[body+24 : body+26])
			}
			if tag != formatTagPCM {
				return h, fmt.Errorf("%w: unsupported format tag 0x%04x", ErrInvalidContainer, tag)
			}
			h.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if err := validateFormat(h.Format); err != nil {
				return h, err
			}
			haveFormat = true

		case "data":
			if !haveFormat {
				return h, fmt.Errorf("%w: data chunk precedes fmt chunk", ErrInvalidContainer)
			}
			if body+size > len(data) {
				return h, fmt.Errorf("%w: declared payload of %d bytes exceeds buffer", ErrInvalidContainer, size)
			}
			h.PayloadSize = size
			h.PayloadOffset = body
			return h, nil
		}

		// Chunks are word aligned
		offset = body + size + size&1
	}

	if !haveFormat {
		return h, fmt.Errorf("%w: no fmt chunk", ErrInvalidContainer)
	}
	return h, fmt.Errorf("%w: no data chunk", ErrInvalidContainer)
}

func validateFormat(f Format) error {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("%w: bad format %s", ErrInvalidContainer, f)
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidContainer, f.BitsPerSample)
	}
}

// Validate reports whether data is a well-formed PCM container
func Validate(data []byte) bool {
	_, err := ParseHeader(data)
	return err == nil
}

// Payload returns the PCM bytes of a container without copying
func Payload(data []byte) ([]byte, Header, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, h, err
	}
	return data[h.PayloadOffset : h.PayloadOffset+h.PayloadSize], h, nil
}

// Encode wraps payload in a canonical 44-byte PCM header
func Encode(f Format, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(payload)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], formatTagPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitsPerSample))

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(payload)))
	copy(out[HeaderSize:], payload)

	return out
}

// MergeOptions controls how Merge treats containers that disagree on format
type MergeOptions struct {
	// Strict fails the merge on a format mismatch instead of keeping the
	// first container's format.
	Strict bool
	Logger *zerolog.Logger
}

// Merge concatenates the payloads of containers in order under the first
// container's format. Mismatched formats are logged and merged anyway.
func Merge(containers [][]byte) ([]byte, error) {
	return MergeWithOptions(containers, MergeOptions{})
}

// MergeWithOptions is Merge with an explicit mismatch policy.
func MergeWithOptions(containers [][]byte, opts MergeOptions) ([]byte, error) {
	switch len(containers) {
	case 0:
		return []byte{}, nil
	case 1:
		return containers[0], nil
	}

	logger := observability.ComponentLogger("codec")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	payloads := make([][]byte, len(containers))
	var canonical Format
	total := 0

	for i, c := range containers {
		payload, h, err := Payload(c)
		if err != nil {
			return nil, fmt.Errorf("container %d: %w", i, err)
		}
		if i == 0 {
			canonical = h.Format
		} else if h.Format != canonical {
			if opts.Strict {
				return nil, fmt.Errorf("container %d: %w: %s, expected %s", i, ErrFormatMismatch, h.Format, canonical)
			}
			logger.Warn().
				Int("container", i).
				Str("format", h.Format.String()).
				Str("canonical", canonical.String()).
				Msg("Audio format mismatch during merge, keeping canonical format")
		}
		payloads[i] = payload
		total += len(payload)
	}

	merged := make([]byte, 0, total)
	for _, p := range payloads {
		merged = append(merged, p...)
	}
	return Encode(canonical, merged), nil
}
