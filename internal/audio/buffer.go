package audio

import "time"

// Buffer is a decoded container: raw PCM frames plus their format.
type Buffer struct {
	Format   Format
	Samples  []byte
	Duration time.Duration
}

// Decode extracts the PCM payload of a container into a Buffer. The samples
// are copied so the buffer does not pin the wire bytes.
func Decode(container []byte) (*Buffer, error) {
	payload, h, err := Payload(container)
	if err != nil {
		return nil, err
	}

	samples := make([]byte, len(payload))
	copy(samples, payload)

	return &Buffer{
		Format:   h.Format,
		Samples:  samples,
		Duration: h.Format.Duration(len(samples)),
	}, nil
}

// Size returns the number of sample bytes held
func (b *Buffer) Size() int {
	return len(b.Samples)
}

// ByteOffset converts a time offset into a frame-aligned byte offset,
// clamped to the buffer length.
func (b *Buffer) ByteOffset(offset time.Duration) int {
	if offset <= 0 {
		return 0
	}
	align := b.Format.BlockAlign()
	if align <= 0 {
		return 0
	}
	frames := int(offset.Seconds() * float64(b.Format.SampleRate))
	n := frames * align
	if n > len(b.Samples) {
		n = len(b.Samples) - len(b.Samples)%align
	}
	return n
}

// Encode re-wraps the buffer as a container
func (b *Buffer) Encode() []byte {
	return Encode(b.Format, b.Samples)
}
