// Package tts renders text segments into audio containers through the
// configured text-to-speech backend.
package tts

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/chunks"
	"github.com/lexiqai/narrator/internal/stream"
)

// Voice holds the parameters that shape a rendering
type Voice struct {
	Language string  `json:"language"`
	Voice    string  `json:"voice"`
	Pitch    float64 `json:"pitch"`
	Pace     float64 `json:"pace"`
}

// Request is the input of one render call
type Request struct {
	Text string `json:"text"`
	Voice
}

// Renderer turns one request into a single audio container
type Renderer interface {
	Render(ctx context.Context, req Request) ([]byte, error)
	Name() string
}

// readChunkSize is the read size used when feeding a response body to the parser
const readChunkSize = 16 * 1024

// decodeStream feeds r to a frame parser and assembles the chunks it
// carries into one container. Malformed records and invalid containers are
// skipped; a terminal error event fails the render.
func decodeStream(ctx context.Context, r io.Reader, opts audio.MergeOptions, logger zerolog.Logger) ([]byte, error) {
	parser := stream.NewParser(logger)
	assembler := chunks.NewAssembler(logger)

	buf := make([]byte, readChunkSize)
	for !assembler.Done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			events, perr := parser.Feed(buf[:n])
			if perr != nil {
				logger.Warn().Err(perr).Msg("Stream framing violation")
			}
			assembler.ApplyAll(events)
		}
		if err == io.EOF {
			assembler.ApplyAll(parser.Flush())
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
	}

	return finish(assembler, opts)
}

// finish checks the terminal state of a stream and merges what it delivered
func finish(assembler *chunks.Assembler, opts audio.MergeOptions) ([]byte, error) {
	if err := assembler.Err(); err != nil {
		return nil, err
	}
	return assembler.Merge(opts)
}
