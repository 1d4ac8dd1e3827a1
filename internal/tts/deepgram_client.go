package tts

import (
	"context"
	"fmt"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speak "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
)

// deepgramSampleRate is requested for every render so segments merge
// without a format mismatch
const deepgramSampleRate = 24000

// DeepgramClient renders through Deepgram's speak REST API. Each request
// returns one complete linear16 WAV container.
type DeepgramClient struct {
	client *api.Client
	model  string
	logger zerolog.Logger
}

// NewDeepgramClient creates a Deepgram renderer. model is used unless a
// request names an Aura model as its voice.
func NewDeepgramClient(apiKey, model string, logger zerolog.Logger) *DeepgramClient {
	c := speak.NewREST(apiKey, &interfaces.ClientOptions{})
	return &DeepgramClient{
		client: api.New(c),
		model:  model,
		logger: logger.With().Str("renderer", "deepgram").Logger(),
	}
}

// Name implements Renderer
func (d *DeepgramClient) Name() string {
	return "deepgram"
}

// Render implements Renderer. Deepgram voices carry their own prosody, so
// pitch and pace are not forwarded.
func (d *DeepgramClient) Render(ctx context.Context, req Request) ([]byte, error) {
	// Only Aura model names select a Deepgram voice
	model := d.model
	if strings.HasPrefix(req.Voice.Voice, "aura") {
		model = req.Voice.Voice
	}

	options := &interfaces.SpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		Container:  "wav",
		SampleRate: deepgramSampleRate,
	}

	var buffer interfaces.RawResponse
	if _, err := d.client.ToStream(ctx, req.Text, options, &buffer); err != nil {
		return nil, fmt.Errorf("deepgram speak failed: %w", err)
	}

	container := buffer.Bytes()
	if _, err := audio.ParseHeader(container); err != nil {
		return nil, fmt.Errorf("deepgram returned unusable audio: %w", err)
	}

	d.logger.Debug().
		Str("model", model).
		Int("bytes", len(container)).
		Msg("Deepgram render complete")
	return container, nil
}
