package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/resilience"
)

// StreamClient posts a render request over HTTP and decodes the streamed
// newline-delimited (or server-sent) chunk records of the response.
type StreamClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	merge      audio.MergeOptions
	logger     zerolog.Logger
}

// NewStreamClient creates an HTTP streaming renderer
func NewStreamClient(url, apiKey string, merge audio.MergeOptions, logger zerolog.Logger) *StreamClient {
	return &StreamClient{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		merge:      merge,
		logger:     logger.With().Str("renderer", "http").Logger(),
	}
}

// Name implements Renderer
func (c *StreamClient) Name() string {
	return "http"
}

// Render implements Renderer
func (c *StreamClient) Render(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("tts backend returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	return decodeStream(ctx, resp.Body, c.merge, c.logger)
}
