package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/chunks"
	"github.com/lexiqai/narrator/internal/stream"
)

// WebSocketClient opens one WebSocket session per render, sends the request
// as a JSON text message and decodes the records carried by the replies.
// Record boundaries need not line up with message boundaries.
type WebSocketClient struct {
	url    string
	apiKey string
	dialer *websocket.Dialer
	merge  audio.MergeOptions
	logger zerolog.Logger
}

// NewWebSocketClient creates a WebSocket streaming renderer
func NewWebSocketClient(url, apiKey string, merge audio.MergeOptions, logger zerolog.Logger) *WebSocketClient {
	return &WebSocketClient{
		url:    url,
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		merge:  merge,
		logger: logger.With().Str("renderer", "websocket").Logger(),
	}
}

// Name implements Renderer
func (c *WebSocketClient) Name() string {
	return "websocket"
}

// Render implements Renderer
func (c *WebSocketClient) Render(ctx context.Context, req Request) ([]byte, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when the render is cancelled or times out
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	parser := stream.NewParser(c.logger)
	assembler := chunks.NewAssembler(c.logger)

	for !assembler.Done() {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				assembler.ApplyAll(parser.Flush())
				break
			}
			return nil, fmt.Errorf("websocket read failed: %w", err)
		}

		events, perr := parser.Feed(msg)
		if perr != nil {
			c.logger.Warn().Err(perr).Msg("Stream framing violation")
		}
		assembler.ApplyAll(events)
		assembler.ApplyAll(parser.Boundary())
	}

	// Polite close; the server may already be gone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	return finish(assembler, c.merge)
}
