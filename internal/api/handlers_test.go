package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/buffers"
	"github.com/lexiqai/narrator/internal/cache"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/narration"
	"github.com/lexiqai/narrator/internal/tts"
)

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) Render(context.Context, tts.Request) ([]byte, error) {
	return nil, errors.New("backend down")
}

func newService(t *testing.T, renderer tts.Renderer) *narration.Service {
	t.Helper()
	cfg := &config.Config{
		DefaultLanguage: "en",
		DefaultVoice:    "narrator",
		DefaultPace:     1,
		MaxChunkSize:    200,
		SegmentStrategy: "hybrid",
		MaxConcurrency:  2,
		RenderTimeoutMs: 2000,
	}
	svc, err := narration.NewService(cfg, renderer,
		cache.New(cache.Config{TTL: time.Hour}, zerolog.Nop()),
		buffers.NewManager(buffers.Config{}, zerolog.Nop()),
		zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func post(handler http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/narrate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleNarrate_ReturnsWAV(t *testing.T) {
	mock := tts.NewMockRenderer()
	mock.PerRune = time.Millisecond
	handler := HandleNarrate(newService(t, mock))

	rec := post(handler, `{"text":"A short story. It ends here.","pace":1.2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Expected audio/wav, got %s", ct)
	}
	if !audio.Validate(rec.Body.Bytes()) {
		t.Error("Expected a valid WAV container in the response")
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("Expected a correlation id header")
	}
}

func TestHandleNarrate_KeepsCorrelationID(t *testing.T) {
	mock := tts.NewMockRenderer()
	mock.PerRune = time.Millisecond
	handler := HandleNarrate(newService(t, mock))

	req := httptest.NewRequest(http.MethodPost, "/narrate", strings.NewReader(`{"text":"Hello."}`))
	req.Header.Set("X-Correlation-ID", "job-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "job-42" {
		t.Errorf("Expected correlation id job-42, got %q", got)
	}
}

func TestHandleNarrate_BadRequests(t *testing.T) {
	handler := HandleNarrate(newService(t, tts.NewMockRenderer()))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"text":`, http.StatusBadRequest},
		{"missing text", `{"voice":"anna"}`, http.StatusBadRequest},
		{"blank text", `{"text":"   "}`, http.StatusBadRequest},
		{"negative pace", `{"text":"hi","pace":-1}`, http.StatusBadRequest},
		{"too large", `{"text":"` + strings.Repeat("a", MaxRequestBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(handler, tt.body)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Errorf("Expected JSON error body, got %q", rec.Body.String())
			}
		})
	}
}

func TestHandleNarrate_MethodNotAllowed(t *testing.T) {
	handler := HandleNarrate(newService(t, tts.NewMockRenderer()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/narrate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rec.Code)
	}
}

func TestHandleNarrate_NoAudio(t *testing.T) {
	handler := HandleNarrate(newService(t, failing{}))
	rec := post(handler, `{"text":"Nobody will hear this."}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	mock := tts.NewMockRenderer()
	mock.PerRune = time.Millisecond
	svc := newService(t, mock)
	post(HandleNarrate(svc), `{"text":"Cache me."}`)

	rec := httptest.NewRecorder()
	HandleStats(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))

	var stats narration.Stats
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Cache.Entries != 1 {
		t.Errorf("Expected 1 cache entry, got %d", stats.Cache.Entries)
	}
}
