// Package api exposes the narration service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/lexiqai/narrator/internal/narration"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/tts"
)

// MaxRequestBytes bounds a narration request body
const MaxRequestBytes = 4 << 20

// NarrateRequest is the body of POST /narrate
type NarrateRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Voice    string  `json:"voice"`
	Pitch    float64 `json:"pitch"`
	Pace     float64 `json:"pace"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleNarrate renders the requested text and responds with a WAV container
func HandleNarrate(svc *narration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = observability.NewCorrelationID()
		}
		w.Header().Set("X-Correlation-ID", correlationID)
		logger := observability.WithCorrelationID(correlationID)
		ctx := narration.WithCorrelationID(r.Context(), correlationID)

		var req NarrateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}
		if req.Pace < 0 {
			writeError(w, http.StatusBadRequest, "pace must not be negative")
			return
		}

		container, err := svc.GenerateNarration(ctx, req.Text, tts.Voice{
			Language: req.Language,
			Voice:    req.Voice,
			Pitch:    req.Pitch,
			Pace:     req.Pace,
		})
		if err != nil {
			logger.Error().Err(err).Int("text_length", len(req.Text)).Msg("Narration request failed")
			switch {
			case errors.Is(err, narration.ErrNoAudioProduced):
				writeError(w, http.StatusBadGateway, err.Error())
			case r.Context().Err() != nil:
				// Client went away
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Length", strconv.Itoa(len(container)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(container); err != nil {
			logger.Warn().Err(err).Msg("Failed to write narration response")
		}
	}
}

// HandleStats reports cache and buffer usage
func HandleStats(svc *narration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(svc.Stats())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
