package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/allvoice/voice-gateway/internal/observability"
)

const (
	frameSize     = 16 << 10
	writeDeadline = 10 * time.Second
	idleTimeout   = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	// Browsers connect from the web app's own origin; API clients send none
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: frameSize,
}

// StreamEvent is a text frame sent after the audio of a request, or instead of it
type StreamEvent struct {
	Event         string `json:"event"` // "done" or "error"
	ID            string `json:"id,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	ContentLength int64  `json:"contentLength,omitempty"`
	Error         string `json:"error,omitempty"`
	Status        int    `json:"status,omitempty"`
}

// handleStream speaks each GenerationRequest text message received on the
// socket and answers with binary audio frames followed by a done event.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	voiceModelID := r.PathValue("voiceModelId")

	// Unknown voice models are rejected before the upgrade so the client
	// gets a plain HTTP status.
	if _, err := h.models.SampleRefs(r.Context(), voiceModelID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	sessionID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(h.logger, sessionID).With().
		Str("voice_model_id", voiceModelID).
		Logger()
	logger.Info().Msg("Stream opened")

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			logger.Info().Msg("Stream closed")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req GenerationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !h.sendEvent(conn, logger, StreamEvent{Event: "error", Error: "invalid request: " + err.Error(), Status: http.StatusBadRequest}) {
				return
			}
			continue
		}
		if err := req.validate(); err != nil {
			if !h.sendEvent(conn, logger, StreamEvent{Event: "error", Error: err.Error(), Status: http.StatusBadRequest}) {
				return
			}
			continue
		}

		if !h.streamOne(r, conn, logger, voiceModelID, req) {
			return
		}
	}
}

// streamOne synthesizes one request onto conn. It returns false once the
// connection is no longer writable.
func (h *Handler) streamOne(r *http.Request, conn *websocket.Conn, logger zerolog.Logger, voiceModelID string, req GenerationRequest) bool {
	id := uuid.New().String()

	speech, err := h.synthesize(r.Context(), voiceModelID, req)
	if err != nil {
		code := statusFor(err)
		logger.Error().Err(err).Int("status", code).Msg("Stream generation failed")
		return h.sendEvent(conn, logger, StreamEvent{Event: "error", ID: id, Error: err.Error(), Status: code})
	}
	defer speech.Body.Close()

	buf := make([]byte, frameSize)
	var sent int64
	for {
		n, readErr := speech.Body.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				logger.Warn().Err(err).Msg("Failed to send audio frame")
				return false
			}
			sent += int64(n)
		}
		if readErr != nil {
			observability.RecordAudioBytes(sent)
			if !errors.Is(readErr, io.EOF) {
				logger.Error().Err(readErr).Int64("bytes", sent).Msg("Speech stream interrupted")
				return h.sendEvent(conn, logger, StreamEvent{Event: "error", ID: id, Error: readErr.Error(), Status: http.StatusBadGateway})
			}
			break
		}
	}

	logger.Debug().Str("generation_id", id).Int64("bytes", sent).Msg("Streamed generation")
	return h.sendEvent(conn, logger, StreamEvent{
		Event:         "done",
		ID:            id,
		ContentType:   speech.ContentType,
		ContentLength: sent,
	})
}

func (h *Handler) sendEvent(conn *websocket.Conn, logger zerolog.Logger, ev StreamEvent) bool {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(ev); err != nil {
		logger.Warn().Err(err).Str("event", ev.Event).Msg("Failed to send stream event")
		return false
	}
	return true
}
