// Package api exposes speech generation over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allvoice/voice-gateway/internal/observability"
	"github.com/allvoice/voice-gateway/internal/store"
	"github.com/allvoice/voice-gateway/internal/tts"
	"github.com/allvoice/voice-gateway/internal/voicecache"
)

const maxRequestBytes = 64 << 10

// Synthesizer turns text into speech in a cloned voice
type Synthesizer interface {
	Synthesize(ctx context.Context, req voicecache.VoiceRequest, opts voicecache.SpeechOptions) (*voicecache.Speech, error)
	Slots() []voicecache.SlotHandle
	Stats() voicecache.Stats
}

// VoiceModels is the voice metadata the handlers need
type VoiceModels interface {
	SampleRefs(ctx context.Context, voiceModelID string) ([]string, error)
	RecordGeneration(ctx context.Context, g *store.Generation) error
}

// AudioStore keeps finished generations
type AudioStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string, length int64) error
	PublicURL(key string) string
}

// GenerationSettings tune the voice for one generation
type GenerationSettings struct {
	SimilarityBoost float64 `json:"similarityBoost"`
	Stability       float64 `json:"stability"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"useSpeakerBoost"`
}

// GenerationRequest is the body of a generation call and of each stream message
type GenerationRequest struct {
	Text                     string              `json:"text"`
	ModelID                  string              `json:"modelId,omitempty"`
	GenerationSettings       *GenerationSettings `json:"generationSettings,omitempty"`
	OptimizeStreamingLatency int                 `json:"optimizeStreamingLatency,omitempty"`
}

func (r GenerationRequest) validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text is required")
	}
	if r.OptimizeStreamingLatency < 0 || r.OptimizeStreamingLatency > 4 {
		return errors.New("optimizeStreamingLatency must be between 0 and 4")
	}
	return nil
}

func (r GenerationRequest) speechOptions() voicecache.SpeechOptions {
	opts := voicecache.SpeechOptions{
		Text:                     r.Text,
		ModelID:                  r.ModelID,
		OptimizeStreamingLatency: r.OptimizeStreamingLatency,
	}
	if s := r.GenerationSettings; s != nil {
		opts.Settings = &tts.VoiceSettings{
			SimilarityBoost: s.SimilarityBoost,
			Stability:       s.Stability,
			Style:           s.Style,
			UseSpeakerBoost: s.UseSpeakerBoost,
		}
	}
	return opts
}

// GenerationResponse describes a stored generation
type GenerationResponse struct {
	ID            string `json:"id"`
	BucketKey     string `json:"bucketKey"`
	URL           string `json:"url"`
	ContentType   string `json:"contentType"`
	ContentLength int64  `json:"contentLength"`
}

// Handler serves the generation API
type Handler struct {
	synth  Synthesizer
	models VoiceModels
	audio  AudioStore
	logger zerolog.Logger
}

// NewHandler creates the API handler
func NewHandler(synth Synthesizer, models VoiceModels, audio AudioStore) *Handler {
	return &Handler{
		synth:  synth,
		models: models,
		audio:  audio,
		logger: observability.ComponentLogger("api"),
	}
}

// Register mounts the routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/voicemodels/{voiceModelId}/generations", h.handleGeneration)
	mux.HandleFunc("GET /v1/voicemodels/{voiceModelId}/stream", h.handleStream)
	mux.HandleFunc("GET /v1/models", h.handleModels)
	mux.HandleFunc("GET /v1/slots", h.handleSlots)
}

func (h *Handler) handleGeneration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	voiceModelID := r.PathValue("voiceModelId")
	generationID := uuid.New().String()
	logger := observability.WithCorrelationID(h.logger, generationID).With().
		Str("voice_model_id", voiceModelID).
		Logger()

	var req GenerationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	speech, err := h.synthesize(ctx, voiceModelID, req)
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	defer speech.Body.Close()

	bucketKey := "generations/" + generationID
	counted := &countingReader{r: speech.Body}
	if err := h.audio.Put(ctx, bucketKey, counted, speech.ContentType, speech.ContentLength); err != nil {
		observability.RecordError("upload", "api")
		logger.Error().Err(err).Str("bucket_key", bucketKey).Msg("Failed to store generation")
		writeError(w, http.StatusBadGateway, "failed to store generated audio")
		return
	}
	observability.RecordAudioBytes(counted.n)

	gen := &store.Generation{
		ID:            generationID,
		VoiceModelID:  voiceModelID,
		Text:          req.Text,
		ModelID:       speech.ModelID,
		BucketKey:     bucketKey,
		ContentType:   speech.ContentType,
		ContentLength: speech.ContentLength,
	}
	if err := h.models.RecordGeneration(ctx, gen); err != nil {
		h.fail(w, logger, err)
		return
	}

	logger.Info().
		Str("bucket_key", bucketKey).
		Str("remote_slot_id", speech.RemoteSlotID).
		Int64("bytes", speech.ContentLength).
		Msg("Generation stored")

	writeJSON(w, http.StatusCreated, GenerationResponse{
		ID:            generationID,
		BucketKey:     bucketKey,
		URL:           h.audio.PublicURL(bucketKey),
		ContentType:   speech.ContentType,
		ContentLength: speech.ContentLength,
	})
}

// synthesize resolves the voice model's current samples and starts synthesis
func (h *Handler) synthesize(ctx context.Context, voiceModelID string, req GenerationRequest) (*voicecache.Speech, error) {
	refs, err := h.models.SampleRefs(ctx, voiceModelID)
	if err != nil {
		return nil, err
	}
	return h.synth.Synthesize(ctx,
		voicecache.VoiceRequest{LogicalName: voiceModelID, SampleRefs: refs},
		req.speechOptions())
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tts.Models())
}

func (h *Handler) handleSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Stats voicecache.Stats        `json:"stats"`
		Slots []voicecache.SlotHandle `json:"slots"`
	}{
		Stats: h.synth.Stats(),
		Slots: h.synth.Slots(),
	})
}

func (h *Handler) fail(w http.ResponseWriter, logger zerolog.Logger, err error) {
	code := statusFor(err)
	if code >= 500 {
		logger.Error().Err(err).Int("status", code).Msg("Generation failed")
	} else {
		logger.Debug().Err(err).Int("status", code).Msg("Generation rejected")
	}
	writeError(w, code, err.Error())
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var (
		recErr   *voicecache.ReconciliationError
		provErr  *voicecache.ProvisioningError
		synthErr *voicecache.SynthesisError
	)
	switch {
	// Checked first: a reconciliation failure may wrap a not found error
	case errors.As(err, &recErr):
		return http.StatusServiceUnavailable
	case store.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, voicecache.ErrNoSamples),
		errors.Is(err, voicecache.ErrEmptyText),
		errors.Is(err, voicecache.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &provErr), errors.As(err, &synthErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, Status: code})
}

// countingReader counts bytes passing through
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
