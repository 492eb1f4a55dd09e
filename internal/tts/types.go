package tts

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrMissingContentLength is returned when a speech response has no length
var ErrMissingContentLength = errors.New("speech response has no content-length")

// Voice is one entry of the provider's voice inventory
type Voice struct {
	ID          string
	Name        string // Label given at creation; equals the logical voice name
	Category    string // "cloned", "premade", ...
	SampleCount int
}

// IsClone reports whether the voice was created from uploaded samples and
// therefore occupies one of the account's voice slots.
func (v Voice) IsClone() bool {
	return v.Category == "" || v.Category == "cloned"
}

// Sample is one audio file uploaded when creating a voice. AddVoice closes Body.
type Sample struct {
	Filename    string
	ContentType string
	Length      int64
	Body        io.ReadCloser
}

// VoiceSettings are the provider's generation settings
type VoiceSettings struct {
	SimilarityBoost float64 `json:"similarity_boost"`
	Stability       float64 `json:"stability"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// SpeechRequest describes one text-to-speech call
type SpeechRequest struct {
	Text                     string
	ModelID                  string
	VoiceSettings            *VoiceSettings
	OptimizeStreamingLatency int // 0 (off) to 4 (max)
}

// SpeechResponse is a streamed audio body. The caller must close Body.
type SpeechResponse struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
}

// StatusError is returned when the provider answers with a non-success status
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("elevenlabs %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("elevenlabs %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// StatusCode extracts the HTTP status from err, or 0 if err is not a StatusError
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// listVoicesResponse mirrors GET /v1/voices
type listVoicesResponse struct {
	Voices []struct {
		VoiceID  string `json:"voice_id"`
		Name     string `json:"name"`
		Category string `json:"category"`
		Samples  []struct {
			SampleID  string `json:"sample_id"`
			FileName  string `json:"file_name"`
			MimeType  string `json:"mime_type"`
			SizeBytes int64  `json:"size_bytes"`
			Hash      string `json:"hash"`
		} `json:"samples"`
	} `json:"voices"`
}

type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

type speechBody struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
}
