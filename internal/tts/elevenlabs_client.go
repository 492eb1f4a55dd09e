package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/allvoice/voice-gateway/internal/config"
	"github.com/allvoice/voice-gateway/internal/observability"
	"github.com/allvoice/voice-gateway/internal/resilience"
)

const errorBodyLimit = 512

// ElevenLabsClient talks to the ElevenLabs voice and text-to-speech REST API
type ElevenLabsClient struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	speechTimeout  time.Duration
	retryConfig    *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewElevenLabsClient creates a new ElevenLabs client
func NewElevenLabsClient(cfg *config.Config) *ElevenLabsClient {
	circuitBreaker := resilience.NewCircuitBreaker(
		"elevenlabs",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	).
		WithFailurePredicate(isUpstreamFailure).
		OnStateChange(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			if to == resilience.StateOpen {
				observability.IncrementCircuitBreakerFailures(name)
			}
		})

	return &ElevenLabsClient{
		apiKey:         cfg.ElevenLabsAPIKey,
		baseURL:        strings.TrimRight(cfg.ElevenLabsBaseURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: cfg.RequestTimeout(),
		speechTimeout:  cfg.SpeechTimeout(),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: circuitBreaker,
		logger:         observability.ComponentLogger("elevenlabs"),
	}
}

// ListVoices returns the account's current voice inventory
func (c *ElevenLabsClient) ListVoices(ctx context.Context) ([]Voice, error) {
	var voices []Voice

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return c.circuitBreaker.Call(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()

			resp, err := c.do(reqCtx, http.MethodGet, "/v1/voices", nil, "")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return statusError("list voices", resp)
			}

			var payload listVoicesResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("elevenlabs list voices: decode response: %w", err)
			}

			voices = make([]Voice, 0, len(payload.Voices))
			for _, v := range payload.Voices {
				voices = append(voices, Voice{
					ID:          v.VoiceID,
					Name:        v.Name,
					Category:    v.Category,
					SampleCount: len(v.Samples),
				})
			}
			return nil
		})
	}, c.retryConfig, isRetryable)
	if err != nil {
		return nil, err
	}

	return voices, nil
}

// AddVoice creates a cloned voice labeled with name from the given samples
// and returns its voice id. The sample bodies are streamed into the request
// and always closed.
func (c *ElevenLabsClient) AddVoice(ctx context.Context, name string, samples []Sample) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("elevenlabs add voice %q: at least one sample is required", name)
	}

	var voiceID string
	started := false
	err := c.circuitBreaker.Call(func() error {
		started = true
		reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		pr, pw := io.Pipe()
		form := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeVoiceForm(form, name, samples))
		}()
		defer pr.Close()

		resp, err := c.do(reqCtx, http.MethodPost, "/v1/voices/add", pr, form.FormDataContentType())
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError("add voice", resp)
		}

		var payload addVoiceResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("elevenlabs add voice: decode response: %w", err)
		}
		if payload.VoiceID == "" {
			return fmt.Errorf("elevenlabs add voice: response has no voice_id")
		}
		voiceID = payload.VoiceID
		return nil
	})
	if err != nil {
		if !started {
			closeSamples(samples)
		}
		return "", err
	}

	c.logger.Debug().Str("voice_id", voiceID).Str("name", name).Int("samples", len(samples)).Msg("Created remote voice")
	return voiceID, nil
}

// writeVoiceForm writes the multipart body for AddVoice. Every sample body is
// closed before it returns.
func writeVoiceForm(form *multipart.Writer, name string, samples []Sample) error {
	defer closeSamples(samples)

	if err := form.WriteField("name", name); err != nil {
		return err
	}

	for _, s := range samples {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "files",
			"filename": path.Base(s.Filename),
		}))
		contentType := s.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		part, err := form.CreatePart(header)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, s.Body); err != nil {
			return fmt.Errorf("stream sample %s: %w", s.Filename, err)
		}
	}

	return form.Close()
}

func closeSamples(samples []Sample) {
	for _, s := range samples {
		if s.Body != nil {
			_ = s.Body.Close()
		}
	}
}

// DeleteVoice removes a voice and frees its slot
func (c *ElevenLabsClient) DeleteVoice(ctx context.Context, voiceID string) error {
	return resilience.Retry(ctx, func(ctx context.Context) error {
		return c.circuitBreaker.Call(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()

			resp, err := c.do(reqCtx, http.MethodDelete, "/v1/voices/"+url.PathEscape(voiceID), nil, "")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			// Already gone counts as deleted
			if resp.StatusCode == http.StatusNotFound {
				return nil
			}
			if resp.StatusCode != http.StatusOK {
				return statusError("delete voice", resp)
			}
			return nil
		})
	}, c.retryConfig, isRetryable)
}

// TextToSpeech starts a speech stream for voiceID. The returned body stays
// valid until closed or until the speech timeout elapses.
func (c *ElevenLabsClient) TextToSpeech(ctx context.Context, voiceID string, req SpeechRequest) (*SpeechResponse, error) {
	payload, err := json.Marshal(speechBody{
		Text:          req.Text,
		ModelID:       req.ModelID,
		VoiceSettings: req.VoiceSettings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := "/v1/text-to-speech/" + url.PathEscape(voiceID) +
		"?optimize_streaming_latency=" + strconv.Itoa(req.OptimizeStreamingLatency)

	var speech *SpeechResponse
	err = c.circuitBreaker.Call(func() error {
		streamCtx, cancel := context.WithTimeout(ctx, c.speechTimeout)

		resp, err := c.do(streamCtx, http.MethodPost, endpoint, bytes.NewReader(payload), "application/json")
		if err != nil {
			cancel()
			return err
		}

		if resp.StatusCode != http.StatusOK {
			defer cancel()
			defer resp.Body.Close()
			return statusError("text to speech", resp)
		}
		if resp.ContentLength < 0 {
			resp.Body.Close()
			cancel()
			return ErrMissingContentLength
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		speech = &SpeechResponse{
			Body:          &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
			ContentLength: resp.ContentLength,
			ContentType:   contentType,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return speech, nil
}

func (c *ElevenLabsClient) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost && strings.HasPrefix(endpoint, "/v1/text-to-speech/") {
		req.Header.Set("Accept", "audio/mpeg")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
	}
}

// isRetryable retries transient statuses and network errors
func isRetryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return resilience.IsRetryableNetworkError(err)
}

// isUpstreamFailure decides which errors count against the circuit breaker.
// 4xx answers other than 429 are the caller's fault.
func isUpstreamFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// cancelOnClose releases the request context once the body is consumed
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
