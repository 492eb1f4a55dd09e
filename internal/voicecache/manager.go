// Package voicecache keeps a bounded, deduplicated working set of cloned
// voices loaded on the speech provider and funnels synthesis calls through
// a global concurrency gate.
package voicecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/allvoice/voice-gateway/internal/blobstore"
	"github.com/allvoice/voice-gateway/internal/config"
	"github.com/allvoice/voice-gateway/internal/observability"
	"github.com/allvoice/voice-gateway/internal/tts"
)

// Provider is the remote speech provider
type Provider interface {
	ListVoices(ctx context.Context) ([]tts.Voice, error)
	AddVoice(ctx context.Context, name string, samples []tts.Sample) (string, error)
	DeleteVoice(ctx context.Context, voiceID string) error
	TextToSpeech(ctx context.Context, voiceID string, req tts.SpeechRequest) (*tts.SpeechResponse, error)
}

// BlobStore serves the seed samples
type BlobStore interface {
	Get(ctx context.Context, key string) (*blobstore.Object, error)
}

// MetadataStore knows which samples currently make up each logical voice
type MetadataStore interface {
	SampleRefs(ctx context.Context, voiceModelID string) ([]string, error)
}

// Options configures a Manager
type Options struct {
	MaxRemoteSlots   int           // Voices the provider account can hold
	MaxConcurrency   int           // Simultaneous synthesis calls
	Production       bool          // Delete orphaned remote voices during bootstrap
	DeleteTimeout    time.Duration // Per best-effort delete
	BootstrapTimeout time.Duration // Per reconciliation attempt
	DefaultModelID   string
}

// OptionsFromConfig maps service configuration onto manager options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRemoteSlots:   cfg.ElevenLabsMaxVoices,
		MaxConcurrency:   cfg.ElevenLabsMaxConcurrency,
		Production:       cfg.IsProduction(),
		DeleteTimeout:    cfg.DeleteTimeout(),
		BootstrapTimeout: cfg.BootstrapDeadline(),
		DefaultModelID:   cfg.ElevenLabsDefaultModelID,
	}
}

// SpeechOptions describes what to say and how
type SpeechOptions struct {
	Text                     string
	ModelID                  string
	Settings                 *tts.VoiceSettings
	OptimizeStreamingLatency int
}

// Speech is a synthesized audio stream. The caller must close Body.
type Speech struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
	ModelID       string
	RemoteSlotID  string
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Bootstrapped    bool `json:"bootstrapped"`
	LoadedSlots     int  `json:"loadedSlots"`
	SlotCapacity    int  `json:"slotCapacity"`
	ActiveSyntheses int  `json:"activeSyntheses"`
	MaxConcurrency  int  `json:"maxConcurrency"`
}

// Manager is the entry point for synthesis. Create one per process and share it.
type Manager struct {
	provider   Provider
	blobs      BlobStore
	slots      *SlotTable
	gate       *Gate
	headroom   *semaphore.Weighted
	locks      *keyedLocks
	reconciler *Reconciler
	remover    *remover
	opts       Options
	logger     zerolog.Logger
}

// NewManager wires the slot table, gate and reconciler around the collaborators
func NewManager(provider Provider, blobs BlobStore, store MetadataStore, opts Options) (*Manager, error) {
	if opts.MaxRemoteSlots < 1 || opts.MaxConcurrency < 1 {
		return nil, fmt.Errorf("voicecache: max remote slots and max concurrency must be positive")
	}
	capacity := opts.MaxRemoteSlots - opts.MaxConcurrency
	if capacity < 1 {
		return nil, fmt.Errorf("voicecache: max remote slots (%d) must exceed max concurrency (%d)",
			opts.MaxRemoteSlots, opts.MaxConcurrency)
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = 10 * time.Second
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = time.Minute
	}
	if opts.DefaultModelID == "" {
		opts.DefaultModelID = tts.DefaultModelID
	}

	slots, err := NewSlotTable(capacity)
	if err != nil {
		return nil, fmt.Errorf("voicecache: %w", err)
	}

	logger := observability.ComponentLogger("voicecache")
	rm := &remover{provider: provider, timeout: opts.DeleteTimeout, logger: logger}

	return &Manager{
		provider: provider,
		blobs:    blobs,
		slots:    slots,
		gate:     NewGate(opts.MaxConcurrency),
		// Creations in flight are outside the table; together with it they
		// must stay within the account's voice limit.
		headroom:   semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		locks:      newKeyedLocks(),
		reconciler: newReconciler(provider, store, slots, rm, opts, logger),
		remover:    rm,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Warmup runs the bootstrap reconciliation eagerly
func (m *Manager) Warmup(ctx context.Context) error {
	return m.reconciler.Ensure(ctx)
}

// Synthesize loads the voice if needed, waits for a free synthesis permit and
// starts the speech stream. The permit is released once the provider has
// answered, on success and failure alike.
func (m *Manager) Synthesize(ctx context.Context, req VoiceRequest, opts SpeechOptions) (*Speech, error) {
	if strings.TrimSpace(opts.Text) == "" {
		return nil, ErrEmptyText
	}
	modelID := opts.ModelID
	if modelID == "" {
		modelID = m.opts.DefaultModelID
	}
	model, ok := tts.LookupModel(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	speechReq := tts.SpeechRequest{
		Text:                     opts.Text,
		ModelID:                  model.ID,
		VoiceSettings:            settingsFor(model, opts.Settings),
		OptimizeStreamingLatency: opts.OptimizeStreamingLatency,
	}

	speech, err := m.synthesizeOnce(ctx, req, speechReq)

	// The provider lost the voice behind our back (deleted by hand, or
	// evicted by a concurrent provision). Forget it and load it again once.
	// Only the handle that answered 404 is dropped: a concurrent request may
	// already have loaded a fresh slot under the same key.
	var synthErr *SynthesisError
	if errors.As(err, &synthErr) && synthErr.StatusCode == http.StatusNotFound {
		removed := m.slots.RemoveIf(DeriveKey(req), synthErr.RemoteSlotID)
		m.logger.Warn().
			Str("voice_model_id", req.LogicalName).
			Str("remote_slot_id", synthErr.RemoteSlotID).
			Bool("dropped_handle", removed).
			Msg("Remote voice vanished, reloading")
		speech, err = m.synthesizeOnce(ctx, req, speechReq)
	}
	return speech, err
}

func (m *Manager) synthesizeOnce(ctx context.Context, req VoiceRequest, speechReq tts.SpeechRequest) (*Speech, error) {
	remoteID, err := m.EnsureLoaded(ctx, req)
	if err != nil {
		return nil, err
	}

	// Giving up while queued is the caller's deadline, not a provider failure
	if err := m.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer m.gate.Release()

	metrics := observability.NewGenerationMetrics(req.LogicalName)
	metrics.RecordSynthesisStart()

	resp, err := m.provider.TextToSpeech(ctx, remoteID, speechReq)
	if err == nil && resp.ContentLength < 0 {
		resp.Body.Close()
		err = tts.ErrMissingContentLength
	}
	metrics.RecordSynthesisEnd(err == nil)
	if err != nil {
		metrics.RecordError("synthesis", "voicecache")
		m.logger.Error().Err(err).
			Str("voice_model_id", req.LogicalName).
			Str("remote_slot_id", remoteID).
			Msg("Speech synthesis failed")
		return nil, &SynthesisError{
			LogicalName:  req.LogicalName,
			RemoteSlotID: remoteID,
			StatusCode:   tts.StatusCode(err),
			Err:          err,
		}
	}

	return &Speech{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.ContentType,
		ModelID:       speechReq.ModelID,
		RemoteSlotID:  remoteID,
	}, nil
}

// settingsFor drops settings the model cannot use
func settingsFor(model tts.Model, in *tts.VoiceSettings) *tts.VoiceSettings {
	if in == nil {
		return nil
	}
	out := *in
	if !model.CanUseStyle {
		out.Style = 0
	}
	if !model.CanUseSpeakerBoost {
		out.UseSpeakerBoost = false
	}
	return &out
}

// Stats reports the cache state
func (m *Manager) Stats() Stats {
	return Stats{
		Bootstrapped:    m.reconciler.Done(),
		LoadedSlots:     m.slots.Len(),
		SlotCapacity:    m.slots.Capacity(),
		ActiveSyntheses: m.gate.Active(),
		MaxConcurrency:  m.gate.Limit(),
	}
}

// Slots returns the loaded handles, least recently used first
func (m *Manager) Slots() []SlotHandle {
	return m.slots.Handles()
}

// remover deletes remote voices on a best-effort basis
type remover struct {
	provider Provider
	timeout  time.Duration
	logger   zerolog.Logger
}

// Delete removes the remote voice behind handle. Failures are logged and
// counted, never returned: local bookkeeping has already moved on.
func (r *remover) Delete(ctx context.Context, handle SlotHandle, reason string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	observability.RecordSlotRemoval(reason)
	if err := r.provider.DeleteVoice(ctx, handle.RemoteSlotID); err != nil {
		observability.RecordSlotDeleteFailure(reason)
		r.logger.Warn().Err(err).
			Str("reason", reason).
			Str("voice_model_id", handle.LogicalName).
			Str("remote_slot_id", handle.RemoteSlotID).
			Str("cache_key", string(handle.Key)).
			Msg("Failed to delete remote voice, continuing")
		return false
	}

	r.logger.Info().
		Str("reason", reason).
		Str("voice_model_id", handle.LogicalName).
		Str("remote_slot_id", handle.RemoteSlotID).
		Msg("Deleted remote voice")
	return true
}
