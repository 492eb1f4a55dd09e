package voicecache

import (
	"context"
	"fmt"

	"github.com/allvoice/voice-gateway/internal/observability"
	"github.com/allvoice/voice-gateway/internal/tts"
)

// EnsureLoaded returns the remote voice id serving req, creating the remote
// voice when no loaded slot matches. Concurrent misses for the same logical
// voice are serialized, so identical requests create one remote voice.
func (m *Manager) EnsureLoaded(ctx context.Context, req VoiceRequest) (string, error) {
	if err := m.reconciler.Ensure(ctx); err != nil {
		return "", err
	}

	req.SampleRefs = normalizedRefs(req.SampleRefs)
	if len(req.SampleRefs) == 0 {
		return "", fmt.Errorf("voice %s: %w", req.LogicalName, ErrNoSamples)
	}
	key := DeriveKey(req)

	if h, ok := m.slots.Get(key); ok {
		observability.RecordSlotLookup(true)
		return h.RemoteSlotID, nil
	}
	observability.RecordSlotLookup(false)

	unlock, err := m.locks.Lock(ctx, req.LogicalName)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Someone else may have loaded it while we waited
	if h, ok := m.slots.Get(key); ok {
		return h.RemoteSlotID, nil
	}
	return m.provision(ctx, req, key)
}

func (m *Manager) provision(ctx context.Context, req VoiceRequest, key CacheKey) (string, error) {
	if err := m.headroom.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer m.headroom.Release(1)

	for _, stale := range m.slots.RemoveStale(req.LogicalName, key) {
		m.remover.Delete(ctx, stale, "superseded")
	}

	logger := m.logger.With().
		Str("voice_model_id", req.LogicalName).
		Str("cache_key", string(key)).
		Int("samples", len(req.SampleRefs)).
		Logger()

	metrics := observability.NewGenerationMetrics(req.LogicalName)
	metrics.RecordProvisionStart()

	samples, err := m.openSamples(ctx, req.SampleRefs)
	if err != nil {
		metrics.RecordProvisionEnd(false)
		metrics.RecordError("sample_fetch", "voicecache")
		logger.Error().Err(err).Msg("Failed to fetch voice samples")
		return "", &ProvisioningError{LogicalName: req.LogicalName, Key: key, Err: err}
	}

	remoteID, err := m.provider.AddVoice(ctx, req.LogicalName, samples)
	metrics.RecordProvisionEnd(err == nil)
	if err != nil {
		metrics.RecordError("provision", "voicecache")
		logger.Error().Err(err).Msg("Failed to create remote voice")
		return "", &ProvisioningError{
			LogicalName: req.LogicalName,
			Key:         key,
			StatusCode:  tts.StatusCode(err),
			Err:         err,
		}
	}

	handle := SlotHandle{Key: key, RemoteSlotID: remoteID, LogicalName: req.LogicalName}
	if evicted, ok := m.slots.Put(key, handle); ok {
		m.remover.Delete(ctx, evicted, "evicted")
	}

	logger.Info().Str("remote_slot_id", remoteID).Msg("Loaded voice")
	return remoteID, nil
}

// openSamples opens a stream per ref. On failure the streams already opened
// are closed.
func (m *Manager) openSamples(ctx context.Context, refs []string) ([]tts.Sample, error) {
	samples := make([]tts.Sample, 0, len(refs))
	for _, ref := range refs {
		obj, err := m.blobs.Get(ctx, ref)
		if err != nil {
			for _, s := range samples {
				s.Body.Close()
			}
			return nil, fmt.Errorf("fetch sample %s: %w", ref, err)
		}
		samples = append(samples, tts.Sample{
			Filename:    ref,
			ContentType: obj.ContentType,
			Length:      obj.ContentLength,
			Body:        obj.Body,
		})
	}
	return samples, nil
}
