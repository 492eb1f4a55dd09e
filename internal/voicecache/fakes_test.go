package voicecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allvoice/voice-gateway/internal/blobstore"
	"github.com/allvoice/voice-gateway/internal/store"
	"github.com/allvoice/voice-gateway/internal/tts"
)

// fakeProvider is an in-memory speech provider
type fakeProvider struct {
	mu       sync.Mutex
	voices   []tts.Voice
	nextID   int
	deleted  []string
	ttsVoice []string

	listCalls atomic.Int32
	addCalls  atomic.Int32

	listErrs  []error       // returned by successive ListVoices calls
	listHold  chan struct{} // ListVoices blocks until closed
	addErr    error
	addDelay  time.Duration
	deleteErr error
	ttsErr    error
	ttsDelay  time.Duration
	noLength  bool
	missing   map[string]bool // remote ids that answer 404 once
	ttsHook   func(voiceID string) // runs once, at the start of the next TextToSpeech
	peakLive  int                  // most remote voices held at once

	activeTTS atomic.Int32
	maxTTS    atomic.Int32
}

func newFakeProvider(voices ...tts.Voice) *fakeProvider {
	return &fakeProvider{voices: voices, missing: make(map[string]bool)}
}

func (p *fakeProvider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	n := int(p.listCalls.Add(1))
	if p.listHold != nil {
		select {
		case <-p.listHold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= len(p.listErrs) && p.listErrs[n-1] != nil {
		return nil, p.listErrs[n-1]
	}
	out := make([]tts.Voice, len(p.voices))
	copy(out, p.voices)
	return out, nil
}

func (p *fakeProvider) AddVoice(ctx context.Context, name string, samples []tts.Sample) (string, error) {
	p.addCalls.Add(1)
	for _, s := range samples {
		io.Copy(io.Discard, s.Body)
		s.Body.Close()
	}
	if p.addDelay > 0 {
		time.Sleep(p.addDelay)
	}
	if p.addErr != nil {
		return "", p.addErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("remote-%d", p.nextID)
	p.voices = append(p.voices, tts.Voice{ID: id, Name: name, Category: "cloned", SampleCount: len(samples)})
	if len(p.voices) > p.peakLive {
		p.peakLive = len(p.voices)
	}
	return id, nil
}

func (p *fakeProvider) DeleteVoice(ctx context.Context, voiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, voiceID)
	if p.deleteErr != nil {
		return p.deleteErr
	}
	for i, v := range p.voices {
		if v.ID == voiceID {
			p.voices = append(p.voices[:i], p.voices[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakeProvider) TextToSpeech(ctx context.Context, voiceID string, req tts.SpeechRequest) (*tts.SpeechResponse, error) {
	active := p.activeTTS.Add(1)
	defer p.activeTTS.Add(-1)
	for {
		peak := p.maxTTS.Load()
		if active <= peak || p.maxTTS.CompareAndSwap(peak, active) {
			break
		}
	}
	if p.ttsDelay > 0 {
		time.Sleep(p.ttsDelay)
	}

	p.mu.Lock()
	hook := p.ttsHook
	p.ttsHook = nil
	p.mu.Unlock()
	if hook != nil {
		hook(voiceID)
	}

	p.mu.Lock()
	p.ttsVoice = append(p.ttsVoice, voiceID)
	missing := p.missing[voiceID] || !p.hasVoiceLocked(voiceID)
	delete(p.missing, voiceID)
	p.mu.Unlock()

	if missing {
		return nil, &tts.StatusError{Op: "text to speech", StatusCode: http.StatusNotFound}
	}
	if p.ttsErr != nil {
		return nil, p.ttsErr
	}
	length := int64(len("audio:" + req.Text))
	if p.noLength {
		length = -1
	}
	return &tts.SpeechResponse{
		Body:          io.NopCloser(strings.NewReader("audio:" + req.Text)),
		ContentLength: length,
		ContentType:   "audio/mpeg",
	}, nil
}

func (p *fakeProvider) hasVoiceLocked(voiceID string) bool {
	for _, v := range p.voices {
		if v.ID == voiceID {
			return true
		}
	}
	return false
}

func (p *fakeProvider) remoteIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.voices))
	for _, v := range p.voices {
		ids = append(ids, v.ID)
	}
	return ids
}

func (p *fakeProvider) deletedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

func (p *fakeProvider) spokenWith() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ttsVoice...)
}

// fakeBlobs serves sample bytes by key and counts open bodies
type fakeBlobs struct {
	objects map[string]string
	open    atomic.Int32
}

func newFakeBlobs(keys ...string) *fakeBlobs {
	b := &fakeBlobs{objects: make(map[string]string)}
	for _, k := range keys {
		b.objects[k] = "sample:" + k
	}
	return b
}

func (b *fakeBlobs) Get(ctx context.Context, key string) (*blobstore.Object, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	b.open.Add(1)
	return &blobstore.Object{
		Body:          &countedBody{Reader: strings.NewReader(data), open: &b.open},
		ContentType:   "audio/mpeg",
		ContentLength: int64(len(data)),
	}, nil
}

type countedBody struct {
	io.Reader
	open   *atomic.Int32
	closed bool
}

func (c *countedBody) Close() error {
	if !c.closed {
		c.closed = true
		c.open.Add(-1)
	}
	return nil
}

// fakeStore maps voice model ids to sample refs
type fakeStore struct {
	mu   sync.Mutex
	refs map[string][]string
}

func newFakeStore(refs map[string][]string) *fakeStore {
	if refs == nil {
		refs = make(map[string][]string)
	}
	return &fakeStore{refs: refs}
}

func (s *fakeStore) SampleRefs(ctx context.Context, voiceModelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.refs[voiceModelID]
	if !ok {
		return nil, store.NotFoundError{Entity: "voice model", Key: voiceModelID}
	}
	return append([]string(nil), refs...), nil
}

func testOptions(maxSlots, maxConcurrency int) Options {
	return Options{
		MaxRemoteSlots:   maxSlots,
		MaxConcurrency:   maxConcurrency,
		DeleteTimeout:    time.Second,
		BootstrapTimeout: 5 * time.Second,
	}
}

func newTestManager(t *testing.T, p *fakeProvider, b *fakeBlobs, s *fakeStore, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(p, b, s, opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}
