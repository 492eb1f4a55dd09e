package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/allvoice/voice-gateway/internal/blobstore"
	"github.com/allvoice/voice-gateway/internal/store"
	"github.com/allvoice/voice-gateway/internal/tts"
	"github.com/allvoice/voice-gateway/internal/voicecache"
)

type fakeSynth struct {
	mu    sync.Mutex
	err   error
	audio string
	reqs  []voicecache.VoiceRequest
	opts  []voicecache.SpeechOptions
}

func (f *fakeSynth) Synthesize(ctx context.Context, req voicecache.VoiceRequest, opts voicecache.SpeechOptions) (*voicecache.Speech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &voicecache.Speech{
		Body:          io.NopCloser(strings.NewReader(f.audio)),
		ContentLength: int64(len(f.audio)),
		ContentType:   "audio/mpeg",
		ModelID:       tts.DefaultModelID,
		RemoteSlotID:  "remote-1",
	}, nil
}

func (f *fakeSynth) Slots() []voicecache.SlotHandle {
	return []voicecache.SlotHandle{{Key: "k1", RemoteSlotID: "remote-1", LogicalName: "vm1"}}
}

func (f *fakeSynth) Stats() voicecache.Stats {
	return voicecache.Stats{Bootstrapped: true, LoadedSlots: 1, SlotCapacity: 4, MaxConcurrency: 2}
}

type fakeModels struct {
	mu          sync.Mutex
	refs        map[string][]string
	generations []*store.Generation
}

func (f *fakeModels) SampleRefs(ctx context.Context, id string) ([]string, error) {
	refs, ok := f.refs[id]
	if !ok {
		return nil, store.NotFoundError{Entity: "voice model", Key: id}
	}
	return refs, nil
}

func (f *fakeModels) RecordGeneration(ctx context.Context, g *store.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generations = append(f.generations, g)
	return nil
}

type fakeAudio struct {
	mu      sync.Mutex
	err     error
	objects map[string][]byte
}

func (f *fakeAudio) Put(ctx context.Context, key string, body io.Reader, contentType string, length int64) error {
	if f.err != nil {
		return f.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != length {
		return fmt.Errorf("length %d, read %d", length, len(data))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeAudio) PublicURL(key string) string {
	return "http://bucket.test/voices/" + key
}

func newTestServer(t *testing.T, synth *fakeSynth) (*httptest.Server, *fakeModels, *fakeAudio) {
	t.Helper()
	models := &fakeModels{refs: map[string][]string{"vm1": {"seed/a.mp3", "seed/b.mp3"}}}
	audio := &fakeAudio{objects: make(map[string][]byte)}

	mux := http.NewServeMux()
	NewHandler(synth, models, audio).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, models, audio
}

func postGeneration(t *testing.T, srv *httptest.Server, voiceModelID, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/voicemodels/"+voiceModelID+"/generations", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGenerationStoresAudio(t *testing.T) {
	synth := &fakeSynth{audio: "mp3-bytes"}
	srv, models, audio := newTestServer(t, synth)

	resp := postGeneration(t, srv, "vm1", `{
		"text": "hello there",
		"modelId": "eleven_english_v2",
		"generationSettings": {"stability": 0.4, "similarityBoost": 0.8, "style": 0.2, "useSpeakerBoost": true},
		"optimizeStreamingLatency": 2
	}`)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var got GenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(got.BucketKey, "generations/") {
		t.Errorf("BucketKey = %q, want generations/ prefix", got.BucketKey)
	}
	if got.ContentLength != int64(len("mp3-bytes")) || got.ContentType != "audio/mpeg" {
		t.Errorf("response = %+v", got)
	}
	if got.URL != "http://bucket.test/voices/"+got.BucketKey {
		t.Errorf("URL = %q", got.URL)
	}
	if string(audio.objects[got.BucketKey]) != "mp3-bytes" {
		t.Errorf("stored audio = %q", audio.objects[got.BucketKey])
	}
	if len(models.generations) != 1 || models.generations[0].ID != got.ID {
		t.Errorf("recorded generations = %+v", models.generations)
	}

	req, opts := synth.reqs[0], synth.opts[0]
	if req.LogicalName != "vm1" || len(req.SampleRefs) != 2 {
		t.Errorf("voice request = %+v", req)
	}
	if opts.ModelID != "eleven_english_v2" || opts.OptimizeStreamingLatency != 2 {
		t.Errorf("speech options = %+v", opts)
	}
	if opts.Settings == nil || opts.Settings.Stability != 0.4 || !opts.Settings.UseSpeakerBoost {
		t.Errorf("settings = %+v", opts.Settings)
	}
}

func TestGenerationRejections(t *testing.T) {
	tests := []struct {
		name       string
		voiceModel string
		body       string
		synthErr   error
		wantStatus int
	}{
		{"malformed body", "vm1", `{"text":`, nil, http.StatusBadRequest},
		{"empty text", "vm1", `{"text":"  "}`, nil, http.StatusBadRequest},
		{"latency out of range", "vm1", `{"text":"hi","optimizeStreamingLatency":7}`, nil, http.StatusBadRequest},
		{"unknown voice model", "nope", `{"text":"hi"}`, nil, http.StatusNotFound},
		{"unknown speech model", "vm1", `{"text":"hi"}`, fmt.Errorf("%w: x", voicecache.ErrUnknownModel), http.StatusBadRequest},
		{"provisioning failed", "vm1", `{"text":"hi"}`, &voicecache.ProvisioningError{LogicalName: "vm1", Err: errors.New("boom")}, http.StatusBadGateway},
		{"bootstrap failed", "vm1", `{"text":"hi"}`, &voicecache.ReconciliationError{Err: errors.New("boom")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, audio := newTestServer(t, &fakeSynth{err: tt.synthErr, audio: "x"})
			resp := postGeneration(t, srv, tt.voiceModel, tt.body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("error body = %+v, %v", body, err)
			}
			if len(audio.objects) != 0 {
				t.Error("nothing should have been stored")
			}
		})
	}
}

func TestGenerationUploadFailure(t *testing.T) {
	srv, models, audio := newTestServer(t, &fakeSynth{audio: "x"})
	audio.err = errors.New("bucket unavailable")

	resp := postGeneration(t, srv, "vm1", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if len(models.generations) != 0 {
		t.Error("failed upload must not be recorded")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", store.NotFoundError{Entity: "voice model", Key: "x"}, http.StatusNotFound},
		{"no samples", fmt.Errorf("voice x: %w", voicecache.ErrNoSamples), http.StatusBadRequest},
		{"empty text", voicecache.ErrEmptyText, http.StatusBadRequest},
		{"reconciliation wrapping not found", &voicecache.ReconciliationError{Label: "ghost", Err: store.NotFoundError{Entity: "voice model"}}, http.StatusServiceUnavailable},
		{"provisioning", &voicecache.ProvisioningError{Err: blobstore.ErrNotFound}, http.StatusBadGateway},
		{"synthesis", &voicecache.SynthesisError{Err: tts.ErrMissingContentLength}, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"synthesis timed out", &voicecache.SynthesisError{Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestModelsAndSlots(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeSynth{})

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var models []tts.Model
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		t.Fatal(err)
	}
	if len(models) != len(tts.Models()) {
		t.Errorf("got %d models, want %d", len(models), len(tts.Models()))
	}

	resp2, err := http.Get(srv.URL + "/v1/slots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var slots struct {
		Stats voicecache.Stats        `json:"stats"`
		Slots []voicecache.SlotHandle `json:"slots"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&slots); err != nil {
		t.Fatal(err)
	}
	if !slots.Stats.Bootstrapped || len(slots.Slots) != 1 || slots.Slots[0].RemoteSlotID != "remote-1" {
		t.Errorf("slots = %+v", slots)
	}
}

func dialStream(t *testing.T, srv *httptest.Server, voiceModelID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voicemodels/" + voiceModelID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamSendsAudioThenDone(t *testing.T) {
	audio := strings.Repeat("a", frameSize+100)
	srv, _, _ := newTestServer(t, &fakeSynth{audio: audio})
	conn := dialStream(t, srv, "vm1")

	if err := conn.WriteJSON(GenerationRequest{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	var received bytes.Buffer
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if msgType == websocket.BinaryMessage {
			received.Write(data)
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Event != "done" {
			t.Fatalf("event = %+v, want done", ev)
		}
		if ev.ContentLength != int64(len(audio)) {
			t.Errorf("ContentLength = %d, want %d", ev.ContentLength, len(audio))
		}
		break
	}
	if received.String() != audio {
		t.Errorf("received %d bytes, want %d", received.Len(), len(audio))
	}
}

func TestStreamReportsErrors(t *testing.T) {
	synth := &fakeSynth{err: &voicecache.SynthesisError{LogicalName: "vm1", StatusCode: 500, Err: errors.New("upstream")}}
	srv, _, _ := newTestServer(t, synth)
	conn := dialStream(t, srv, "vm1")

	// Validation errors keep the stream open
	if err := conn.WriteJSON(GenerationRequest{}); err != nil {
		t.Fatal(err)
	}
	var ev StreamEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Event != "error" || ev.Status != http.StatusBadRequest {
		t.Errorf("event = %+v, want 400 error", ev)
	}

	if err := conn.WriteJSON(GenerationRequest{Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Event != "error" || ev.Status != http.StatusBadGateway {
		t.Errorf("event = %+v, want 502 error", ev)
	}
}

func TestStreamUnknownVoiceModel(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeSynth{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voicemodels/nope/stream"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() should fail for an unknown voice model")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}
