// Package realtime implements a speech-to-speech [modality.Backend] on top of
// the OpenAI Realtime API.
//
// The adapter holds one WebSocket per session and exchanges JSON events with
// the service. Caller audio is streamed as base64 PCM16 at 24 kHz, the only
// rate the service accepts. Synthesized audio is re-framed to the session's
// frame duration. When the service's voice activity detection reports that
// the caller started speaking, the adapter emits a clear so the transport can
// drop queued playback.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

var (
	_ modality.Backend  = (*Backend)(nil)
	_ modality.Instance = (*instance)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM16 rate of the Realtime API in both directions.
	SampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(b *Backend) { b.baseURL = url }
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(b *Backend) { b.voice = voice }
}

// WithInstructions sets the default system instructions.
func WithInstructions(instructions string) Option {
	return func(b *Backend) { b.instructions = instructions }
}

// ── Backend ────────────────────────────────────────────────────────────────────

// Backend implements modality.Backend for the OpenAI Realtime API.
type Backend struct {
	name         string
	apiKey       string
	model        string
	baseURL      string
	voice        string
	instructions string
}

// New creates a Realtime backend with the given API key.
func New(name, apiKey string, opts ...Option) *Backend {
	b := &Backend{
		name:    name,
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name implements modality.Backend.
func (b *Backend) Name() string { return b.name }

// Capabilities implements modality.Backend.
func (b *Backend) Capabilities() modality.Capabilities {
	return modality.Capabilities{
		Modalities:  modality.NewSet(modality.AudioIn, modality.AudioOut, modality.TextIn, modality.TextOut),
		SampleRates: []int{SampleRate},
	}
}

// Start dials the service and configures the session.
//
// Recognised params: "voice" and "instructions" (strings) override the
// backend defaults.
func (b *Backend) Start(ctx context.Context, cfg modality.Config) (modality.Instance, error) {
	chunker, err := newChunker(cfg.FrameDuration)
	if err != nil {
		return nil, &modality.ConfigurationError{Backend: b.name, Reason: err.Error()}
	}

	wsURL := fmt.Sprintf("%s?model=%s", b.baseURL, b.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + b.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	sessCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		backend:       b.name,
		conn:          conn,
		mods:          cfg.Modalities,
		frameDuration: cfg.FrameDuration,
		chunker:       chunker,
		out:           modality.NewEmitter(128),
		readerDone:    make(chan struct{}),
		ctx:           sessCtx,
		cancel:        cancel,
		log:           slog.With("backend", b.name, "session_id", cfg.SessionID),
	}

	if err := inst.writeJSON(ctx, sessionUpdate{Type: "session.update", Session: b.sessionParams(cfg)}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}
	go inst.readLoop()
	return inst, nil
}

func (b *Backend) sessionParams(cfg modality.Config) sessionParams {
	p := sessionParams{
		Voice:             b.voice,
		Instructions:      b.instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Modalities:        []string{"text"},
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if v, ok := cfg.Params["voice"].(string); ok && v != "" {
		p.Voice = v
	}
	if v, ok := cfg.Params["instructions"].(string); ok && v != "" {
		p.Instructions = v
	}
	if cfg.Modalities.Has(modality.AudioOut) {
		p.Modalities = append(p.Modalities, "audio")
	}
	if cfg.Modalities.Has(modality.AudioIn) && cfg.Modalities.Has(modality.TextOut) {
		p.InputAudioTranscription = &transcription{Model: "whisper-1"}
	}
	return p
}

func newChunker(frame time.Duration) (*audio.Chunker, error) {
	if frame <= 0 {
		frame = audio.DefaultFrameDuration
	}
	return audio.NewChunker(audio.Target{SampleRate: SampleRate, FrameDuration: frame, Tail: audio.TailTruncate})
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItem struct {
	Type string `json:"type"`
	Item item   `json:"item"`
}

type item struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content []part `json:"content,omitempty"`
}

type part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *struct {
		Usage *struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage,omitempty"`
	} `json:"response,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ── instance ───────────────────────────────────────────────────────────────────

type instance struct {
	backend       string
	conn          *websocket.Conn
	mods          modality.Set
	frameDuration time.Duration
	log           *slog.Logger

	// Owned by readLoop.
	chunker *audio.Chunker
	text    string

	out        *modality.Emitter
	readerDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	stopped    bool
	responding bool
}

func (i *instance) PushAudio(ctx context.Context, f audio.Frame) error {
	if !i.mods.Has(modality.AudioIn) {
		return modality.ErrNotSupported
	}
	if i.isStopped() {
		return modality.ErrSessionClosed
	}
	return i.send(ctx, "append audio", appendAudio{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio.SamplesToPCM(f.Samples)),
	})
}

// PushText adds a final caller message to the conversation and asks for a
// response. Interim text is ignored.
func (i *instance) PushText(ctx context.Context, ev modality.TextEvent) error {
	if !i.mods.Has(modality.TextIn) {
		return modality.ErrNotSupported
	}
	if i.isStopped() {
		return modality.ErrSessionClosed
	}
	if !ev.Final {
		return nil
	}
	if err := i.send(ctx, "create item", createItem{
		Type: "conversation.item.create",
		Item: item{Type: "message", Role: "user", Content: []part{{Type: "input_text", Text: ev.Content}}},
	}); err != nil {
		return err
	}
	return i.send(ctx, "create response", map[string]string{"type": "response.create"})
}

func (i *instance) send(ctx context.Context, op string, v any) error {
	if err := i.writeJSON(ctx, v); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &modality.BackendIOError{Backend: i.backend, Op: op, Err: err}
	}
	return nil
}

func (i *instance) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return i.conn.Write(ctx, websocket.MessageText, data)
}

func (i *instance) Outputs() <-chan modality.Output { return i.out.Outputs() }

func (i *instance) Err() error { return i.out.Err() }

// Stop lets a response in progress finish, then closes the connection.
func (i *instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.stopped = true
	idle := !i.responding
	i.mu.Unlock()
	if idle {
		i.cancel()
	}

	select {
	case <-i.readerDone:
	case <-ctx.Done():
		i.out.Abort()
		i.cancel()
		<-i.readerDone
	}
	i.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (i *instance) isStopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopped
}

// readLoop dispatches server events until the connection ends or a stop
// finds no response in progress.
func (i *instance) readLoop() {
	defer close(i.readerDone)
	var failure error
	for {
		_, data, err := i.conn.Read(i.ctx)
		if err != nil {
			if !i.isStopped() {
				failure = &modality.BackendIOError{Backend: i.backend, Op: "receive", Err: err}
			}
			break
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			i.log.Debug("realtime: undecodable event", "err", err)
			continue
		}
		done, err := i.handle(&evt)
		if err != nil || done {
			break
		}
	}
	i.out.Close(failure)
}

// handle processes one event. done reports that a requested stop can now
// complete.
func (i *instance) handle(evt *serverEvent) (done bool, err error) {
	switch evt.Type {
	case "response.created":
		i.mu.Lock()
		i.responding = true
		i.mu.Unlock()

	case "response.audio.delta":
		if !i.mods.Has(modality.AudioOut) || evt.Delta == "" {
			return false, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			i.log.Debug("realtime: bad audio delta", "err", err)
			return false, nil
		}
		samples, err := audio.PCMToSamples(pcm)
		if err != nil {
			return false, nil
		}
		for _, f := range i.chunker.Push(samples) {
			if err := i.out.Emit(i.ctx, modality.AudioOutput(f)); err != nil {
				return false, err
			}
		}

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" || !i.mods.Has(modality.TextOut) {
			return false, nil
		}
		i.text += evt.Delta
		return false, i.emitText(modality.RoleAssistant, i.text, false)

	case "response.audio_transcript.done", "response.text.done":
		text := i.text
		i.text = ""
		if text == "" || !i.mods.Has(modality.TextOut) {
			return false, nil
		}
		return false, i.emitText(modality.RoleAssistant, text, true)

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" || !i.mods.Has(modality.TextOut) {
			return false, nil
		}
		return false, i.emitText(modality.RoleCaller, evt.Transcript, true)

	case "input_audio_buffer.speech_started":
		// Barge-in: drop the partial frame of the interrupted response too.
		i.resetChunker()
		i.text = ""
		return false, i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputClear})

	case "response.done":
		if err := i.flushAudio(); err != nil {
			return false, err
		}
		if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputCompleted}); err != nil {
			return false, err
		}
		if evt.Response != nil && evt.Response.Usage != nil {
			u := evt.Response.Usage
			if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputUsage, Usage: []modality.UsageRecord{
				{Name: "input_tokens", Count: u.InputTokens},
				{Name: "output_tokens", Count: u.OutputTokens},
			}}); err != nil {
				return false, err
			}
		}
		i.mu.Lock()
		i.responding = false
		stopped := i.stopped
		i.mu.Unlock()
		return stopped, nil

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		i.log.Warn("realtime: service reported error", "message", msg)
	}
	return false, nil
}

func (i *instance) emitText(role modality.Role, text string, final bool) error {
	return i.out.Emit(i.ctx, modality.TextOutput(modality.TextEvent{
		Role:      role,
		Content:   text,
		Timestamp: time.Now(),
		Final:     final,
	}))
}

func (i *instance) flushAudio() error {
	f, ok := i.chunker.Flush()
	i.resetChunker()
	if !ok {
		return nil
	}
	return i.out.Emit(i.ctx, modality.AudioOutput(f))
}

// resetChunker starts a fresh frame sequence. The frame duration was
// validated in Start, so construction cannot fail here.
func (i *instance) resetChunker() {
	i.chunker, _ = newChunker(i.frameDuration)
}
