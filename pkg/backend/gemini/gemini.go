// Package gemini implements a speech-to-speech [modality.Backend] on top of
// Google's Gemini Live API.
//
// It holds one bidirectional WebSocket per session and exchanges JSON
// messages according to the BidiGenerateContent protocol. Caller audio is
// sent as base64 PCM tagged with the session rate; the service answers at
// 24 kHz, which is resampled to the session rate and re-framed before it is
// emitted.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// OutputRate is the PCM16 rate of synthesized audio.
	OutputRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(b *Backend) { b.baseURL = url }
}

// WithVoice sets the default prebuilt voice (e.g. "Puck", "Kore").
func WithVoice(voice string) Option {
	return func(b *Backend) { b.voice = voice }
}

// WithInstructions sets the default system instruction.
func WithInstructions(s string) Option {
	return func(b *Backend) { b.instructions = s }
}

// ── Backend ────────────────────────────────────────────────────────────────────

// Backend implements modality.Backend for the Gemini Live API.
type Backend struct {
	name         string
	apiKey       string
	model        string
	baseURL      string
	voice        string
	instructions string
}

// New creates a Gemini Live backend with the given API key.
func New(name, apiKey string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key must not be empty")
	}
	b := &Backend{
		name:    name,
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name implements modality.Backend.
func (b *Backend) Name() string { return b.name }

// Capabilities implements modality.Backend. Any session rate is accepted.
func (b *Backend) Capabilities() modality.Capabilities {
	return modality.Capabilities{
		Modalities: modality.NewSet(modality.AudioIn, modality.AudioOut, modality.TextIn, modality.TextOut),
	}
}

// Start dials the service and sends the setup message. The session is ready
// for audio as soon as Start returns.
//
// Recognised params: "voice" and "instructions" (strings) override the
// backend defaults.
func (b *Backend) Start(ctx context.Context, cfg modality.Config) (modality.Instance, error) {
	resampler, err := audio.NewResampler(OutputRate, cfg.SampleRate)
	if err != nil {
		return nil, &modality.ConfigurationError{Backend: b.name, Reason: err.Error()}
	}
	target := audio.Target{SampleRate: cfg.SampleRate, FrameDuration: cfg.FrameDuration, Tail: audio.TailTruncate}
	if target.FrameDuration <= 0 {
		target.FrameDuration = audio.DefaultFrameDuration
	}
	chunker, err := audio.NewChunker(target)
	if err != nil {
		return nil, &modality.ConfigurationError{Backend: b.name, Reason: err.Error()}
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		b.baseURL, b.apiKey,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	sessCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		backend:    b.name,
		conn:       conn,
		mods:       cfg.Modalities,
		inputMIME:  fmt.Sprintf("audio/pcm;rate=%d", cfg.SampleRate),
		rate:       cfg.SampleRate,
		target:     target,
		resampler:  resampler,
		chunker:    chunker,
		out:        modality.NewEmitter(128),
		readerDone: make(chan struct{}),
		ctx:        sessCtx,
		cancel:     cancel,
		log:        slog.With("backend", b.name, "session_id", cfg.SessionID),
	}

	if err := inst.writeJSON(ctx, b.setup(cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go inst.readLoop()
	go inst.keepaliveLoop()
	return inst, nil
}

func (b *Backend) setup(cfg modality.Config) setupMessage {
	voice, instructions := b.voice, b.instructions
	if v, ok := cfg.Params["voice"].(string); ok && v != "" {
		voice = v
	}
	if v, ok := cfg.Params["instructions"].(string); ok && v != "" {
		instructions = v
	}

	msg := setupMessage{Setup: setupConfig{
		Model:            "models/" + b.model,
		GenerationConfig: generationConfig{ResponseModalities: []string{"TEXT"}},
	}}
	if cfg.Modalities.Has(modality.AudioOut) {
		msg.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
		if voice != "" {
			msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice}},
			}
		}
		if cfg.Modalities.Has(modality.TextOut) {
			msg.Setup.OutputAudioTranscription = &struct{}{}
		}
	}
	if cfg.Modalities.Has(modality.AudioIn) && cfg.Modalities.Has(modality.TextOut) {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: instructions}}}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	UsageMetadata *usageMetadata   `json:"usageMetadata,omitempty"`
	Error         *serviceError    `json:"error,omitempty"`
}

type serviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type usageMetadata struct {
	PromptTokenCount   int64 `json:"promptTokenCount"`
	ResponseTokenCount int64 `json:"responseTokenCount"`
}

// ── instance ───────────────────────────────────────────────────────────────────

type instance struct {
	backend   string
	conn      *websocket.Conn
	mods      modality.Set
	inputMIME string
	rate      int
	target    audio.Target
	log       *slog.Logger

	// Owned by readLoop.
	resampler  *audio.Resampler
	chunker    *audio.Chunker
	callerText strings.Builder
	modelText  strings.Builder
	usage      *usageMetadata

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
	return i.send(ctx, "send audio", realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{
			MIMEType: i.inputMIME,
			Data:     base64.StdEncoding.EncodeToString(audio.SamplesToPCM(f.Samples)),
		}},
	}})
}

// PushText adds a final caller message as a complete user turn. Interim text
// is ignored.
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
	return i.send(ctx, "send text", clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: ev.Content}}}},
		TurnComplete: true,
	}})
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
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return i.conn.Write(ctx, websocket.MessageText, data)
}

func (i *instance) Outputs() <-chan modality.Output { return i.out.Outputs() }

func (i *instance) Err() error { return i.out.Err() }

// Stop lets a model turn in progress complete, then closes the connection.
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
	i.cancel()
	i.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (i *instance) isStopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopped
}

// keepaliveLoop pings the service so idle sessions are not dropped.
func (i *instance) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(i.ctx, keepaliveTimeout)
			if err := i.conn.Ping(pingCtx); err != nil && i.ctx.Err() == nil {
				i.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// readLoop dispatches server messages until the connection ends or a stop
// finds no model turn in progress.
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
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			i.log.Debug("gemini: undecodable message", "err", err)
			continue
		}
		done, err := i.handle(&msg)
		if err != nil || done {
			break
		}
	}
	i.out.Close(failure)
}

// handle processes one message. done reports that a requested stop can now
// complete.
func (i *instance) handle(msg *serverMessage) (done bool, err error) {
	if msg.Error != nil {
		i.log.Warn("gemini: service reported error", "code", msg.Error.Code, "message", msg.Error.Message)
	}
	if msg.UsageMetadata != nil {
		i.usage = msg.UsageMetadata
	}
	sc := msg.ServerContent
	if sc == nil {
		return false, nil
	}

	if sc.Interrupted {
		// Barge-in: whatever was still queued for playback is stale.
		i.resetAudio()
		i.modelText.Reset()
		if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputClear}); err != nil {
			return false, err
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" && i.mods.Has(modality.TextOut) {
		i.callerText.WriteString(sc.InputTranscription.Text)
		if err := i.emitText(modality.RoleCaller, i.callerText.String(), false); err != nil {
			return false, err
		}
	}

	if sc.ModelTurn != nil {
		i.setResponding(true)
		if err := i.finishCallerText(); err != nil {
			return false, err
		}
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				if err := i.emitAudio(p.InlineData.Data); err != nil {
					return false, err
				}
			}
			if p.Text != "" && i.mods.Has(modality.TextOut) {
				i.modelText.WriteString(p.Text)
				if err := i.emitText(modality.RoleAssistant, i.modelText.String(), false); err != nil {
					return false, err
				}
			}
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && i.mods.Has(modality.TextOut) {
		i.modelText.WriteString(sc.OutputTranscription.Text)
		if err := i.emitText(modality.RoleAssistant, i.modelText.String(), false); err != nil {
			return false, err
		}
	}

	if sc.TurnComplete {
		return i.completeTurn()
	}
	return false, nil
}

func (i *instance) completeTurn() (bool, error) {
	if err := i.flushAudio(); err != nil {
		return false, err
	}
	if err := i.finishCallerText(); err != nil {
		return false, err
	}
	if i.modelText.Len() > 0 {
		text := i.modelText.String()
		i.modelText.Reset()
		if err := i.emitText(modality.RoleAssistant, text, true); err != nil {
			return false, err
		}
	}
	if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputCompleted}); err != nil {
		return false, err
	}
	if u := i.usage; u != nil {
		i.usage = nil
		if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputUsage, Usage: []modality.UsageRecord{
			{Name: "input_tokens", Count: u.PromptTokenCount},
			{Name: "output_tokens", Count: u.ResponseTokenCount},
		}}); err != nil {
			return false, err
		}
	}
	i.setResponding(false)
	return i.isStopped(), nil
}

func (i *instance) setResponding(v bool) {
	i.mu.Lock()
	i.responding = v
	i.mu.Unlock()
}

// finishCallerText turns the accumulated input transcription into a final
// caller text once the model starts answering.
func (i *instance) finishCallerText() error {
	if i.callerText.Len() == 0 {
		return nil
	}
	text := i.callerText.String()
	i.callerText.Reset()
	return i.emitText(modality.RoleCaller, text, true)
}

func (i *instance) emitAudio(b64 string) error {
	if !i.mods.Has(modality.AudioOut) || b64 == "" {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		i.log.Debug("gemini: bad audio chunk", "err", err)
		return nil
	}
	samples, err := audio.PCMToSamples(pcm)
	if err != nil {
		return nil
	}
	for _, f := range i.chunker.Push(i.resampler.Process(samples)) {
		if err := i.out.Emit(i.ctx, modality.AudioOutput(f)); err != nil {
			return err
		}
	}
	return nil
}

func (i *instance) flushAudio() error {
	frames := i.chunker.Push(i.resampler.Flush())
	last, ok := i.chunker.Flush()
	if ok {
		frames = append(frames, last)
	}
	i.resetAudio()
	for _, f := range frames {
		if err := i.out.Emit(i.ctx, modality.AudioOutput(f)); err != nil {
			return err
		}
	}
	return nil
}

// resetAudio starts a fresh resampler and frame sequence. Both were
// validated in Start, so construction cannot fail here.
func (i *instance) resetAudio() {
	i.resampler, _ = audio.NewResampler(OutputRate, i.rate)
	i.chunker, _ = audio.NewChunker(i.target)
}

func (i *instance) emitText(role modality.Role, text string, final bool) error {
	return i.out.Emit(i.ctx, modality.TextOutput(modality.TextEvent{
		Role:      role,
		Content:   text,
		Timestamp: time.Now(),
		Final:     final,
	}))
}
