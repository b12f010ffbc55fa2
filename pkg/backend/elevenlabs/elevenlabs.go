// Package elevenlabs provides a text-to-speech [modality.Backend] backed by
// the ElevenLabs streaming WebSocket API.
//
// Every final caller text becomes one synthesis stream. Streams run one at a
// time in arrival order, so replies are never interleaved. PCM is requested
// directly at the session rate and re-framed to the canonical frame size.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

var (
	_ modality.Backend  = (*Backend)(nil)
	_ modality.Instance = (*instance)(nil)
)

const (
	defaultModel   = "eleven_flash_v2_5"
	defaultBaseURL = "wss://api.elevenlabs.io"

	// queueDepth bounds texts waiting for synthesis.
	queueDepth = 16
)

// SampleRates lists the PCM output rates the service can produce.
var SampleRates = []int{8000, 16000, 22050, 24000, 44100}

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithBaseURL overrides the WebSocket origin, e.g. for a local mock server.
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

// WithVoiceSettings sets stability and similarity boost, both in [0, 1].
func WithVoiceSettings(stability, similarity float64) Option {
	return func(b *Backend) {
		b.settings = voiceSettings{Stability: stability, SimilarityBoost: similarity}
	}
}

// Backend implements modality.Backend for ElevenLabs speech synthesis.
type Backend struct {
	name     string
	apiKey   string
	voiceID  string
	model    string
	baseURL  string
	settings voiceSettings
}

// New creates an ElevenLabs backend speaking with voiceID. apiKey and
// voiceID must be non-empty.
func New(name, apiKey, voiceID string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}
	b := &Backend{
		name:     name,
		apiKey:   apiKey,
		voiceID:  voiceID,
		model:    defaultModel,
		baseURL:  defaultBaseURL,
		settings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name implements modality.Backend.
func (b *Backend) Name() string { return b.name }

// Capabilities implements modality.Backend.
func (b *Backend) Capabilities() modality.Capabilities {
	return modality.Capabilities{
		Modalities:  modality.NewSet(modality.TextIn, modality.AudioOut),
		SampleRates: SampleRates,
	}
}

// Start prepares a synthesis worker. No connection is held between
// utterances, so Start never dials.
//
// Recognised params: "voice" (string) overrides the voice ID.
func (b *Backend) Start(_ context.Context, cfg modality.Config) (modality.Instance, error) {
	target := audio.Target{SampleRate: cfg.SampleRate, FrameDuration: cfg.FrameDuration, Tail: audio.TailTruncate}
	if target.FrameDuration <= 0 {
		target.FrameDuration = audio.DefaultFrameDuration
	}
	if _, err := audio.NewChunker(target); err != nil {
		return nil, &modality.ConfigurationError{Backend: b.name, Reason: err.Error()}
	}

	voice := b.voiceID
	if v, ok := cfg.Params["voice"].(string); ok && v != "" {
		voice = v
	}
	q := url.Values{}
	q.Set("model_id", b.model)
	q.Set("output_format", fmt.Sprintf("pcm_%d", cfg.SampleRate))

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		backend:  b.name,
		apiKey:   b.apiKey,
		url:      fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", b.baseURL, url.PathEscape(voice), q.Encode()),
		settings: b.settings,
		target:   target,
		queue:    make(chan string, queueDepth),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		out:      modality.NewEmitter(128),
		ctx:      ctx,
		cancel:   cancel,
		log:      slog.With("backend", b.name, "session_id", cfg.SessionID),
	}
	go inst.run()
	return inst, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// textMessage carries one text fragment. The first message of a stream must
// be a single space and carries the voice settings; an empty text ends the
// stream.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"` // base64 PCM16 LE
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ── instance ───────────────────────────────────────────────────────────────────

type instance struct {
	backend  string
	apiKey   string
	url      string
	settings voiceSettings
	target   audio.Target
	log      *slog.Logger

	queue    chan string
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	out    *modality.Emitter
	ctx    context.Context
	cancel context.CancelFunc
}

func (i *instance) PushAudio(context.Context, audio.Frame) error {
	return modality.ErrNotSupported
}

// PushText queues a final text for synthesis. Interim text is ignored.
func (i *instance) PushText(ctx context.Context, ev modality.TextEvent) error {
	select {
	case <-i.stopping:
		return modality.ErrSessionClosed
	default:
	}
	if !ev.Final || ev.Content == "" {
		return nil
	}
	select {
	case i.queue <- ev.Content:
		return nil
	case <-i.stopping:
		return modality.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *instance) Outputs() <-chan modality.Output { return i.out.Outputs() }

func (i *instance) Err() error { return i.out.Err() }

// Stop finishes the utterances already queued, then ends the stream. When
// ctx expires first, synthesis is cut off.
func (i *instance) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() { close(i.stopping) })
	select {
	case <-i.done:
	case <-ctx.Done():
		i.out.Abort()
		i.cancel()
		<-i.done
	}
	i.cancel()
	return nil
}

func (i *instance) run() {
	defer close(i.done)
	var failure error
	defer func() { i.out.Close(failure) }()

	for {
		select {
		case text := <-i.queue:
			if failure = i.speak(text); failure != nil {
				return
			}
		case <-i.stopping:
			// Drain what was accepted before the stop.
			for {
				select {
				case text := <-i.queue:
					if failure = i.speak(text); failure != nil {
						return
					}
				default:
					return
				}
			}
		case <-i.ctx.Done():
			return
		}
	}
}

// speak synthesizes one utterance and emits its audio followed by a
// completed signal and a character usage record.
func (i *instance) speak(text string) error {
	if i.ctx.Err() != nil {
		return nil
	}
	conn, _, err := websocket.Dial(i.ctx, i.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{i.apiKey}},
	})
	if err != nil {
		if i.ctx.Err() != nil {
			return nil
		}
		return &modality.BackendIOError{Backend: i.backend, Op: "dial", Err: err}
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 22)

	for _, m := range []textMessage{
		{Text: " ", VoiceSettings: &i.settings},
		{Text: text + " "},
		{Text: ""},
	} {
		data, _ := json.Marshal(m)
		if err := conn.Write(i.ctx, websocket.MessageText, data); err != nil {
			if i.ctx.Err() != nil {
				return nil
			}
			return &modality.BackendIOError{Backend: i.backend, Op: "send text", Err: err}
		}
	}

	chunker, _ := audio.NewChunker(i.target)
	for {
		_, data, err := conn.Read(i.ctx)
		if err != nil {
			if i.ctx.Err() != nil {
				return nil
			}
			return &modality.BackendIOError{Backend: i.backend, Op: "receive", Err: err}
		}
		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			i.log.Debug("elevenlabs: undecodable message", "err", err)
			continue
		}
		if resp.Error != "" {
			return &modality.BackendIOError{Backend: i.backend, Op: "synthesize", Err: errors.New(resp.Error)}
		}
		if resp.Audio != "" {
			if err := i.emitPCM(chunker, resp.Audio); err != nil {
				return nil
			}
		}
		if resp.IsFinal {
			break
		}
	}

	if last, ok := chunker.Flush(); ok {
		if err := i.out.Emit(i.ctx, modality.AudioOutput(last)); err != nil {
			return nil
		}
	}
	if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputCompleted}); err != nil {
		return nil
	}
	_ = i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputUsage, Usage: []modality.UsageRecord{
		{Name: "characters", Count: int64(utf8.RuneCountInString(text))},
	}})
	return nil
}

func (i *instance) emitPCM(chunker *audio.Chunker, b64 string) error {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		i.log.Debug("elevenlabs: bad audio chunk", "err", err)
		return nil
	}
	samples, err := audio.PCMToSamples(pcm)
	if err != nil {
		i.log.Debug("elevenlabs: odd-length audio chunk", "err", err)
		return nil
	}
	for _, f := range chunker.Push(samples) {
		if err := i.out.Emit(i.ctx, modality.AudioOutput(f)); err != nil {
			return err
		}
	}
	return nil
}
