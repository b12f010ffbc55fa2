// Package deepgram provides a streaming transcription [modality.Backend]
// backed by the Deepgram listen WebSocket API.
//
// Caller audio is sent as linear16 PCM at the session rate. Interim results
// are emitted as non-final caller text and superseded by the final result for
// the same span of audio.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
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
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	// keepAliveInterval keeps the stream open across silence; Deepgram closes
	// idle streams after roughly ten seconds.
	keepAliveInterval = 5 * time.Second
)

// Option is a functional option for configuring the Backend.
type Option func(*Backend)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithLanguage sets the default BCP-47 recognition language.
func WithLanguage(language string) Option {
	return func(b *Backend) { b.language = language }
}

// WithEndpoint overrides the listen endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(b *Backend) { b.endpoint = endpoint }
}

// Backend implements modality.Backend for Deepgram.
type Backend struct {
	name     string
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a Deepgram backend. apiKey must be non-empty.
func New(name, apiKey string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	b := &Backend{
		name:     name,
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: defaultEndpoint,
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
		Modalities:  modality.NewSet(modality.AudioIn, modality.TextOut),
		SampleRates: []int{16000, 8000, 24000, 48000},
	}
}

// Start opens a streaming transcription session.
//
// Recognised params: "language" (string) and "keywords" (list of "word" or
// "word:boost" strings).
func (b *Backend) Start(ctx context.Context, cfg modality.Config) (modality.Instance, error) {
	wsURL, err := b.buildURL(cfg)
	if err != nil {
		return nil, &modality.ConfigurationError{Backend: b.name, Reason: err.Error()}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		backend:    b.name,
		conn:       conn,
		out:        modality.NewEmitter(64),
		audio:      make(chan []byte, 256),
		stopping:   make(chan struct{}),
		readerDone: make(chan struct{}),
		ctx:        sessCtx,
		cancel:     cancel,
	}
	go inst.writeLoop()
	go inst.readLoop()
	return inst, nil
}

func (b *Backend) buildURL(cfg modality.Config) (string, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return "", err
	}
	lang := b.language
	if v, ok := cfg.Params["language"].(string); ok && v != "" {
		lang = v
	}

	q := u.Query()
	q.Set("model", b.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")

	if kws, ok := cfg.Params["keywords"].([]any); ok {
		for _, kw := range kws {
			s, ok := kw.(string)
			if !ok {
				return "", fmt.Errorf("keyword %v is not a string", kw)
			}
			q.Add("keywords", s)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── instance ───────────────────────────────────────────────────────────────────

// response is the subset of a Deepgram Results message the backend reads.
type response struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type instance struct {
	backend string
	conn    *websocket.Conn
	out     *modality.Emitter
	audio   chan []byte

	stopping   chan struct{}
	stopOnce   sync.Once
	readerDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	sent atomic.Int64 // audio duration in ns
}

func (i *instance) PushAudio(ctx context.Context, f audio.Frame) error {
	select {
	case <-i.stopping:
		return modality.ErrSessionClosed
	default:
	}
	select {
	case i.audio <- audio.SamplesToPCM(f.Samples):
		i.sent.Add(int64(f.Duration()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-i.stopping:
		return modality.ErrSessionClosed
	case <-i.readerDone:
		return &modality.BackendIOError{Backend: i.backend, Op: "send", Err: errors.New("stream ended")}
	}
}

func (i *instance) PushText(context.Context, modality.TextEvent) error {
	return modality.ErrNotSupported
}

func (i *instance) Outputs() <-chan modality.Output { return i.out.Outputs() }

func (i *instance) Err() error { return i.out.Err() }

// Stop flushes queued audio, asks Deepgram to finalise the stream and waits
// for the remaining results until ctx ends.
func (i *instance) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() { close(i.stopping) })
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

// writeLoop forwards queued audio and keeps the stream alive across silence.
func (i *instance) writeLoop() {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case chunk := <-i.audio:
			if err := i.conn.Write(i.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if err := i.conn.Write(i.ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-i.stopping:
			for {
				select {
				case chunk := <-i.audio:
					if err := i.conn.Write(i.ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					_ = i.conn.Write(i.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		case <-i.readerDone:
			return
		}
	}
}

// readLoop emits transcripts until Deepgram closes the stream.
func (i *instance) readLoop() {
	defer close(i.readerDone)
	var failure error
	for {
		_, msg, err := i.conn.Read(i.ctx)
		if err != nil {
			if !i.stopRequested() {
				failure = &modality.BackendIOError{Backend: i.backend, Op: "receive", Err: err}
			}
			break
		}
		ev, ok := parseResponse(msg)
		if !ok {
			continue
		}
		if err := i.out.Emit(i.ctx, modality.TextOutput(ev)); err != nil {
			break
		}
		if ev.Final {
			_ = i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputCompleted})
		}
	}
	if d := time.Duration(i.sent.Load()); d > 0 {
		_ = i.out.Emit(i.ctx, modality.Output{
			Kind:  modality.OutputUsage,
			Usage: []modality.UsageRecord{{Name: "transcribed_audio", Duration: d}},
		})
	}
	i.out.Close(failure)
}

func (i *instance) stopRequested() bool {
	select {
	case <-i.stopping:
		return true
	default:
		return false
	}
}

// parseResponse turns a Results message with a transcript into caller text.
func parseResponse(data []byte) (modality.TextEvent, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return modality.TextEvent{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return modality.TextEvent{}, false
	}
	text := resp.Channel.Alternatives[0].Transcript
	if text == "" {
		return modality.TextEvent{}, false
	}
	return modality.TextEvent{
		Role:      modality.RoleCaller,
		Content:   text,
		Timestamp: time.Now(),
		Final:     resp.IsFinal,
	}, true
}
