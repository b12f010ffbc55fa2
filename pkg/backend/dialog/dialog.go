// Package dialog implements a text [modality.Backend] that answers caller
// text with a language model.
//
// Each session keeps a rolling [History]. Final caller text starts a turn;
// the reply streams out as interim assistant text followed by the final
// text, a completed marker and a usage record. Turns are answered one at a
// time in arrival order.
//
// The model is reached through a [Completer]: [OpenAI] uses the official
// openai-go client, [AnyLLM] covers Anthropic, Gemini, Ollama and others.
package dialog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

var (
	_ modality.Backend  = (*Backend)(nil)
	_ modality.Instance = (*instance)(nil)
)

const (
	turnQueue            = 16
	defaultHistoryBudget = 8000
)

// Option configures a Backend.
type Option func(*Backend)

// WithInstructions sets the system prompt. Sessions may override it with
// the "instructions" param.
func WithInstructions(s string) Option {
	return func(b *Backend) { b.instructions = s }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(b *Backend) { b.temperature = t }
}

// WithMaxTokens caps each reply.
func WithMaxTokens(n int) Option {
	return func(b *Backend) { b.maxTokens = n }
}

// WithHistoryBudget sets the estimated token count at which the history is
// summarised. Zero or less disables compaction.
func WithHistoryBudget(tokens int) Option {
	return func(b *Backend) { b.historyBudget = tokens }
}

// Backend answers caller text through a Completer.
type Backend struct {
	name          string
	completer     Completer
	instructions  string
	temperature   float64
	maxTokens     int
	historyBudget int
}

// New returns a dialog backend using c.
func New(name string, c Completer, opts ...Option) *Backend {
	b := &Backend{name: name, completer: c, historyBudget: defaultHistoryBudget}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name implements modality.Backend.
func (b *Backend) Name() string { return b.name }

// Capabilities implements modality.Backend. Text sessions carry no audio, so
// any sample rate is accepted.
func (b *Backend) Capabilities() modality.Capabilities {
	return modality.Capabilities{Modalities: modality.NewSet(modality.TextIn, modality.TextOut)}
}

// Start implements modality.Backend.
func (b *Backend) Start(_ context.Context, cfg modality.Config) (modality.Instance, error) {
	system := b.instructions
	if v, ok := cfg.Params["instructions"].(string); ok && v != "" {
		system = v
	}
	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		backend: b,
		system:  system,
		history: NewHistory(b.historyBudget, Summariser(b.completer)),
		turns:   make(chan string, turnQueue),
		out:     modality.NewEmitter(64),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		log:     slog.With("backend", b.name, "session_id", cfg.SessionID),
	}
	go inst.loop()
	return inst, nil
}

type instance struct {
	backend *Backend
	system  string
	history *History
	log     *slog.Logger

	mu     sync.Mutex
	turns  chan string
	closed bool

	out  *modality.Emitter
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (i *instance) PushAudio(context.Context, audio.Frame) error {
	return modality.ErrNotSupported
}

// PushText queues final caller text as a turn. Interim text is ignored.
func (i *instance) PushText(ctx context.Context, ev modality.TextEvent) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return modality.ErrSessionClosed
	}
	if !ev.Final || ev.Content == "" {
		return nil
	}
	select {
	case i.turns <- ev.Content:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return &modality.BackendIOError{Backend: i.backend.name, Op: "push", Err: errors.New("dialog ended")}
	}
}

func (i *instance) Outputs() <-chan modality.Output { return i.out.Outputs() }

func (i *instance) Err() error { return i.out.Err() }

// Stop answers the queued turns, then ends the stream. When ctx ends first
// the reply in progress is cancelled.
func (i *instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.turns)
	}
	i.mu.Unlock()

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

func (i *instance) loop() {
	defer close(i.done)
	for text := range i.turns {
		if err := i.turn(text); err != nil {
			var be *modality.BackendIOError
			if errors.As(err, &be) {
				i.out.Close(err)
			} else {
				i.out.Close(nil)
			}
			// Unblock and discard anything still queued.
			go func() {
				for range i.turns {
				}
			}()
			return
		}
	}
	i.out.Close(nil)
}

// turn answers one caller message. It returns a *BackendIOError when the
// model fails and the emitter's error once the consumer is gone.
func (i *instance) turn(text string) error {
	if err := i.history.Add(i.ctx, Message{Role: "user", Content: text}); err != nil {
		i.log.Warn("dialog: history summary failed; dropped oldest turns", "err", err)
	}
	started := time.Now()
	ch, err := i.backend.completer.Stream(i.ctx, Request{
		System:      i.system,
		Messages:    i.history.Messages(),
		Temperature: i.backend.temperature,
		MaxTokens:   i.backend.maxTokens,
	})
	if err != nil {
		return &modality.BackendIOError{Backend: i.backend.name, Op: "complete", Err: err}
	}

	var reply string
	var usage *Usage
	for chunk := range ch {
		if chunk.Err != nil {
			return &modality.BackendIOError{Backend: i.backend.name, Op: "complete", Err: chunk.Err}
		}
		if chunk.Done {
			usage = chunk.Usage
			continue
		}
		reply += chunk.Text
		if err := i.emitText(reply, false); err != nil {
			return err
		}
	}
	if err := i.ctx.Err(); err != nil {
		return err
	}

	if err := i.emitText(reply, true); err != nil {
		return err
	}
	if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputCompleted}); err != nil {
		return err
	}
	records := []modality.UsageRecord{{Name: "dialog_turns", Count: 1, Duration: time.Since(started)}}
	if usage != nil {
		records = append(records,
			modality.UsageRecord{Name: "input_tokens", Count: usage.PromptTokens},
			modality.UsageRecord{Name: "output_tokens", Count: usage.CompletionTokens},
		)
	}
	if err := i.out.Emit(i.ctx, modality.Output{Kind: modality.OutputUsage, Usage: records}); err != nil {
		return err
	}
	if err := i.history.Add(i.ctx, Message{Role: "assistant", Content: reply}); err != nil {
		i.log.Warn("dialog: history summary failed; dropped oldest turns", "err", err)
	}
	return nil
}

func (i *instance) emitText(text string, final bool) error {
	return i.out.Emit(i.ctx, modality.TextOutput(modality.TextEvent{
		Role:      modality.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
		Final:     final,
	}))
}
