// Package echo implements a loopback [modality.Backend].
//
// Caller audio is played back after a configurable delay and caller text is
// answered with the same text, optionally prefixed. DTMF digits come back as
// assistant text. The backend needs no external service, which makes it the
// default for local testing and for probing a deployment end to end.
package echo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

var (
	_ modality.Backend   = (*Backend)(nil)
	_ modality.Instance  = (*instance)(nil)
	_ modality.EventSink = (*instance)(nil)
)

// inputBuffer bounds the items waiting for their echo delay.
const inputBuffer = 256

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Backend.
type Option func(*Backend)

// WithDelay holds every frame back for d before playing it back.
func WithDelay(d time.Duration) Option {
	return func(b *Backend) { b.delay = d }
}

// WithPrefix prepends prefix to echoed text.
func WithPrefix(prefix string) Option {
	return func(b *Backend) { b.prefix = prefix }
}

// WithSampleRates restricts the rates the backend accepts. By default any
// rate is accepted.
func WithSampleRates(rates ...int) Option {
	return func(b *Backend) { b.rates = rates }
}

// ── Backend ────────────────────────────────────────────────────────────────────

// Backend is the loopback backend.
type Backend struct {
	name   string
	delay  time.Duration
	prefix string
	rates  []int
}

// New returns a loopback backend registered under name.
func New(name string, opts ...Option) *Backend {
	b := &Backend{name: name}
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
		SampleRates: b.rates,
	}
}

// Start implements modality.Backend.
func (b *Backend) Start(_ context.Context, cfg modality.Config) (modality.Instance, error) {
	inst := &instance{
		backend: b,
		mods:    cfg.Modalities,
		in:      make(chan item, inputBuffer),
		out:     modality.NewEmitter(inputBuffer),
		done:    make(chan struct{}),
	}
	go inst.loop()
	return inst, nil
}

// ── instance ───────────────────────────────────────────────────────────────────

type item struct {
	at    time.Time
	frame audio.Frame
	text  string
	audio bool
}

type instance struct {
	backend *Backend
	mods    modality.Set

	mu     sync.Mutex
	in     chan item
	closed bool

	out  *modality.Emitter
	done chan struct{}

	echoed time.Duration
}

func (i *instance) PushAudio(ctx context.Context, f audio.Frame) error {
	if !i.mods.Has(modality.AudioIn) {
		return modality.ErrNotSupported
	}
	return i.push(ctx, item{at: time.Now(), frame: f, audio: true})
}

func (i *instance) PushText(ctx context.Context, ev modality.TextEvent) error {
	if !i.mods.Has(modality.TextIn) {
		return modality.ErrNotSupported
	}
	if !ev.Final {
		return nil
	}
	return i.push(ctx, item{at: time.Now(), text: i.backend.prefix + ev.Content})
}

func (i *instance) PushEvent(ctx context.Context, ev modality.Event) error {
	return i.push(ctx, item{at: time.Now(), text: fmt.Sprintf("%s %s", ev.Kind, ev.Value)})
}

// push holds the lock while sending so Stop cannot close in underneath it;
// a full buffer therefore also delays Stop until ctx ends.
func (i *instance) push(ctx context.Context, it item) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return modality.ErrSessionClosed
	}
	select {
	case i.in <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *instance) Outputs() <-chan modality.Output { return i.out.Outputs() }

func (i *instance) Err() error { return i.out.Err() }

func (i *instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.in)
	}
	i.mu.Unlock()

	select {
	case <-i.done:
	case <-ctx.Done():
		i.out.Abort()
		<-i.done
	}
	return nil
}

// loop plays items back in arrival order once their delay has passed.
func (i *instance) loop() {
	defer close(i.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for it := range i.in {
		if wait := time.Until(it.at.Add(i.backend.delay)); wait > 0 {
			timer.Reset(wait)
			<-timer.C
		}
		if err := i.emit(ctx, it); err != nil {
			// Aborted; discard the rest without delay.
			for range i.in {
			}
			break
		}
	}
	if i.echoed > 0 {
		_ = i.out.Emit(ctx, modality.Output{
			Kind:  modality.OutputUsage,
			Usage: []modality.UsageRecord{{Name: "audio_echoed", Duration: i.echoed}},
		})
	}
	i.out.Close(nil)
}

func (i *instance) emit(ctx context.Context, it item) error {
	if it.audio {
		if !i.mods.Has(modality.AudioOut) {
			return nil
		}
		i.echoed += it.frame.Duration()
		f := it.frame
		f.Samples = append([]int16(nil), f.Samples...)
		return i.out.Emit(ctx, modality.AudioOutput(f))
	}
	if !i.mods.Has(modality.TextOut) {
		return nil
	}
	if err := i.out.Emit(ctx, modality.TextOutput(modality.TextEvent{
		Role:      modality.RoleAssistant,
		Content:   it.text,
		Timestamp: time.Now(),
		Final:     true,
	})); err != nil {
		return err
	}
	return i.out.Emit(ctx, modality.Output{Kind: modality.OutputCompleted})
}
