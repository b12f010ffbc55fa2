// Package mock provides test doubles for the modality package interfaces.
//
// Use Backend to verify Start calls and hand out controllable instances. Use
// Instance to feed outputs into a session and inspect what it pushed.
//
// Example:
//
//	inst := mock.NewInstance()
//	b := &mock.Backend{BackendName: "fake", Caps: caps, Instance: inst}
//	inst.Send(modality.TextOutput(ev))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// StartCall records a single invocation of Backend.Start.
type StartCall struct {
	// Cfg is the Config passed to Start.
	Cfg modality.Config
}

// Backend is a mock implementation of modality.Backend.
type Backend struct {
	mu sync.Mutex

	// BackendName is returned by Name.
	BackendName string

	// Caps is returned by Capabilities.
	Caps modality.Capabilities

	// Instance is returned by Start. If nil, Start returns a fresh Instance.
	Instance *Instance

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls records every call to Start in order.
	StartCalls []StartCall

	// Started records every instance handed out.
	Started []*Instance
}

// Name returns BackendName.
func (b *Backend) Name() string { return b.BackendName }

// Capabilities returns Caps.
func (b *Backend) Capabilities() modality.Capabilities { return b.Caps }

// Start records the call and returns Instance, StartErr.
func (b *Backend) Start(_ context.Context, cfg modality.Config) (modality.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StartCalls = append(b.StartCalls, StartCall{Cfg: cfg})
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	inst := b.Instance
	if inst == nil {
		inst = NewInstance()
	}
	b.Started = append(b.Started, inst)
	return inst, nil
}

// Calls returns a copy of the recorded Start calls. Thread-safe.
func (b *Backend) Calls() []StartCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StartCall(nil), b.StartCalls...)
}

// Instances returns the instances handed out so far. Thread-safe.
func (b *Backend) Instances() []*Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Instance(nil), b.Started...)
}

// Ensure Backend implements modality.Backend at compile time.
var _ modality.Backend = (*Backend)(nil)

// Instance is a mock implementation of modality.Instance and
// modality.EventSink.
type Instance struct {
	mu sync.Mutex

	// PushErr, if non-nil, is returned by every push.
	PushErr error

	// Gate, if non-nil, makes PushAudio block until a value is received from
	// it or ctx ends.
	Gate chan struct{}

	audio     []audio.Frame
	texts     []modality.TextEvent
	events    []modality.Event
	stopCalls int
	closed    bool

	out *modality.Emitter
}

// NewInstance returns an instance whose output stream buffers 256 items.
func NewInstance() *Instance {
	return &Instance{out: modality.NewEmitter(256)}
}

// Send queues an output. It is a no-op after Stop or Fail.
func (i *Instance) Send(o modality.Output) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	_ = i.out.Emit(context.Background(), o)
}

// Fail ends the output stream with err.
func (i *Instance) Fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.out.Close(err)
}

// PushAudio records f.
func (i *Instance) PushAudio(ctx context.Context, f audio.Frame) error {
	if i.Gate != nil {
		select {
		case <-i.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.PushErr != nil {
		return i.PushErr
	}
	if i.closed {
		return modality.ErrSessionClosed
	}
	i.audio = append(i.audio, f)
	return nil
}

// PushText records ev.
func (i *Instance) PushText(_ context.Context, ev modality.TextEvent) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.PushErr != nil {
		return i.PushErr
	}
	if i.closed {
		return modality.ErrSessionClosed
	}
	i.texts = append(i.texts, ev)
	return nil
}

// PushEvent records ev.
func (i *Instance) PushEvent(_ context.Context, ev modality.Event) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return modality.ErrSessionClosed
	}
	i.events = append(i.events, ev)
	return nil
}

// Outputs returns the output stream.
func (i *Instance) Outputs() <-chan modality.Output { return i.out.Outputs() }

// Err returns the error passed to Fail.
func (i *Instance) Err() error { return i.out.Err() }

// Stop counts the call and closes the output stream cleanly.
func (i *Instance) Stop(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopCalls++
	if !i.closed {
		i.closed = true
		i.out.Close(nil)
	}
	return nil
}

// Audio returns a copy of the pushed frames. Thread-safe.
func (i *Instance) Audio() []audio.Frame {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]audio.Frame(nil), i.audio...)
}

// Texts returns a copy of the pushed text events. Thread-safe.
func (i *Instance) Texts() []modality.TextEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]modality.TextEvent(nil), i.texts...)
}

// Events returns a copy of the pushed out-of-band events. Thread-safe.
func (i *Instance) Events() []modality.Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]modality.Event(nil), i.events...)
}

// StopCalls returns how many times Stop was called. Thread-safe.
func (i *Instance) StopCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopCalls
}

// Ensure Instance implements the modality interfaces at compile time.
var (
	_ modality.Instance  = (*Instance)(nil)
	_ modality.EventSink = (*Instance)(nil)
)
