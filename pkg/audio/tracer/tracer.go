// Package tracer captures audio frames in memory and writes them to a 16-bit
// mono WAV file on Close. It is used to dump the inbound and outbound audio of
// a session for offline inspection.
package tracer

import (
	"errors"
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/switchyard/pkg/audio"
)

// Tracer collects frames for one stream. All methods are safe for concurrent
// use. The sample rate of the first captured frame determines the file
// format; later frames at other rates are skipped.
type Tracer struct {
	path string

	mu      sync.Mutex
	rate    int
	samples []int
	skipped int
	closed  bool
}

// New returns a tracer that writes to path on Close.
func New(path string) *Tracer {
	return &Tracer{path: path}
}

// Path returns the output file path.
func (t *Tracer) Path() string { return t.path }

// Capture appends a frame's samples.
func (t *Tracer) Capture(f audio.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.rate == 0 {
		t.rate = f.SampleRate
	}
	if f.SampleRate != t.rate {
		t.skipped++
		return
	}
	for _, s := range f.Samples {
		t.samples = append(t.samples, int(s))
	}
}

// Close writes the captured audio. Nothing is written if no frame was
// captured. Close is idempotent.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if len(t.samples) == 0 {
		return nil
	}

	f, err := os.Create(t.path)
	if err != nil {
		return fmt.Errorf("tracer: create %s: %w", t.path, err)
	}
	enc := wav.NewEncoder(f, t.rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: t.rate},
		Data:           t.samples,
		SourceBitDepth: 16,
	}
	werr := enc.Write(buf)
	cerr := enc.Close()
	ferr := f.Close()
	t.samples = nil
	if err := errors.Join(werr, cerr, ferr); err != nil {
		return fmt.Errorf("tracer: write %s: %w", t.path, err)
	}
	return nil
}
