package audio_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/switchyard/pkg/audio"
)

var canonical = audio.Target{SampleRate: 16000, FrameDuration: 20 * time.Millisecond}

// checkGrid asserts the frame-grid properties every conversion must hold.
func checkGrid(t *testing.T, frames []audio.Frame, target audio.Target) {
	t.Helper()
	size := target.FrameSamples()
	for i, f := range frames {
		if f.SampleRate != target.SampleRate {
			t.Fatalf("frame %d: rate = %d, want %d", i, f.SampleRate, target.SampleRate)
		}
		if f.Seq != uint64(i) {
			t.Fatalf("frame %d: seq = %d, want %d", i, f.Seq, i)
		}
		last := i == len(frames)-1
		if f.Partial && !last {
			t.Fatalf("frame %d: partial frame before end of stream", i)
		}
		if !f.Partial && len(f.Samples) != size {
			t.Fatalf("frame %d: %d samples, want %d", i, len(f.Samples), size)
		}
		if f.Partial && target.Tail == audio.TailPad && len(f.Samples) != size {
			t.Fatalf("padded tail has %d samples, want %d", len(f.Samples), size)
		}
	}
}

func TestPipeline_FrameGrid(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{8000, 16000, 22050, 44100, 48000} {
		for _, channels := range []int{1, 2, 6} {
			for _, tail := range []audio.TailPolicy{audio.TailPad, audio.TailTruncate} {
				t.Run(fmt.Sprintf("%dHz_%dch_%s", rate, channels, tail), func(t *testing.T) {
					t.Parallel()
					target := canonical
					target.Tail = tail

					p, err := audio.NewPipeline(audio.Format{SampleRate: rate, Channels: channels}, target)
					if err != nil {
						t.Fatalf("NewPipeline: %v", err)
					}
					mono := sine(rate*7/10+13, rate, 440, 9000)
					in := interleave(mono, channels)

					var frames []audio.Frame
					// Feed odd-sized writes that split sample groups.
					for pos := 0; pos < len(in); pos += 1001 {
						frames = append(frames, p.Write(in[pos:min(pos+1001, len(in))])...)
					}
					frames = append(frames, p.Close()...)

					if len(frames) == 0 {
						t.Fatal("no frames produced")
					}
					checkGrid(t, frames, target)
				})
			}
		}
	}
}

func TestPipeline_CanonicalInputIsNoOp(t *testing.T) {
	t.Parallel()

	p, err := audio.NewPipeline(audio.Format{SampleRate: 16000, Channels: 1}, canonical)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	size := canonical.FrameSamples()
	in := sine(size*5, 16000, 300, 7000)

	var out []audio.Frame
	for i := range 5 {
		out = append(out, p.Write(in[i*size:(i+1)*size])...)
	}
	out = append(out, p.Close()...)

	if len(out) != 5 {
		t.Fatalf("frames = %d, want 5", len(out))
	}
	for i, f := range out {
		if f.Partial {
			t.Errorf("frame %d unexpectedly partial", i)
		}
		for j, s := range f.Samples {
			if s != in[i*size+j] {
				t.Fatalf("frame %d sample %d = %d, want %d", i, j, s, in[i*size+j])
			}
		}
	}
}

func TestPipeline_UnsupportedChannels(t *testing.T) {
	t.Parallel()

	_, err := audio.NewPipeline(audio.Format{SampleRate: 16000, Channels: audio.MaxChannels + 1}, canonical)
	var ue *audio.UnsupportedFormatError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnsupportedFormatError", err)
	}
}

func TestChunker_TailPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tail     audio.TailPolicy
		wantTail int
	}{
		{audio.TailPad, 320},
		{audio.TailTruncate, 100},
	}
	for _, tt := range tests {
		t.Run(tt.tail.String(), func(t *testing.T) {
			t.Parallel()
			target := canonical
			target.Tail = tt.tail
			c, err := audio.NewChunker(target)
			if err != nil {
				t.Fatalf("NewChunker: %v", err)
			}
			full := c.Push(make([]int16, 420))
			if len(full) != 1 {
				t.Fatalf("full frames = %d, want 1", len(full))
			}
			f, ok := c.Flush()
			if !ok {
				t.Fatal("Flush returned no frame")
			}
			if !f.Partial {
				t.Error("tail frame not marked partial")
			}
			if len(f.Samples) != tt.wantTail {
				t.Errorf("tail samples = %d, want %d", len(f.Samples), tt.wantTail)
			}
			if f.Seq != 1 {
				t.Errorf("tail seq = %d, want 1", f.Seq)
			}
			if f.Timestamp != 20*time.Millisecond {
				t.Errorf("tail timestamp = %s, want 20ms", f.Timestamp)
			}
			if _, ok := c.Flush(); ok {
				t.Error("second Flush produced a frame")
			}
		})
	}
}

func TestParseTailPolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]audio.TailPolicy{"": audio.TailPad, "pad": audio.TailPad, "truncate": audio.TailTruncate} {
		got, err := audio.ParseTailPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseTailPolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := audio.ParseTailPolicy("drop"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()
	f := audio.Frame{Samples: make([]int16, 320), SampleRate: 16000}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration = %s, want 20ms", got)
	}
}

func TestPipeline_SyncKeepsStreamOpen(t *testing.T) {
	t.Parallel()
	target := audio.Target{SampleRate: 16000, FrameDuration: 20 * time.Millisecond, Tail: audio.TailTruncate}
	p, err := audio.NewPipeline(audio.Format{SampleRate: 16000, Channels: 1}, target)
	if err != nil {
		t.Fatal(err)
	}

	if got := p.Write(make([]int16, 480)); len(got) != 1 {
		t.Fatalf("Write(480) = %d frames, want 1", len(got))
	}
	cut := p.Sync()
	if len(cut) != 1 || len(cut[0].Samples) != 160 || !cut[0].Partial || cut[0].Seq != 1 {
		t.Fatalf("Sync = %+v, want one 160-sample partial frame with seq 1", cut)
	}
	if again := p.Sync(); len(again) != 0 {
		t.Errorf("second Sync = %d frames, want none", len(again))
	}

	next := p.Write(make([]int16, 320))
	if len(next) != 1 || next[0].Seq != 2 || next[0].Partial {
		t.Fatalf("write after Sync = %+v, want a full frame with seq 2", next)
	}
	if got := next[0].Timestamp; got != 30*time.Millisecond {
		t.Errorf("timestamp after Sync = %s, want 30ms", got)
	}
}

func TestPipeline_SyncDrainsResampler(t *testing.T) {
	t.Parallel()
	target := audio.Target{SampleRate: 16000, FrameDuration: 20 * time.Millisecond, Tail: audio.TailTruncate}
	p, err := audio.NewPipeline(audio.Format{SampleRate: 24000, Channels: 1}, target)
	if err != nil {
		t.Fatal(err)
	}

	var out int
	for _, f := range p.Write(make([]int16, 720)) { // 30ms at 24 kHz
		out += len(f.Samples)
	}
	for _, f := range p.Sync() {
		out += len(f.Samples)
	}
	if out != 480 {
		t.Errorf("samples after Sync = %d, want all 480 of the 30ms written", out)
	}
	out = 0
	for _, f := range p.Write(make([]int16, 480)) {
		out += len(f.Samples)
	}
	for _, f := range p.Close() {
		out += len(f.Samples)
	}
	if out != 320 {
		t.Errorf("samples written after Sync = %d, want 320", out)
	}
}

func TestChunker_CutThenFlush(t *testing.T) {
	t.Parallel()
	c, err := audio.NewChunker(audio.Target{SampleRate: 8000, FrameDuration: 20 * time.Millisecond, Tail: audio.TailPad})
	if err != nil {
		t.Fatal(err)
	}
	c.Push(make([]int16, 100))
	f, ok := c.Cut()
	if !ok || len(f.Samples) != 160 || !f.Partial {
		t.Fatalf("Cut = %d samples, ok %v; want a padded 160-sample frame", len(f.Samples), ok)
	}
	if frames := c.Push(make([]int16, 160)); len(frames) != 1 || frames[0].Seq != 1 {
		t.Fatalf("Push after Cut = %+v", frames)
	}
	if _, ok := c.Flush(); ok {
		t.Error("Flush with nothing pending reported a frame")
	}
	if frames := c.Push(make([]int16, 160)); frames != nil {
		t.Error("Push after Flush produced frames")
	}
}
