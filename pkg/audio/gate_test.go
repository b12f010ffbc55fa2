package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/switchyard/pkg/audio"
)

func TestSpeechGate(t *testing.T) {
	t.Parallel()

	g := audio.NewSpeechGate(0.02, 5*time.Millisecond, 50*time.Millisecond)

	quiet := audio.Frame{Samples: sine(1600, 16000, 300, 100), SampleRate: 16000}
	out := g.Process(quiet)
	for i, s := range out.Samples {
		if s > 20 || s < -20 {
			t.Fatalf("quiet sample %d = %d, want attenuated", i, s)
		}
	}
	if g.Open() {
		t.Error("gate open on quiet input")
	}

	loud := audio.Frame{Samples: sine(3200, 16000, 300, 12000), SampleRate: 16000}
	out = g.Process(loud)
	if !g.Open() {
		t.Fatal("gate closed on loud input")
	}
	var peak int16
	for _, s := range out.Samples[1600:] {
		peak = max(peak, s)
	}
	if peak < 11000 {
		t.Errorf("peak after attack = %d, want near 12000", peak)
	}
}
