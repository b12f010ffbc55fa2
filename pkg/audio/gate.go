package audio

import (
	"math"
	"time"
)

// envelopeCutoffHz is the low-pass corner of the RMS envelope follower.
const envelopeCutoffHz = 100.0

// SpeechGate attenuates audio whose RMS envelope stays below a threshold.
// The gate opens over the attack time and closes over the release time, so
// word onsets and tails are not clipped. Create one per stream.
type SpeechGate struct {
	threshold float64
	attack    time.Duration
	release   time.Duration

	rate     int
	envCoef  float64
	attCoef  float64
	relCoef  float64
	envelope float64
	gain     float64
}

// NewSpeechGate returns a gate. threshold is an RMS level in [0, 1] relative
// to full scale.
func NewSpeechGate(threshold float64, attack, release time.Duration) *SpeechGate {
	return &SpeechGate{threshold: threshold, attack: attack, release: release}
}

// Open reports whether the gate currently passes more than half the signal.
func (g *SpeechGate) Open() bool { return g.gain > 0.5 }

// Process returns a gated copy of the frame.
func (g *SpeechGate) Process(f Frame) Frame {
	if f.SampleRate != g.rate {
		g.configure(f.SampleRate)
	}
	out := make([]int16, len(f.Samples))
	for i, s := range f.Samples {
		x := float64(s) / 32768
		g.envelope += g.envCoef * (x*x - g.envelope)
		target := 0.0
		if math.Sqrt(g.envelope) > g.threshold {
			target = 1
		}
		coef := g.relCoef
		if target > g.gain {
			coef = g.attCoef
		}
		g.gain += coef * (target - g.gain)
		out[i] = clamp16(float64(s) * g.gain)
	}
	f.Samples = out
	return f
}

func (g *SpeechGate) configure(rate int) {
	g.rate = rate
	if rate <= 0 {
		return
	}
	g.envCoef = 1 - math.Exp(-2*math.Pi*envelopeCutoffHz/float64(rate))
	g.attCoef = smoothing(g.attack, rate)
	g.relCoef = smoothing(g.release, rate)
}

// smoothing returns the one-pole coefficient reaching ~63% of a step after d.
func smoothing(d time.Duration, rate int) float64 {
	n := d.Seconds() * float64(rate)
	if n < 1 {
		return 1
	}
	return 1 - math.Exp(-1/n)
}
