package audio

import (
	"fmt"
	"math"
)

const (
	// zeroCrossings is the number of sinc zero crossings on each side of the
	// kernel centre at full bandwidth.
	zeroCrossings = 16

	// rolloff places the low-pass cutoff slightly below Nyquist of the
	// narrower rate.
	rolloff = 0.95

	// maxPhaseTable bounds the precomputed kernel table; rate pairs with more
	// distinct phases evaluate the kernel per output sample.
	maxPhaseTable = 4096
)

// Resampler converts a mono stream between sample rates with a windowed-sinc
// low-pass interpolator. Output positions are tracked as exact rationals, so
// results are deterministic and independent of how the input is chunked.
//
// A Resampler is stateful and not safe for concurrent use. Feed input with
// [Resampler.Process] and call [Resampler.Flush] once at end of stream.
type Resampler struct {
	srcRate, dstRate int
	num, den         int64 // reduced srcRate/dstRate
	cutoff           float64
	half             int
	table            [][]float64

	buf      []float64
	base     int64 // absolute input index of buf[0]
	consumed int64
	next     int64 // index of the next output sample
	flushed  bool
}

// NewResampler returns a resampler from srcRate to dstRate Hz.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	g := gcd(int64(srcRate), int64(dstRate))
	r := &Resampler{
		srcRate: srcRate,
		dstRate: dstRate,
		num:     int64(srcRate) / g,
		den:     int64(dstRate) / g,
		cutoff:  rolloff * math.Min(1, float64(dstRate)/float64(srcRate)),
	}
	r.half = int(math.Ceil(zeroCrossings / r.cutoff))
	if r.srcRate != r.dstRate && r.den <= maxPhaseTable {
		r.table = make([][]float64, r.den)
		for p := range r.den {
			r.table[p] = r.weights(float64(p) / float64(r.den))
		}
	}
	return r, nil
}

// Passthrough reports whether the resampler leaves samples untouched.
func (r *Resampler) Passthrough() bool { return r.srcRate == r.dstRate }

// Process consumes input samples and returns every output sample whose kernel
// support is fully available. Calling Process after Flush returns nil.
func (r *Resampler) Process(in []int16) []int16 {
	if r.flushed {
		return nil
	}
	if r.Passthrough() {
		return in
	}
	for _, s := range in {
		r.buf = append(r.buf, float64(s))
	}
	r.consumed += int64(len(in))

	var out []int16
	for {
		n0, phase := r.position(r.next)
		if n0+int64(r.half) >= r.consumed {
			break
		}
		out = append(out, r.sample(n0, phase))
		r.next++
	}
	r.trim()
	return out
}

// Flush emits the remaining output, treating input past the end as silence.
// The total output length over the stream is ceil(inputs * dst / src).
func (r *Resampler) Flush() []int16 {
	if r.flushed || r.Passthrough() {
		r.flushed = true
		return nil
	}
	r.flushed = true
	total := (r.consumed*r.den + r.num - 1) / r.num
	var out []int16
	for ; r.next < total; r.next++ {
		n0, phase := r.position(r.next)
		out = append(out, r.sample(n0, phase))
	}
	r.buf = nil
	return out
}

// position returns the integer input index and phase of output sample k.
func (r *Resampler) position(k int64) (int64, int64) {
	x := k * r.num
	return x / r.den, x % r.den
}

func (r *Resampler) sample(n0, phase int64) int16 {
	w := r.lookup(phase)
	var acc float64
	for i, weight := range w {
		n := n0 - int64(r.half) + 1 + int64(i)
		idx := n - r.base
		if idx < 0 || idx >= int64(len(r.buf)) {
			continue
		}
		acc += weight * r.buf[idx]
	}
	return clamp16(acc)
}

func (r *Resampler) lookup(phase int64) []float64 {
	if r.table != nil {
		return r.table[phase]
	}
	return r.weights(float64(phase) / float64(r.den))
}

// weights computes the 2*half kernel taps for fractional offset frac,
// normalized to unity DC gain.
func (r *Resampler) weights(frac float64) []float64 {
	w := make([]float64, 2*r.half)
	var sum float64
	for i := range w {
		j := float64(i - r.half + 1)
		x := frac - j
		w[i] = r.cutoff * sinc(r.cutoff*x) * blackman(x/float64(r.half))
		sum += w[i]
	}
	if sum != 0 {
		for i := range w {
			w[i] /= sum
		}
	}
	return w
}

// trim discards input no longer reachable by any future output sample.
func (r *Resampler) trim() {
	n0, _ := r.position(r.next)
	keep := n0 - int64(r.half) + 1
	drop := keep - r.base
	if drop <= 0 {
		return
	}
	if drop > int64(len(r.buf)) {
		drop = int64(len(r.buf))
	}
	r.buf = append(r.buf[:0], r.buf[drop:]...)
	r.base += drop
}

// Resample converts a complete mono buffer from srcRate to dstRate.
func Resample(samples []int16, srcRate, dstRate int) ([]int16, error) {
	r, err := NewResampler(srcRate, dstRate)
	if err != nil {
		return nil, err
	}
	out := r.Process(samples)
	return append(out, r.Flush()...), nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates the Blackman window on u in [-1, 1].
func blackman(u float64) float64 {
	if u < -1 || u > 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*u) + 0.08*math.Cos(2*math.Pi*u)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
