package audio

// Chunker slices a continuous mono stream into fixed-size frames. Sequence
// numbers start at zero and increase by one per emitted frame. Create one per
// stream; not designed for shared use across goroutines.
type Chunker struct {
	rate    int
	size    int
	tail    TailPolicy
	pending []int16
	seq     uint64
	emitted int64 // samples already placed in frames
	closed  bool
}

// NewChunker returns a chunker producing frames for target.
func NewChunker(target Target) (*Chunker, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		rate: target.SampleRate,
		size: target.FrameSamples(),
		tail: target.Tail,
	}, nil
}

// FrameSamples returns the number of samples in one full frame.
func (c *Chunker) FrameSamples() int { return c.size }

// Push appends samples and returns every full frame now available.
func (c *Chunker) Push(samples []int16) []Frame {
	if c.closed || len(samples) == 0 {
		return nil
	}
	c.pending = append(c.pending, samples...)
	var frames []Frame
	for len(c.pending) >= c.size {
		buf := make([]int16, c.size)
		copy(buf, c.pending)
		frames = append(frames, c.frame(buf, false))
		c.pending = c.pending[c.size:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return frames
}

// Flush emits the final partial frame, padded or truncated per the tail
// policy. It returns false when no samples were pending. Further pushes are
// ignored.
func (c *Chunker) Flush() (Frame, bool) {
	c.closed = true
	return c.Cut()
}

// Cut emits the pending partial frame like [Chunker.Flush] but keeps the
// chunker open. The next frame starts a fresh frame boundary.
func (c *Chunker) Cut() (Frame, bool) {
	if len(c.pending) == 0 {
		return Frame{}, false
	}
	buf := c.pending
	if c.tail == TailPad {
		buf = make([]int16, c.size)
		copy(buf, c.pending)
	}
	c.pending = nil
	return c.frame(buf, true), true
}

func (c *Chunker) frame(samples []int16, partial bool) Frame {
	f := Frame{
		Samples:    samples,
		SampleRate: c.rate,
		Seq:        c.seq,
		Timestamp:  SamplesDuration(int(c.emitted), c.rate),
		Partial:    partial,
	}
	c.seq++
	c.emitted += int64(len(samples))
	return f
}
