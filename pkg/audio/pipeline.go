package audio

import (
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
)

// readBlock is the number of sample groups read from a [Source] per step.
const readBlock = 4096

// Pipeline converts an interleaved stream in a fixed source format to
// canonical frames: downmix, resample, then chunk. It is the live-stream
// entry point; use [Frames] for finite sources.
//
// Create one per stream; not designed for shared use across goroutines.
type Pipeline struct {
	src     Format
	target  Target
	rs      *Resampler
	chunker *Chunker

	// carry holds an incomplete interleaved sample group between writes.
	carry []int16

	warnedMismatch sync.Once
}

// NewPipeline validates src and target and returns a ready pipeline.
func NewPipeline(src Format, target Target) (*Pipeline, error) {
	if err := src.Validate(src.String()); err != nil {
		return nil, err
	}
	ch, err := NewChunker(target)
	if err != nil {
		return nil, err
	}
	rs, err := NewResampler(src.SampleRate, target.SampleRate)
	if err != nil {
		return nil, err
	}
	return &Pipeline{src: src, target: target, rs: rs, chunker: ch}, nil
}

// Source returns the input format.
func (p *Pipeline) Source() Format { return p.src }

// Target returns the output format.
func (p *Pipeline) Target() Target { return p.target }

// Write converts interleaved samples and returns every full frame now
// available. Sample groups split across writes are reassembled.
func (p *Pipeline) Write(interleaved []int16) []Frame {
	if len(interleaved) == 0 {
		return nil
	}
	if p.src.SampleRate != p.target.SampleRate || p.src.Channels != 1 {
		p.warnedMismatch.Do(func() {
			slog.Debug("audio pipeline: converting",
				"from", p.src.String(),
				"to", formatString(p.target.SampleRate, 1),
			)
		})
	}

	in := interleaved
	if ch := p.src.Channels; ch > 1 {
		if len(p.carry) > 0 {
			in = append(append([]int16(nil), p.carry...), interleaved...)
			p.carry = nil
		}
		if rem := len(in) % ch; rem != 0 {
			p.carry = append(p.carry, in[len(in)-rem:]...)
			in = in[:len(in)-rem]
		}
		in = Downmix(in, ch)
	}
	return p.chunker.Push(p.rs.Process(in))
}

// Close flushes the resampler and emits the terminal frame, if any. An
// incomplete trailing sample group is discarded.
func (p *Pipeline) Close() []Frame {
	frames := p.chunker.Push(p.rs.Flush())
	if f, ok := p.chunker.Flush(); ok {
		frames = append(frames, f)
	}
	p.carry = nil
	return frames
}

// Sync emits everything written so far without closing the pipeline: the
// resampler's held-back output and the pending partial frame, shaped by the
// tail policy. Frame sequence numbers continue across the cut.
func (p *Pipeline) Sync() []Frame {
	frames := p.chunker.Push(p.rs.Flush())
	// Flush ends a resampler; the next write starts a fresh one.
	if rs, err := NewResampler(p.src.SampleRate, p.target.SampleRate); err == nil {
		p.rs = rs
	}
	if f, ok := p.chunker.Cut(); ok {
		frames = append(frames, f)
	}
	return frames
}

// Frames lazily converts a finite source into canonical frames. Conversion
// stops at the first error, which is yielded once as a [*DecodeError] or
// [*UnsupportedFormatError] naming source. A source that yields no samples is
// a decode error.
func Frames(source string, src Source, target Target) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		format := src.Format()
		if err := format.Validate(source); err != nil {
			yield(Frame{}, err)
			return
		}
		p, err := NewPipeline(format, target)
		if err != nil {
			yield(Frame{}, err)
			return
		}

		buf := make([]int16, readBlock*format.Channels)
		total := 0
		for {
			n, err := src.ReadSamples(buf)
			if n > 0 {
				total += n
				for _, f := range p.Write(buf[:n]) {
					if !yield(f, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Frame{}, asDecodeError(source, err))
				return
			}
		}
		if total == 0 {
			yield(Frame{}, &DecodeError{Source: source, Err: errors.New("no audio samples")})
			return
		}
		for _, f := range p.Close() {
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Collect drains a frame sequence, returning the frames produced before the
// first error.
func Collect(seq iter.Seq2[Frame, error]) ([]Frame, error) {
	var frames []Frame
	for f, err := range seq {
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func asDecodeError(source string, err error) error {
	var de *DecodeError
	var ue *UnsupportedFormatError
	if errors.As(err, &de) || errors.As(err, &ue) {
		return err
	}
	return &DecodeError{Source: source, Err: err}
}
