package audio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Source is a decoded, interleaved 16-bit PCM stream.
type Source interface {
	// Format reports the interleaved layout of the samples.
	Format() Format

	// ReadSamples fills buf with interleaved samples. It returns io.EOF once
	// the stream is exhausted.
	ReadSamples(buf []int16) (int, error)
}

// FileSource is a [Source] backed by an open file.
type FileSource struct {
	Source
	f *os.File
}

// Close releases the underlying file.
func (s *FileSource) Close() error { return s.f.Close() }

// OpenFile opens and sniffs an audio file. WAV and MP3 are detected from
// content; .raw, .pcm and .l16 files are read as 16 kHz mono L16.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Source: path, Err: err}
	}
	src, err := Open(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileSource{Source: src, f: f}, nil
}

// Open sniffs r and returns a decoder for its container. name is used for
// error reporting and as an extension hint when the content is ambiguous.
func Open(name string, r io.ReadSeeker) (Source, error) {
	head := make([]byte, 12)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Source: name, Err: err}
	}
	head = head[:n]
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, &DecodeError{Source: name, Err: err}
	}

	switch {
	case isWAV(head):
		return newWAVSource(name, r)
	case isMP3(head):
		return newMP3Source(name, r)
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return newWAVSource(name, r)
	case ".mp3":
		return newMP3Source(name, r)
	case ".raw", ".pcm", ".l16":
		return NewRawSource(r, Format{SampleRate: DefaultSampleRate, Channels: 1}), nil
	}
	return nil, &UnsupportedFormatError{Source: name, Reason: "unrecognized container"}
}

func isWAV(head []byte) bool {
	return len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
}

func isMP3(head []byte) bool {
	if len(head) >= 3 && bytes.Equal(head[0:3], []byte("ID3")) {
		return true
	}
	return len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0
}

// ── WAV ──────────────────────────────────────────────────────────────────

type wavSource struct {
	name   string
	dec    *wav.Decoder
	format Format
	depth  int
	buf    *goaudio.IntBuffer
}

func newWAVSource(name string, r io.ReadSeeker) (Source, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		err := dec.Err()
		if err == nil {
			err = errors.New("invalid wav header")
		}
		return nil, &DecodeError{Source: name, Err: err}
	}
	if dec.WavAudioFormat != 1 {
		return nil, &UnsupportedFormatError{Source: name, Reason: fmt.Sprintf("wav encoding %d (only integer PCM)", dec.WavAudioFormat)}
	}
	depth := int(dec.BitDepth)
	switch depth {
	case 8, 16, 24, 32:
	default:
		return nil, &UnsupportedFormatError{Source: name, Reason: fmt.Sprintf("wav bit depth %d", depth)}
	}
	f := dec.Format()
	format := Format{SampleRate: f.SampleRate, Channels: f.NumChannels}
	if err := format.Validate(name); err != nil {
		return nil, err
	}
	return &wavSource{name: name, dec: dec, format: format, depth: depth}, nil
}

func (s *wavSource) Format() Format { return s.format }

func (s *wavSource) ReadSamples(buf []int16) (int, error) {
	if s.buf == nil || len(s.buf.Data) != len(buf) {
		s.buf = &goaudio.IntBuffer{
			Data:   make([]int, len(buf)),
			Format: &goaudio.Format{SampleRate: s.format.SampleRate, NumChannels: s.format.Channels},
		}
	}
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return 0, &DecodeError{Source: s.name, Err: err}
	}
	if n == 0 {
		return 0, io.EOF
	}
	for i, v := range s.buf.Data[:n] {
		buf[i] = scaleTo16(v, s.depth)
	}
	return n, nil
}

// scaleTo16 maps a sample of the given WAV bit depth onto int16. 8-bit WAV
// samples are unsigned.
func scaleTo16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

// ── MP3 ──────────────────────────────────────────────────────────────────

type mp3Source struct {
	name string
	dec  *mp3.Decoder
	raw  []byte
	odd  []byte
}

func newMP3Source(name string, r io.ReadSeeker) (Source, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, &DecodeError{Source: name, Err: err}
	}
	return &mp3Source{name: name, dec: dec}, nil
}

// Format is always stereo: the decoder expands mono streams.
func (s *mp3Source) Format() Format {
	return Format{SampleRate: s.dec.SampleRate(), Channels: 2}
}

func (s *mp3Source) ReadSamples(buf []int16) (int, error) {
	return readPCM(s.dec, buf, &s.raw, &s.odd, s.name)
}

// ── Raw L16 ──────────────────────────────────────────────────────────────

type rawSource struct {
	r      io.Reader
	format Format
	raw    []byte
	odd    []byte
}

// NewRawSource reads headerless little-endian 16-bit PCM in format f.
func NewRawSource(r io.Reader, f Format) Source {
	return &rawSource{r: bufio.NewReader(r), format: f}
}

func (s *rawSource) Format() Format { return s.format }

func (s *rawSource) ReadSamples(buf []int16) (int, error) {
	return readPCM(s.r, buf, &s.raw, &s.odd, "l16")
}

// readPCM reads little-endian 16-bit samples from r, carrying a split byte
// between calls. A dangling byte at end of stream is dropped.
func readPCM(r io.Reader, buf []int16, scratch, odd *[]byte, name string) (int, error) {
	need := len(buf)*2 - len(*odd)
	if cap(*scratch) < len(buf)*2 {
		*scratch = make([]byte, len(buf)*2)
	}
	raw := (*scratch)[:len(buf)*2]
	copy(raw, *odd)
	n, err := io.ReadAtLeast(r, raw[len(*odd):len(*odd)+need], 1)
	total := len(*odd) + n
	*odd = (*odd)[:0]
	if total%2 != 0 {
		*odd = append(*odd, raw[total-1])
		total--
	}
	for i := range total / 2 {
		buf[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	switch {
	case err == nil:
		return total / 2, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if total == 0 {
			return 0, io.EOF
		}
		return total / 2, nil
	default:
		return total / 2, &DecodeError{Source: name, Err: err}
	}
}
