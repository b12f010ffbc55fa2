package bridge

import (
	"fmt"
	"strings"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/audio/opus"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// telephonyRate is the fixed rate of the G.711 codecs.
const telephonyRate = 8000

// defaultModalities apply when a connect message names none.
var defaultModalities = []string{"audio-in", "audio-out"}

// wireFormat is the negotiated media format of one connection.
type wireFormat struct {
	codec      string
	sampleRate int
	channels   int

	// binary sends outbound media as binary frames instead of JSON.
	binary bool
}

func negotiate(p ConnectPayload) (wireFormat, error) {
	w := wireFormat{
		codec:      strings.ToUpper(p.Codec),
		sampleRate: p.SampleRate,
		channels:   p.Channels,
	}
	if w.codec == "" {
		w.codec = audio.CodecL16
	}
	switch w.codec {
	case audio.CodecPCMU, audio.CodecPCMA:
		if w.sampleRate != 0 && w.sampleRate != telephonyRate {
			return wireFormat{}, protocolError("codec %s requires %d Hz, got %d", w.codec, telephonyRate, w.sampleRate)
		}
		w.sampleRate = telephonyRate
	case audio.CodecL16, audio.CodecOpus:
		if w.sampleRate == 0 {
			w.sampleRate = audio.DefaultSampleRate
		}
	default:
		return wireFormat{}, protocolError("unsupported codec %q", p.Codec)
	}
	if w.channels == 0 {
		w.channels = 1
	}
	if w.channels < 0 || w.channels > audio.MaxChannels {
		return wireFormat{}, protocolError("unsupported channel count %d", w.channels)
	}
	switch p.Framing {
	case "", "json":
	case "binary":
		w.binary = true
	default:
		return wireFormat{}, protocolError("unsupported framing %q", p.Framing)
	}
	return w, nil
}

// codecs returns the inbound decoder and the outbound encoder. Outbound
// media is always mono.
func (w wireFormat) codecs() (dec, enc audio.Codec, err error) {
	if w.codec != audio.CodecOpus {
		dec, err = audio.NewCodec(w.codec)
		return dec, dec, err
	}
	if dec, err = opus.New(w.sampleRate, w.channels); err != nil {
		return nil, nil, protocolErrorFrom("opus decoder", err)
	}
	if enc, err = opus.New(w.sampleRate, 1); err != nil {
		return nil, nil, protocolErrorFrom("opus encoder", err)
	}
	return dec, enc, nil
}

func (w wireFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", w.codec, w.sampleRate, w.channels)
}

func parseModalities(names []string) (modality.Set, error) {
	if len(names) == 0 {
		names = defaultModalities
	}
	set, err := modality.ParseSet(names)
	if err != nil {
		return 0, &ProtocolError{Kind: KindProtocol, Msg: "invalid modalities", Err: err}
	}
	return set, nil
}

func protocolErrorFrom(msg string, err error) error {
	return &ProtocolError{Kind: KindProtocol, Msg: msg, Err: err}
}
