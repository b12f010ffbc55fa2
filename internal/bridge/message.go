package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Message types exchanged on the wire.
const (
	TypeConnect = "connect"
	TypeMedia   = "media"
	TypeMark    = "mark"
	TypeDTMF    = "dtmf"
	TypeStop    = "stop"
	TypeText    = "text"

	TypeConnected = "connected"
	TypeMarkAck   = "mark-ack"
	TypeClear     = "clear"
	TypeError     = "error"
)

// base64Prefix marks a text frame whose remainder is base64-encoded JSON.
const base64Prefix = "base64:"

// Message is the envelope of every JSON text frame.
type Message struct {
	Type     string          `json:"type"`
	Sequence uint64          `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ConnectPayload opens a session.
type ConnectPayload struct {
	CallID     string            `json:"callId"`
	Backend    string            `json:"backend"`
	Codec      string            `json:"codec"`
	SampleRate int               `json:"sampleRate"`
	Channels   int               `json:"channels"`
	Modalities []string          `json:"modalities"`
	Framing    string            `json:"framing"`
	Params     map[string]any    `json:"params"`
	Metadata   map[string]string `json:"metadata"`
}

// MediaPayload carries audio in the negotiated codec. encoding/json encodes
// the bytes as standard base64.
type MediaPayload struct {
	Audio []byte `json:"audio"`
}

// MarkPayload names a playback checkpoint. It is echoed in mark-ack.
type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload carries one keypad digit.
type DTMFPayload struct {
	Digit string `json:"digit"`

	// Duration in milliseconds.
	Duration int `json:"duration,omitempty"`
}

// TextPayload carries conversation text in either direction.
type TextPayload struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// ConnectedPayload acknowledges a connect.
type ConnectedPayload struct {
	SessionID  string `json:"sessionId"`
	SampleRate int    `json:"sampleRate"`
}

// ErrorPayload reports why the bridge is closing the connection.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ParseMessage decodes a text frame. A frame starting with "base64:" is
// decoded first. Failures are parse errors.
func ParseMessage(data []byte) (Message, error) {
	raw := data
	if rest, ok := strings.CutPrefix(string(data), base64Prefix); ok {
		dec, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Message{}, parseError("decode base64 frame", err)
		}
		raw = dec
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, parseError("decode message", err)
	}
	if m.Type == "" {
		return Message{}, parseError("message has no type", nil)
	}
	return m, nil
}

// DecodePayload unmarshals the payload of m into T. A missing payload yields
// the zero value.
func DecodePayload[T any](m Message) (T, error) {
	var v T
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, parseError(fmt.Sprintf("decode %s payload", m.Type), err)
	}
	return v, nil
}

// EncodeMessage builds a JSON text frame.
func EncodeMessage(typ string, seq uint64, payload any) ([]byte, error) {
	m := Message{Type: typ, Sequence: seq}
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode %s payload: %w", typ, err)
		}
		m.Payload = p
	}
	return json.Marshal(m)
}
