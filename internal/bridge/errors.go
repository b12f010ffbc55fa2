package bridge

import (
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// ErrorKind classifies a failure that ends a connection.
type ErrorKind string

const (
	// KindParse is a malformed frame or payload.
	KindParse ErrorKind = "parse-error"

	// KindProtocol is a well-formed message that is not allowed in the
	// current connection state.
	KindProtocol ErrorKind = "protocol-error"

	// KindSession is a failure of the underlying session.
	KindSession ErrorKind = "session-error"
)

// Close statuses sent with each kind.
const (
	StatusParseError    websocket.StatusCode = 4400
	StatusProtocolError websocket.StatusCode = 4401
	StatusSessionError  websocket.StatusCode = 4500
)

// Status returns the WebSocket close status for k.
func (k ErrorKind) Status() websocket.StatusCode {
	switch k {
	case KindParse:
		return StatusParseError
	case KindProtocol:
		return StatusProtocolError
	default:
		return StatusSessionError
	}
}

// ProtocolError is a connection-fatal failure. It is reported to the peer as
// an error message followed by a close frame with [ErrorKind.Status].
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("bridge: %s: %s", e.Kind, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func parseError(msg string, err error) error {
	return &ProtocolError{Kind: KindParse, Msg: msg, Err: err}
}

func protocolError(format string, args ...any) error {
	return &ProtocolError{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

func sessionError(msg string, err error) error {
	return &ProtocolError{Kind: KindSession, Msg: msg, Err: err}
}

// asProtocolError classifies err. Anything that is not already a
// [*ProtocolError] is a session error.
func asProtocolError(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProtocolError{Kind: KindSession, Msg: "session failed", Err: err}
}
