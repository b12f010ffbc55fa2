package audio

import "fmt"

// DecodeError reports an unreadable or corrupt source. Source identifies the
// file or stream; Err is the underlying codec error.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports a source whose layout cannot be converted,
// such as an unknown codec or too many channels.
type UnsupportedFormatError struct {
	Source string
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("audio: unsupported format in %s: %s", e.Source, e.Reason)
}
