package modality

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by pushes after the session or instance
	// has stopped.
	ErrSessionClosed = errors.New("modality: session closed")

	// ErrNotSupported is returned when pushing a modality the instance was
	// not started with.
	ErrNotSupported = errors.New("modality: modality not supported")

	// ErrBackendNotRegistered is returned by [Registry.Lookup] for unknown
	// names.
	ErrBackendNotRegistered = errors.New("modality: backend not registered")
)

// ConfigurationError reports an invalid combination of modalities, sample
// rate and backend. It is detected before any connection is made and is
// never retried.
type ConfigurationError struct {
	Backend string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("modality: backend %q: %s", e.Backend, e.Reason)
}

// BackendIOError reports a failed exchange with a backend service. Adapters
// retry transient failures themselves; an error that reaches the session is
// fatal to it.
type BackendIOError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendIOError) Error() string {
	return fmt.Sprintf("modality: backend %q: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendIOError) Unwrap() error { return e.Err }
