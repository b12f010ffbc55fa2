package session

import (
	"errors"

	"github.com/MrWong99/switchyard/pkg/modality"
)

var (
	// ErrSessionClosed is returned by pushes once a session is shutting
	// down. It is the same value as [modality.ErrSessionClosed].
	ErrSessionClosed = modality.ErrSessionClosed

	// ErrSessionExists is returned by [Manager.Connect] for a duplicate id.
	ErrSessionExists = errors.New("session: id already in use")

	// ErrCapacity is returned by [Manager.Connect] when max_sessions are
	// already live.
	ErrCapacity = errors.New("session: at capacity")

	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session: not found")

	// ErrManagerClosed is returned by [Manager.Connect] after Shutdown.
	ErrManagerClosed = errors.New("session: manager shut down")

	// ErrFormatMismatch is returned when pushed audio is not at the session
	// rate.
	ErrFormatMismatch = errors.New("session: audio format mismatch")

	// ErrAborted is the cause recorded by [Session.Abort] when none is given.
	ErrAborted = errors.New("session: aborted")

	// ErrInvariant marks a state machine violation. It indicates a bug.
	ErrInvariant = errors.New("session: internal invariant violated")
)
