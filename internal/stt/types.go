package stt

import (
	"context"
	"errors"
)

var (
	// ErrEngineBusy is returned by Engine.Start while a session is still live
	ErrEngineBusy = errors.New("recognition session already running")

	// ErrAudioRevoked is reported by an AudioSource whose permission was withdrawn
	ErrAudioRevoked = errors.New("microphone access revoked")
)

// ErrorKind classifies engine failures the way the controller reacts to them
type ErrorKind string

const (
	ErrorNotAllowed        ErrorKind = "not-allowed"
	ErrorServiceNotAllowed ErrorKind = "service-not-allowed"
	ErrorNoSpeech          ErrorKind = "no-speech"
	ErrorNetwork           ErrorKind = "network"
	ErrorAborted           ErrorKind = "aborted"
	ErrorAudioCapture      ErrorKind = "audio-capture"
	ErrorUnknown           ErrorKind = "unknown"
)

// EventType identifies what happened in a recognition session
type EventType string

const (
	EventStarted EventType = "started"
	EventResult  EventType = "result"
	EventEnded   EventType = "ended"
	EventError   EventType = "error"
)

// Event is emitted by an Engine for one of its sessions
type Event struct {
	Type    EventType
	Session uint64 // id returned by the Start call that opened the session

	// Result payload. Final is committed text for this update (may be empty),
	// Interim replaces any previous provisional text.
	Final   string
	Interim string

	// Error payload
	Kind   ErrorKind
	Detail string
}

// AudioSource is the microphone stream handed to the engine. It is shared
// across restarts, so only one session may read Chunks at a time.
type AudioSource interface {
	// Chunks delivers raw audio frames
	Chunks() <-chan []byte

	// Done is closed when the source can no longer deliver audio
	Done() <-chan struct{}

	// Err explains why Done was closed; nil for a deliberate Stop
	Err() error

	// Stop releases the underlying device
	Stop() error
}

// StartRequest configures one continuous recognition session
type StartRequest struct {
	Audio    AudioSource
	Language string
}

// Engine is a continuous speech-transcription engine with interim results
type Engine interface {
	// Start opens a session and returns its id. Ids increase with every
	// call on the same engine. The session reports
	// EventStarted once audio is flowing. Returns ErrEngineBusy if a
	// previous session has not been stopped.
	Start(ctx context.Context, req StartRequest) (uint64, error)

	// Stop ends the live session, if any. Trailing results and EventEnded
	// may still be delivered afterwards.
	Stop() error

	// Events delivers events for all sessions started on this engine
	Events() <-chan Event

	// Close stops the engine and releases its resources
	Close() error
}

// KindForAudioError maps the reason an AudioSource ended to an ErrorKind
func KindForAudioError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorAborted
	case errors.Is(err, ErrAudioRevoked):
		return ErrorNotAllowed
	default:
		return ErrorAudioCapture
	}
}
