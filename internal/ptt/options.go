package ptt

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/ptt-gateway/internal/resilience"
	"github.com/lexiqai/ptt-gateway/internal/stt"
)

// State is the observable controller state
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// Tone selects the color of the status message
type Tone string

const (
	ToneInfo  Tone = "info"
	ToneError Tone = "error"
)

// Status is the snapshot rendered by the host
type Status struct {
	State       State  `json:"state"`
	Message     string `json:"message"`
	Tone        Tone   `json:"tone"`
	Live        string `json:"live,omitempty"` // committed plus provisional text while recording
	Interactive bool   `json:"interactive"`
}

// HoldEventKind names a hold lifecycle event
type HoldEventKind string

const (
	HoldPressed     HoldEventKind = "pressed"
	HoldReleased    HoldEventKind = "released"
	HoldTranscribed HoldEventKind = "transcribed"
	HoldFailed      HoldEventKind = "failed"
)

// HoldEvent reports hold lifecycle for auditing
type HoldEvent struct {
	Kind     HoldEventKind
	Phase    uint64
	Cause    ReleaseCause  // HoldReleased
	Duration time.Duration // HoldReleased
	Chars    int           // HoldTranscribed
	Error    string        // HoldFailed
	At       time.Time
}

// Timing holds every delay the controller uses
type Timing struct {
	Debounce          time.Duration
	BoundaryTolerance float64
	FlushGrace        time.Duration // wait for trailing finals after stop
	ErrorClear        time.Duration // auto-clear for transient errors
	RestartDelay      time.Duration // wait after stopping a busy engine
	PermissionTimeout time.Duration
	Retry             resilience.RetryPolicy
}

// DefaultTiming returns production timing
func DefaultTiming() Timing {
	return Timing{
		Debounce:          300 * time.Millisecond,
		BoundaryTolerance: 40,
		FlushGrace:        300 * time.Millisecond,
		ErrorClear:        3 * time.Second,
		RestartDelay:      100 * time.Millisecond,
		PermissionTimeout: 30 * time.Second,
		Retry:             resilience.DefaultRetryPolicy(),
	}
}

// Options configures a Controller
type Options struct {
	// OnTranscript receives the trimmed text of each completed hold. Required.
	OnTranscript func(text string)

	// OnStatus is called on the controller goroutine whenever Status changes.
	// Callbacks must not call back into the Controller synchronously.
	OnStatus func(Status)

	// OnHoldEvent is called on the controller goroutine for lifecycle events
	OnHoldEvent func(HoldEvent)

	Disabled bool
	Language string // defaults to DefaultLanguage
	Timing   Timing // zero value means DefaultTiming
	Logger   *zerolog.Logger
}

// DefaultLanguage is passed to the engine when Options.Language is empty
const DefaultLanguage = "en-US"

// Status messages
const (
	msgIdle        = "Hold to talk"
	msgRecording   = "Listening..."
	msgProcessing  = "Sending..."
	msgDisabled    = "Voice input unavailable"
	msgDenied      = "Microphone access denied. Allow it in settings, then tap to retry."
	msgNoMic       = "No microphone found"
	msgNetwork     = "Connection issue. Please try again."
	msgAudio       = "Microphone error. Please try again."
	msgRecognition = "Speech recognition failed. Please try again."
)

func (o *Options) withDefaults() {
	if o.Language == "" {
		o.Language = DefaultLanguage
	}
	if o.Timing == (Timing{}) {
		o.Timing = DefaultTiming()
	}
	if o.Timing.Retry.MaxAttempts < 0 {
		o.Timing.Retry.MaxAttempts = 0
	}
}

// failure is a terminal condition shown in the Error state
type failure struct {
	message   string
	autoClear bool
	kind      stt.ErrorKind
}

var (
	failDenied  = failure{message: msgDenied, kind: stt.ErrorNotAllowed}
	failNoMic   = failure{message: msgNoMic, autoClear: true, kind: stt.ErrorAudioCapture}
	failNetwork = failure{message: msgNetwork, autoClear: true, kind: stt.ErrorNetwork}
	failAudio   = failure{message: msgAudio, autoClear: true, kind: stt.ErrorAudioCapture}
	failUnknown = failure{message: msgRecognition, autoClear: true, kind: stt.ErrorUnknown}
)
