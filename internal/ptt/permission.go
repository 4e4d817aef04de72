package ptt

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/ptt-gateway/internal/stt"
)

var (
	// ErrMicNotAllowed means the user or platform refused microphone access
	ErrMicNotAllowed = errors.New("microphone access not allowed")

	// ErrMicNotFound means no capture device exists
	ErrMicNotFound = errors.New("no microphone found")

	// ErrMicGestureRequired means the platform only prompts from a direct
	// user gesture; the next press should try again
	ErrMicGestureRequired = errors.New("microphone request requires a user gesture")

	// ErrGateClosed is returned after the gate has been torn down
	ErrGateClosed = errors.New("permission gate closed")
)

// MicrophoneAccess requests a live microphone stream from the host
type MicrophoneAccess interface {
	Request(ctx context.Context) (stt.AudioSource, error)
}

// PermissionStatus is the cached outcome of a microphone request
type PermissionStatus string

const (
	PermissionUnknown PermissionStatus = ""
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionPrompt  PermissionStatus = "prompt"
)

// PermissionGate acquires the microphone once and caches the stream for the
// lifetime of the controller. Concurrent Acquire calls share one request.
type PermissionGate struct {
	mic   MicrophoneAccess
	group singleflight.Group

	mu     sync.Mutex
	status PermissionStatus
	stream stt.AudioSource
	closed bool
}

// NewPermissionGate creates a gate in front of mic
func NewPermissionGate(mic MicrophoneAccess) *PermissionGate {
	return &PermissionGate{mic: mic}
}

// Status returns the cached permission status
func (g *PermissionGate) Status() PermissionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Stream returns the cached microphone stream, or nil. A stream that ended
// on its own is dropped so the next Acquire asks the host again.
func (g *PermissionGate) Stream() stt.AudioSource {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropEndedLocked()
	return g.stream
}

// Acquire returns the permission status, requesting access from the host
// only when nothing usable is cached. The returned error explains a
// non-granted status.
func (g *PermissionGate) Acquire(ctx context.Context) (PermissionStatus, error) {
	g.mu.Lock()
	g.dropEndedLocked()
	switch {
	case g.closed:
		g.mu.Unlock()
		return PermissionPrompt, ErrGateClosed
	case g.status == PermissionGranted && g.stream != nil:
		g.mu.Unlock()
		return PermissionGranted, nil
	case g.status == PermissionDenied:
		g.mu.Unlock()
		return PermissionDenied, ErrMicNotAllowed
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("microphone", func() (interface{}, error) {
		return g.request(ctx)
	})
	status, _ := v.(PermissionStatus)
	if status == PermissionUnknown {
		status = PermissionPrompt
	}
	return status, err
}

func (g *PermissionGate) request(ctx context.Context) (PermissionStatus, error) {
	stream, err := g.mic.Request(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		if stream != nil {
			_ = stream.Stop()
		}
		return PermissionPrompt, ErrGateClosed
	}
	if err == nil && stream != nil {
		g.status = PermissionGranted
		g.stream = stream
		return PermissionGranted, nil
	}
	if err == nil {
		err = errors.New("microphone request returned no stream")
	}

	if errors.Is(err, ErrMicNotAllowed) {
		g.status = PermissionDenied
	} else {
		g.status = PermissionPrompt
	}
	return g.status, err
}

// MarkDenied records that access was withdrawn after it had been granted.
// The stream is dead at that point, so it is released.
func (g *PermissionGate) MarkDenied() {
	g.mu.Lock()
	stream := g.stream
	g.stream = nil
	g.status = PermissionDenied
	g.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
	}
}

// Invalidate releases the cached stream after a capture fault so the next
// Acquire requests a fresh one. A denial is kept.
func (g *PermissionGate) Invalidate() {
	g.mu.Lock()
	stream := g.stream
	g.stream = nil
	if g.status != PermissionDenied {
		g.status = PermissionUnknown
	}
	g.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
	}
}

// dropEndedLocked forgets a cached stream whose Done channel is closed
func (g *PermissionGate) dropEndedLocked() {
	if g.stream == nil {
		return
	}
	select {
	case <-g.stream.Done():
		g.stream = nil
		if g.status == PermissionGranted {
			g.status = PermissionUnknown
		}
	default:
	}
}

// Forget clears a denied record so the next Acquire asks again
func (g *PermissionGate) Forget() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == PermissionDenied {
		g.status = PermissionUnknown
	}
}

// Close releases the cached stream. Acquire fails afterwards.
func (g *PermissionGate) Close() error {
	g.mu.Lock()
	stream := g.stream
	g.stream = nil
	g.closed = true
	g.mu.Unlock()

	if stream != nil {
		return stream.Stop()
	}
	return nil
}
