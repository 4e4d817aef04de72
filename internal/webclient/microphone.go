package webclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/ptt-gateway/internal/stt"
)

const audioQueueSize = 64

// remoteMicrophone asks the browser for microphone access over the socket
// and exposes the PCM frames it streams back as an stt.AudioSource
type remoteMicrophone struct {
	send   func(ServerMessage) error
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan error
	source  *remoteAudio
	closed  bool
}

func newRemoteMicrophone(send func(ServerMessage) error, logger zerolog.Logger) *remoteMicrophone {
	return &remoteMicrophone{
		send:    send,
		logger:  logger,
		pending: make(map[string]chan error),
	}
}

// Request sends a mic_request and waits for the browser's answer
func (m *remoteMicrophone) Request(ctx context.Context) (stt.AudioSource, error) {
	id := uuid.New().String()
	answer := make(chan error, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	m.pending[id] = answer
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.send(ServerMessage{Type: typeMicRequest, RequestID: id}); err != nil {
		return nil, fmt.Errorf("failed to send mic request: %w", err)
	}
	m.logger.Debug().Str("request_id", id).Msg("Microphone requested")

	select {
	case err := <-answer:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("microphone request: %w", ctx.Err())
	}

	src := newRemoteAudio(func() {
		if err := m.send(ServerMessage{Type: typeMicRelease}); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to send mic release")
		}
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		src.end(nil)
		return nil, errors.New("connection closed")
	}
	if m.source != nil {
		m.source.end(nil)
	}
	m.source = src
	return src, nil
}

// answer delivers the browser's reply to a pending request
func (m *remoteMicrophone) answer(requestID string, err error) {
	m.mu.Lock()
	ch, ok := m.pending[requestID]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug().Str("request_id", requestID).Msg("Answer for unknown mic request")
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// push forwards an audio frame to the active source
func (m *remoteMicrophone) push(frame []byte) {
	m.mu.Lock()
	src := m.source
	m.mu.Unlock()

	if src == nil {
		return
	}
	src.push(frame)
}

// fail ends the active source with err
func (m *remoteMicrophone) fail(err error) {
	m.mu.Lock()
	src := m.source
	m.source = nil
	m.mu.Unlock()

	if src != nil {
		src.end(err)
	}
}

func (m *remoteMicrophone) close() {
	m.mu.Lock()
	m.closed = true
	src := m.source
	m.source = nil
	m.mu.Unlock()

	if src != nil {
		src.end(nil)
	}
}

// remoteAudio is the audio stream of one granted request
type remoteAudio struct {
	chunks    chan []byte
	done      chan struct{}
	onRelease func()

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newRemoteAudio(onRelease func()) *remoteAudio {
	return &remoteAudio{
		chunks:    make(chan []byte, audioQueueSize),
		done:      make(chan struct{}),
		onRelease: onRelease,
	}
}

func (a *remoteAudio) Chunks() <-chan []byte { return a.chunks }
func (a *remoteAudio) Done() <-chan struct{} { return a.done }

func (a *remoteAudio) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Stop releases the browser's microphone
func (a *remoteAudio) Stop() error {
	if a.end(nil) && a.onRelease != nil {
		a.onRelease()
	}
	return nil
}

// push queues a frame, dropping it when nobody is reading
func (a *remoteAudio) push(frame []byte) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.chunks <- frame:
	default:
	}
}

// end closes the stream once and reports whether this call closed it
func (a *remoteAudio) end(err error) bool {
	closed := false
	a.once.Do(func() {
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.done)
		closed = true
	})
	return closed
}
