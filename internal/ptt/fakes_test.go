package ptt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/ptt-gateway/internal/stt"
)

// fakeSource is a microphone stream that never produces audio
type fakeSource struct {
	chunks   chan []byte
	done     chan struct{}
	stopOnce sync.Once
	stops    atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{chunks: make(chan []byte), done: make(chan struct{})}
}

func (s *fakeSource) Chunks() <-chan []byte { return s.chunks }
func (s *fakeSource) Done() <-chan struct{} { return s.done }
func (s *fakeSource) Err() error            { return nil }

func (s *fakeSource) Stop() error {
	s.stops.Add(1)
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSource) Stopped() bool {
	return s.stops.Load() > 0
}

// fakeMic answers Request with queued errors, then with fresh sources
type fakeMic struct {
	mu      sync.Mutex
	results []error
	calls   int
	block   chan struct{}
	sources []*fakeSource
}

func (m *fakeMic) Request(ctx context.Context) (stt.AudioSource, error) {
	m.mu.Lock()
	m.calls++
	var err error
	if len(m.results) > 0 {
		err = m.results[0]
		m.results = m.results[1:]
	}
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	src := newFakeSource()
	m.mu.Lock()
	m.sources = append(m.sources, src)
	m.mu.Unlock()
	return src, nil
}

func (m *fakeMic) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeMic) Source(i int) *fakeSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.sources) {
		return nil
	}
	return m.sources[i]
}

// fakeEngine records calls and lets tests inject engine events
type fakeEngine struct {
	events chan stt.Event

	mu        sync.Mutex
	seq       uint64
	live      uint64
	starts    int
	stops     int
	startErrs []error
	lastReq   stt.StartRequest
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan stt.Event, 256)}
}

func (e *fakeEngine) Start(_ context.Context, req stt.StartRequest) (uint64, error) {
	e.mu.Lock()
	if len(e.startErrs) > 0 {
		err := e.startErrs[0]
		e.startErrs = e.startErrs[1:]
		if err != nil {
			e.mu.Unlock()
			return 0, err
		}
	}
	if e.live != 0 {
		e.mu.Unlock()
		return 0, stt.ErrEngineBusy
	}
	e.seq++
	e.live = e.seq
	e.starts++
	e.lastReq = req
	id := e.seq
	e.mu.Unlock()

	e.events <- stt.Event{Type: stt.EventStarted, Session: id}
	return id, nil
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	id := e.live
	e.live = 0
	if id != 0 {
		e.stops++
	}
	e.mu.Unlock()

	if id != 0 {
		e.events <- stt.Event{Type: stt.EventEnded, Session: id}
	}
	return nil
}

func (e *fakeEngine) Events() <-chan stt.Event { return e.events }
func (e *fakeEngine) Close() error            { return e.Stop() }

func (e *fakeEngine) Live() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

func (e *fakeEngine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

func (e *fakeEngine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

func (e *fakeEngine) LastRequest() stt.StartRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReq
}

// final delivers committed text for the live session
func (e *fakeEngine) final(text string) {
	e.events <- stt.Event{Type: stt.EventResult, Session: e.Live(), Final: text}
}

func (e *fakeEngine) interim(text string) {
	e.events <- stt.Event{Type: stt.EventResult, Session: e.Live(), Interim: text}
}

// silence ends the live session the way an engine does after a quiet spell
func (e *fakeEngine) silence() {
	e.mu.Lock()
	id := e.live
	e.live = 0
	e.mu.Unlock()
	e.events <- stt.Event{Type: stt.EventEnded, Session: id}
}

func (e *fakeEngine) fail(kind stt.ErrorKind) {
	e.events <- stt.Event{Type: stt.EventError, Session: e.Live(), Kind: kind, Detail: string(kind)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
