package ptt

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/ptt-gateway/internal/resilience"
	"github.com/lexiqai/ptt-gateway/internal/stt"
)

func testTiming() Timing {
	return Timing{
		Debounce:          300 * time.Millisecond,
		BoundaryTolerance: 40,
		FlushGrace:        20 * time.Millisecond,
		ErrorClear:        60 * time.Millisecond,
		RestartDelay:      5 * time.Millisecond,
		PermissionTimeout: time.Second,
		Retry:             resilience.RetryPolicy{MaxAttempts: 2, Step: 10 * time.Millisecond},
	}
}

type harness struct {
	t      *testing.T
	c      *Controller
	engine *fakeEngine
	mic    *fakeMic

	mu          sync.Mutex
	transcripts []string
	statuses    []Status
	holds       []HoldEvent

	now time.Time
}

func newHarness(t *testing.T, configure ...func(*Options, *fakeMic)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		engine: newFakeEngine(),
		mic:    &fakeMic{},
		now:    time.Now(),
	}

	logger := zerolog.Nop()
	opts := Options{
		OnTranscript: func(text string) {
			h.mu.Lock()
			h.transcripts = append(h.transcripts, text)
			h.mu.Unlock()
		},
		OnStatus: func(s Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, s)
			h.mu.Unlock()
		},
		OnHoldEvent: func(ev HoldEvent) {
			h.mu.Lock()
			h.holds = append(h.holds, ev)
			h.mu.Unlock()
		},
		Timing: testTiming(),
		Logger: &logger,
	}
	for _, fn := range configure {
		fn(&opts, h.mic)
	}

	c, err := New(h.engine, h.mic, opts)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	h.c = c
	t.Cleanup(func() { c.Close() })
	return h
}

// dispatch stamps ev with a logical clock that moves past the debounce
// window unless the event carries its own time
func (h *harness) dispatch(ev InputEvent) bool {
	if ev.At.IsZero() {
		h.now = h.now.Add(400 * time.Millisecond)
		ev.At = h.now
	}
	return h.c.Dispatch(ev)
}

func (h *harness) press()   { h.dispatch(InputEvent{Kind: InputPointerDown}) }
func (h *harness) release() { h.dispatch(InputEvent{Kind: InputPointerUp}) }

func (h *harness) state() State {
	return h.c.Status().State
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	waitFor(h.t, "state "+string(want), func() bool { return h.state() == want })
}

func (h *harness) pressAndRecord() {
	h.t.Helper()
	h.press()
	h.waitState(StateRecording)
	waitFor(h.t, "engine start", func() bool { return h.engine.Live() != 0 })
}

func (h *harness) Transcripts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transcripts...)
}

func (h *harness) sawState(state State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.statuses {
		if s.State == state {
			return true
		}
	}
	return false
}

func TestControllerHoldSendsTranscript(t *testing.T) {
	h := newHarness(t)

	h.pressAndRecord()
	h.engine.interim("add ten")
	waitFor(t, "live text", func() bool { return h.c.Status().Live == "add ten" })

	h.engine.final("add ten points")
	waitFor(t, "final text", func() bool { return h.c.Status().Live == "add ten points" })
	h.release()

	waitFor(t, "transcript", func() bool { return len(h.Transcripts()) == 1 })
	h.waitState(StateIdle)
	time.Sleep(50 * time.Millisecond)

	got := h.Transcripts()
	if len(got) != 1 || got[0] != "add ten points" {
		t.Errorf("Expected one transcript %q, got %v", "add ten points", got)
	}
	if !h.sawState(StateProcessing) {
		t.Error("Expected to pass through processing")
	}
	if h.engine.LastRequest().Language != DefaultLanguage {
		t.Errorf("Expected language %q, got %q", DefaultLanguage, h.engine.LastRequest().Language)
	}
}

func TestControllerEmptyHold(t *testing.T) {
	h := newHarness(t)

	h.pressAndRecord()
	h.release()

	if h.state() != StateIdle {
		t.Errorf("Expected idle right after release, got %s", h.state())
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(h.Transcripts()); n != 0 {
		t.Errorf("Expected no transcript, got %d", n)
	}
	if h.engine.Live() != 0 {
		t.Error("Expected recognition to be stopped")
	}
}

func TestControllerInterimOnlyHoldSendsNothing(t *testing.T) {
	h := newHarness(t)

	h.pressAndRecord()
	h.engine.interim("um")
	waitFor(t, "live text", func() bool { return h.c.Status().Live == "um" })
	h.release()

	h.waitState(StateIdle)
	if n := len(h.Transcripts()); n != 0 {
		t.Errorf("Expected no transcript, got %d", n)
	}
}

func TestControllerTrailingFinalAfterRelease(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *fakeMic) {
		o.Timing.FlushGrace = 150 * time.Millisecond
	})

	h.pressAndRecord()
	session := h.engine.Live()
	h.engine.interim("add ten")
	waitFor(t, "live text", func() bool { return h.c.Status().Live == "add ten" })

	h.release()
	h.waitState(StateProcessing)
	h.engine.events <- stt.Event{Type: stt.EventResult, Session: session, Final: "add ten points"}

	waitFor(t, "transcript", func() bool { return len(h.Transcripts()) == 1 })
	if got := h.Transcripts()[0]; got != "add ten points" {
		t.Errorf("Expected %q, got %q", "add ten points", got)
	}
	h.waitState(StateIdle)
}

func TestControllerDebounceAcrossChannels(t *testing.T) {
	h := newHarness(t)

	base := time.Now().Add(time.Hour)
	h.dispatch(InputEvent{Kind: InputTouchStart, TouchID: 1, At: base})
	h.dispatch(InputEvent{Kind: InputPointerDown, At: base.Add(20 * time.Millisecond)})
	h.waitState(StateRecording)
	time.Sleep(30 * time.Millisecond)

	if n := h.engine.Starts(); n != 1 {
		t.Errorf("Expected 1 recognition start, got %d", n)
	}
	if n := h.mic.Calls(); n != 1 {
		t.Errorf("Expected 1 microphone request, got %d", n)
	}
}

func TestControllerTouchIdentityIsolation(t *testing.T) {
	h := newHarness(t)

	h.dispatch(InputEvent{Kind: InputTouchStart, TouchID: 1})
	h.waitState(StateRecording)
	h.dispatch(InputEvent{Kind: InputTouchStart, TouchID: 2})
	h.dispatch(InputEvent{Kind: InputTouchEnd, TouchID: 2})

	if h.state() != StateRecording {
		t.Fatalf("Expected hold to survive a second touch, got %s", h.state())
	}
	if n := h.engine.Stops(); n != 0 {
		t.Errorf("Expected no stop, got %d", n)
	}

	h.dispatch(InputEvent{Kind: InputTouchEnd, TouchID: 1})
	h.waitState(StateIdle)
}

func TestControllerDualChannelTouchIsolation(t *testing.T) {
	h := newHarness(t)
	base := h.now.Add(time.Second)
	pointer := func(kind InputKind, id int64, ms int) InputEvent {
		return InputEvent{Kind: kind, PointerID: id, PointerType: PointerTypeTouch, At: at(base, ms)}
	}

	h.dispatch(pointer(InputPointerDown, 1, 0))
	h.dispatch(InputEvent{Kind: InputTouchStart, TouchID: 1, At: at(base, 5)})
	h.waitState(StateRecording)
	waitFor(t, "engine start", func() bool { return h.engine.Live() != 0 })

	// A second finger lands and lifts on both channels
	h.dispatch(pointer(InputPointerDown, 2, 1000))
	h.dispatch(InputEvent{Kind: InputTouchStart, TouchID: 2, At: at(base, 1005)})
	h.dispatch(pointer(InputPointerUp, 2, 1500))
	h.dispatch(InputEvent{Kind: InputTouchEnd, TouchID: 2, At: at(base, 1505)})

	if h.state() != StateRecording {
		t.Fatalf("Expected hold to survive the second finger, got %s", h.state())
	}
	if n := h.engine.Stops(); n != 0 {
		t.Errorf("Expected no stop, got %d", n)
	}

	h.dispatch(pointer(InputPointerUp, 1, 2000))
	h.dispatch(InputEvent{Kind: InputTouchEnd, TouchID: 1, At: at(base, 2005)})
	h.waitState(StateIdle)
	if n := h.engine.Stops(); n != 1 {
		t.Errorf("Expected exactly 1 stop, got %d", n)
	}
}

func TestControllerBoundaryTolerance(t *testing.T) {
	h := newHarness(t)

	h.dispatch(InputEvent{Kind: InputTouchStart, TouchID: 5})
	h.waitState(StateRecording)

	h.dispatch(InputEvent{Kind: InputTouchMove, TouchID: 5, Point: Point{X: 239, Y: 150}, Bounds: testBounds})
	if h.state() != StateRecording {
		t.Fatalf("Expected 39px outside to keep recording, got %s", h.state())
	}

	h.dispatch(InputEvent{Kind: InputTouchMove, TouchID: 5, Point: Point{X: 241, Y: 150}, Bounds: testBounds})
	h.dispatch(InputEvent{Kind: InputTouchMove, TouchID: 5, Point: Point{X: 300, Y: 150}, Bounds: testBounds})
	h.dispatch(InputEvent{Kind: InputTouchEnd, TouchID: 5})

	h.waitState(StateIdle)
	if n := h.engine.Stops(); n != 1 {
		t.Errorf("Expected exactly 1 stop, got %d", n)
	}
	h.mu.Lock()
	releases := 0
	for _, ev := range h.holds {
		if ev.Kind == HoldReleased {
			releases++
			if ev.Cause != CauseBoundary {
				t.Errorf("Expected boundary cause, got %q", ev.Cause)
			}
		}
	}
	h.mu.Unlock()
	if releases != 1 {
		t.Errorf("Expected 1 release, got %d", releases)
	}
}

func TestControllerBackgrounding(t *testing.T) {
	h := newHarness(t)

	h.pressAndRecord()
	h.engine.final("hello")
	waitFor(t, "final text", func() bool { return h.c.Status().Live == "hello" })

	h.dispatch(InputEvent{Kind: InputHidden})
	h.dispatch(InputEvent{Kind: InputHidden})
	h.release()

	waitFor(t, "transcript", func() bool { return len(h.Transcripts()) == 1 })
	h.waitState(StateIdle)
	time.Sleep(50 * time.Millisecond)
	if n := len(h.Transcripts()); n != 1 {
		t.Errorf("Expected exactly 1 transcript, got %d", n)
	}
	if n := h.engine.Stops(); n != 1 {
		t.Errorf("Expected exactly 1 stop, got %d", n)
	}
}

func TestControllerRetryCap(t *testing.T) {
	h := newHarness(t)
	h.pressAndRecord()

	h.engine.fail(stt.ErrorNetwork)
	waitFor(t, "first retry", func() bool { return h.engine.Starts() == 2 && h.engine.Live() != 0 })

	h.engine.fail(stt.ErrorNetwork)
	waitFor(t, "second retry", func() bool { return h.engine.Starts() == 3 && h.engine.Live() != 0 })

	h.engine.fail(stt.ErrorNetwork)
	h.waitState(StateError)

	status := h.c.Status()
	if status.Message != msgNetwork || status.Tone != ToneError {
		t.Errorf("Expected connection issue, got %+v", status)
	}
	time.Sleep(40 * time.Millisecond)
	if n := h.engine.Starts(); n != 3 {
		t.Errorf("Expected 2 restarts after the first start, got %d starts", n)
	}

	// Auto-clears even though the user is still holding
	h.waitState(StateIdle)
}

func TestControllerNetworkRecovery(t *testing.T) {
	h := newHarness(t)
	h.pressAndRecord()

	h.engine.fail(stt.ErrorNetwork)
	waitFor(t, "retry", func() bool { return h.engine.Starts() == 2 && h.engine.Live() != 0 })

	h.engine.final("add ten points")
	waitFor(t, "final text", func() bool { return h.c.Status().Live == "add ten points" })
	h.release()

	waitFor(t, "transcript", func() bool { return len(h.Transcripts()) == 1 })
	h.waitState(StateIdle)
	if h.sawState(StateError) {
		t.Error("Expected no error to be shown")
	}
}

func TestControllerNetworkErrorAfterSpeech(t *testing.T) {
	h := newHarness(t)
	h.pressAndRecord()

	h.engine.final("hi")
	waitFor(t, "final text", func() bool { return h.c.Status().Live == "hi" })
	h.engine.fail(stt.ErrorNetwork)
	h.engine.silence()
	time.Sleep(40 * time.Millisecond)

	if n := h.engine.Starts(); n != 1 {
		t.Errorf("Expected no restart, got %d starts", n)
	}
	if h.state() != StateRecording {
		t.Fatalf("Expected to keep recording, got %s", h.state())
	}

	h.release()
	waitFor(t, "transcript", func() bool { return len(h.Transcripts()) == 1 })
	if got := h.Transcripts()[0]; got != "hi" {
		t.Errorf("Expected %q, got %q", "hi", got)
	}
}

func TestControllerReleaseDuringRetry(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *fakeMic) {
		o.Timing.Retry.Step = 200 * time.Millisecond
	})
	h.pressAndRecord()

	h.engine.fail(stt.ErrorNetwork)
	waitFor(t, "stop", func() bool { return h.engine.Stops() == 1 })
	h.release()

	h.waitState(StateError)
	if msg := h.c.Status().Message; msg != msgNetwork {
		t.Errorf("Expected %q, got %q", msgNetwork, msg)
	}
	time.Sleep(250 * time.Millisecond)
	if n := h.engine.Starts(); n != 1 {
		t.Errorf("Expected the pending retry to be abandoned, got %d starts", n)
	}
}

func TestControllerSilenceRestarts(t *testing.T) {
	h := newHarness(t)
	h.pressAndRecord()

	for i := 2; i <= 5; i++ {
		h.engine.silence()
		want := i
		waitFor(t, "silence restart", func() bool { return h.engine.Starts() == want && h.engine.Live() != 0 })
	}
	if h.state() != StateRecording {
		t.Errorf("Expected to keep recording, got %s", h.state())
	}

	h.release()
	h.waitState(StateIdle)
	time.Sleep(20 * time.Millisecond)
	if n := h.engine.Starts(); n != 5 {
		t.Errorf("Expected no restart after release, got %d starts", n)
	}
}

func TestControllerEngineBusyRecovers(t *testing.T) {
	h := newHarness(t)
	h.engine.startErrs = []error{stt.ErrEngineBusy}

	h.press()
	waitFor(t, "restart", func() bool { return h.engine.Starts() == 1 && h.engine.Live() != 0 })
	if h.state() != StateRecording {
		t.Errorf("Expected recording, got %s", h.state())
	}
	if h.sawState(StateError) {
		t.Error("Expected busy engine to never surface an error")
	}
}

func TestControllerPermissionDenied(t *testing.T) {
	h := newHarness(t, func(_ *Options, mic *fakeMic) {
		mic.results = []error{ErrMicNotAllowed, ErrMicNotAllowed}
	})

	h.press()
	h.waitState(StateError)
	status := h.c.Status()
	if status.Message != msgDenied {
		t.Errorf("Expected denial message, got %q", status.Message)
	}
	h.release()

	// Denial stays until the user taps again
	time.Sleep(100 * time.Millisecond)
	if h.state() != StateError {
		t.Fatalf("Expected denial to persist, got %s", h.state())
	}

	// Tap to retry asks again and stays in Error while still denied
	h.press()
	waitFor(t, "second request", func() bool { return h.mic.Calls() == 2 })
	time.Sleep(20 * time.Millisecond)
	if h.state() != StateError {
		t.Errorf("Expected to stay in error, got %s", h.state())
	}
	h.release()

	// Granted on the third tap
	h.press()
	h.waitState(StateRecording)
	if n := h.engine.Starts(); n != 1 {
		t.Errorf("Expected recognition only after grant, got %d starts", n)
	}
}

func TestControllerPromptNeedsNextPress(t *testing.T) {
	h := newHarness(t, func(_ *Options, mic *fakeMic) {
		mic.results = []error{ErrMicGestureRequired}
	})

	h.press()
	waitFor(t, "request", func() bool { return h.mic.Calls() == 1 })
	time.Sleep(20 * time.Millisecond)
	if h.state() != StateIdle {
		t.Fatalf("Expected idle, got %s", h.state())
	}
	h.release()

	h.press()
	h.waitState(StateRecording)
}

func TestControllerNoMicrophone(t *testing.T) {
	h := newHarness(t, func(_ *Options, mic *fakeMic) {
		mic.results = []error{ErrMicNotFound}
	})

	h.press()
	h.waitState(StateError)
	if msg := h.c.Status().Message; msg != msgNoMic {
		t.Errorf("Expected %q, got %q", msgNoMic, msg)
	}
	h.waitState(StateIdle)
}

func TestControllerReleaseBeforeGrant(t *testing.T) {
	h := newHarness(t, func(_ *Options, mic *fakeMic) {
		mic.block = make(chan struct{})
	})

	h.press()
	waitFor(t, "request", func() bool { return h.mic.Calls() == 1 })
	h.release()
	close(h.mic.block)

	time.Sleep(30 * time.Millisecond)
	if n := h.engine.Starts(); n != 0 {
		t.Errorf("Expected no recognition, got %d starts", n)
	}
	if h.state() != StateIdle {
		t.Errorf("Expected idle, got %s", h.state())
	}

	// The stream is cached for the next hold
	h.press()
	h.waitState(StateRecording)
	if n := h.mic.Calls(); n != 1 {
		t.Errorf("Expected 1 microphone request, got %d", n)
	}
}

func TestControllerEngineErrors(t *testing.T) {
	tests := []struct {
		name        string
		kind        stt.ErrorKind
		wantState   State
		wantMessage string
		autoClears  bool
	}{
		{name: "not allowed", kind: stt.ErrorNotAllowed, wantState: StateError, wantMessage: msgDenied},
		{name: "service not allowed", kind: stt.ErrorServiceNotAllowed, wantState: StateError, wantMessage: msgDenied},
		{name: "audio capture", kind: stt.ErrorAudioCapture, wantState: StateError, wantMessage: msgAudio, autoClears: true},
		{name: "unknown", kind: stt.ErrorUnknown, wantState: StateError, wantMessage: msgRecognition, autoClears: true},
		{name: "no speech", kind: stt.ErrorNoSpeech, wantState: StateRecording, wantMessage: msgRecording},
		{name: "aborted", kind: stt.ErrorAborted, wantState: StateRecording, wantMessage: msgRecording},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.pressAndRecord()

			h.engine.fail(tt.kind)
			if tt.wantState == StateRecording {
				time.Sleep(20 * time.Millisecond)
			}
			h.waitState(tt.wantState)

			if msg := h.c.Status().Message; msg != tt.wantMessage {
				t.Errorf("Expected %q, got %q", tt.wantMessage, msg)
			}
			if tt.wantState != StateError {
				return
			}
			if h.engine.Live() != 0 {
				t.Error("Expected recognition to be stopped")
			}

			time.Sleep(100 * time.Millisecond)
			cleared := h.state() == StateIdle
			if cleared != tt.autoClears {
				t.Errorf("Expected auto-clear %v, got state %s", tt.autoClears, h.state())
			}
		})
	}
}

func TestControllerRevokedPermissionReleasesStream(t *testing.T) {
	h := newHarness(t)
	h.pressAndRecord()

	h.engine.fail(stt.ErrorNotAllowed)
	h.waitState(StateError)
	if !h.mic.Source(0).Stopped() {
		t.Error("Expected revoked stream to be stopped")
	}
	h.release()

	h.press()
	h.waitState(StateRecording)
	if n := h.mic.Calls(); n != 2 {
		t.Errorf("Expected a fresh microphone request, got %d", n)
	}
}

func TestControllerAudioCaptureFaultRequestsNewStream(t *testing.T) {
	tests := []struct {
		name        string
		deviceEnded bool
	}{
		{name: "stream still open", deviceEnded: false},
		{name: "stream ended", deviceEnded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.pressAndRecord()

			if tt.deviceEnded {
				h.mic.Source(0).Stop()
			}
			h.engine.fail(stt.ErrorAudioCapture)
			h.waitState(StateError)
			h.release()
			h.waitState(StateIdle)

			if !h.mic.Source(0).Stopped() {
				t.Error("Expected faulted stream to be released")
			}

			h.pressAndRecord()
			if n := h.mic.Calls(); n != 2 {
				t.Fatalf("Expected a fresh microphone request, got %d", n)
			}
			if got := h.engine.LastRequest().Audio; got != h.mic.Source(1) {
				t.Error("Expected the next hold to record from the new stream")
			}
		})
	}
}

func TestControllerIgnoresPressWhileProcessing(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *fakeMic) {
		o.Timing.FlushGrace = 150 * time.Millisecond
	})

	h.pressAndRecord()
	h.engine.final("first")
	waitFor(t, "final text", func() bool { return h.c.Status().Live == "first" })
	h.release()
	h.waitState(StateProcessing)

	if h.c.Status().Interactive {
		t.Error("Expected control to be non-interactive while processing")
	}
	h.press()
	h.release()

	waitFor(t, "transcript", func() bool { return len(h.Transcripts()) == 1 })
	h.waitState(StateIdle)
	if n := h.engine.Starts(); n != 1 {
		t.Errorf("Expected press during processing to be ignored, got %d starts", n)
	}
}

func TestControllerErrorAutoClearDoesNotOverrideNewHold(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *fakeMic) {
		o.Timing.ErrorClear = 80 * time.Millisecond
	})
	h.pressAndRecord()

	h.engine.fail(stt.ErrorAudioCapture)
	h.waitState(StateError)
	h.release()

	h.press()
	h.waitState(StateRecording)
	time.Sleep(120 * time.Millisecond)
	if h.state() != StateRecording {
		t.Errorf("Expected stale auto-clear to be ignored, got %s", h.state())
	}
}

func TestControllerDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *fakeMic) {
		o.Disabled = true
	})

	if h.dispatch(InputEvent{Kind: InputContextMenu}) {
		t.Error("Expected context menu to be allowed while disabled")
	}
	h.press()
	time.Sleep(20 * time.Millisecond)
	if n := h.mic.Calls(); n != 0 {
		t.Errorf("Expected no microphone request, got %d", n)
	}
	if h.c.Status().Interactive {
		t.Error("Expected disabled control to be non-interactive")
	}

	h.c.SetDisabled(false)
	if !h.dispatch(InputEvent{Kind: InputContextMenu}) {
		t.Error("Expected context menu to be suppressed")
	}
	h.pressAndRecord()

	h.c.SetDisabled(true)
	h.waitState(StateIdle)
	if h.engine.Live() != 0 {
		t.Error("Expected disabling to stop recognition")
	}
}

func TestControllerClose(t *testing.T) {
	h := newHarness(t)
	h.pressAndRecord()

	if err := h.c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !h.mic.Source(0).Stopped() {
		t.Error("Expected microphone to be released")
	}
	if h.engine.Live() != 0 {
		t.Error("Expected recognition to be stopped")
	}
	if h.c.Dispatch(InputEvent{Kind: InputPointerUp}) {
		t.Error("Expected dispatch after close to be a no-op")
	}
}

func TestNewRequiresTranscriptCallback(t *testing.T) {
	if _, err := New(newFakeEngine(), &fakeMic{}, Options{}); err == nil {
		t.Error("Expected error without OnTranscript")
	}
}
