package ptt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/ptt-gateway/internal/observability"
	"github.com/lexiqai/ptt-gateway/internal/stt"
)

// sessionContext is the controller's mutable record. It is owned by the loop
// goroutine and read by every deferred handler at the moment it runs.
type sessionContext struct {
	state    State
	message  string
	tone     Tone
	disabled bool

	phase           uint64 // incremented per Recording phase
	firstSession    uint64 // first engine session of the current phase
	session         uint64 // live engine session, 0 when none
	retries         int
	retryPending    bool
	suppressRestart bool
	errorSeq        uint64
	acquiring       bool
	holdStart       time.Time
}

// Controller is the push-to-talk state machine. All handlers run on a single
// goroutine; Dispatch hands input to it and waits for the result.
type Controller struct {
	opts    Options
	engine  stt.Engine
	gate    *PermissionGate
	gesture *GestureController
	logger  zerolog.Logger

	transcript Transcript
	sc         sessionContext

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	statusMu sync.RWMutex
	status   Status
}

// New starts a controller driving engine with audio from mic
func New(engine stt.Engine, mic MicrophoneAccess, opts Options) (*Controller, error) {
	if opts.OnTranscript == nil {
		return nil, errors.New("ptt: OnTranscript is required")
	}
	if engine == nil || mic == nil {
		return nil, errors.New("ptt: engine and microphone are required")
	}
	opts.withDefaults()

	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "ptt").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		engine: engine,
		gate:   NewPermissionGate(mic),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan func(), 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.gesture = NewGestureController(GestureConfig{
		Debounce:  opts.Timing.Debounce,
		Tolerance: opts.Timing.BoundaryTolerance,
	}, c.suppressed)

	c.sc.state = StateIdle
	c.sc.disabled = opts.Disabled
	c.sc.tone = ToneInfo
	c.status = c.snapshot()

	go c.run()
	return c, nil
}

// Dispatch delivers one input event and reports whether the host should
// suppress the platform's default action for it
func (c *Controller) Dispatch(ev InputEvent) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	result := make(chan bool, 1)
	if !c.post(func() { result <- c.handleInput(ev) }) {
		return false
	}
	select {
	case suppress := <-result:
		return suppress
	case <-c.done:
		return false
	}
}

// SetDisabled toggles input handling. Disabling mid-hold releases it.
func (c *Controller) SetDisabled(disabled bool) {
	applied := make(chan struct{})
	if !c.post(func() {
		defer close(applied)
		if c.sc.disabled == disabled {
			return
		}
		if disabled && c.gesture.Holding() {
			c.gesture.Reset()
			c.release(CauseCancel, time.Now())
		}
		c.sc.disabled = disabled
		c.publish()
	}) {
		return
	}
	select {
	case <-applied:
	case <-c.done:
	}
}

// Status returns the latest status snapshot
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Close stops the loop, the engine session and the microphone stream
func (c *Controller) Close() error {
	c.once.Do(func() {
		close(c.quit)
		c.cancel()
	})
	<-c.done
	return nil
}

func (c *Controller) run() {
	defer close(c.done)

	events := c.engine.Events()
	for {
		select {
		case <-c.quit:
			c.teardown()
			return
		case fn := <-c.inbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEngine(ev)
		}
	}
}

func (c *Controller) teardown() {
	if !c.sc.holdStart.IsZero() {
		observability.RecordHoldEnd(time.Since(c.sc.holdStart).Seconds())
		c.sc.holdStart = time.Time{}
	}
	c.sc.retryPending = false
	if err := c.engine.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to stop recognition on teardown")
	}
	c.sc.session = 0
	if err := c.gate.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to release microphone")
	}
	c.logger.Debug().Msg("Controller closed")
}

// post queues fn for the loop. It returns false once the controller is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// after runs fn on the loop once d has elapsed. fn must re-check the
// session context because anything may have happened in between.
func (c *Controller) after(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { c.post(fn) })
}

func (c *Controller) handleInput(ev InputEvent) bool {
	if c.sc.disabled {
		return false
	}
	if ev.Kind == InputContextMenu {
		return c.interactive()
	}

	edge, cause := c.gesture.Handle(ev)
	switch edge {
	case EdgePress:
		c.press(ev)
	case EdgeRelease:
		c.release(cause, ev.At)
	}
	return false
}

func (c *Controller) press(ev InputEvent) {
	switch c.sc.state {
	case StateProcessing:
		c.gesture.Reset()
		c.suppressed("processing", ev)
		return
	case StateRecording:
		return
	}

	c.sc.holdStart = ev.At
	observability.RecordHoldStart()
	c.emitHold(HoldEvent{Kind: HoldPressed})

	if c.gate.Status() == PermissionDenied {
		if c.sc.state != StateError {
			c.fail(failDenied)
			return
		}
		// Tap to retry from the denial message
		c.gate.Forget()
	}

	// Stream drops a cached stream that has ended, so a dead device falls
	// through to a fresh request
	if c.gate.Stream() != nil && c.gate.Status() == PermissionGranted {
		c.beginRecording()
		return
	}
	c.acquire()
}

// release is the only path that ends a hold, whatever triggered it
func (c *Controller) release(cause ReleaseCause, at time.Time) {
	if !c.sc.holdStart.IsZero() {
		held := at.Sub(c.sc.holdStart)
		observability.RecordHoldEnd(held.Seconds())
		c.emitHold(HoldEvent{Kind: HoldReleased, Cause: cause, Duration: held})
		c.sc.holdStart = time.Time{}
	}

	if c.sc.state != StateRecording {
		return
	}
	c.logger.Debug().Str("cause", string(cause)).Uint64("phase", c.sc.phase).Msg("Hold released")

	if c.sc.retryPending {
		c.stopSession()
		c.fail(failNetwork)
		return
	}

	c.stopSession()
	if c.transcript.Empty() {
		c.transcript.Clear()
		observability.RecordTranscript(false)
		c.setState(StateIdle, "", ToneInfo)
		return
	}

	c.setState(StateProcessing, "", ToneInfo)
	phase := c.sc.phase
	c.after(c.opts.Timing.FlushGrace, func() {
		if c.sc.phase != phase || c.sc.state != StateProcessing {
			return
		}
		c.flush()
	})
}

func (c *Controller) flush() {
	text := c.transcript.Flush()
	if text != "" {
		c.opts.OnTranscript(text)
		observability.RecordTranscript(true)
		c.emitHold(HoldEvent{Kind: HoldTranscribed, Chars: len(text)})
		c.logger.Info().Uint64("phase", c.sc.phase).Int("chars", len(text)).Msg("Transcript sent")
	} else {
		observability.RecordTranscript(false)
	}
	c.setState(StateIdle, "", ToneInfo)
}

func (c *Controller) acquire() {
	if c.sc.acquiring {
		return
	}
	c.sc.acquiring = true

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.Timing.PermissionTimeout)
	go func() {
		defer cancel()
		status, err := c.gate.Acquire(ctx)
		c.post(func() { c.acquired(status, err) })
	}()
}

func (c *Controller) acquired(status PermissionStatus, err error) {
	c.sc.acquiring = false

	switch status {
	case PermissionGranted:
		if !c.gesture.Holding() {
			c.logger.Debug().Msg("Released before microphone was granted")
			return
		}
		if c.sc.state == StateRecording || c.sc.state == StateProcessing {
			return
		}
		c.beginRecording()
	case PermissionDenied:
		c.logger.Info().Err(err).Msg("Microphone access denied")
		c.fail(failDenied)
	default:
		switch {
		case errors.Is(err, ErrGateClosed):
			return
		case errors.Is(err, ErrMicNotFound):
			c.fail(failNoMic)
		case errors.Is(err, ErrMicGestureRequired):
			c.logger.Debug().Msg("Microphone prompt needs a fresh gesture")
			if c.sc.state == StateError {
				c.setState(StateIdle, "", ToneInfo)
			}
		default:
			c.logger.Warn().Err(err).Msg("Microphone request failed")
			c.fail(failAudio)
		}
	}
}

func (c *Controller) beginRecording() {
	c.transcript.Clear()
	c.sc.phase++
	c.sc.firstSession = 0
	c.sc.retries = 0
	c.sc.retryPending = false
	c.sc.suppressRestart = false
	c.setState(StateRecording, "", ToneInfo)
	c.startSession("press")
}

// fail moves to Error and arms the auto-clear timer when the failure allows it
func (c *Controller) fail(f failure) {
	c.sc.retryPending = false
	c.sc.errorSeq++
	c.setState(StateError, f.message, ToneError)
	observability.RecordError(string(f.kind), "ptt")
	c.emitHold(HoldEvent{Kind: HoldFailed, Error: string(f.kind)})

	if !f.autoClear {
		return
	}
	seq := c.sc.errorSeq
	c.after(c.opts.Timing.ErrorClear, func() {
		if c.sc.state != StateError || c.sc.errorSeq != seq {
			return
		}
		c.setState(StateIdle, "", ToneInfo)
	})
}

func (c *Controller) setState(state State, message string, tone Tone) {
	if state != c.sc.state {
		c.logger.Debug().Str("from", string(c.sc.state)).Str("to", string(state)).Msg("State transition")
	}
	c.sc.state = state
	c.sc.message = message
	c.sc.tone = tone
	c.publish()
}

func (c *Controller) interactive() bool {
	return !c.sc.disabled && c.sc.state != StateProcessing
}

func (c *Controller) snapshot() Status {
	message := c.sc.message
	if message == "" {
		switch c.sc.state {
		case StateRecording:
			message = msgRecording
		case StateProcessing:
			message = msgProcessing
		default:
			message = msgIdle
		}
		if c.sc.disabled && c.sc.state == StateIdle {
			message = msgDisabled
		}
	}

	s := Status{
		State:       c.sc.state,
		Message:     message,
		Tone:        c.sc.tone,
		Interactive: c.interactive(),
	}
	if c.sc.state == StateRecording || c.sc.state == StateProcessing {
		s.Live = joinLive(c.transcript.Final(), c.transcript.Interim())
	}
	return s
}

// publish stores the current snapshot and notifies the host when it changed
func (c *Controller) publish() {
	s := c.snapshot()

	c.statusMu.Lock()
	changed := s != c.status
	c.status = s
	c.statusMu.Unlock()

	if changed && c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Controller) emitHold(ev HoldEvent) {
	if c.opts.OnHoldEvent == nil {
		return
	}
	ev.Phase = c.sc.phase
	ev.At = time.Now()
	c.opts.OnHoldEvent(ev)
}

func (c *Controller) suppressed(reason string, ev InputEvent) {
	observability.RecordGestureSuppressed(reason)
	c.logger.Debug().Str("reason", reason).Str("input", string(ev.Kind)).Msg("Gesture suppressed")
}

func joinLive(final, interim string) string {
	switch {
	case final == "":
		return interim
	case interim == "":
		return final
	default:
		return final + " " + interim
	}
}
