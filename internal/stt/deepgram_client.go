package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/ptt-gateway/internal/config"
	"github.com/lexiqai/ptt-gateway/internal/observability"
	"github.com/lexiqai/ptt-gateway/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface for one
// session. It embeds the default handler and overrides only what we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	session *deepgramSession
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.session.handleMessage(message)
	return nil
}

// Close marks the session as ended
func (m *messageCallbackHandler) Close(_ *msginterfaces.CloseResponse) error {
	m.session.end()
	return nil
}

// Error classifies provider errors
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.session.handleError(fmt.Sprintf("%+v", errorResponse))
	return nil
}

// DeepgramEngine implements Engine using Deepgram's live streaming API. Each
// Start opens a fresh websocket; the microphone AudioSource is pumped into it
// until Stop.
type DeepgramEngine struct {
	config         *config.Config
	events         chan Event
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	seq    uint64
	live   *deepgramSession
	closed bool
}

type deepgramSession struct {
	id     uint64
	engine *DeepgramEngine
	client *listenClient.WSCallback
	logger zerolog.Logger

	pumpCtx    context.Context
	stopPump   context.CancelFunc
	stopped    atomic.Bool
	endOnce    sync.Once
	finishOnce sync.Once
}

// NewDeepgramEngine creates a new Deepgram streaming engine
func NewDeepgramEngine(cfg *config.Config) *DeepgramEngine {
	ctx, cancel := context.WithCancel(context.Background())

	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &DeepgramEngine{
		config:         cfg,
		events:         make(chan Event, 64),
		circuitBreaker: circuitBreaker,
		logger:         observability.GetLogger().With().Str("component", "deepgram").Logger(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start opens a new live transcription session
func (d *DeepgramEngine) Start(ctx context.Context, req StartRequest) (uint64, error) {
	if req.Audio == nil {
		return 0, errors.New("deepgram: audio source is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errors.New("deepgram: engine closed")
	}
	if d.live != nil {
		return 0, ErrEngineBusy
	}
	if err := d.circuitBreaker.Allow(); err != nil {
		return 0, fmt.Errorf("deepgram: %w", err)
	}

	language := req.Language
	if language == "" {
		language = d.config.DefaultLanguage
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       d.config.AudioEncoding,
		Channels:       1,
		SampleRate:     d.config.AudioSampleRate,
	}
	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	d.seq++
	session := &deepgramSession{
		id:     d.seq,
		engine: d,
		logger: d.logger.With().Uint64("stt_session", d.seq).Logger(),
	}
	session.pumpCtx, session.stopPump = context.WithCancel(d.ctx)

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		session:                session,
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.config.DeepgramAPIKey, cOptions, tOptions, callback)
	if err != nil {
		session.stopPump()
		d.recordFailure()
		return 0, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	session.client = client
	d.live = session

	go session.run(req.Audio)

	session.logger.Debug().
		Str("model", d.config.DeepgramModel).
		Str("language", language).
		Msg("Deepgram session opening")
	return session.id, nil
}

// Stop finishes the live session; Deepgram flushes trailing finals before
// the socket closes
func (d *DeepgramEngine) Stop() error {
	d.mu.Lock()
	session := d.live
	d.live = nil
	d.mu.Unlock()

	if session == nil {
		return nil
	}
	session.stop()
	return nil
}

// Events returns the event stream for all sessions
func (d *DeepgramEngine) Events() <-chan Event {
	return d.events
}

// Close stops any live session and prevents new ones
func (d *DeepgramEngine) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err := d.Stop()
	d.cancel()
	return err
}

// Ready reports whether the engine can open sessions
func (d *DeepgramEngine) Ready() (bool, error) {
	if d.config.DeepgramAPIKey == "" {
		return false, errors.New("deepgram API key not configured")
	}
	if d.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func (d *DeepgramEngine) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.ctx.Done():
	}
}

func (d *DeepgramEngine) recordFailure() {
	d.circuitBreaker.RecordResult(false)
	observability.IncrementCircuitBreakerFailures("deepgram")
}

// release drops the session from the live slot if it still holds it
func (d *DeepgramEngine) release(s *deepgramSession) {
	d.mu.Lock()
	if d.live == s {
		d.live = nil
	}
	d.mu.Unlock()
}

func (s *deepgramSession) run(audio AudioSource) {
	if !s.client.Connect() {
		s.engine.recordFailure()
		s.emitError(ErrorNetwork, "failed to connect to Deepgram")
		s.end()
		return
	}
	s.engine.circuitBreaker.RecordResult(true)

	if s.stopped.Load() {
		// Stopped while connecting
		s.finish()
		return
	}
	s.engine.emit(Event{Type: EventStarted, Session: s.id})

	for {
		select {
		case <-s.pumpCtx.Done():
			return
		case chunk, ok := <-audio.Chunks():
			if !ok {
				s.audioEnded(audio.Err())
				return
			}
			if _, err := s.client.Write(chunk); err != nil {
				s.engine.recordFailure()
				s.emitError(ErrorNetwork, err.Error())
				s.finish()
				return
			}
			observability.RecordAudioBytes(len(chunk))
		case <-audio.Done():
			s.audioEnded(audio.Err())
			return
		}
	}
}

func (s *deepgramSession) audioEnded(err error) {
	if s.stopped.Load() {
		return
	}
	kind := KindForAudioError(err)
	detail := "audio source closed"
	if err != nil {
		detail = err.Error()
	}
	s.emitError(kind, detail)
	s.finish()
}

func (s *deepgramSession) stop() {
	s.stopped.Store(true)
	s.stopPump()
	s.finish()
}

// finish closes the websocket once; the Close callback (or this fallback)
// reports the end of the session
func (s *deepgramSession) finish() {
	s.finishOnce.Do(func() {
		go func() {
			s.client.Finish()
			s.end()
		}()
	})
}

func (s *deepgramSession) end() {
	s.endOnce.Do(func() {
		s.stopPump()
		s.engine.release(s)
		s.logger.Debug().Msg("Deepgram session ended")
		s.engine.emit(Event{Type: EventEnded, Session: s.id})
	})
}

func (s *deepgramSession) emitError(kind ErrorKind, detail string) {
	s.logger.Warn().Str("kind", string(kind)).Str("detail", detail).Msg("Deepgram session error")
	s.engine.emit(Event{Type: EventError, Session: s.id, Kind: kind, Detail: detail})
}

// handleMessage converts Deepgram results into result events
func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	ev := Event{Type: EventResult, Session: s.id}
	if msg.IsFinal {
		if text == "" {
			// An empty final still retires the pending interim text
			s.engine.emit(ev)
			return
		}
		ev.Final = text
	} else {
		ev.Interim = text
	}
	s.engine.emit(ev)
}

func (s *deepgramSession) handleError(detail string) {
	kind := classifyDeepgramError(detail)
	if kind == ErrorNetwork || kind == ErrorServiceNotAllowed {
		s.engine.recordFailure()
	}
	s.emitError(kind, detail)
}

// classifyDeepgramError maps a provider error description onto an ErrorKind
func classifyDeepgramError(detail string) ErrorKind {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "insufficient_permissions"):
		return ErrorServiceNotAllowed
	case strings.Contains(lower, "net-0001"),
		strings.Contains(lower, "did not receive audio"):
		// Deepgram closes idle sockets; the controller restarts while held
		return ErrorNoSpeech
	case resilience.IsNetworkMessage(lower),
		strings.Contains(lower, "websocket"):
		return ErrorNetwork
	default:
		return ErrorUnknown
	}
}
