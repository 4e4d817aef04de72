package webclient

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/ptt-gateway/internal/config"
	"github.com/lexiqai/ptt-gateway/internal/eventlog"
	"github.com/lexiqai/ptt-gateway/internal/observability"
	"github.com/lexiqai/ptt-gateway/internal/ptt"
	"github.com/lexiqai/ptt-gateway/internal/resilience"
	"github.com/lexiqai/ptt-gateway/internal/stt"
)

const (
	writeTimeout   = 5 * time.Second
	maxMessageSize = 64 * 1024
)

// EngineFactory creates the recognition engine for one connection
type EngineFactory func() stt.Engine

// ClientSession holds the state of a single browser control
type ClientSession struct {
	// Connection
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Identification
	clientID string
	userID   string

	// Push-to-talk
	controller *ptt.Controller
	engine     stt.Engine
	mic        *remoteMicrophone

	events *eventlog.Logger
	logger zerolog.Logger
}

// HandlePTTWS is the entry point for push-to-talk WebSocket connections
func HandlePTTWS(cfg *config.Config, newEngine EngineFactory, events *eventlog.Logger) http.HandlerFunc {
	auth := NewAuthenticator(cfg.JWTSecret)
	upgrader := websocket.Upgrader{
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.GetLogger()

		claims, err := auth.Authenticate(r)
		if err != nil {
			logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected push-to-talk connection")
			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
			return
		}

		// Upgrade HTTP connection to WebSocket; Upgrade writes the error response
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		session, err := NewClientSession(conn, cfg, newEngine(), claims.UserID, events, r.URL.Query())
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create client session")
			observability.ReportError(err, map[string]string{"component": "webclient"})
			return
		}
		defer session.Close()

		session.processIncomingMessages()
	}
}

// NewClientSession wires a controller to conn. query carries the
// construction parameters lang and disabled.
func NewClientSession(conn *websocket.Conn, cfg *config.Config, engine stt.Engine, userID string, events *eventlog.Logger, query map[string][]string) (*ClientSession, error) {
	clientID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(clientID).
		With().
		Str("client_id", clientID).
		Str("user_id", userID).
		Logger()

	s := &ClientSession{
		conn:     conn,
		clientID: clientID,
		userID:   userID,
		engine:   engine,
		events:   events,
		logger:   logger,
	}
	s.mic = newRemoteMicrophone(s.writeJSON, logger)

	language := firstValue(query, "lang")
	if language == "" {
		language = cfg.DefaultLanguage
	}
	disabled, _ := strconv.ParseBool(firstValue(query, "disabled"))

	controller, err := ptt.New(engine, s.mic, ptt.Options{
		OnTranscript: s.sendTranscript,
		OnStatus:     s.sendStatus,
		OnHoldEvent: func(ev ptt.HoldEvent) {
			s.events.LogHold(s.clientID, s.userID, ev)
		},
		Disabled: disabled,
		Language: language,
		Timing:   timingFromConfig(cfg),
		Logger:   &logger,
	})
	if err != nil {
		if engine != nil {
			_ = engine.Close()
		}
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	s.controller = controller

	observability.RecordConnectionOpened()
	s.events.LogAsync(clientID, userID, eventlog.EventConnected, map[string]any{
		"language": language,
		"disabled": disabled,
	})
	logger.Info().Str("language", language).Bool("disabled", disabled).Msg("Push-to-talk client connected")

	s.sendStatus(controller.Status())
	return s, nil
}

// processIncomingMessages reads until the connection closes
func (s *ClientSession) processIncomingMessages() {
	s.conn.SetReadLimit(maxMessageSize)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.mic.push(data)
		case websocket.TextMessage:
			s.handleMessage(data)
		}
	}
}

func (s *ClientSession) handleMessage(data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse client message")
		return
	}

	if ev, ok := msg.inputEvent(); ok {
		s.controller.Dispatch(ev)
		return
	}

	switch msg.Event {
	case eventDisabled:
		s.controller.SetDisabled(msg.Disabled)
	case eventMic:
		s.mic.answer(msg.RequestID, micError(msg.Result, msg.Message))
	case eventMicRevoked:
		s.logger.Info().Msg("Microphone revoked by client")
		s.mic.fail(stt.ErrAudioRevoked)
	case eventMicError:
		s.logger.Warn().Str("message", msg.Message).Msg("Microphone capture failed on client")
		s.mic.fail(fmt.Errorf("microphone capture failed: %s", msg.Message))
	default:
		s.logger.Debug().Str("event", msg.Event).Msg("Unknown client event")
	}
}

// Close tears down the controller, the engine and the microphone
func (s *ClientSession) Close() {
	s.mic.close()
	if err := s.controller.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing controller")
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing recognition engine")
	}

	observability.RecordConnectionClosed()
	s.events.LogAsync(s.clientID, s.userID, eventlog.EventDisconnected, nil)
	s.logger.Info().Msg("Push-to-talk client disconnected")
}

func (s *ClientSession) sendStatus(status ptt.Status) {
	if err := s.writeJSON(ServerMessage{Type: typeStatus, Status: &status}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send status")
	}
}

func (s *ClientSession) sendTranscript(text string) {
	if err := s.writeJSON(ServerMessage{Type: typeTranscript, Text: text}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to deliver transcript")
		observability.ReportError(err, map[string]string{"component": "webclient", "client_id": s.clientID})
	}
}

func (s *ClientSession) writeJSON(msg ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// timingFromConfig builds controller timing from service configuration
func timingFromConfig(cfg *config.Config) ptt.Timing {
	return ptt.Timing{
		Debounce:          config.Millis(cfg.DebounceMs),
		BoundaryTolerance: cfg.BoundaryTolerancePx,
		FlushGrace:        config.Millis(cfg.FlushGraceMs),
		ErrorClear:        config.Millis(cfg.ErrorClearMs),
		RestartDelay:      config.Millis(cfg.RestartDelayMs),
		PermissionTimeout: cfg.MicPromptTimeout(),
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Step:        config.Millis(cfg.RetryBackoffMs),
		},
	}
}

// checkOrigin allows every origin when allowed is empty. Requests without an
// Origin header come from non-browser clients and are accepted.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	origins := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin != "" {
			origins[origin] = true
		}
	}

	return func(r *http.Request) bool {
		if len(origins) == 0 || origins["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origins[strings.ToLower(origin)]
	}
}

func firstValue(query map[string][]string, key string) string {
	if values := query[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}
