package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexiqai/ptt-gateway/internal/ptt"
)

// EventType represents the type of push-to-talk event
type EventType string

const (
	EventConnected      EventType = "connected"
	EventHoldPressed    EventType = "hold_pressed"
	EventHoldReleased   EventType = "hold_released"
	EventTranscriptSent EventType = "transcript_sent"
	EventHoldFailed     EventType = "hold_failed"
	EventDisconnected   EventType = "disconnected"
)

// Schema creates the table events are written to
const Schema = `
CREATE TABLE IF NOT EXISTS ptt_events (
	id         BIGSERIAL PRIMARY KEY,
	client_id  TEXT        NOT NULL,
	user_id    TEXT,
	event_type TEXT        NOT NULL,
	event_data JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ptt_events_client_idx ON ptt_events (client_id, created_at);
`

// Logger provides async event logging to the database. A Logger without a
// pool, or a nil Logger, drops every event.
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Enabled reports whether events are persisted
func (l *Logger) Enabled() bool {
	return l != nil && l.db != nil
}

// EnsureSchema creates the events table if needed
func (l *Logger) EnsureSchema(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	_, err := l.db.Exec(ctx, Schema)
	return err
}

// Ping checks database connectivity for readiness probes
func (l *Logger) Ping(ctx context.Context) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	if err := l.db.Ping(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, clientID, userID string, eventType EventType, data map[string]any) error {
	if !l.Enabled() || clientID == "" {
		return nil // Silently skip if no DB or client ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	var user any
	if userID != "" {
		user = userID
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO ptt_events (client_id, user_id, event_type, event_data)
		VALUES ($1, $2, $3, $4)
	`, clientID, user, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(clientID, userID string, eventType EventType, data map[string]any) {
	if !l.Enabled() || clientID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, clientID, userID, eventType, data)
	}()
}

// LogHold records a controller hold event without blocking
func (l *Logger) LogHold(clientID, userID string, ev ptt.HoldEvent) {
	eventType, data := holdRecord(ev)
	l.LogAsync(clientID, userID, eventType, data)
}

// holdRecord maps a hold event onto its stored form
func holdRecord(ev ptt.HoldEvent) (EventType, map[string]any) {
	data := map[string]any{"phase": ev.Phase}

	var eventType EventType
	switch ev.Kind {
	case ptt.HoldPressed:
		eventType = EventHoldPressed
	case ptt.HoldReleased:
		eventType = EventHoldReleased
		data["cause"] = string(ev.Cause)
		data["duration_ms"] = ev.Duration.Milliseconds()
	case ptt.HoldTranscribed:
		eventType = EventTranscriptSent
		data["chars"] = ev.Chars
	case ptt.HoldFailed:
		eventType = EventHoldFailed
		data["error"] = ev.Error
	default:
		eventType = EventType(ev.Kind)
	}
	return eventType, data
}
