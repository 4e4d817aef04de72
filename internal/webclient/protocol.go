package webclient

import (
	"encoding/json"
	"fmt"

	"github.com/lexiqai/ptt-gateway/internal/ptt"
)

// ClientMessage is a JSON message sent by the browser control
type ClientMessage struct {
	Event string `json:"event"`

	// Pointer events; pointer_id must be sent for multi-touch isolation
	PointerID   int64  `json:"pointer_id,omitempty"`
	PointerType string `json:"pointer_type,omitempty"`

	// Touch events
	TouchID int64     `json:"touch_id,omitempty"`
	X       float64   `json:"x,omitempty"`
	Y       float64   `json:"y,omitempty"`
	Bounds  *ptt.Rect `json:"bounds,omitempty"`

	// visibility
	Hidden bool `json:"hidden,omitempty"`

	// disabled
	Disabled bool `json:"disabled,omitempty"`

	// mic answers a mic_request
	RequestID string `json:"request_id,omitempty"`
	Result    string `json:"result,omitempty"`

	// mic_error
	Message string `json:"message,omitempty"`
}

// Client events that are not gestures
const (
	eventVisibility = "visibility"
	eventDisabled   = "disabled"
	eventMic        = "mic"
	eventMicRevoked = "mic_revoked"
	eventMicError   = "mic_error"
)

// Answers to a mic_request
const (
	micGranted         = "granted"
	micDenied          = "denied"
	micNotFound        = "not_found"
	micGestureRequired = "gesture_required"
)

// ServerMessage is a JSON message sent to the browser control
type ServerMessage struct {
	Type      string      `json:"type"`
	Status    *ptt.Status `json:"status,omitempty"`
	Text      string      `json:"text,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// Server message types
const (
	typeStatus     = "status"
	typeTranscript = "transcript"
	typeMicRequest = "mic_request"
	typeMicRelease = "mic_release"
)

// decodeClientMessage parses one text frame
func decodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid client message: %w", err)
	}
	if msg.Event == "" {
		return msg, fmt.Errorf("client message missing event")
	}
	return msg, nil
}

// inputEvent converts a gesture or visibility message into controller input.
// ok is false for messages that are not input. At is left zero so the
// controller stamps every signal with the server clock on arrival.
func (m ClientMessage) inputEvent() (ev ptt.InputEvent, ok bool) {
	switch kind := ptt.InputKind(m.Event); kind {
	case ptt.InputPointerDown, ptt.InputPointerUp, ptt.InputPointerCancel:
		ev.Kind = kind
		ev.PointerID = m.PointerID
		ev.PointerType = m.PointerType
	case ptt.InputContextMenu:
		ev.Kind = kind
	case ptt.InputTouchStart, ptt.InputTouchEnd, ptt.InputTouchCancel:
		ev.Kind = kind
		ev.TouchID = m.TouchID
	case ptt.InputTouchMove:
		ev.Kind = kind
		ev.TouchID = m.TouchID
		ev.Point = ptt.Point{X: m.X, Y: m.Y}
		if m.Bounds != nil {
			ev.Bounds = *m.Bounds
		}
	default:
		if m.Event != eventVisibility {
			return ev, false
		}
		ev.Kind = ptt.InputVisible
		if m.Hidden {
			ev.Kind = ptt.InputHidden
		}
	}
	return ev, true
}

// micError maps a mic answer onto the controller's error taxonomy
func micError(result, message string) error {
	switch result {
	case micGranted:
		return nil
	case micDenied:
		return ptt.ErrMicNotAllowed
	case micNotFound:
		return ptt.ErrMicNotFound
	case micGestureRequired:
		return ptt.ErrMicGestureRequired
	default:
		if message == "" {
			message = result
		}
		return fmt.Errorf("microphone unavailable: %s", message)
	}
}
