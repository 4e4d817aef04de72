package ptt

import (
	"strconv"
	"time"
)

// Edge is a logical transition of the hold
type Edge int

const (
	EdgeNone Edge = iota
	EdgePress
	EdgeRelease
)

// ReleaseCause says which trigger ended a hold
type ReleaseCause string

const (
	CauseRelease  ReleaseCause = "release"
	CauseCancel   ReleaseCause = "cancel"
	CauseBoundary ReleaseCause = "boundary"
	CauseHidden   ReleaseCause = "hidden"
)

// Suppression reasons reported for dropped signals
const (
	SuppressDebounce       = "debounce"
	SuppressAlreadyHolding = "already_holding"
	SuppressIdentity       = "identity"
	SuppressStrayRelease   = "stray_release"
)

// GestureConfig tunes gesture normalization
type GestureConfig struct {
	Debounce  time.Duration // window for collapsing duplicate edges
	Tolerance float64       // px added around the control before a touch counts as outside
}

// DefaultGestureConfig returns the 300ms / 40px defaults
func DefaultGestureConfig() GestureConfig {
	return GestureConfig{Debounce: 300 * time.Millisecond, Tolerance: 40}
}

// GestureController collapses the pointer and touch channels into a single
// press/release pair per physical action. It is not safe for concurrent use;
// the Controller drives it from its loop.
type GestureController struct {
	cfg        GestureConfig
	onSuppress func(reason string, ev InputEvent)

	lastPress time.Time

	holding    bool
	token      string
	touchID    int64
	hasTouch   bool
	pointerID  int64
	hasPointer bool
	outside    bool
}

// NewGestureController creates a gesture normalizer. onSuppress, if set, is
// told about every signal that was dropped.
func NewGestureController(cfg GestureConfig, onSuppress func(reason string, ev InputEvent)) *GestureController {
	return &GestureController{cfg: cfg, onSuppress: onSuppress}
}

// Holding reports whether a logical hold is active
func (g *GestureController) Holding() bool {
	return g.holding
}

// Token identifies the input source that owns the active hold
func (g *GestureController) Token() string {
	return g.token
}

// Handle feeds one raw signal and returns the resulting logical edge
func (g *GestureController) Handle(ev InputEvent) (Edge, ReleaseCause) {
	switch ev.Kind {
	case InputPointerDown:
		return g.press(ev, pointerToken(ev.PointerID)), ""
	case InputTouchStart:
		return g.press(ev, touchToken(ev.TouchID)), ""
	case InputPointerUp:
		return g.release(ev, CauseRelease)
	case InputPointerCancel:
		return g.release(ev, CauseCancel)
	case InputTouchEnd:
		return g.release(ev, CauseRelease)
	case InputTouchCancel:
		return g.release(ev, CauseCancel)
	case InputTouchMove:
		return g.move(ev)
	case InputHidden:
		if !g.holding {
			return EdgeNone, ""
		}
		g.clear()
		return EdgeRelease, CauseHidden
	}
	return EdgeNone, ""
}

// Reset drops any active hold without producing an edge
func (g *GestureController) Reset() {
	g.clear()
	g.outside = false
}

func (g *GestureController) press(ev InputEvent, token string) Edge {
	if !g.lastPress.IsZero() && ev.At.Sub(g.lastPress) < g.cfg.Debounce {
		// The same physical action often arrives on both channels. Adopt
		// the losing channel's id so its later signals match the hold.
		if g.holding {
			switch {
			case ev.isTouch() && !g.hasTouch:
				g.touchID = ev.TouchID
				g.hasTouch = true
			case !ev.isTouch() && !g.hasPointer:
				g.pointerID = ev.PointerID
				g.hasPointer = true
			}
		}
		g.suppress(SuppressDebounce, ev)
		return EdgeNone
	}
	if g.holding {
		g.suppress(SuppressAlreadyHolding, ev)
		return EdgeNone
	}

	g.lastPress = ev.At
	g.holding = true
	g.token = token
	g.outside = false
	g.hasTouch = ev.isTouch()
	g.touchID = ev.TouchID
	g.hasPointer = !ev.isTouch()
	g.pointerID = ev.PointerID
	return EdgePress
}

func (g *GestureController) release(ev InputEvent, cause ReleaseCause) (Edge, ReleaseCause) {
	if !g.holding {
		// Usually the other channel's copy of a release already handled
		g.suppress(SuppressStrayRelease, ev)
		return EdgeNone, ""
	}
	if !g.owns(ev) {
		g.suppress(SuppressIdentity, ev)
		return EdgeNone, ""
	}

	g.clear()
	return EdgeRelease, cause
}

func (g *GestureController) move(ev InputEvent) (Edge, ReleaseCause) {
	if !g.holding || !g.hasTouch || ev.TouchID != g.touchID || ev.Bounds.Empty() {
		return EdgeNone, ""
	}
	if ev.Bounds.Expand(g.cfg.Tolerance).Contains(ev.Point) {
		g.outside = false
		return EdgeNone, ""
	}
	if g.outside {
		return EdgeNone, ""
	}
	g.outside = true
	g.clear()
	return EdgeRelease, CauseBoundary
}

// owns reports whether a release signal belongs to the active hold. Once a
// touch id is tracked, touch-generated pointer signals defer to the touch
// channel, which knows which finger lifted.
func (g *GestureController) owns(ev InputEvent) bool {
	if ev.isTouch() {
		return g.hasTouch && ev.TouchID == g.touchID
	}
	if g.hasTouch && ev.PointerType == PointerTypeTouch {
		return false
	}
	return g.hasPointer && ev.PointerID == g.pointerID
}

func (g *GestureController) clear() {
	g.holding = false
	g.token = ""
	g.hasTouch = false
	g.hasPointer = false
}

func (g *GestureController) suppress(reason string, ev InputEvent) {
	if g.onSuppress != nil {
		g.onSuppress(reason, ev)
	}
}

func touchToken(id int64) string {
	return "touch:" + strconv.FormatInt(id, 10)
}

func pointerToken(id int64) string {
	return "pointer:" + strconv.FormatInt(id, 10)
}
