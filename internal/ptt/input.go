package ptt

import "time"

// InputKind names a raw signal delivered by the host surface
type InputKind string

const (
	InputPointerDown   InputKind = "pointerdown"
	InputPointerUp     InputKind = "pointerup"
	InputPointerCancel InputKind = "pointercancel"
	InputTouchStart    InputKind = "touchstart"
	InputTouchMove     InputKind = "touchmove"
	InputTouchEnd      InputKind = "touchend"
	InputTouchCancel   InputKind = "touchcancel"
	InputHidden        InputKind = "hidden"
	InputVisible       InputKind = "visible"
	InputContextMenu   InputKind = "contextmenu"
)

// Point is a screen position in CSS pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is the control's bounding box in CSS pixels
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Empty reports whether r has no area
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Expand grows r by margin on every side
func (r Rect) Expand(margin float64) Rect {
	return Rect{
		Left:   r.Left - margin,
		Top:    r.Top - margin,
		Right:  r.Right + margin,
		Bottom: r.Bottom + margin,
	}
}

// Contains reports whether p lies inside r, edges included
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Left && p.X <= r.Right && p.Y >= r.Top && p.Y <= r.Bottom
}

// Pointer types reported with pointer events
const (
	PointerTypeMouse = "mouse"
	PointerTypePen   = "pen"
	PointerTypeTouch = "touch"
)

// InputEvent is one raw signal from the host surface. TouchID, Point and
// Bounds are only meaningful for touch events; Bounds is required for
// boundary tracking on touchmove. PointerID and PointerType come with
// pointer events.
type InputEvent struct {
	Kind        InputKind
	TouchID     int64
	PointerID   int64
	PointerType string
	Point       Point
	Bounds      Rect
	At          time.Time // zero means "now"
}

func (e InputEvent) isTouch() bool {
	switch e.Kind {
	case InputTouchStart, InputTouchMove, InputTouchEnd, InputTouchCancel:
		return true
	}
	return false
}
