package models

import (
	"fmt"
	"time"
)

// EventKind discriminates input event payloads.
type EventKind string

const (
	EventKeyPress    EventKind = "key_press"
	EventKeyRelease  EventKind = "key_release"
	EventMouseMove   EventKind = "mouse_move"
	EventMouseClick  EventKind = "mouse_click"
	EventMouseScroll EventKind = "mouse_scroll"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventKeyPress, EventKeyRelease, EventMouseMove, EventMouseClick, EventMouseScroll:
		return true
	}
	return false
}

// MouseButton identifies a physical mouse button.
type MouseButton int

const (
	ButtonLeft   MouseButton = 1
	ButtonRight  MouseButton = 2
	ButtonMiddle MouseButton = 3
)

// Modifier bits carried alongside key events.
const (
	ModShift uint16 = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

// InputEvent is one captured keyboard or mouse action. The Kind field
// selects which payload fields are meaningful; construct events through
// the New* helpers so each kind carries exactly the fields it needs.
// Events are transient: they live in memory for the duration of one
// transmission and are never persisted.
type InputEvent struct {
	Kind           EventKind   `json:"kind"`
	SourceDeviceID string      `json:"source_device_id,omitempty"`
	TargetDeviceID string      `json:"target_device_id,omitempty"`
	Sequence       uint64      `json:"sequence"`
	TimestampMs    int64       `json:"timestamp_ms"`
	KeyCode        uint16      `json:"key_code,omitempty"`
	Modifiers      uint16      `json:"modifiers,omitempty"`
	X              int         `json:"x,omitempty"`
	Y              int         `json:"y,omitempty"`
	Button         MouseButton `json:"button,omitempty"`
	ClickCount     int         `json:"click_count,omitempty"`
	ScrollDelta    int         `json:"scroll_delta,omitempty"`
}

// NewKeyPress builds a key-down event for the given key code and modifier set.
func NewKeyPress(keyCode uint16, modifiers uint16) InputEvent {
	return InputEvent{
		Kind:        EventKeyPress,
		KeyCode:     keyCode,
		Modifiers:   modifiers,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// NewKeyRelease builds a key-up event for the given key code.
func NewKeyRelease(keyCode uint16, modifiers uint16) InputEvent {
	return InputEvent{
		Kind:        EventKeyRelease,
		KeyCode:     keyCode,
		Modifiers:   modifiers,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// NewMouseMove builds an absolute cursor move event.
func NewMouseMove(x, y int) InputEvent {
	return InputEvent{
		Kind:        EventMouseMove,
		X:           x,
		Y:           y,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// NewMouseClick builds a click event; count 2 is a double click.
func NewMouseClick(button MouseButton, count int) InputEvent {
	if count < 1 {
		count = 1
	}
	return InputEvent{
		Kind:        EventMouseClick,
		Button:      button,
		ClickCount:  count,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// NewMouseScroll builds a scroll event; positive delta scrolls up.
func NewMouseScroll(delta int) InputEvent {
	return InputEvent{
		Kind:        EventMouseScroll,
		ScrollDelta: delta,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// Validate checks the kind-specific constraints. Events that fail here are
// rejected at pipeline submission and on decode from the wire.
func (e *InputEvent) Validate() error {
	switch e.Kind {
	case EventKeyPress, EventKeyRelease:
		if e.KeyCode == 0 {
			return fmt.Errorf("models: %s requires a key code", e.Kind)
		}
	case EventMouseMove:
		if e.X < 0 || e.Y < 0 {
			return fmt.Errorf("models: mouse_move coordinates must be non-negative")
		}
	case EventMouseClick:
		switch e.Button {
		case ButtonLeft, ButtonRight, ButtonMiddle:
		default:
			return fmt.Errorf("models: mouse_click has unknown button %d", e.Button)
		}
		if e.ClickCount < 1 || e.ClickCount > 3 {
			return fmt.Errorf("models: mouse_click count %d is out of range", e.ClickCount)
		}
	case EventMouseScroll:
		if e.ScrollDelta == 0 {
			return fmt.Errorf("models: mouse_scroll requires a non-zero delta")
		}
	default:
		return fmt.Errorf("models: unknown event kind %q", e.Kind)
	}
	return nil
}
