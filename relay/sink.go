package relay

import (
	"errors"
	"sync"

	"kmshare/models"
)

// Sink is the receiving-side boundary that injects events into the local
// machine. Implementations wrap platform input APIs; a failed call is
// counted and recorded but never stops the pipeline.
type Sink interface {
	ApplyKey(code uint16, down bool) error
	MoveMouse(x, y int) error
	ClickMouse(button models.MouseButton, count int) error
	Scroll(delta int) error
}

// ChannelSink republishes applied events on a buffered channel instead of
// injecting them into the OS. The embedding process drains Events and
// drives whatever platform layer it has. When the buffer is full the apply
// fails, so the pipeline records the drop instead of blocking its worker.
type ChannelSink struct {
	mu     sync.Mutex
	events chan models.InputEvent
	closed bool
}

// NewChannelSink returns a sink buffering up to capacity applied events.
// Non-positive capacities fall back to DefaultQueueCapacity.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &ChannelSink{events: make(chan models.InputEvent, capacity)}
}

// Events is the stream of applied input events.
func (s *ChannelSink) Events() <-chan models.InputEvent {
	return s.events
}

// Close closes the event stream. Applies after Close fail.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *ChannelSink) publish(event models.InputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink is closed")
	}
	select {
	case s.events <- event:
		return nil
	default:
		return errors.New("sink buffer is full")
	}
}

// ApplyKey emits a key press or release event.
func (s *ChannelSink) ApplyKey(code uint16, down bool) error {
	if down {
		return s.publish(models.NewKeyPress(code, 0))
	}
	return s.publish(models.NewKeyRelease(code, 0))
}

// MoveMouse emits an absolute pointer move event.
func (s *ChannelSink) MoveMouse(x, y int) error {
	return s.publish(models.NewMouseMove(x, y))
}

// ClickMouse emits a mouse click event.
func (s *ChannelSink) ClickMouse(button models.MouseButton, count int) error {
	return s.publish(models.NewMouseClick(button, count))
}

// Scroll emits a vertical scroll event.
func (s *ChannelSink) Scroll(delta int) error {
	return s.publish(models.NewMouseScroll(delta))
}
