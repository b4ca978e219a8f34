package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"kmshare/models"
)

type stubTransport struct {
	mu   sync.Mutex
	sent []models.InputEvent
	fail error
}

func (s *stubTransport) SendInputEvent(event models.InputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, event)
	return nil
}

func (s *stubTransport) LocalDeviceID() string  { return "master-device" }
func (s *stubTransport) RemoteDeviceID() string { return "client-device" }

func (s *stubTransport) events() []models.InputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.InputEvent(nil), s.sent...)
}

type stubSink struct {
	mu       sync.Mutex
	ops      []string
	failures int

	entered chan struct{}
	release chan struct{}
}

func (s *stubSink) apply(op string) error {
	s.mu.Lock()
	entered, release := s.entered, s.release
	s.entered, s.release = nil, nil
	s.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *stubSink) ApplyKey(code uint16, down bool) error {
	return s.apply(fmt.Sprintf("key %d %t", code, down))
}

func (s *stubSink) MoveMouse(x, y int) error {
	return s.apply(fmt.Sprintf("move %d,%d", x, y))
}

func (s *stubSink) ClickMouse(button models.MouseButton, count int) error {
	return s.apply(fmt.Sprintf("click %d x%d", button, count))
}

func (s *stubSink) Scroll(delta int) error {
	return s.apply(fmt.Sprintf("scroll %d", delta))
}

func (s *stubSink) applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func eventWithSequence(event models.InputEvent, sequence uint64) models.InputEvent {
	event.Sequence = sequence
	return event
}

func TestSubmitRejectsEventsBeyondCapacity(t *testing.T) {
	sink := &stubSink{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	entered := sink.entered
	release := sink.release

	pipeline := NewApplyPipeline(sink, Options{QueueCapacity: 4, InterEventDelay: time.Millisecond})
	defer pipeline.Stop()

	// Park the worker inside the first apply so the queue fills behind it.
	if !pipeline.Submit(eventWithSequence(models.NewMouseMove(1, 1), 1)) {
		t.Fatalf("first Submit failed")
	}
	<-entered

	accepted, rejected := 0, 0
	for i := 0; i < 9; i++ {
		ev := eventWithSequence(models.NewMouseMove(i+2, i+2), uint64(i+2))
		if pipeline.Submit(ev) {
			accepted++
		} else {
			rejected++
		}
	}
	if accepted != 4 || rejected != 5 {
		t.Fatalf("accepted %d rejected %d, want 4 accepted and 5 rejected", accepted, rejected)
	}
	if got := pipeline.Snapshot().EventsFailed; got != 5 {
		t.Fatalf("EventsFailed = %d, want 5", got)
	}

	close(release)
	pipeline.Stop()

	if got := len(sink.applied()); got != 5 {
		t.Fatalf("applied %d events after drain, want 5", got)
	}
}

func TestApplyDropsDuplicateAndStaleSequences(t *testing.T) {
	sink := &stubSink{}
	pipeline := NewApplyPipeline(sink, Options{InterEventDelay: time.Millisecond})

	for i, seq := range []uint64{1, 2, 2, 4} {
		if !pipeline.Submit(eventWithSequence(models.NewMouseMove(i, i), seq)) {
			t.Fatalf("Submit %d failed", i)
		}
	}
	pipeline.Stop()

	applied := sink.applied()
	want := []string{"move 0,0", "move 1,1", "move 3,3"}
	if len(applied) != len(want) {
		t.Fatalf("applied %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("applied[%d] = %q, want %q", i, applied[i], want[i])
		}
	}

	snap := pipeline.Snapshot()
	if snap.EventsApplied != 3 || snap.EventsFailed != 1 {
		t.Fatalf("applied %d failed %d, want 3 and 1", snap.EventsApplied, snap.EventsFailed)
	}
	if len(snap.RecentErrors) != 1 || !strings.Contains(snap.RecentErrors[0], "sequence") {
		t.Fatalf("unexpected recent errors: %v", snap.RecentErrors)
	}
}

func TestSendPipelineAssignsSequencesAndIdentity(t *testing.T) {
	transport := &stubTransport{}
	pipeline := NewSendPipeline(transport, Options{InterEventDelay: time.Millisecond})

	for i, event := range []models.InputEvent{
		models.NewMouseMove(10, 20),
		models.NewMouseClick(models.ButtonLeft, 1),
		models.NewMouseScroll(-3),
	} {
		if !pipeline.Submit(event) {
			t.Fatalf("Submit %d failed", i)
		}
	}
	pipeline.Stop()

	events := transport.events()
	if len(events) != 3 {
		t.Fatalf("sent %d events, want 3", len(events))
	}
	for i, event := range events {
		if event.Sequence != uint64(i+1) {
			t.Fatalf("event %d sequence = %d, want %d", i, event.Sequence, i+1)
		}
		if event.SourceDeviceID != "master-device" || event.TargetDeviceID != "client-device" {
			t.Fatalf("event %d carries identity %q -> %q", i, event.SourceDeviceID, event.TargetDeviceID)
		}
	}

	snap := pipeline.Snapshot()
	if snap.PerKind[models.EventMouseMove] != 1 || snap.PerKind[models.EventMouseScroll] != 1 {
		t.Fatalf("unexpected per-kind counts: %v", snap.PerKind)
	}
}

func TestStopSynthesizesReleasesForHeldKeys(t *testing.T) {
	transport := &stubTransport{}
	pipeline := NewSendPipeline(transport, Options{InterEventDelay: time.Millisecond})

	for i, event := range []models.InputEvent{
		models.NewKeyPress(30, 2),
		models.NewKeyPress(42, 4),
		models.NewKeyRelease(30, 2),
	} {
		if !pipeline.Submit(event) {
			t.Fatalf("Submit %d failed", i)
		}
	}
	pipeline.Stop()

	events := transport.events()
	if len(events) != 4 {
		t.Fatalf("sent %d events, want 4 including the synthesized release", len(events))
	}

	last := events[3]
	if last.Kind != models.EventKeyRelease || last.KeyCode != 42 {
		t.Fatalf("final event = %s key %d, want key_release for 42", last.Kind, last.KeyCode)
	}
	if last.Modifiers != 4 {
		t.Fatalf("synthesized release lost modifiers: %d", last.Modifiers)
	}
	if last.Sequence != 4 {
		t.Fatalf("synthesized release sequence = %d, want 4", last.Sequence)
	}
}

func TestSubmitRejectsInvalidEvents(t *testing.T) {
	transport := &stubTransport{}
	pipeline := NewSendPipeline(transport, Options{InterEventDelay: time.Millisecond})
	defer pipeline.Stop()

	if pipeline.Submit(models.InputEvent{Kind: models.EventMouseScroll}) {
		t.Fatalf("zero-delta scroll was accepted")
	}
	if pipeline.Submit(models.InputEvent{Kind: models.EventKeyPress}) {
		t.Fatalf("zero key code was accepted")
	}

	snap := pipeline.Snapshot()
	if snap.EventsReceived != 0 || snap.EventsFailed != 2 {
		t.Fatalf("received %d failed %d, want 0 and 2", snap.EventsReceived, snap.EventsFailed)
	}
	if len(transport.events()) != 0 {
		t.Fatalf("invalid events reached the transport")
	}
}

func TestSubmitAfterStopIsRejected(t *testing.T) {
	pipeline := NewApplyPipeline(&stubSink{}, Options{InterEventDelay: time.Millisecond})
	pipeline.Stop()
	pipeline.Stop()

	if pipeline.Submit(eventWithSequence(models.NewMouseMove(1, 1), 1)) {
		t.Fatalf("stopped pipeline accepted an event")
	}
	snap := pipeline.Snapshot()
	if snap.EventsFailed != 1 {
		t.Fatalf("EventsFailed = %d, want 1", snap.EventsFailed)
	}
	if len(snap.RecentErrors) != 1 || !strings.Contains(snap.RecentErrors[0], "stopped") {
		t.Fatalf("unexpected recent errors: %v", snap.RecentErrors)
	}
}

func TestSinkFailureDoesNotStopTheWorker(t *testing.T) {
	sink := &stubSink{failures: 1}
	pipeline := NewApplyPipeline(sink, Options{InterEventDelay: time.Millisecond})

	if !pipeline.Submit(eventWithSequence(models.NewMouseMove(1, 1), 1)) {
		t.Fatalf("Submit failed")
	}
	if !pipeline.Submit(eventWithSequence(models.NewMouseMove(2, 2), 2)) {
		t.Fatalf("Submit failed")
	}
	pipeline.Stop()

	applied := sink.applied()
	if len(applied) != 1 || applied[0] != "move 2,2" {
		t.Fatalf("applied = %v, want only the second event", applied)
	}
	snap := pipeline.Snapshot()
	if snap.EventsApplied != 1 || snap.EventsFailed != 1 {
		t.Fatalf("applied %d failed %d, want 1 and 1", snap.EventsApplied, snap.EventsFailed)
	}
	if !strings.Contains(snap.RecentErrors[0], "apply mouse_move") {
		t.Fatalf("unexpected recent errors: %v", snap.RecentErrors)
	}
}

func TestResetMetricsClearsCountersOnly(t *testing.T) {
	sink := &stubSink{}
	pipeline := NewApplyPipeline(sink, Options{InterEventDelay: time.Millisecond})
	defer pipeline.Stop()

	pipeline.Submit(eventWithSequence(models.NewMouseMove(1, 1), 1))
	pipeline.Submit(models.InputEvent{Kind: models.EventMouseScroll})
	pipeline.ResetMetrics()

	snap := pipeline.Snapshot()
	if snap.EventsReceived != 0 || snap.EventsApplied != 0 || snap.EventsFailed != 0 {
		t.Fatalf("counters survived reset: %+v", snap)
	}
	if len(snap.PerKind) != 0 || len(snap.RecentErrors) != 0 {
		t.Fatalf("per-kind or error state survived reset: %+v", snap)
	}

	if !pipeline.Submit(eventWithSequence(models.NewMouseMove(2, 2), 2)) {
		t.Fatalf("pipeline unusable after metrics reset")
	}
}
