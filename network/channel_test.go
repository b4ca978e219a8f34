package network

import (
	"errors"
	"net"
	"testing"
	"time"

	"kmshare/models"
)

func newPipeChannel(t *testing.T) (*SecureChannel, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	ch := newSecureChannel(local, "", ChannelOptions{
		LocalDeviceID:     "local-device",
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  100 * time.Millisecond,
	})
	t.Cleanup(func() {
		_ = ch.Close()
		_ = remote.Close()
	})
	return ch, remote
}

func TestChannelDeliversInboundMessages(t *testing.T) {
	ch, remote := newPipeChannel(t)

	event := models.NewKeyPress(30, 0)
	event.SourceDeviceID = "remote-device"
	msg, err := NewMessage(KindInputEvent, event)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	go func() {
		_ = WriteMessage(remote, msg)
	}()

	select {
	case got := <-ch.Inbound():
		if got.Kind != KindInputEvent {
			t.Fatalf("expected input_event, got %q", got.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
	}
}

func TestSendInputEventAddressesEnvelope(t *testing.T) {
	ch, remote := newPipeChannel(t)
	ch.SetRemoteDeviceID("remote-device")

	event := models.NewMouseMove(120, 45)
	event.Sequence = 7

	done := make(chan error, 1)
	go func() {
		done <- ch.SendInputEvent(event)
	}()

	msg, err := ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendInputEvent failed: %v", err)
	}

	if msg.Kind != KindInputEvent {
		t.Fatalf("kind = %q, want %q", msg.Kind, KindInputEvent)
	}
	if msg.SourceDeviceID != "local-device" || msg.DestinationDeviceID != "remote-device" {
		t.Fatalf("envelope addressed %q -> %q", msg.SourceDeviceID, msg.DestinationDeviceID)
	}

	var got models.InputEvent
	if err := msg.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if got.Sequence != 7 || got.X != 120 || got.Y != 45 {
		t.Fatalf("payload did not survive: %+v", got)
	}
}

func TestChannelAutoRespondsToPing(t *testing.T) {
	ch, remote := newPipeChannel(t)

	ping, err := NewMessage(KindPing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	go func() {
		_ = WriteMessage(remote, ping)
	}()

	if err := remote.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline failed: %v", err)
	}
	got, err := ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Kind != KindPong {
		t.Fatalf("expected pong, got %q", got.Kind)
	}
	if got.SourceDeviceID != ch.LocalDeviceID() {
		t.Fatalf("pong source mismatch: %q", got.SourceDeviceID)
	}
}

func TestChannelGoodbyeClosesCleanly(t *testing.T) {
	ch, remote := newPipeChannel(t)

	goodbye, err := NewMessage(KindGoodbye, GoodbyePayload{Reason: "done"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	go func() {
		_ = WriteMessage(remote, goodbye)
	}()

	select {
	case _, open := <-ch.Inbound():
		if open {
			t.Fatalf("goodbye should not be forwarded as an inbound message")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound channel to close")
	}

	if err := ch.LastError(); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if !ch.GoodbyeReceived() {
		t.Fatalf("expected goodbye flag to be set")
	}
	if state := ch.State(); state != models.StateDisconnected {
		t.Fatalf("expected disconnected state, got %q", state)
	}
}

func TestChannelMalformedMessageIsFatal(t *testing.T) {
	ch, remote := newPipeChannel(t)

	go func() {
		_ = WriteFrame(remote, []byte(`{"kind":`))
	}()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close after malformed frame")
	}

	if ch.LastError() == nil {
		t.Fatalf("expected a decode error to be recorded")
	}
	if state := ch.State(); state != models.StateFailed {
		t.Fatalf("expected failed state, got %q", state)
	}

	select {
	case _, open := <-ch.Inbound():
		if open {
			t.Fatalf("inbound channel should be closed after fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound channel not closed after fatal error")
	}
}

func TestSendAfterCloseReturnsErrNotConnected(t *testing.T) {
	ch, _ := newPipeChannel(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ping, err := NewMessage(KindPing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := ch.Send(ping); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendInvalidMessageKeepsChannelUsable(t *testing.T) {
	ch, _ := newPipeChannel(t)

	incomplete, err := NewMessage(KindHello, HelloPayload{DeviceName: "Desk"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := ch.Send(incomplete); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}

	select {
	case <-ch.Done():
		t.Fatalf("validation failure should not close the channel")
	default:
	}
	if state := ch.State(); state != models.StateAuthenticating {
		t.Fatalf("expected authenticating state, got %q", state)
	}
}

func TestChannelTracksRemoteIdentity(t *testing.T) {
	ch, _ := newPipeChannel(t)

	if id := ch.RemoteDeviceID(); id != "" {
		t.Fatalf("expected empty remote device id before hello, got %q", id)
	}
	ch.SetRemoteDeviceID("remote-device")
	if id := ch.RemoteDeviceID(); id != "remote-device" {
		t.Fatalf("remote device id not recorded: %q", id)
	}

	ch.MarkConnected()
	if state := ch.State(); state != models.StateConnected {
		t.Fatalf("expected connected state, got %q", state)
	}
}
