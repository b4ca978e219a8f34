package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"kmshare/models"
)

var (
	// ErrNotConnected indicates a send on a closed or failed channel.
	ErrNotConnected = errors.New("network: channel is not connected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ChannelOptions controls runtime behavior of a SecureChannel.
type ChannelOptions struct {
	LocalDeviceID     string
	RemoteDeviceID    string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// SecureChannel is an authenticated, encrypted, message-framed session over
// one TLS connection. Inbound messages are delivered on the Inbound channel,
// which is closed when the session ends; LastError is nil after a clean
// remote shutdown.
type SecureChannel struct {
	conn net.Conn

	localDeviceID string

	idMu           sync.RWMutex
	remoteDeviceID string

	remoteFingerprint string

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   models.ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64
	goodbye      atomic.Bool

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	inbound chan *Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// newSecureChannel wraps an established TLS connection. The channel starts
// in the authenticating state; the pairing flow promotes it to connected.
func newSecureChannel(conn net.Conn, remoteFingerprint string, options ChannelOptions) *SecureChannel {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	ch := &SecureChannel{
		conn:              conn,
		localDeviceID:     options.LocalDeviceID,
		remoteDeviceID:    options.RemoteDeviceID,
		remoteFingerprint: remoteFingerprint,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		inbound:           make(chan *Message, 64),
		closed:            make(chan struct{}),
		state:             models.StateAuthenticating,
	}

	ch.touchActivity()
	go ch.readLoop()
	go ch.keepAliveLoop()

	return ch
}

// State returns the current channel state.
func (ch *SecureChannel) State() models.ConnectionState {
	ch.stateMu.RLock()
	defer ch.stateMu.RUnlock()
	return ch.state
}

// MarkConnected records that pairing finished and the session is live.
func (ch *SecureChannel) MarkConnected() {
	ch.setState(models.StateConnected)
}

// Done is closed when the channel is fully shut down.
func (ch *SecureChannel) Done() <-chan struct{} {
	return ch.closed
}

// Inbound delivers decoded non-keepalive messages. The channel is closed on
// shutdown; check LastError to distinguish clean close from failure.
func (ch *SecureChannel) Inbound() <-chan *Message {
	return ch.inbound
}

// LastError returns the terminal channel error; nil after a clean close.
func (ch *SecureChannel) LastError() error {
	ch.errMu.RLock()
	defer ch.errMu.RUnlock()
	return ch.closeErr
}

// GoodbyeReceived reports whether the remote ended the session deliberately.
func (ch *SecureChannel) GoodbyeReceived() bool {
	return ch.goodbye.Load()
}

// LocalDeviceID returns the local identity the channel was opened with.
func (ch *SecureChannel) LocalDeviceID() string {
	return ch.localDeviceID
}

// RemoteDeviceID returns the paired device id, empty until Hello arrives.
func (ch *SecureChannel) RemoteDeviceID() string {
	ch.idMu.RLock()
	defer ch.idMu.RUnlock()
	return ch.remoteDeviceID
}

// SetRemoteDeviceID records the peer identity learned from its Hello.
func (ch *SecureChannel) SetRemoteDeviceID(deviceID string) {
	ch.idMu.Lock()
	defer ch.idMu.Unlock()
	ch.remoteDeviceID = deviceID
}

// RemoteFingerprint returns the SHA-256 fingerprint of the peer certificate.
func (ch *SecureChannel) RemoteFingerprint() string {
	return ch.remoteFingerprint
}

// RemoteAddr returns the remote transport address.
func (ch *SecureChannel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}

// LastActivity returns the time of the most recent send or receive.
func (ch *SecureChannel) LastActivity() time.Time {
	return time.Unix(0, ch.lastActivity.Load())
}

// Send encodes and frames one message. Sends on a closed channel fail with
// ErrNotConnected; a write failure closes the channel.
func (ch *SecureChannel) Send(msg *Message) error {
	state := ch.State()
	if state == models.StateDisconnected || state == models.StateFailed {
		if err := ch.LastError(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return ErrNotConnected
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		// A message that failed validation was never written; the session
		// stays usable.
		return err
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if err := WriteFrame(ch.conn, data); err != nil {
		ch.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	ch.touchActivity()
	return nil
}

// SendInputEvent wraps one input event in an envelope addressed to the
// remote device and sends it.
func (ch *SecureChannel) SendInputEvent(event models.InputEvent) error {
	msg, err := NewMessage(KindInputEvent, event)
	if err != nil {
		return err
	}
	msg.SourceDeviceID = ch.LocalDeviceID()
	msg.DestinationDeviceID = ch.RemoteDeviceID()
	return ch.Send(msg)
}

// SendGoodbye announces a deliberate disconnect and closes the channel.
func (ch *SecureChannel) SendGoodbye(reason string) error {
	if msg, err := NewMessage(KindGoodbye, GoodbyePayload{Reason: reason}); err == nil {
		msg.SourceDeviceID = ch.localDeviceID
		_ = ch.Send(msg)
	}
	return ch.Close()
}

// Close terminates the channel; safe to call multiple times.
func (ch *SecureChannel) Close() error {
	ch.closeWithError(nil)
	return nil
}

func (ch *SecureChannel) readLoop() {
	defer close(ch.inbound)

	for {
		select {
		case <-ch.closed:
			return
		default:
		}

		data, err := ReadFrameWithTimeout(ch.conn, ch.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				ch.closeWithError(nil)
				return
			}

			ch.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			// Malformed or unsupported input is channel-fatal.
			ch.closeWithError(fmt.Errorf("decode inbound message: %w", err))
			return
		}

		ch.touchActivity()

		switch msg.Kind {
		case KindPing:
			if pong, err := NewMessage(KindPong, nil); err == nil {
				pong.SourceDeviceID = ch.localDeviceID
				_ = ch.Send(pong)
			}
		case KindPong:
			ch.ackPong()
		case KindGoodbye:
			ch.goodbye.Store(true)
			ch.closeWithError(nil)
			return
		default:
			select {
			case ch.inbound <- msg:
			case <-ch.closed:
				return
			}
		}
	}
}

func (ch *SecureChannel) keepAliveLoop() {
	checkEvery := ch.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = ch.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			state := ch.State()
			if state == models.StateDisconnected || state == models.StateFailed {
				return
			}

			if ch.waitingPongExpired() {
				ch.closeWithError(ErrPongTimeout)
				return
			}

			if time.Since(ch.LastActivity()) < ch.keepAliveInterval {
				continue
			}
			if ch.isWaitingPong() {
				continue
			}

			ping, err := NewMessage(KindPing, nil)
			if err != nil {
				continue
			}
			ping.SourceDeviceID = ch.localDeviceID
			if err := ch.Send(ping); err != nil {
				return
			}
			ch.setWaitingPong(time.Now().Add(ch.keepAliveTimeout))
		case <-ch.closed:
			return
		}
	}
}

func (ch *SecureChannel) setState(state models.ConnectionState) {
	ch.stateMu.Lock()
	defer ch.stateMu.Unlock()
	ch.state = state
}

func (ch *SecureChannel) touchActivity() {
	ch.lastActivity.Store(time.Now().UnixNano())
}

func (ch *SecureChannel) setWaitingPong(deadline time.Time) {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	ch.waitingPong = true
	ch.pongDeadline = deadline
}

func (ch *SecureChannel) ackPong() {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	ch.waitingPong = false
	ch.pongDeadline = time.Time{}
}

func (ch *SecureChannel) isWaitingPong() bool {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	return ch.waitingPong
}

func (ch *SecureChannel) waitingPongExpired() bool {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	return ch.waitingPong && time.Now().After(ch.pongDeadline)
}

// closeWithError records the terminal error and final state. A pong timeout
// or clean shutdown ends in the disconnected state; any other failure is
// terminal failed.
func (ch *SecureChannel) closeWithError(err error) {
	ch.closeOnce.Do(func() {
		ch.errMu.Lock()
		ch.closeErr = err
		ch.errMu.Unlock()

		if err == nil || errors.Is(err, ErrPongTimeout) {
			ch.setState(models.StateDisconnected)
		} else {
			ch.setState(models.StateFailed)
		}
		_ = ch.conn.Close()
		close(ch.closed)
	})
}
