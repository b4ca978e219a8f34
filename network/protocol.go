package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"kmshare/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = "1.0.0"
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial plus TLS handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping after this much inactivity.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds a single expected frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Message kinds carried in the envelope's kind field.
const (
	KindHello               = "hello"
	KindPassphraseChallenge = "passphrase_challenge"
	KindPassphraseResponse  = "passphrase_response"
	KindAck                 = "ack"
	KindRoleChange          = "role_change"
	KindInputEvent          = "input_event"
	KindPing                = "ping"
	KindPong                = "pong"
	KindError               = "error"
	KindGoodbye             = "goodbye"
)

// Wire error codes carried in Error payloads.
const (
	CodeDiscoveryTimeout   = 1001
	CodeConnectionFailed   = 1002
	CodeAuthFailed         = 1003
	CodeInvalidPassphrase  = 1004
	CodeDuplicateDevice    = 1005
	CodeRoleConflict       = 1006
	CodeUnsupportedFeature = 1007
	CodeAuthLocked         = 1008
)

var (
	// ErrFrameTooLarge indicates a frame payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidFrame indicates a zero-length frame header.
	ErrInvalidFrame = errors.New("network: invalid frame length")
	// ErrUnsupportedVersion indicates a protocol version this build does not speak.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidKind indicates the message kind is missing or unknown.
	ErrInvalidKind = errors.New("network: invalid message kind")
	// ErrMissingField indicates a field required by the message kind is absent.
	ErrMissingField = errors.New("network: required message field is missing")
)

// Message is the wire envelope shared by every kind. Payload holds the
// kind-specific fields; use DecodePayload with the matching payload struct.
type Message struct {
	Kind                string          `json:"kind"`
	ID                  string          `json:"id"`
	TimestampMs         int64           `json:"timestampMs"`
	ProtocolVersion     string          `json:"protocolVersion"`
	SourceDeviceID      string          `json:"sourceDeviceId,omitempty"`
	DestinationDeviceID string          `json:"destinationDeviceId,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload opens a session and identifies the caller. A reconnect token
// from an earlier pairing lets the responder skip the passphrase exchange.
type HelloPayload struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	HardwareAddr   string `json:"hardware_addr"`
	OS             string `json:"os"`
	ListenPort     int    `json:"listen_port"`
	ReconnectToken string `json:"reconnect_token,omitempty"`
}

// PassphraseChallengePayload asks the peer's user to enter the secret the
// responder is displaying out-of-band.
type PassphraseChallengePayload struct {
	ChallengeID string `json:"challenge_id"`
}

// PassphraseResponsePayload answers a challenge with a freshly salted hash
// of the user-entered secret; the plaintext never crosses the wire.
type PassphraseResponsePayload struct {
	ChallengeID    string `json:"challenge_id"`
	PassphraseHash string `json:"passphrase_hash"`
}

// AckPayload confirms a prior message. Pairing acks carry a fresh reconnect
// token plus the responder's identity, since only the requester sends hello.
type AckPayload struct {
	Status         string `json:"status"`
	AckedID        string `json:"acked_id,omitempty"`
	ReconnectToken string `json:"reconnect_token,omitempty"`
	DeviceName     string `json:"device_name,omitempty"`
	HardwareAddr   string `json:"hardware_addr,omitempty"`
	OS             string `json:"os,omitempty"`
}

// RoleChangePayload announces an arbitrated role transition.
type RoleChangePayload struct {
	DeviceID     string      `json:"device_id"`
	Role         models.Role `json:"role"`
	PreviousRole models.Role `json:"previous_role,omitempty"`
}

// ErrorPayload reports a failure with a stable numeric code.
type ErrorPayload struct {
	Code      int    `json:"code"`
	Reason    string `json:"reason"`
	RelatedID string `json:"related_id,omitempty"`
}

// GoodbyePayload signals a deliberate disconnect.
type GoodbyePayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewMessage builds an envelope of the given kind around payload, stamping a
// fresh message id, the current UTC milliseconds, and the protocol version.
// A nil payload leaves the payload field empty (ping, pong, goodbye).
func NewMessage(kind string, payload any) (*Message, error) {
	msg := &Message{
		Kind:            kind,
		ID:              uuid.NewString(),
		TimestampMs:     time.Now().UnixMilli(),
		ProtocolVersion: ProtocolVersion,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewErrorMessage builds an Error envelope for the given code and reason.
func NewErrorMessage(code int, reason string) (*Message, error) {
	return NewMessage(KindError, ErrorPayload{Code: code, Reason: reason})
}

// DecodePayload unmarshals the kind-specific payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: payload", ErrMissingField)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// EncodeMessage validates the envelope and the kind-required payload fields,
// then marshals the message for framing.
func EncodeMessage(msg *Message) ([]byte, error) {
	if err := validateEnvelope(msg); err != nil {
		return nil, err
	}
	if err := validatePayload(msg.Kind, msg.Payload); err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses one framed payload. The envelope's id and version are
// checked before the payload is inspected; unknown versions fail with
// ErrUnsupportedVersion.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	if err := validateEnvelope(&msg); err != nil {
		return nil, err
	}
	if err := validatePayload(msg.Kind, msg.Payload); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validateEnvelope(msg *Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if msg.ProtocolVersion == "" {
		return fmt.Errorf("%w: protocolVersion", ErrMissingField)
	}
	if !IsSupportedVersion(msg.ProtocolVersion) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, msg.ProtocolVersion)
	}
	if msg.Kind == "" {
		return fmt.Errorf("%w: kind is empty", ErrInvalidKind)
	}
	if msg.TimestampMs <= 0 {
		return fmt.Errorf("%w: timestampMs", ErrMissingField)
	}
	return nil
}

// IsSupportedVersion reports whether this build speaks the given version.
func IsSupportedVersion(version string) bool {
	return version == ProtocolVersion
}

func validatePayload(kind string, payload json.RawMessage) error {
	switch kind {
	case KindHello:
		var p HelloPayload
		if err := unmarshalPayload(kind, payload, &p); err != nil {
			return err
		}
		if p.DeviceID == "" {
			return fmt.Errorf("%w: hello.device_id", ErrMissingField)
		}
		if p.DeviceName == "" {
			return fmt.Errorf("%w: hello.device_name", ErrMissingField)
		}
		if p.HardwareAddr == "" {
			return fmt.Errorf("%w: hello.hardware_addr", ErrMissingField)
		}
	case KindPassphraseChallenge:
		var p PassphraseChallengePayload
		if err := unmarshalPayload(kind, payload, &p); err != nil {
			return err
		}
		if p.ChallengeID == "" {
			return fmt.Errorf("%w: passphrase_challenge.challenge_id", ErrMissingField)
		}
	case KindPassphraseResponse:
		var p PassphraseResponsePayload
		if err := unmarshalPayload(kind, payload, &p); err != nil {
			return err
		}
		if p.ChallengeID == "" {
			return fmt.Errorf("%w: passphrase_response.challenge_id", ErrMissingField)
		}
		if p.PassphraseHash == "" {
			return fmt.Errorf("%w: passphrase_response.passphrase_hash", ErrMissingField)
		}
	case KindAck:
		var p AckPayload
		if err := unmarshalPayload(kind, payload, &p); err != nil {
			return err
		}
		if p.Status == "" {
			return fmt.Errorf("%w: ack.status", ErrMissingField)
		}
	case KindRoleChange:
		var p RoleChangePayload
		if err := unmarshalPayload(kind, payload, &p); err != nil {
			return err
		}
		if p.DeviceID == "" {
			return fmt.Errorf("%w: role_change.device_id", ErrMissingField)
		}
		if !p.Role.Valid() {
			return fmt.Errorf("%w: role_change.role %q", ErrMissingField, p.Role)
		}
	case KindInputEvent:
		var ev models.InputEvent
		if err := unmarshalPayload(kind, payload, &ev); err != nil {
			return err
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMissingField, err)
		}
	case KindError:
		var p ErrorPayload
		if err := unmarshalPayload(kind, payload, &p); err != nil {
			return err
		}
		if p.Code == 0 {
			return fmt.Errorf("%w: error.code", ErrMissingField)
		}
		if p.Reason == "" {
			return fmt.Errorf("%w: error.reason", ErrMissingField)
		}
	case KindPing, KindPong, KindGoodbye:
		// No required payload fields.
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return nil
}

func unmarshalPayload(kind string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s payload", ErrMissingField, kind)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrInvalidFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame. Zero-length and oversized
// frames are protocol violations; the caller is expected to close the
// stream on any error.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, ErrInvalidFrame
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteMessage encodes and frames msg onto w.
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame from r and decodes it.
func ReadMessage(r io.Reader) (*Message, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}
