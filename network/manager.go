package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"kmshare/auth"
	"kmshare/crypto"
	"kmshare/models"
	"kmshare/registry"
	"kmshare/relay"
	"kmshare/roles"
	"kmshare/storage"
)

const (
	// DefaultPairingTimeout bounds one pairing exchange end to end,
	// including the human entering the passphrase.
	DefaultPairingTimeout = 2 * time.Minute
	// DefaultSweepInterval is how often idle connections are checked.
	DefaultSweepInterval = 30 * time.Second
	// DefaultIdleTimeout is the inactivity threshold after which a
	// connection is closed by the sweep.
	DefaultIdleTimeout = 2 * time.Minute

	pairingSecretBuffer    = 8
	passphrasePromptBuffer = 8
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrNotStarted indicates an operation on a manager before Start.
	ErrNotStarted = errors.New("network: manager is not started")
	// ErrPairingTimeout indicates the pairing exchange did not finish in time.
	ErrPairingTimeout = errors.New("network: pairing timed out")
	// ErrPassphraseRejected indicates the responder refused the entered secret.
	ErrPassphraseRejected = errors.New("network: passphrase rejected")
	// ErrAuthLocked indicates the responder is refusing attempts during a
	// backoff or lockout window.
	ErrAuthLocked = errors.New("network: authentication locked, retry later")
	// ErrRepairRequired indicates a reconnect token was refused and a full
	// passphrase pairing is needed.
	ErrRepairRequired = errors.New("network: reconnect refused, pairing required")
)

// LocalIdentity describes this device to its peers.
type LocalIdentity struct {
	DeviceID     string
	DeviceName   string
	HardwareAddr string
	OS           string
	Certificate  tls.Certificate
}

// PairingSecret is surfaced while a remote device is pairing; the caller
// displays Secret to the local user so it can be typed on the remote side.
type PairingSecret struct {
	RemoteDeviceID   string
	RemoteDeviceName string
	Secret           string
}

// PassphrasePrompt asks the local user for the secret shown on the remote
// device. Deliver the entry on Respond; the pairing attempt times out if
// nothing arrives.
type PassphrasePrompt struct {
	RemoteDeviceID string
	Respond        chan<- string
}

// ManagerOptions configures a session manager.
type ManagerOptions struct {
	Identity LocalIdentity

	Devices       *registry.Devices
	Connections   *registry.Connections
	Arbitrator    *roles.Arbitrator
	Authenticator *auth.Authenticator
	Store         *storage.Store

	// Sink applies remote input locally while this device is a client.
	// Without one, received input events are dropped.
	Sink relay.Sink

	ListenAddress string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	PairingTimeout    time.Duration
	SweepInterval     time.Duration
	IdleTimeout       time.Duration

	ReconnectBackoff []time.Duration
	Pipeline         relay.Options

	// OnFingerprintChange decides whether to keep talking to a known device
	// presenting a new certificate. Nil refuses the connection.
	OnFingerprintChange FingerprintDecisionFunc
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = DefaultPairingTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if len(o.ReconnectBackoff) == 0 {
		o.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	return o
}

// session bundles one authenticated channel with its input pipelines.
type session struct {
	channel      *SecureChannel
	connectionID string

	mu    sync.Mutex
	send  *relay.Pipeline
	apply *relay.Pipeline
}

func (s *session) ensureSendPipeline(options relay.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.send == nil {
		s.send = relay.NewSendPipeline(s.channel, options)
	}
}

func (s *session) stopSendPipeline() {
	s.mu.Lock()
	pipeline := s.send
	s.send = nil
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.Stop()
	}
}

func (s *session) stopPipelines() {
	s.stopSendPipeline()
	s.mu.Lock()
	pipeline := s.apply
	s.apply = nil
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.Stop()
	}
}

func (s *session) sendPipeline() *relay.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send
}

func (s *session) applyPipeline() *relay.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply
}

// Manager owns the listener, the pairing flows, the per-connection
// dispatch loops, reconnection, and the liveness sweep. It is the glue
// between the secure channels, the registries, the role arbitrator, and
// the input pipelines.
type Manager struct {
	options ManagerOptions

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	sessionMu sync.RWMutex
	sessions  map[string]*session

	reconnectMu      sync.Mutex
	reconnectWorkers map[string]context.CancelFunc

	suppressMu        sync.Mutex
	suppressReconnect map[string]bool

	secrets chan PairingSecret
	prompts chan PassphrasePrompt
	errors  chan error
}

// NewManager validates the configuration and builds a stopped manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Identity.DeviceID == "" {
		return nil, errors.New("network: identity.device_id is required")
	}
	if options.Identity.DeviceName == "" {
		return nil, errors.New("network: identity.device_name is required")
	}
	if options.Identity.HardwareAddr == "" {
		return nil, errors.New("network: identity.hardware_addr is required")
	}
	if len(options.Identity.Certificate.Certificate) == 0 {
		return nil, errors.New("network: identity certificate is required")
	}
	if options.Devices == nil {
		return nil, errors.New("network: device registry is required")
	}
	if options.Connections == nil {
		return nil, errors.New("network: connection registry is required")
	}
	if options.Arbitrator == nil {
		return nil, errors.New("network: role arbitrator is required")
	}
	if options.Authenticator == nil {
		return nil, errors.New("network: authenticator is required")
	}
	if options.Store == nil {
		return nil, errors.New("network: store is required")
	}

	return &Manager{
		options:           options.withDefaults(),
		sessions:          make(map[string]*session),
		reconnectWorkers:  make(map[string]context.CancelFunc),
		suppressReconnect: make(map[string]bool),
		secrets:           make(chan PairingSecret, pairingSecretBuffer),
		prompts:           make(chan PassphrasePrompt, passphrasePromptBuffer),
		errors:            make(chan error, 64),
	}, nil
}

// Start opens the listener, restores reconnect tokens from the device
// registry, and begins reconnecting previously paired devices.
func (m *Manager) Start() error {
	if m.ctx != nil {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.ensureLocalDeviceRecord(); err != nil {
		return err
	}

	known, err := m.options.Devices.GetAll()
	if err != nil {
		return fmt.Errorf("load device registry: %w", err)
	}
	for _, device := range known {
		m.options.Authenticator.RestoreReconnectToken(device.DeviceID, device.AuthToken)
	}

	server, err := Listen(m.options.ListenAddress, ServerOptions{
		LocalDeviceID:     m.options.Identity.DeviceID,
		Certificate:       m.options.Identity.Certificate,
		ConnectionTimeout: m.options.ConnectionTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
	})
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(3)
	go m.serverLoop()
	go m.roleLoop()
	go m.sweepLoop()

	for _, device := range known {
		if device.DeviceID == m.options.Identity.DeviceID {
			continue
		}
		if device.IsRegistered && device.Address != "" && device.Port > 0 {
			m.startReconnect(device.DeviceID)
		}
	}
	return nil
}

// Stop says goodbye to every peer, stops the pipelines and loops, and
// closes the notification channels.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}

		// Flush pipelines and say goodbye while the channels still work.
		for _, sess := range m.snapshotSessions() {
			m.markSuppressReconnect(sess.channel.RemoteDeviceID())
			sess.stopPipelines()
			_ = sess.channel.SendGoodbye("shutting down")
		}

		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.reconnectMu.Lock()
		for _, cancel := range m.reconnectWorkers {
			cancel()
		}
		m.reconnectWorkers = make(map[string]context.CancelFunc)
		m.reconnectMu.Unlock()

		m.wg.Wait()
		close(m.secrets)
		close(m.prompts)
		close(m.errors)
	})
}

// Addr returns the listening address.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Errors delivers asynchronous manager, server, and session errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// PairingSecrets delivers secrets to display while remote devices pair.
func (m *Manager) PairingSecrets() <-chan PairingSecret {
	return m.secrets
}

// PassphrasePrompts delivers requests for the user to enter a secret shown
// on a remote device.
func (m *Manager) PassphrasePrompts() <-chan PassphrasePrompt {
	return m.prompts
}

// Pair dials address and runs the requester side of the pairing exchange.
// The entered passphrase is collected through PassphrasePrompts.
func (m *Manager) Pair(address string) error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	return m.pairWithAddress(address, "", true)
}

// Connect re-establishes the session with an already paired device using
// its stored endpoint and reconnect token. The passphrase flow only runs
// if the peer refuses the token.
func (m *Manager) Connect(deviceID string) error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	device, err := m.options.Devices.Get(deviceID)
	if err != nil {
		return err
	}
	if device.Address == "" || device.Port <= 0 {
		return fmt.Errorf("network: no known endpoint for %q", deviceID)
	}
	address := net.JoinHostPort(device.Address, strconv.Itoa(device.Port))
	return m.pairWithAddress(address, deviceID, true)
}

// Disconnect closes the session with a device on purpose; no reconnect is
// attempted until the next explicit Pair or restart.
func (m *Manager) Disconnect(remoteDeviceID string) error {
	sess := m.getSession(remoteDeviceID)
	if sess == nil {
		return fmt.Errorf("network: no active connection for %q", remoteDeviceID)
	}
	m.markSuppressReconnect(remoteDeviceID)
	m.stopReconnect(remoteDeviceID)
	sess.stopPipelines()
	return sess.channel.SendGoodbye("disconnect requested")
}

// BecomeMaster claims the master role for this device. On success every
// connected client is notified and starts receiving this device's input.
func (m *Manager) BecomeMaster() error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	return m.options.Arbitrator.RequestMaster(m.options.Identity.DeviceID)
}

// BecomeClient assigns this device the client role.
func (m *Manager) BecomeClient() error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	return m.options.Arbitrator.RequestClient(m.options.Identity.DeviceID)
}

// ReleaseRole returns this device to the unassigned role.
func (m *Manager) ReleaseRole() error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	return m.options.Arbitrator.Release(m.options.Identity.DeviceID)
}

// SubmitInput queues one captured event for every connected client and
// returns the number of connections that accepted it. Only meaningful
// while this device is master.
func (m *Manager) SubmitInput(event models.InputEvent) int {
	delivered := 0
	for remoteID, sess := range m.snapshotSessionMap() {
		device, err := m.options.Devices.Get(remoteID)
		if err != nil || device.Role != models.RoleClient {
			continue
		}
		pipeline := sess.sendPipeline()
		if pipeline == nil {
			continue
		}
		if pipeline.Submit(event) {
			delivered++
		}
	}
	return delivered
}

// InputMetrics returns per-connection pipeline counters keyed by remote
// device id. Sending connections report the send pipeline, receiving ones
// the apply pipeline.
func (m *Manager) InputMetrics() map[string]relay.Snapshot {
	metrics := make(map[string]relay.Snapshot)
	for remoteID, sess := range m.snapshotSessionMap() {
		if pipeline := sess.sendPipeline(); pipeline != nil {
			metrics[remoteID] = pipeline.Snapshot()
			continue
		}
		if pipeline := sess.applyPipeline(); pipeline != nil {
			metrics[remoteID] = pipeline.Snapshot()
		}
	}
	return metrics
}

func (m *Manager) ensureLocalDeviceRecord() error {
	exists, err := m.options.Devices.Exists(m.options.Identity.DeviceID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	device := models.NewDevice(m.options.Identity.DeviceID, m.options.Identity.HardwareAddr, m.options.Identity.DeviceName)
	device.OS = m.options.Identity.OS
	device.IsRegistered = true
	return m.options.Devices.Save(device)
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case ch, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.wg.Add(1)
			go m.respondPairing(ch)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

// respondPairing runs the responder side: hello, then either a reconnect
// token check or the passphrase challenge loop.
func (m *Manager) respondPairing(ch *SecureChannel) {
	defer m.wg.Done()

	connectionID := uuid.NewString()
	deadline := time.Now().Add(m.options.PairingTimeout)

	helloMsg, err := m.awaitMessage(ch, deadline, KindHello)
	if err != nil {
		m.reportError(fmt.Errorf("pairing with %v: %w", ch.RemoteAddr(), err))
		_ = ch.Close()
		return
	}
	var hello HelloPayload
	if err := helloMsg.DecodePayload(&hello); err != nil {
		m.reportError(err)
		_ = ch.Close()
		return
	}
	if hello.DeviceID == m.options.Identity.DeviceID {
		_ = m.sendError(ch, CodeConnectionFailed, "connected to self", helloMsg.ID)
		_ = ch.Close()
		return
	}
	ch.SetRemoteDeviceID(hello.DeviceID)

	if hello.ReconnectToken != "" &&
		m.options.Authenticator.ValidateReconnectToken(hello.DeviceID, hello.ReconnectToken) {
		m.recordAudit(storage.AuditDevicePaired, hello.DeviceID, storage.AuditSeverityInfo, "reconnect")
		m.acceptPairing(ch, connectionID, hello, helloMsg)
		return
	}

	secret, err := crypto.GeneratePassphrase()
	if err != nil {
		m.reportError(err)
		_ = ch.Close()
		return
	}
	m.emitSecret(PairingSecret{
		RemoteDeviceID:   hello.DeviceID,
		RemoteDeviceName: hello.DeviceName,
		Secret:           secret,
	})

	challengeID := uuid.NewString()
	if err := m.sendKind(ch, KindPassphraseChallenge, PassphraseChallengePayload{ChallengeID: challengeID}, hello.DeviceID); err != nil {
		m.reportError(err)
		_ = ch.Close()
		return
	}

	for {
		responseMsg, err := m.awaitMessage(ch, deadline, KindPassphraseResponse)
		if err != nil {
			m.reportError(fmt.Errorf("pairing with %q: %w", hello.DeviceID, err))
			_ = ch.Close()
			return
		}
		var response PassphraseResponsePayload
		if err := responseMsg.DecodePayload(&response); err != nil {
			m.reportError(err)
			_ = ch.Close()
			return
		}
		if response.ChallengeID != challengeID {
			_ = m.sendError(ch, CodeAuthFailed, "unknown challenge", responseMsg.ID)
			continue
		}

		verifyErr := m.options.Authenticator.Verify(connectionID, secret, response.PassphraseHash)
		var locked *auth.LockedError
		switch {
		case verifyErr == nil:
			m.recordAudit(storage.AuditDevicePaired, hello.DeviceID, storage.AuditSeverityInfo, "passphrase")
			m.acceptPairing(ch, connectionID, hello, responseMsg)
			return
		case errors.As(verifyErr, &locked):
			severity := storage.AuditSeverityWarning
			if locked.Hard {
				severity = storage.AuditSeverityCritical
			}
			m.recordAudit(storage.AuditAuthLockout, hello.DeviceID, severity, locked.Error())
			_ = m.sendError(ch, CodeAuthLocked, verifyErr.Error(), responseMsg.ID)
		default:
			m.recordAudit(storage.AuditAuthFailure, hello.DeviceID, storage.AuditSeverityWarning, "passphrase mismatch")
			_ = m.sendError(ch, CodeInvalidPassphrase, "passphrase mismatch", responseMsg.ID)
		}
	}
}

// acceptPairing persists the requester's record, sends the ack with a fresh
// reconnect token, and promotes the channel to a live session.
func (m *Manager) acceptPairing(ch *SecureChannel, connectionID string, hello HelloPayload, acked *Message) {
	token := m.options.Authenticator.IssueReconnectToken(hello.DeviceID)

	host := remoteHost(ch.RemoteAddr())
	device, err := m.options.Devices.Get(hello.DeviceID)
	if err != nil {
		device = models.NewDevice(hello.DeviceID, hello.HardwareAddr, hello.DeviceName)
	}
	device.DeviceName = hello.DeviceName
	device.OS = hello.OS
	device.ProtocolVersion = acked.ProtocolVersion
	device.IsRegistered = true
	device.AuthToken = token
	if fp := ch.RemoteFingerprint(); fp != "" {
		device.CertFingerprint = fp
	}
	if host != "" && hello.ListenPort > 0 {
		device.Address = host
		device.Port = hello.ListenPort
	}
	if err := m.persistPairedDevice(device); err != nil {
		if errors.Is(err, registry.ErrDuplicateHardwareAddr) {
			_ = m.sendError(ch, CodeDuplicateDevice, err.Error(), acked.ID)
		}
		m.options.Authenticator.RevokeReconnectToken(hello.DeviceID)
		m.reportError(err)
		_ = ch.Close()
		return
	}

	if err := m.sendKind(ch, KindAck, AckPayload{
		Status:         "ok",
		AckedID:        acked.ID,
		ReconnectToken: token,
		DeviceName:     m.options.Identity.DeviceName,
		HardwareAddr:   m.options.Identity.HardwareAddr,
		OS:             m.options.Identity.OS,
	}, hello.DeviceID); err != nil {
		m.reportError(err)
		_ = ch.Close()
		return
	}

	m.registerSession(ch, connectionID, token)
}

func (m *Manager) persistPairedDevice(device models.Device) error {
	if err := m.options.Devices.Save(device); err != nil {
		return fmt.Errorf("persist device %q: %w", device.DeviceID, err)
	}
	return m.options.Devices.Touch(device.DeviceID, device.Address, device.Port)
}

// pairWithAddress runs the requester side. With a known device id the dial
// pins the stored certificate fingerprint and presents the stored reconnect
// token; allowPrompt gates the interactive passphrase fallback.
func (m *Manager) pairWithAddress(address, expectedDeviceID string, allowPrompt bool) error {
	var pinned, token string
	if expectedDeviceID != "" {
		if device, err := m.options.Devices.Get(expectedDeviceID); err == nil {
			pinned = device.CertFingerprint
			token = device.AuthToken
		}
	}

	ch, err := Dial(address, DialOptions{
		LocalDeviceID:         m.options.Identity.DeviceID,
		Certificate:           m.options.Identity.Certificate,
		RemoteDeviceID:        expectedDeviceID,
		PinnedFingerprint:     pinned,
		OnFingerprintMismatch: m.fingerprintDecision(),
		ConnectionTimeout:     m.options.ConnectionTimeout,
		KeepAliveInterval:     m.options.KeepAliveInterval,
		KeepAliveTimeout:      m.options.KeepAliveTimeout,
		FrameReadTimeout:      m.options.FrameReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}

	if err := m.runRequesterPairing(ch, address, token, allowPrompt); err != nil {
		_ = ch.Close()
		return err
	}
	return nil
}

func (m *Manager) runRequesterPairing(ch *SecureChannel, address, token string, allowPrompt bool) error {
	deadline := time.Now().Add(m.options.PairingTimeout)
	connectionID := uuid.NewString()

	hello := HelloPayload{
		DeviceID:       m.options.Identity.DeviceID,
		DeviceName:     m.options.Identity.DeviceName,
		HardwareAddr:   m.options.Identity.HardwareAddr,
		OS:             m.options.Identity.OS,
		ListenPort:     m.listenPort(),
		ReconnectToken: token,
	}
	if err := m.sendKind(ch, KindHello, hello, ""); err != nil {
		return err
	}

	reply, err := m.awaitMessage(ch, deadline, KindAck, KindPassphraseChallenge)
	if err != nil {
		return err
	}

	if reply.Kind == KindPassphraseChallenge {
		if !allowPrompt {
			return fmt.Errorf("%w: %s", ErrRepairRequired, address)
		}
		var challenge PassphraseChallengePayload
		if err := reply.DecodePayload(&challenge); err != nil {
			return err
		}
		reply, err = m.answerChallenges(ch, challenge.ChallengeID, reply.SourceDeviceID, deadline)
		if err != nil {
			return err
		}
	}

	var ack AckPayload
	if err := reply.DecodePayload(&ack); err != nil {
		return err
	}
	remoteID := reply.SourceDeviceID
	if remoteID == "" {
		return fmt.Errorf("%w: ack carries no source device id", ErrMissingField)
	}
	ch.SetRemoteDeviceID(remoteID)

	host, port := splitDialAddress(address)
	device, err := m.options.Devices.Get(remoteID)
	if err != nil {
		device = models.NewDevice(remoteID, ack.HardwareAddr, ack.DeviceName)
	}
	if ack.DeviceName != "" {
		device.DeviceName = ack.DeviceName
	}
	if ack.OS != "" {
		device.OS = ack.OS
	}
	device.ProtocolVersion = reply.ProtocolVersion
	device.IsRegistered = true
	device.AuthToken = ack.ReconnectToken
	device.CertFingerprint = ch.RemoteFingerprint()
	if host != "" {
		device.Address = host
		device.Port = port
	}
	if err := m.persistPairedDevice(device); err != nil {
		return err
	}
	m.options.Authenticator.RestoreReconnectToken(remoteID, ack.ReconnectToken)

	m.recordAudit(storage.AuditDevicePaired, remoteID, storage.AuditSeverityInfo, "requester")
	m.registerSession(ch, connectionID, ack.ReconnectToken)
	return nil
}

// answerChallenges prompts the user and submits passphrase responses until
// the responder acks, locks us out, or the deadline passes.
func (m *Manager) answerChallenges(ch *SecureChannel, challengeID, remoteID string, deadline time.Time) (*Message, error) {
	for {
		secret, err := m.promptForSecret(remoteID, deadline)
		if err != nil {
			return nil, err
		}
		if ok, reason := crypto.ValidatePassphraseFormat(secret); !ok {
			m.reportError(fmt.Errorf("entered passphrase rejected: %s", reason))
			continue
		}
		record, err := crypto.HashPassphrase(secret)
		if err != nil {
			return nil, err
		}
		if err := m.sendKind(ch, KindPassphraseResponse, PassphraseResponsePayload{
			ChallengeID:    challengeID,
			PassphraseHash: record,
		}, remoteID); err != nil {
			return nil, err
		}

		reply, err := m.awaitMessage(ch, deadline, KindAck)
		switch {
		case err == nil:
			return reply, nil
		case errors.Is(err, ErrPassphraseRejected):
			m.reportError(err)
			continue
		default:
			return nil, err
		}
	}
}

func (m *Manager) promptForSecret(remoteID string, deadline time.Time) (string, error) {
	respond := make(chan string, 1)
	select {
	case m.prompts <- PassphrasePrompt{RemoteDeviceID: remoteID, Respond: respond}:
	default:
		return "", errors.New("network: no passphrase prompt listener")
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case secret := <-respond:
		return secret, nil
	case <-timer.C:
		return "", ErrPairingTimeout
	case <-m.ctx.Done():
		return "", m.ctx.Err()
	}
}

// registerSession records the authenticated connection, superseding any
// previous session for the same device, and starts its dispatch loop.
func (m *Manager) registerSession(ch *SecureChannel, connectionID, token string) {
	remoteID := ch.RemoteDeviceID()

	sess := &session{channel: ch, connectionID: connectionID}
	if m.options.Sink != nil {
		sess.apply = relay.NewApplyPipeline(m.options.Sink, m.options.Pipeline)
	}
	if m.localRole() == models.RoleMaster {
		sess.ensureSendPipeline(m.options.Pipeline)
	}

	m.sessionMu.Lock()
	old := m.sessions[remoteID]
	m.sessions[remoteID] = sess
	m.sessionMu.Unlock()
	if old != nil {
		old.stopPipelines()
		_ = old.channel.Close()
	}

	m.options.Connections.Remove(remoteID)
	info := models.NewConnectionInfo(connectionID, m.options.Identity.DeviceID, remoteID)
	info.ReconnectToken = token
	m.options.Connections.Register(info)
	m.options.Connections.SetState(remoteID, models.StateConnected)
	ch.MarkConnected()

	m.stopReconnect(remoteID)
	m.clearSuppressReconnect(remoteID)
	m.recordAudit(storage.AuditDeviceConnected, remoteID, storage.AuditSeverityInfo, "connected")

	m.wg.Add(1)
	go m.sessionLoop(sess)
}

func (m *Manager) sessionLoop(sess *session) {
	defer m.wg.Done()

	remoteID := sess.channel.RemoteDeviceID()
loop:
	for {
		select {
		case msg, ok := <-sess.channel.Inbound():
			if !ok {
				break loop
			}
			m.options.Connections.Touch(remoteID)
			m.dispatch(sess, msg)
		case <-m.ctx.Done():
			break loop
		}
	}

	sess.stopPipelines()
	_ = sess.channel.Close()
	m.options.Authenticator.ResetAttempts(sess.connectionID)

	m.sessionMu.Lock()
	current := m.sessions[remoteID]
	if current == sess {
		delete(m.sessions, remoteID)
	}
	m.sessionMu.Unlock()
	if current != sess {
		// Superseded by a newer session; nothing else to clean up.
		return
	}

	m.options.Connections.SetState(remoteID, models.StateDisconnected)
	m.options.Connections.Remove(remoteID)
	if err := m.options.Devices.MarkOffline(remoteID); err != nil && !errors.Is(err, registry.ErrDeviceNotFound) {
		m.reportError(err)
	}

	status := "closed"
	if err := sess.channel.LastError(); err != nil {
		status = err.Error()
	} else if sess.channel.GoodbyeReceived() {
		status = "goodbye"
	}
	m.recordAudit(storage.AuditDeviceDisconnect, remoteID, storage.AuditSeverityInfo, status)

	if m.ctx.Err() != nil {
		return
	}
	if m.consumeSuppressReconnect(remoteID) || sess.channel.GoodbyeReceived() {
		return
	}
	device, err := m.options.Devices.Get(remoteID)
	if err != nil || !device.IsRegistered || device.Address == "" || device.Port <= 0 {
		return
	}
	m.startReconnect(remoteID)
}

func (m *Manager) dispatch(sess *session, msg *Message) {
	remoteID := sess.channel.RemoteDeviceID()

	switch msg.Kind {
	case KindInputEvent:
		var event models.InputEvent
		if err := msg.DecodePayload(&event); err != nil {
			m.reportError(err)
			return
		}
		m.handleInputEvent(sess, remoteID, event)
	case KindRoleChange:
		var change RoleChangePayload
		if err := msg.DecodePayload(&change); err != nil {
			m.reportError(err)
			return
		}
		m.handleRoleChange(sess, msg, change)
	case KindError:
		var wire ErrorPayload
		if err := msg.DecodePayload(&wire); err != nil {
			m.reportError(err)
			return
		}
		m.reportError(fmt.Errorf("peer %q reported %d: %s", remoteID, wire.Code, wire.Reason))
	case KindAck:
		// Acks for role changes need no action beyond the activity touch.
	default:
		_ = m.sendError(sess.channel, CodeUnsupportedFeature,
			fmt.Sprintf("unexpected %s after pairing", msg.Kind), msg.ID)
	}
}

func (m *Manager) handleInputEvent(sess *session, remoteID string, event models.InputEvent) {
	m.options.Connections.CountEvent(remoteID)

	if m.localRole() != models.RoleClient {
		m.reportError(fmt.Errorf("dropping input from %q: local device is not a client", remoteID))
		return
	}
	pipeline := sess.applyPipeline()
	if pipeline == nil {
		m.reportError(fmt.Errorf("dropping input from %q: no input sink configured", remoteID))
		return
	}
	pipeline.Submit(event)
}

// handleRoleChange replays a peer's announced transition through the local
// arbitrator so every device converges on the same single master.
func (m *Manager) handleRoleChange(sess *session, msg *Message, change RoleChangePayload) {
	var err error
	switch change.Role {
	case models.RoleMaster:
		err = m.options.Arbitrator.RequestMaster(change.DeviceID)
	case models.RoleClient:
		err = m.options.Arbitrator.RequestClient(change.DeviceID)
	case models.RoleUnassigned:
		err = m.options.Arbitrator.Release(change.DeviceID)
	default:
		err = fmt.Errorf("unknown role %q", change.Role)
	}

	if err != nil {
		if errors.Is(err, roles.ErrRoleConflict) {
			_ = m.sendError(sess.channel, CodeRoleConflict, err.Error(), msg.ID)
		}
		m.reportError(fmt.Errorf("role change for %q: %w", change.DeviceID, err))
		return
	}
	_ = m.sendKind(sess.channel, KindAck, AckPayload{Status: "ok", AckedID: msg.ID}, sess.channel.RemoteDeviceID())
}

func (m *Manager) roleLoop() {
	defer m.wg.Done()
	for {
		select {
		case event := <-m.options.Arbitrator.Events():
			m.handleRoleEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handleRoleEvent(event roles.Event) {
	detail := fmt.Sprintf("%s -> %s", event.PreviousRole, event.Role)
	m.recordAudit(storage.AuditRoleChange, event.DeviceID, storage.AuditSeverityInfo, detail)

	if event.DeviceID == m.options.Identity.DeviceID {
		if event.Role == models.RoleMaster {
			for _, sess := range m.snapshotSessions() {
				sess.ensureSendPipeline(m.options.Pipeline)
			}
		} else {
			for _, sess := range m.snapshotSessions() {
				sess.stopSendPipeline()
			}
		}
	}

	payload := RoleChangePayload{
		DeviceID:     event.DeviceID,
		Role:         event.Role,
		PreviousRole: event.PreviousRole,
	}
	for _, target := range event.Targets {
		sess := m.getSession(target)
		if sess == nil {
			continue
		}
		if err := m.sendKind(sess.channel, KindRoleChange, payload, target); err != nil {
			m.reportError(fmt.Errorf("announce role change to %q: %w", target, err))
		}
	}
}

// sweepLoop closes connections with no traffic inside the idle window. The
// channel's own activity clock decides; keepalives do not pass through the
// connection registry.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, info := range m.options.Connections.GetTimedOut(m.options.IdleTimeout) {
				sess := m.getSession(info.RemoteDeviceID)
				if sess == nil {
					m.options.Connections.Remove(info.RemoteDeviceID)
					continue
				}
				if time.Since(sess.channel.LastActivity()) < m.options.IdleTimeout {
					m.options.Connections.Touch(info.RemoteDeviceID)
					continue
				}
				m.reportError(fmt.Errorf("connection to %q idle beyond %s, closing", info.RemoteDeviceID, m.options.IdleTimeout))
				_ = sess.channel.Close()
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) startReconnect(deviceID string) {
	if deviceID == "" || m.ctx == nil || m.ctx.Err() != nil {
		return
	}

	m.reconnectMu.Lock()
	if _, exists := m.reconnectWorkers[deviceID]; exists {
		m.reconnectMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.reconnectWorkers[deviceID] = cancel
	m.reconnectMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.reconnectMu.Lock()
			if m.reconnectWorkers[deviceID] != nil {
				delete(m.reconnectWorkers, deviceID)
			}
			m.reconnectMu.Unlock()
		}()

		attempt := 0
		for {
			timer := time.NewTimer(m.backoffForAttempt(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}

			device, err := m.options.Devices.Get(deviceID)
			if err != nil || !device.IsRegistered || device.Address == "" || device.Port <= 0 {
				return
			}

			address := net.JoinHostPort(device.Address, strconv.Itoa(device.Port))
			err = m.pairWithAddress(address, deviceID, false)
			if err == nil {
				return
			}
			if errors.Is(err, ErrRepairRequired) || errors.Is(err, ErrFingerprintMismatch) || errors.Is(err, ErrAuthLocked) {
				m.reportError(fmt.Errorf("reconnect to %q abandoned: %w", deviceID, err))
				return
			}
			if attempt == len(m.options.ReconnectBackoff)-1 {
				// Out of scheduled retries; surface once and keep trying at
				// the final interval.
				m.reportError(fmt.Errorf("reconnect to %q still failing: %w", deviceID, err))
			}
			attempt++
		}
	}()
}

func (m *Manager) stopReconnect(deviceID string) {
	m.reconnectMu.Lock()
	cancel, exists := m.reconnectWorkers[deviceID]
	if exists {
		delete(m.reconnectWorkers, deviceID)
	}
	m.reconnectMu.Unlock()
	if exists {
		cancel()
	}
}

func (m *Manager) backoffForAttempt(attempt int) time.Duration {
	schedule := m.options.ReconnectBackoff
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}

// awaitMessage reads the next channel message and requires it to be one of
// the accepted kinds. Error messages become typed Go errors instead.
func (m *Manager) awaitMessage(ch *SecureChannel, deadline time.Time, kinds ...string) (*Message, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case msg, ok := <-ch.Inbound():
		if !ok {
			if err := ch.LastError(); err != nil {
				return nil, err
			}
			return nil, ErrNotConnected
		}
		if msg.Kind == KindError {
			var wire ErrorPayload
			if err := msg.DecodePayload(&wire); err != nil {
				return nil, err
			}
			return nil, wireError(wire)
		}
		for _, kind := range kinds {
			if msg.Kind == kind {
				return msg, nil
			}
		}
		return nil, fmt.Errorf("network: expected %v, peer sent %s", kinds, msg.Kind)
	case <-timer.C:
		return nil, ErrPairingTimeout
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

// wireError maps a peer's error payload to the local error taxonomy.
func wireError(wire ErrorPayload) error {
	switch wire.Code {
	case CodeAuthLocked:
		return fmt.Errorf("%w: %s", ErrAuthLocked, wire.Reason)
	case CodeInvalidPassphrase, CodeAuthFailed:
		return fmt.Errorf("%w: %s", ErrPassphraseRejected, wire.Reason)
	case CodeRoleConflict:
		return fmt.Errorf("%w: %s", roles.ErrRoleConflict, wire.Reason)
	case CodeDuplicateDevice:
		return fmt.Errorf("%w: %s", registry.ErrDuplicateHardwareAddr, wire.Reason)
	default:
		return fmt.Errorf("network: peer error %d: %s", wire.Code, wire.Reason)
	}
}

func (m *Manager) sendKind(ch *SecureChannel, kind string, payload any, destination string) error {
	msg, err := NewMessage(kind, payload)
	if err != nil {
		return err
	}
	msg.SourceDeviceID = m.options.Identity.DeviceID
	msg.DestinationDeviceID = destination
	return ch.Send(msg)
}

func (m *Manager) sendError(ch *SecureChannel, code int, reason, relatedID string) error {
	msg, err := NewMessage(KindError, ErrorPayload{Code: code, Reason: reason, RelatedID: relatedID})
	if err != nil {
		return err
	}
	msg.SourceDeviceID = m.options.Identity.DeviceID
	msg.DestinationDeviceID = ch.RemoteDeviceID()
	return ch.Send(msg)
}

// fingerprintDecision wraps the configured decision hook with an audit
// record for accepted certificate changes.
func (m *Manager) fingerprintDecision() FingerprintDecisionFunc {
	hook := m.options.OnFingerprintChange
	if hook == nil {
		return nil
	}
	return func(remoteDeviceID, presentedFingerprint string) bool {
		accepted := hook(remoteDeviceID, presentedFingerprint)
		if accepted {
			m.recordAudit(storage.AuditKeyChange, remoteDeviceID, storage.AuditSeverityWarning, "fingerprint replaced")
			if err := m.options.Devices.SetCertFingerprint(remoteDeviceID, presentedFingerprint); err != nil &&
				!errors.Is(err, registry.ErrDeviceNotFound) {
				m.reportError(err)
			}
		} else {
			m.recordAudit(storage.AuditKeyChange, remoteDeviceID, storage.AuditSeverityCritical, "fingerprint refused")
		}
		return accepted
	}
}

func (m *Manager) localRole() models.Role {
	device, err := m.options.Devices.Get(m.options.Identity.DeviceID)
	if err != nil {
		return models.RoleUnassigned
	}
	return device.Role
}

func (m *Manager) listenPort() int {
	if m.server == nil {
		return 0
	}
	if addr, ok := m.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (m *Manager) getSession(remoteDeviceID string) *session {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return m.sessions[remoteDeviceID]
}

func (m *Manager) snapshotSessions() []*session {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (m *Manager) snapshotSessionMap() map[string]*session {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	sessions := make(map[string]*session, len(m.sessions))
	for id, sess := range m.sessions {
		sessions[id] = sess
	}
	return sessions
}

func (m *Manager) emitSecret(secret PairingSecret) {
	select {
	case m.secrets <- secret:
	default:
		m.reportError(fmt.Errorf("pairing secret for %q dropped: no listener", secret.RemoteDeviceID))
	}
}

func (m *Manager) markSuppressReconnect(deviceID string) {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	m.suppressReconnect[deviceID] = true
}

func (m *Manager) clearSuppressReconnect(deviceID string) {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	delete(m.suppressReconnect, deviceID)
}

func (m *Manager) consumeSuppressReconnect(deviceID string) bool {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	suppressed := m.suppressReconnect[deviceID]
	delete(m.suppressReconnect, deviceID)
	return suppressed
}

// recordAudit writes one security-relevant event; input payloads never
// reach the log.
func (m *Manager) recordAudit(eventType, deviceID, severity, status string) {
	details, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		details = []byte(`{}`)
	}
	event := storage.AuditEvent{
		EventType: eventType,
		Details:   string(details),
		Severity:  severity,
	}
	if deviceID != "" {
		event.DeviceID = &deviceID
	}
	if err := m.options.Store.RecordAuditEvent(event); err != nil {
		m.reportError(fmt.Errorf("audit %s: %w", eventType, err))
	}
}

func (m *Manager) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

func splitDialAddress(address string) (string, int) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return host, 0
	}
	return host, port
}
