package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"kmshare/crypto"
)

// ServerOptions configures the TLS listener and the channels it produces.
type ServerOptions struct {
	LocalDeviceID string
	Certificate   tls.Certificate

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	return o
}

// Server accepts inbound TLS sessions and wraps them as SecureChannels.
// Channels arrive on Incoming still unauthenticated; the session owner runs
// the pairing flow before trusting them.
type Server struct {
	listener net.Listener
	options  ServerOptions

	incoming chan *SecureChannel
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TLS 1.3 listener and accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.LocalDeviceID == "" {
		return nil, errors.New("network: local device id is required")
	}
	if len(opts.Certificate.Certificate) == 0 {
		return nil, errors.New("network: server certificate is required")
	}

	if address == "" {
		address = ":0"
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{opts.Certificate},
		MinVersion:   tls.VersionTLS13,
		// The client certificate is captured for fingerprint pinning; trust
		// is established by the passphrase pairing, not by chain validation.
		ClientAuth: tls.RequestClientCert,
	}

	listener, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *SecureChannel, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted, TLS-established channels awaiting pairing.
func (s *Server) Incoming() <-chan *SecureChannel {
	return s.incoming
}

// Errors returns asynchronous accept/handshake errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		s.reportError(fmt.Errorf("accepted connection from %v is not TLS", conn.RemoteAddr()))
		return
	}

	// Force the handshake now so a stalled client cannot hold the slot open
	// and so the peer certificate is available immediately.
	ctx, cancel := context.WithTimeout(context.Background(), s.options.ConnectionTimeout)
	err := tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		s.reportError(fmt.Errorf("tls handshake with %v: %w", conn.RemoteAddr(), err))
		return
	}

	fingerprint := ""
	if peerCerts := tlsConn.ConnectionState().PeerCertificates; len(peerCerts) > 0 {
		fingerprint = crypto.CertificateFingerprint(peerCerts[0].Raw)
	}

	channel := newSecureChannel(tlsConn, fingerprint, ChannelOptions{
		LocalDeviceID:     s.options.LocalDeviceID,
		KeepAliveInterval: s.options.KeepAliveInterval,
		KeepAliveTimeout:  s.options.KeepAliveTimeout,
		FrameReadTimeout:  s.options.FrameReadTimeout,
	})

	closeConn = false
	select {
	case s.incoming <- channel:
	case <-s.closed:
		_ = channel.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
