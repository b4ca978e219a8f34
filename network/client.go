package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"kmshare/crypto"
)

// ErrFingerprintMismatch indicates the peer presented a certificate that
// does not match the fingerprint pinned at pairing time.
var ErrFingerprintMismatch = errors.New("network: peer certificate fingerprint mismatch")

// FingerprintDecisionFunc is consulted when a pinned peer presents a new
// certificate. Returning true accepts the new certificate for this session.
type FingerprintDecisionFunc func(remoteDeviceID, presentedFingerprint string) bool

// DialOptions configures an outbound channel.
type DialOptions struct {
	LocalDeviceID string
	Certificate   tls.Certificate

	// RemoteDeviceID and PinnedFingerprint are set when reconnecting to an
	// already paired device; empty values skip pinning.
	RemoteDeviceID        string
	PinnedFingerprint     string
	OnFingerprintMismatch FingerprintDecisionFunc

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o DialOptions) withDefaults() DialOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	return o
}

// Dial opens a TLS 1.3 channel to address. Certificate verification runs a
// real chain check but tolerates exactly one failure class: an unknown
// authority, which is what a LAN peer's self-signed certificate produces.
// Expired, malformed, or otherwise invalid certificates abort the attempt.
func Dial(address string, options DialOptions) (*SecureChannel, error) {
	opts := options.withDefaults()
	if opts.LocalDeviceID == "" {
		return nil, errors.New("network: local device id is required")
	}
	if len(opts.Certificate.Certificate) == 0 {
		return nil, errors.New("network: client certificate is required")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{opts.Certificate},
		MinVersion:   tls.VersionTLS13,
		// Chain verification is replaced, not skipped: VerifyPeerCertificate
		// below enforces the self-signed tolerance rule and pinning.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPeerCertificate(rawCerts, opts)
		},
	}

	dialer := &net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	fingerprint := ""
	if peerCerts := conn.ConnectionState().PeerCertificates; len(peerCerts) > 0 {
		fingerprint = crypto.CertificateFingerprint(peerCerts[0].Raw)
	}

	return newSecureChannel(conn, fingerprint, ChannelOptions{
		LocalDeviceID:     opts.LocalDeviceID,
		RemoteDeviceID:    opts.RemoteDeviceID,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
	}), nil
}

func verifyPeerCertificate(rawCerts [][]byte, opts DialOptions) error {
	if len(rawCerts) == 0 {
		return errors.New("network: peer presented no certificate")
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse peer intermediate certificate: %w", err)
		}
		intermediates.AddCert(cert)
	}

	// No DNSName: LAN peers are addressed by IP and pinned by fingerprint,
	// so hostname matching is not part of the trust decision.
	_, err = leaf.Verify(x509.VerifyOptions{
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		var unknownAuthority x509.UnknownAuthorityError
		if !errors.As(err, &unknownAuthority) {
			return fmt.Errorf("verify peer certificate: %w", err)
		}
		// Self-signed certificates land here and are tolerated; everything
		// beyond the missing root was checked above.
	}

	if opts.PinnedFingerprint == "" {
		return nil
	}
	presented := crypto.CertificateFingerprint(rawCerts[0])
	if presented == opts.PinnedFingerprint {
		return nil
	}
	if opts.OnFingerprintMismatch != nil && opts.OnFingerprintMismatch(opts.RemoteDeviceID, presented) {
		return nil
	}
	return fmt.Errorf("%w: device %q presented %s", ErrFingerprintMismatch, opts.RemoteDeviceID, presented)
}
