// Package discovery is the candidate-list provider: a zeroconf broadcaster
// advertising this device under _kms._tcp.local. and a scanner that diffs
// periodic browse results into candidate upsert/remove events. The session
// layer consumes candidates through the event channel and the snapshot
// accessor; nothing here opens connections or decides trust.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_kms._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultProtocolVersion is advertised in the version TXT record.
	DefaultProtocolVersion = "1.0.0"
	// DefaultRefreshInterval is the background candidate discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID    string
	DeviceName      string
	ListeningPort   int
	Role            string
	ProtocolVersion string
	Fingerprint     string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ProtocolVersion == "" {
		out.ProtocolVersion = DefaultProtocolVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Role == "" {
		out.Role = "unassigned"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Broadcaster advertises local device presence via mDNS. The TXT records
// carry the identity fields a scanner needs to build a candidate without
// connecting: device id and name, current role, protocol version, and the
// TLS certificate fingerprint for pre-pairing pin checks.
type Broadcaster struct {
	mu     sync.Mutex
	server *zeroconf.Server
	cfg    Config
	role   string
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	b := &Broadcaster{cfg: cfg, role: cfg.Role}
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, b.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	b.server = server

	return b, nil
}

func (b *Broadcaster) txtRecords() []string {
	return []string{
		"device_id=" + b.cfg.SelfDeviceID,
		"device_name=" + b.cfg.DeviceName,
		"role=" + b.role,
		"version=" + b.cfg.ProtocolVersion,
		"fingerprint=" + b.cfg.Fingerprint,
	}
}

// SetRole republishes the TXT records with the device's arbitrated role so
// scanners on other devices see an up-to-date candidate list.
func (b *Broadcaster) SetRole(role string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if role == "" || role == b.role {
		return
	}
	b.role = role
	if b.server != nil {
		b.server.SetText(b.txtRecords())
	}
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		return
	}
	b.server.Shutdown()
	b.server = nil
}

// Service coordinates mDNS broadcast and scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *Scanner
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
