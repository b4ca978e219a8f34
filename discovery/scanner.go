package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventCandidateUpserted is emitted when a candidate appears or its
	// advertised metadata changes.
	EventCandidateUpserted EventType = "candidate_upserted"
	// EventCandidateRemoved is emitted when a previously seen candidate
	// disappears from scan results.
	EventCandidateRemoved EventType = "candidate_removed"
)

// EventType identifies candidate list updates.
type EventType string

// Event carries a candidate list update.
type Event struct {
	Type      EventType
	Candidate Candidate
}

// Candidate is a pairable device observed on the LAN. Metadata holds the
// advertised TXT records (role, version, fingerprint) verbatim; the session
// layer decides what to trust after the TLS handshake.
type Candidate struct {
	DeviceID   string
	DeviceName string
	Address    string
	Addresses  []string
	Port       int
	Metadata   map[string]string
	LastSeen   time.Time
}

// DialAddress returns the host:port string for connecting to the candidate.
func (c Candidate) DialAddress() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner maintains the candidate list with periodic and manual mDNS browse
// operations.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu         sync.RWMutex
	candidates map[string]Candidate

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		candidates:      make(map[string]Candidate),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous candidate list updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Candidates returns the current candidate list snapshot.
func (s *Scanner) Candidates() []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Candidate, 0, len(s.candidates))
	for _, candidate := range s.candidates {
		out = append(out, candidate)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the candidate list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Candidate)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				candidate, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				candidate.LastSeen = time.Now()
				collectedMu.Lock()
				collected[candidate.DeviceID] = candidate
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.candidates
	s.candidates = next

	for id, candidate := range next {
		old, exists := previous[id]
		if !exists || !candidatesEqual(old, candidate) {
			s.emitEvent(Event{Type: EventCandidateUpserted, Candidate: candidate})
		}
	}

	for id, candidate := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventCandidateRemoved, Candidate: candidate})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Candidate, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Candidate{}, false
	}

	// Prefer an IPv4 dial address when one is advertised.
	address := ""
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			address = ip.String()
			break
		}
	}
	if address == "" {
		for _, ip := range entry.AddrIPv6 {
			if ip != nil {
				address = ip.String()
				break
			}
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	metadata := make(map[string]string, len(txt))
	for key, value := range txt {
		if key == "device_id" || key == "device_name" {
			continue
		}
		metadata[key] = value
	}

	return Candidate{
		DeviceID:   deviceID,
		DeviceName: name,
		Address:    address,
		Addresses:  addresses,
		Port:       entry.Port,
		Metadata:   metadata,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func candidatesEqual(a, b Candidate) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Address != b.Address ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) ||
		len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	for key, value := range a.Metadata {
		if b.Metadata[key] != value {
			return false
		}
	}
	return true
}
