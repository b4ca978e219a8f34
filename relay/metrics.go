package relay

import (
	"sync"

	"kmshare/models"
)

// recentErrorLimit caps the error ring in a metrics snapshot.
const recentErrorLimit = 10

// Snapshot is a point-in-time copy of one pipeline's counters.
// EventsReceived counts events accepted into the queue, EventsApplied
// events dispatched successfully, EventsFailed rejected submissions plus
// dispatch failures and ordering drops. PerKind breaks EventsReceived
// down by event kind.
type Snapshot struct {
	EventsReceived uint64
	EventsApplied  uint64
	EventsFailed   uint64
	PerKind        map[models.EventKind]uint64
	RecentErrors   []string
}

type metrics struct {
	mu           sync.Mutex
	received     uint64
	applied      uint64
	failed       uint64
	perKind      map[models.EventKind]uint64
	recentErrors []string
}

func newMetrics() *metrics {
	return &metrics{
		perKind: make(map[models.EventKind]uint64),
	}
}

func (m *metrics) recordAccepted(kind models.EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
	m.perKind[kind]++
}

func (m *metrics) recordApplied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied++
}

func (m *metrics) recordFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	if len(m.recentErrors) == recentErrorLimit {
		copy(m.recentErrors, m.recentErrors[1:])
		m.recentErrors = m.recentErrors[:recentErrorLimit-1]
	}
	m.recentErrors = append(m.recentErrors, reason)
}

func (m *metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	perKind := make(map[models.EventKind]uint64, len(m.perKind))
	for kind, count := range m.perKind {
		perKind[kind] = count
	}
	recent := make([]string, len(m.recentErrors))
	copy(recent, m.recentErrors)

	return Snapshot{
		EventsReceived: m.received,
		EventsApplied:  m.applied,
		EventsFailed:   m.failed,
		PerKind:        perKind,
		RecentErrors:   recent,
	}
}

func (m *metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = 0
	m.applied = 0
	m.failed = 0
	m.perKind = make(map[models.EventKind]uint64)
	m.recentErrors = nil
}
