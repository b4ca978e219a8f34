package registry

import (
	"sort"
	"sync"
	"time"

	"kmshare/models"
)

// Connections tracks live sessions keyed by remote device id. Entries are
// snapshots; they reference devices by id and are never persisted.
type Connections struct {
	mu    sync.RWMutex
	conns map[string]models.ConnectionInfo
}

// NewConnections builds an empty connection registry.
func NewConnections() *Connections {
	return &Connections{conns: make(map[string]models.ConnectionInfo)}
}

// Register records a new connection. It refuses to replace an existing entry
// for the same remote device; the caller must Remove the old session first.
func (c *Connections) Register(info models.ConnectionInfo) bool {
	if info.RemoteDeviceID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[info.RemoteDeviceID]; ok {
		return false
	}
	c.conns[info.RemoteDeviceID] = info
	return true
}

// Get returns the connection snapshot for a remote device.
func (c *Connections) Get(remoteDeviceID string) (models.ConnectionInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.conns[remoteDeviceID]
	return info, ok
}

// List returns every tracked connection sorted by remote device id.
func (c *Connections) List() []models.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]models.ConnectionInfo, 0, len(c.conns))
	for _, info := range c.conns {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].RemoteDeviceID < infos[j].RemoteDeviceID
	})
	return infos
}

// Touch stamps the connection's last activity.
func (c *Connections) Touch(remoteDeviceID string) bool {
	return c.update(remoteDeviceID, func(info *models.ConnectionInfo) {
		info.LastActivity = time.Now().UnixMilli()
	})
}

// SetState transitions the tracked connection state.
func (c *Connections) SetState(remoteDeviceID string, state models.ConnectionState) bool {
	return c.update(remoteDeviceID, func(info *models.ConnectionInfo) {
		info.State = state
		info.LastActivity = time.Now().UnixMilli()
	})
}

// CountEvent increments the relayed-event counter and returns the new total.
func (c *Connections) CountEvent(remoteDeviceID string) uint64 {
	var total uint64
	c.update(remoteDeviceID, func(info *models.ConnectionInfo) {
		info.EventCounter++
		info.LastActivity = time.Now().UnixMilli()
		total = info.EventCounter
	})
	return total
}

// RecordAuthFailure increments the failed-auth counter and returns the new
// total.
func (c *Connections) RecordAuthFailure(remoteDeviceID string) int {
	var total int
	c.update(remoteDeviceID, func(info *models.ConnectionInfo) {
		info.FailedAuth++
		total = info.FailedAuth
	})
	return total
}

// Remove drops the tracked connection.
func (c *Connections) Remove(remoteDeviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[remoteDeviceID]; !ok {
		return false
	}
	delete(c.conns, remoteDeviceID)
	return true
}

// Count returns the number of tracked connections.
func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// GetTimedOut returns connections whose last activity is older than the
// threshold, for the session manager's sweep.
func (c *Connections) GetTimedOut(threshold time.Duration) []models.ConnectionInfo {
	cutoff := time.Now().Add(-threshold).UnixMilli()

	c.mu.RLock()
	defer c.mu.RUnlock()
	var timedOut []models.ConnectionInfo
	for _, info := range c.conns {
		if info.LastActivity < cutoff {
			timedOut = append(timedOut, info)
		}
	}
	sort.Slice(timedOut, func(i, j int) bool {
		return timedOut[i].RemoteDeviceID < timedOut[j].RemoteDeviceID
	})
	return timedOut
}

func (c *Connections) update(remoteDeviceID string, apply func(*models.ConnectionInfo)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.conns[remoteDeviceID]
	if !ok {
		return false
	}
	apply(&info)
	c.conns[remoteDeviceID] = info
	return true
}
