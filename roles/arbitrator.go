// Package roles enforces the single-master invariant. The arbitrator is the
// only writer of Device.Role; every transition is serialized under one mutex
// and announced on the event channel so the session layer can broadcast it.
package roles

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kmshare/models"
	"kmshare/registry"
)

const (
	// DefaultTieWindow is how long a fresh master claim stays contestable.
	// Near-simultaneous claims landing inside the window are resolved by
	// hardware address instead of arrival order.
	DefaultTieWindow = 3 * time.Second

	eventBuffer = 16
)

// ErrRoleConflict indicates another device already holds the master role.
var ErrRoleConflict = errors.New("roles: another device is master")

// Event describes one committed role transition. Targets lists the remote
// device ids with live connections at emit time, for wire broadcast.
type Event struct {
	DeviceID     string
	Role         models.Role
	PreviousRole models.Role
	Targets      []string
}

// Arbitrator owns role transitions for the known-device set.
type Arbitrator struct {
	devices     *registry.Devices
	connections *registry.Connections

	mu        sync.Mutex
	masterID  string
	claimedAt time.Time

	tieWindow time.Duration
	now       func() time.Time

	events chan Event
}

// New builds an arbitrator over the given registries.
func New(devices *registry.Devices, connections *registry.Connections) *Arbitrator {
	return &Arbitrator{
		devices:     devices,
		connections: connections,
		tieWindow:   DefaultTieWindow,
		now:         time.Now,
		events:      make(chan Event, eventBuffer),
	}
}

// Events delivers committed role transitions. Slow consumers lose events
// rather than blocking transitions.
func (a *Arbitrator) Events() <-chan Event {
	return a.events
}

// Master returns the current master device id, if any.
func (a *Arbitrator) Master() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.masterID, a.masterID != ""
}

// RequestMaster claims the master role for deviceID.
//
// With no master the claim succeeds. While an existing claim is still inside
// the tie window, the contest is decided by ResolveMasterTie; a defeated
// incumbent is demoted to client. A device already participating as client
// takes the role over, demoting the current master. Any other conflict fails
// with ErrRoleConflict and changes nothing.
func (a *Arbitrator) RequestMaster(deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	device, err := a.devices.Get(deviceID)
	if err != nil {
		return fmt.Errorf("request master for %q: %w", deviceID, err)
	}

	if a.masterID == deviceID {
		return nil
	}

	if a.masterID == "" {
		if err := a.assign(deviceID, models.RoleMaster, device.Role); err != nil {
			return err
		}
		a.masterID = deviceID
		a.claimedAt = a.now()
		return nil
	}

	current, err := a.devices.Get(a.masterID)
	if err != nil {
		return fmt.Errorf("request master for %q: %w", deviceID, err)
	}

	if a.now().Sub(a.claimedAt) < a.tieWindow {
		winner := ResolveMasterTie(device.HardwareAddr, current.HardwareAddr)
		if winner != device.HardwareAddr {
			return fmt.Errorf("%w: %s", ErrRoleConflict, a.masterID)
		}
		return a.takeOver(deviceID, device.Role, current)
	}

	if device.Role == models.RoleClient {
		return a.takeOver(deviceID, device.Role, current)
	}

	return fmt.Errorf("%w: %s", ErrRoleConflict, a.masterID)
}

// RequestClient assigns the client role. Always permitted; a master asking
// to become client releases the master slot.
func (a *Arbitrator) RequestClient(deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	device, err := a.devices.Get(deviceID)
	if err != nil {
		return fmt.Errorf("request client for %q: %w", deviceID, err)
	}
	if device.Role == models.RoleClient {
		return nil
	}

	if err := a.assign(deviceID, models.RoleClient, device.Role); err != nil {
		return err
	}
	if a.masterID == deviceID {
		a.masterID = ""
	}
	return nil
}

// Release returns the device to the unassigned role.
func (a *Arbitrator) Release(deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	device, err := a.devices.Get(deviceID)
	if err != nil {
		return fmt.Errorf("release role for %q: %w", deviceID, err)
	}
	if device.Role == models.RoleUnassigned {
		return nil
	}

	if err := a.assign(deviceID, models.RoleUnassigned, device.Role); err != nil {
		return err
	}
	if a.masterID == deviceID {
		a.masterID = ""
	}
	return nil
}

// ResolveMasterTie decides a contested master claim between two hardware
// addresses. Pure and order-independent: the lexicographically lower
// normalized address wins.
func ResolveMasterTie(hardwareAddrA, hardwareAddrB string) string {
	a := models.NormalizeHardwareAddr(hardwareAddrA)
	b := models.NormalizeHardwareAddr(hardwareAddrB)
	if b < a {
		return b
	}
	return a
}

// takeOver promotes deviceID and demotes the current master to client,
// emitting one transition event for each device.
func (a *Arbitrator) takeOver(deviceID string, previousRole models.Role, current models.Device) error {
	if err := a.assign(current.DeviceID, models.RoleClient, current.Role); err != nil {
		return err
	}
	if err := a.assign(deviceID, models.RoleMaster, previousRole); err != nil {
		return err
	}
	a.masterID = deviceID
	a.claimedAt = a.now()
	return nil
}

// assign persists one role change and emits its event. Callers hold a.mu.
func (a *Arbitrator) assign(deviceID string, role, previous models.Role) error {
	if err := a.devices.SetRole(deviceID, role); err != nil {
		return fmt.Errorf("assign role %s to %q: %w", role, deviceID, err)
	}

	event := Event{
		DeviceID:     deviceID,
		Role:         role,
		PreviousRole: previous,
		Targets:      a.liveTargets(),
	}
	select {
	case a.events <- event:
	default:
	}
	return nil
}

func (a *Arbitrator) liveTargets() []string {
	if a.connections == nil {
		return nil
	}
	infos := a.connections.List()
	targets := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.State == models.StateConnected {
			targets = append(targets, info.RemoteDeviceID)
		}
	}
	return targets
}
