package roles

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kmshare/models"
	"kmshare/registry"
)

func newTestArbitrator(t *testing.T) (*Arbitrator, *registry.Devices, *registry.Connections, *time.Time) {
	t.Helper()

	devices := registry.NewDevices(registry.NewFileStore(filepath.Join(t.TempDir(), "devices.json")))
	for _, seed := range []struct {
		id, mac, name string
	}{
		{"device-a", "AA:00:00:00:00:01", "Alpha"},
		{"device-b", "BB:00:00:00:00:02", "Bravo"},
		{"device-c", "CC:00:00:00:00:03", "Charlie"},
	} {
		if err := devices.Save(models.NewDevice(seed.id, seed.mac, seed.name)); err != nil {
			t.Fatalf("seed device %q: %v", seed.id, err)
		}
	}

	connections := registry.NewConnections()
	arbitrator := New(devices, connections)

	current := time.Now()
	arbitrator.now = func() time.Time { return current }

	return arbitrator, devices, connections, &current
}

func drainEvents(a *Arbitrator) []Event {
	var events []Event
	for {
		select {
		case ev := <-a.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func mustRole(t *testing.T, devices *registry.Devices, deviceID string, want models.Role) {
	t.Helper()
	device, err := devices.Get(deviceID)
	if err != nil {
		t.Fatalf("Get %q failed: %v", deviceID, err)
	}
	if device.Role != want {
		t.Fatalf("device %q role = %q, want %q", deviceID, device.Role, want)
	}
}

func TestFirstMasterClaimSucceeds(t *testing.T) {
	arbitrator, devices, _, _ := newTestArbitrator(t)

	if err := arbitrator.RequestMaster("device-a"); err != nil {
		t.Fatalf("RequestMaster failed: %v", err)
	}
	mustRole(t, devices, "device-a", models.RoleMaster)

	master, ok := arbitrator.Master()
	if !ok || master != "device-a" {
		t.Fatalf("expected device-a as master, got %q", master)
	}

	// Repeating the claim is a no-op for the holder.
	if err := arbitrator.RequestMaster("device-a"); err != nil {
		t.Fatalf("repeated RequestMaster failed: %v", err)
	}
}

func TestSimultaneousClaimsResolveByHardwareAddrBothOrders(t *testing.T) {
	orders := [][2]string{
		{"device-a", "device-b"},
		{"device-b", "device-a"},
	}

	for _, order := range orders {
		arbitrator, devices, _, _ := newTestArbitrator(t)

		_ = arbitrator.RequestMaster(order[0])
		_ = arbitrator.RequestMaster(order[1])

		master, ok := arbitrator.Master()
		if !ok || master != "device-a" {
			t.Fatalf("order %v: expected device-a (lower address) as master, got %q", order, master)
		}
		mustRole(t, devices, "device-a", models.RoleMaster)
	}
}

func TestResolveMasterTieIsPureAndOrderIndependent(t *testing.T) {
	lower := "AA:00:00:00:00:01"
	higher := "BB:00:00:00:00:02"

	for i := 0; i < 3; i++ {
		if got := ResolveMasterTie(lower, higher); got != "aa0000000001" {
			t.Fatalf("ResolveMasterTie(lower, higher) = %q", got)
		}
		if got := ResolveMasterTie(higher, lower); got != "aa0000000001" {
			t.Fatalf("ResolveMasterTie(higher, lower) = %q", got)
		}
	}
}

func TestSettledMasterRejectsNewClaims(t *testing.T) {
	arbitrator, devices, _, clock := newTestArbitrator(t)

	if err := arbitrator.RequestMaster("device-b"); err != nil {
		t.Fatalf("RequestMaster failed: %v", err)
	}
	*clock = clock.Add(DefaultTieWindow + time.Second)

	err := arbitrator.RequestMaster("device-a")
	if !errors.Is(err, ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}

	mustRole(t, devices, "device-b", models.RoleMaster)
	mustRole(t, devices, "device-a", models.RoleUnassigned)
}

func TestClientTakesOverMaster(t *testing.T) {
	arbitrator, devices, _, clock := newTestArbitrator(t)

	if err := arbitrator.RequestMaster("device-a"); err != nil {
		t.Fatalf("RequestMaster failed: %v", err)
	}
	if err := arbitrator.RequestClient("device-b"); err != nil {
		t.Fatalf("RequestClient failed: %v", err)
	}
	*clock = clock.Add(DefaultTieWindow + time.Second)
	drainEvents(arbitrator)

	if err := arbitrator.RequestMaster("device-b"); err != nil {
		t.Fatalf("client takeover failed: %v", err)
	}

	mustRole(t, devices, "device-b", models.RoleMaster)
	mustRole(t, devices, "device-a", models.RoleClient)

	events := drainEvents(arbitrator)
	if len(events) != 2 {
		t.Fatalf("expected one event per device, got %d", len(events))
	}
	if events[0].DeviceID != "device-a" || events[0].Role != models.RoleClient {
		t.Fatalf("unexpected demotion event: %+v", events[0])
	}
	if events[1].DeviceID != "device-b" || events[1].Role != models.RoleMaster {
		t.Fatalf("unexpected promotion event: %+v", events[1])
	}
}

func TestMasterBecomingClientFreesTheSlot(t *testing.T) {
	arbitrator, devices, _, _ := newTestArbitrator(t)

	if err := arbitrator.RequestMaster("device-a"); err != nil {
		t.Fatalf("RequestMaster failed: %v", err)
	}
	if err := arbitrator.RequestClient("device-a"); err != nil {
		t.Fatalf("RequestClient failed: %v", err)
	}

	if _, ok := arbitrator.Master(); ok {
		t.Fatalf("expected no master after demotion")
	}
	mustRole(t, devices, "device-a", models.RoleClient)

	if err := arbitrator.RequestMaster("device-c"); err != nil {
		t.Fatalf("claim after free slot failed: %v", err)
	}
}

func TestReleaseReturnsDeviceToUnassigned(t *testing.T) {
	arbitrator, devices, _, _ := newTestArbitrator(t)

	if err := arbitrator.RequestMaster("device-a"); err != nil {
		t.Fatalf("RequestMaster failed: %v", err)
	}
	if err := arbitrator.Release("device-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	mustRole(t, devices, "device-a", models.RoleUnassigned)
	if _, ok := arbitrator.Master(); ok {
		t.Fatalf("expected no master after release")
	}
}

func TestEventsListLiveConnectionTargets(t *testing.T) {
	arbitrator, _, connections, _ := newTestArbitrator(t)

	info := models.NewConnectionInfo("conn-1", "device-a", "device-b")
	connections.Register(info)
	connections.SetState("device-b", models.StateConnected)
	connections.Register(models.NewConnectionInfo("conn-2", "device-a", "device-c"))

	if err := arbitrator.RequestMaster("device-a"); err != nil {
		t.Fatalf("RequestMaster failed: %v", err)
	}

	events := drainEvents(arbitrator)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if len(events[0].Targets) != 1 || events[0].Targets[0] != "device-b" {
		t.Fatalf("expected only connected targets, got %v", events[0].Targets)
	}
}

func TestRequestMasterUnknownDevice(t *testing.T) {
	arbitrator, _, _, _ := newTestArbitrator(t)

	err := arbitrator.RequestMaster("ghost")
	if !errors.Is(err, registry.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}
