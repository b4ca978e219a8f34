package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"kmshare/models"
)

func newTestDevices(t *testing.T) (*Devices, *FileStore) {
	t.Helper()

	store := NewFileStore(filepath.Join(t.TempDir(), "devices.json"))
	return NewDevices(store), store
}

func TestSaveRejectsDuplicateHardwareAddr(t *testing.T) {
	devices, _ := newTestDevices(t)

	first := models.NewDevice("device-x", "AA:BB:CC:DD:EE:FF", "First")
	if err := devices.Save(first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	second := models.NewDevice("device-y", "aa-bb-cc-dd-ee-ff", "Second")
	if err := devices.Save(second); !errors.Is(err, ErrDuplicateHardwareAddr) {
		t.Fatalf("expected ErrDuplicateHardwareAddr, got %v", err)
	}

	all, err := devices.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 1 || all[0].DeviceID != "device-x" {
		t.Fatalf("expected only the first registration to survive, got %+v", all)
	}
}

func TestSaveUpdatesExistingDevice(t *testing.T) {
	devices, _ := newTestDevices(t)

	device := models.NewDevice("device-x", "AA:BB:CC:DD:EE:FF", "First")
	if err := devices.Save(device); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := devices.SetRole("device-x", models.RoleMaster); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}

	update := models.NewDevice("device-x", "AA:BB:CC:DD:EE:FF", "Renamed")
	update.Address = "192.168.1.30"
	update.Port = 19999
	if err := devices.Save(update); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}

	got, err := devices.Get("device-x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DeviceName != "Renamed" || got.Address != "192.168.1.30" {
		t.Fatalf("update lost fields: %+v", got)
	}
	if got.Role != models.RoleMaster {
		t.Fatalf("update should preserve the assigned role, got %q", got.Role)
	}

	count, err := devices.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 device, got %d", count)
	}
}

func TestTouchAndMarkOfflinePersist(t *testing.T) {
	devices, store := newTestDevices(t)

	device := models.NewDevice("device-x", "AA:BB:CC:DD:EE:FF", "First")
	device.LastSeen = 0
	if err := devices.Save(device); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := devices.Touch("device-x", "192.168.1.10", 19999); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	got, err := devices.Get("device-x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsOnline || got.LastSeen == 0 {
		t.Fatalf("Touch did not mark the device online: %+v", got)
	}
	if got.Address != "192.168.1.10" || got.Port != 19999 {
		t.Fatalf("Touch did not record the endpoint: %+v", got)
	}

	if err := devices.MarkOffline("device-x"); err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}
	got, err = devices.Get("device-x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.IsOnline {
		t.Fatalf("expected device offline")
	}

	// A second registry over the same store sees the persisted record but
	// never a stale online flag.
	reloaded := NewDevices(store)
	got, err = reloaded.Get("device-x")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got.IsOnline {
		t.Fatalf("online flag must not survive a reload")
	}
	if got.Address != "192.168.1.10" {
		t.Fatalf("endpoint lost across reload: %+v", got)
	}
}

func TestGetByHardwareAddrNormalizes(t *testing.T) {
	devices, _ := newTestDevices(t)

	if err := devices.Save(models.NewDevice("device-x", "aa:bb:cc:dd:ee:ff", "First")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := devices.GetByHardwareAddr("AA-BB-CC-DD-EE-FF")
	if err != nil {
		t.Fatalf("GetByHardwareAddr failed: %v", err)
	}
	if got.DeviceID != "device-x" {
		t.Fatalf("wrong device: %q", got.DeviceID)
	}
}

func TestDeleteUnregistersDevice(t *testing.T) {
	devices, _ := newTestDevices(t)

	if err := devices.Save(models.NewDevice("device-x", "AA:BB:CC:DD:EE:FF", "First")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := devices.Delete("device-x"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := devices.Get("device-x"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	// The freed hardware address is registerable again.
	if err := devices.Save(models.NewDevice("device-y", "AA:BB:CC:DD:EE:FF", "Second")); err != nil {
		t.Fatalf("Save after delete failed: %v", err)
	}
}

func TestSetAuthTokenPersists(t *testing.T) {
	devices, store := newTestDevices(t)

	if err := devices.Save(models.NewDevice("device-x", "AA:BB:CC:DD:EE:FF", "First")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := devices.SetAuthToken("device-x", "token-1"); err != nil {
		t.Fatalf("SetAuthToken failed: %v", err)
	}

	reloaded := NewDevices(store)
	got, err := reloaded.Get("device-x")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got.AuthToken != "token-1" {
		t.Fatalf("auth token lost across reload: %q", got.AuthToken)
	}
}

type failingStore struct {
	err error
}

func (f failingStore) ListDevices() ([]models.Device, error)  { return nil, f.err }
func (f failingStore) AddDevice(models.Device) error          { return f.err }
func (f failingStore) UpdateDevice(models.Device) error       { return f.err }
func (f failingStore) RemoveDevice(string) error              { return f.err }

func TestLoadFailureSurfacesOnEveryOperation(t *testing.T) {
	loadErr := errors.New("disk gone")
	devices := NewDevices(failingStore{err: loadErr})

	if _, err := devices.GetAll(); !errors.Is(err, loadErr) {
		t.Fatalf("expected load error from GetAll, got %v", err)
	}
	if err := devices.Save(models.NewDevice("device-x", "AA:BB:CC:DD:EE:FF", "First")); !errors.Is(err, loadErr) {
		t.Fatalf("expected load error from Save, got %v", err)
	}
}
