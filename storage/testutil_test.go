package storage

import (
	"testing"

	"kmshare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddDevice(t *testing.T, store *Store, deviceID, hardwareAddr, name string) {
	t.Helper()

	device := models.NewDevice(deviceID, hardwareAddr, name)
	if err := store.AddDevice(device); err != nil {
		t.Fatalf("add device %q: %v", deviceID, err)
	}
}
