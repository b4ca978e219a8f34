package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"kmshare/models"
)

// FileStore persists device records as one JSON document. Every write lands
// in a temp file first and is swapped in with os.Rename, so a crash mid-write
// leaves the previous document intact. It is the lightweight alternative to
// the SQLite store for installs without a database.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore builds a file-backed device store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// ListDevices reads every stored device. A missing file is an empty store.
func (f *FileStore) ListDevices() ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// AddDevice appends a new device record.
func (f *FileStore) AddDevice(device models.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	device.HardwareAddr = models.NormalizeHardwareAddr(device.HardwareAddr)

	f.mu.Lock()
	defer f.mu.Unlock()

	devices, err := f.read()
	if err != nil {
		return err
	}
	for _, existing := range devices {
		if existing.DeviceID == device.DeviceID {
			return fmt.Errorf("registry: device %q already stored", device.DeviceID)
		}
		if existing.HardwareAddr == device.HardwareAddr {
			return fmt.Errorf("%w: %s", ErrDuplicateHardwareAddr, device.HardwareAddr)
		}
	}

	devices = append(devices, device)
	return f.write(devices)
}

// UpdateDevice rewrites an existing device record.
func (f *FileStore) UpdateDevice(device models.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	devices, err := f.read()
	if err != nil {
		return err
	}
	for i, existing := range devices {
		if existing.DeviceID == device.DeviceID {
			devices[i] = device
			return f.write(devices)
		}
	}
	return ErrDeviceNotFound
}

// RemoveDevice deletes a device record.
func (f *FileStore) RemoveDevice(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	devices, err := f.read()
	if err != nil {
		return err
	}
	for i, existing := range devices {
		if existing.DeviceID == deviceID {
			devices = append(devices[:i], devices[i+1:]...)
			return f.write(devices)
		}
	}
	return ErrDeviceNotFound
}

func (f *FileStore) read() ([]models.Device, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read device store: %w", err)
	}

	var devices []models.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("parse device store: %w", err)
	}
	return devices, nil
}

func (f *FileStore) write(devices []models.Device) error {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceID < devices[j].DeviceID
	})

	raw, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device store: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".devices-*.json")
	if err != nil {
		return fmt.Errorf("create device store temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write device store temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close device store temp file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("swap device store: %w", err)
	}
	return nil
}
