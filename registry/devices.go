// Package registry holds the runtime views of known devices and live
// connections. The device registry is a write-through cache over a durable
// store; the connection registry is in-memory only.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kmshare/models"
)

var (
	// ErrDeviceNotFound indicates the device id is not registered.
	ErrDeviceNotFound = errors.New("registry: device not found")
	// ErrDuplicateHardwareAddr indicates another device already registered
	// the same hardware address.
	ErrDuplicateHardwareAddr = errors.New("registry: hardware address already registered")
)

// Store is the durable backing for the device registry. Implementations are
// storage.Store (SQLite) and FileStore (JSON).
type Store interface {
	ListDevices() ([]models.Device, error)
	AddDevice(device models.Device) error
	UpdateDevice(device models.Device) error
	RemoveDevice(deviceID string) error
}

// Devices is a concurrency-safe device registry. The cache fills lazily from
// the store on first use; every mutation writes through before updating the
// cache, so the store never trails what callers have observed.
type Devices struct {
	store Store

	loadOnce sync.Once
	loadErr  error

	mu     sync.RWMutex
	byID   map[string]models.Device
	byAddr map[string]string
}

// NewDevices builds a device registry over the given store.
func NewDevices(store Store) *Devices {
	return &Devices{
		store:  store,
		byID:   make(map[string]models.Device),
		byAddr: make(map[string]string),
	}
}

func (d *Devices) ensureLoaded() error {
	d.loadOnce.Do(func() {
		devices, err := d.store.ListDevices()
		if err != nil {
			d.loadErr = fmt.Errorf("load device registry: %w", err)
			return
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		for _, device := range devices {
			// Presence is runtime state; nobody is online right after load.
			device.IsOnline = false
			device.HardwareAddr = models.NormalizeHardwareAddr(device.HardwareAddr)
			if _, taken := d.byAddr[device.HardwareAddr]; taken {
				continue
			}
			d.byID[device.DeviceID] = device
			d.byAddr[device.HardwareAddr] = device.DeviceID
		}
	})
	return d.loadErr
}

// Save registers a new device or updates an existing one. A hardware address
// already held by a different device id is rejected; the first registration
// wins. Updates preserve the stored identity fields and creation time.
func (d *Devices) Save(device models.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	device.HardwareAddr = models.NormalizeHardwareAddr(device.HardwareAddr)

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byID[device.DeviceID]; ok {
		device.HardwareAddr = existing.HardwareAddr
		device.CreatedAt = existing.CreatedAt
		if device.Role == models.RoleUnassigned {
			device.Role = existing.Role
		}
		if err := d.store.UpdateDevice(device); err != nil {
			return fmt.Errorf("update device %q: %w", device.DeviceID, err)
		}
		d.byID[device.DeviceID] = device
		return nil
	}

	if ownerID, taken := d.byAddr[device.HardwareAddr]; taken && ownerID != device.DeviceID {
		return fmt.Errorf("%w: %s held by %s", ErrDuplicateHardwareAddr, device.HardwareAddr, ownerID)
	}

	if device.CreatedAt == 0 {
		device.CreatedAt = time.Now().UnixMilli()
	}
	if err := d.store.AddDevice(device); err != nil {
		return fmt.Errorf("add device %q: %w", device.DeviceID, err)
	}
	d.byID[device.DeviceID] = device
	d.byAddr[device.HardwareAddr] = device.DeviceID
	return nil
}

// Get returns one device by id.
func (d *Devices) Get(deviceID string) (models.Device, error) {
	if err := d.ensureLoaded(); err != nil {
		return models.Device{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	device, ok := d.byID[deviceID]
	if !ok {
		return models.Device{}, ErrDeviceNotFound
	}
	return device, nil
}

// GetByHardwareAddr returns one device by normalized hardware address.
func (d *Devices) GetByHardwareAddr(hardwareAddr string) (models.Device, error) {
	if err := d.ensureLoaded(); err != nil {
		return models.Device{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	deviceID, ok := d.byAddr[models.NormalizeHardwareAddr(hardwareAddr)]
	if !ok {
		return models.Device{}, ErrDeviceNotFound
	}
	return d.byID[deviceID], nil
}

// GetAll returns every known device sorted by name, then id.
func (d *Devices) GetAll() ([]models.Device, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	devices := make([]models.Device, 0, len(d.byID))
	for _, device := range d.byID {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].DeviceName != devices[j].DeviceName {
			return devices[i].DeviceName < devices[j].DeviceName
		}
		return devices[i].DeviceID < devices[j].DeviceID
	})
	return devices, nil
}

// Exists reports whether the device id is registered.
func (d *Devices) Exists(deviceID string) (bool, error) {
	if err := d.ensureLoaded(); err != nil {
		return false, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[deviceID]
	return ok, nil
}

// Count returns the number of registered devices.
func (d *Devices) Count() (int, error) {
	if err := d.ensureLoaded(); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID), nil
}

// Touch marks the device online, stamps last seen, and records its current
// endpoint when provided.
func (d *Devices) Touch(deviceID, address string, port int) error {
	return d.mutate(deviceID, func(device *models.Device) {
		device.IsOnline = true
		device.LastSeen = time.Now().UnixMilli()
		if address != "" {
			device.Address = address
		}
		if port > 0 {
			device.Port = port
		}
	})
}

// SetRole records an arbitrated role for the device.
func (d *Devices) SetRole(deviceID string, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("registry: invalid role %q", role)
	}
	return d.mutate(deviceID, func(device *models.Device) {
		device.Role = role
	})
}

// SetAuthToken stores the reconnect token issued at pairing.
func (d *Devices) SetAuthToken(deviceID, token string) error {
	return d.mutate(deviceID, func(device *models.Device) {
		device.AuthToken = token
	})
}

// SetCertFingerprint replaces the pinned certificate fingerprint after the
// user accepts a changed certificate.
func (d *Devices) SetCertFingerprint(deviceID, fingerprint string) error {
	return d.mutate(deviceID, func(device *models.Device) {
		device.CertFingerprint = fingerprint
	})
}

// MarkOffline clears the online flag. Disconnected devices stay registered;
// only Delete removes them.
func (d *Devices) MarkOffline(deviceID string) error {
	return d.mutate(deviceID, func(device *models.Device) {
		device.IsOnline = false
		device.LastSeen = time.Now().UnixMilli()
	})
}

// Delete unregisters a device.
func (d *Devices) Delete(deviceID string) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	device, ok := d.byID[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if err := d.store.RemoveDevice(deviceID); err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}
	delete(d.byID, deviceID)
	delete(d.byAddr, device.HardwareAddr)
	return nil
}

func (d *Devices) mutate(deviceID string, apply func(*models.Device)) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	device, ok := d.byID[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}

	apply(&device)
	if err := d.store.UpdateDevice(device); err != nil {
		return fmt.Errorf("update device %q: %w", deviceID, err)
	}
	d.byID[deviceID] = device
	return nil
}
