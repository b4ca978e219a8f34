package models

import (
	"errors"
	"strings"
	"time"
)

// Role identifies which side of the input-sharing relationship a device
// currently plays. Exactly one device on the network may hold RoleMaster;
// the arbitrator enforces that, not this type.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleMaster     Role = "master"
	RoleClient     Role = "client"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUnassigned, RoleMaster, RoleClient:
		return true
	}
	return false
}

// Device is the durable record of a known device on the local network.
// The hardware address is the duplicate-detection key and never changes;
// devices are marked offline rather than deleted.
type Device struct {
	DeviceID        string `json:"device_id"`
	HardwareAddr    string `json:"hardware_addr"`
	DeviceName      string `json:"device_name"`
	OS              string `json:"os"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	ProtocolVersion string `json:"protocol_version"`
	Role            Role   `json:"role"`
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
	AuthToken       string `json:"auth_token,omitempty"`
	IsRegistered    bool   `json:"is_registered"`
	IsOnline        bool   `json:"is_online"`
	CreatedAt       int64  `json:"created_at"`
	LastSeen        int64  `json:"last_seen"`
}

// NormalizeHardwareAddr lowercases a MAC and strips separator characters so
// the same adapter compares equal regardless of formatting.
func NormalizeHardwareAddr(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = strings.ReplaceAll(addr, ":", "")
	addr = strings.ReplaceAll(addr, "-", "")
	return addr
}

// NewDevice builds an unregistered device record first seen now.
func NewDevice(deviceID, hardwareAddr, deviceName string) Device {
	now := time.Now().UnixMilli()
	return Device{
		DeviceID:     deviceID,
		HardwareAddr: NormalizeHardwareAddr(hardwareAddr),
		DeviceName:   deviceName,
		Role:         RoleUnassigned,
		CreatedAt:    now,
		LastSeen:     now,
	}
}

// Validate checks the identity fields every stored device must carry.
func (d *Device) Validate() error {
	if d.DeviceID == "" {
		return errors.New("models: device_id is required")
	}
	if d.HardwareAddr == "" {
		return errors.New("models: hardware_addr is required")
	}
	if d.DeviceName == "" {
		return errors.New("models: device_name is required")
	}
	if d.Port < 0 || d.Port > 65535 {
		return errors.New("models: port is out of range")
	}
	if d.Role == "" {
		d.Role = RoleUnassigned
	}
	if !d.Role.Valid() {
		return errors.New("models: unknown role")
	}
	return nil
}
