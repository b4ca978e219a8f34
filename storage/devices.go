package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"kmshare/models"
)

// AddDevice inserts a new device row. The hardware address is stored
// normalized; the UNIQUE constraint backs up the registry's duplicate check.
func (s *Store) AddDevice(device models.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if device.CreatedAt == 0 {
		device.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			hardware_addr,
			device_name,
			os,
			address,
			port,
			protocol_version,
			role,
			cert_fingerprint,
			auth_token,
			is_registered,
			created_at,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.DeviceID,
		models.NormalizeHardwareAddr(device.HardwareAddr),
		device.DeviceName,
		device.OS,
		device.Address,
		device.Port,
		device.ProtocolVersion,
		string(device.Role),
		device.CertFingerprint,
		device.AuthToken,
		boolToInt(device.IsRegistered),
		device.CreatedAt,
		device.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("insert device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetDevice fetches a device by device ID.
func (s *Store) GetDevice(deviceID string) (*models.Device, error) {
	row := s.db.QueryRow(deviceSelect+` WHERE device_id = ?`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return device, nil
}

// GetDeviceByHardwareAddr fetches a device by normalized hardware address.
func (s *Store) GetDeviceByHardwareAddr(hardwareAddr string) (*models.Device, error) {
	row := s.db.QueryRow(
		deviceSelect+` WHERE hardware_addr = ?`,
		models.NormalizeHardwareAddr(hardwareAddr),
	)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device by hardware address %q: %w", hardwareAddr, err)
	}

	return device, nil
}

// ListDevices returns all devices sorted by device name.
func (s *Store) ListDevices() ([]models.Device, error) {
	rows, err := s.db.Query(deviceSelect + ` ORDER BY device_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// UpdateDevice rewrites every mutable column of an existing device row. The
// device id and hardware address are identity and never change.
func (s *Store) UpdateDevice(device models.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET device_name = ?,
		    os = ?,
		    address = ?,
		    port = ?,
		    protocol_version = ?,
		    role = ?,
		    cert_fingerprint = ?,
		    auth_token = ?,
		    is_registered = ?,
		    last_seen = ?
		WHERE device_id = ?`,
		device.DeviceName,
		device.OS,
		device.Address,
		device.Port,
		device.ProtocolVersion,
		string(device.Role),
		device.CertFingerprint,
		device.AuthToken,
		boolToInt(device.IsRegistered),
		device.LastSeen,
		device.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("update device %q: %w", device.DeviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update device %q: %w", device.DeviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveDevice deletes a device by device ID.
func (s *Store) RemoveDevice(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

const deviceSelect = `SELECT
	device_id,
	hardware_addr,
	device_name,
	os,
	address,
	port,
	protocol_version,
	role,
	cert_fingerprint,
	auth_token,
	is_registered,
	created_at,
	last_seen
FROM devices`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*models.Device, error) {
	var (
		device       models.Device
		role         string
		isRegistered int
	)

	if err := row.Scan(
		&device.DeviceID,
		&device.HardwareAddr,
		&device.DeviceName,
		&device.OS,
		&device.Address,
		&device.Port,
		&device.ProtocolVersion,
		&role,
		&device.CertFingerprint,
		&device.AuthToken,
		&isRegistered,
		&device.CreatedAt,
		&device.LastSeen,
	); err != nil {
		return nil, err
	}

	device.Role = models.Role(role)
	device.IsRegistered = isRegistered == 1
	return &device, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
