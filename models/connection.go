package models

import "time"

// ConnectionState tracks the lifecycle of one live session.
type ConnectionState string

const (
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateConnected      ConnectionState = "connected"
	StateDisconnected   ConnectionState = "disconnected"
	StateFailed         ConnectionState = "failed"
)

// ConnectionInfo records one live session between the local device and a
// remote device. Devices are referenced by id only; callers resolve them
// through the device registry. The connection registry is the sole owner
// of State.
type ConnectionInfo struct {
	ConnectionID   string
	LocalDeviceID  string
	RemoteDeviceID string
	State          ConnectionState
	ReconnectToken string
	EventCounter   uint64
	FailedAuth     int
	EstablishedAt  int64
	LastActivity   int64
}

// NewConnectionInfo starts a session record in the connecting state.
func NewConnectionInfo(connectionID, localDeviceID, remoteDeviceID string) ConnectionInfo {
	now := time.Now().UnixMilli()
	return ConnectionInfo{
		ConnectionID:   connectionID,
		LocalDeviceID:  localDeviceID,
		RemoteDeviceID: remoteDeviceID,
		State:          StateConnecting,
		EstablishedAt:  now,
		LastActivity:   now,
	}
}
