package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// AuditSeverityInfo indicates informational audit context.
	AuditSeverityInfo = "info"
	// AuditSeverityWarning indicates potentially suspicious behavior.
	AuditSeverityWarning = "warning"
	// AuditSeverityCritical indicates serious security failures.
	AuditSeverityCritical = "critical"
)

// Audit event types written by the session layer.
const (
	AuditDevicePaired     = "device_paired"
	AuditDeviceConnected  = "device_connected"
	AuditDeviceDisconnect = "device_disconnected"
	AuditAuthFailure      = "auth_failure"
	AuditAuthLockout      = "auth_lockout"
	AuditRoleChange       = "role_change"
	AuditKeyChange        = "certificate_change"
)

// AuditEvent stores one structured security-relevant runtime event.
type AuditEvent struct {
	ID        int64
	EventType string
	DeviceID  *string
	Details   string
	Severity  string
	Timestamp int64
}

// AuditFilter narrows ListAuditEvents query results.
type AuditFilter struct {
	EventType     string
	DeviceID      string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateAuditSeverity(severity string) error {
	switch severity {
	case AuditSeverityInfo, AuditSeverityWarning, AuditSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid audit event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
