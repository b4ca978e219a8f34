// Package config persists the local device's identity and tuning knobs as a
// JSON file in an OS-appropriate data directory. Everything else under the
// data directory (database, certificate material) hangs off the resolved
// DataDir.
package config

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "kmshare"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "KMSHARE_DATA_DIR"
	// DefaultListeningPort is the TCP port offered to peers.
	DefaultListeningPort = 19999
	// DefaultQueueCapacity bounds each input pipeline's queue.
	DefaultQueueCapacity = 1000
	// DefaultInterEventDelayMs paces dispatched input events.
	DefaultInterEventDelayMs = 10
	// DefaultKeepAliveSec is the ping interval and pong timeout in seconds.
	DefaultKeepAliveSec = 30
	// DefaultAuditRetentionDays bounds the audit log's age.
	DefaultAuditRetentionDays = 7

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings. The device id and
// hardware address are generated or detected once and never change afterwards;
// the hardware address is the duplicate-detection key peers use.
type DeviceConfig struct {
	DeviceID             string `json:"device_id"`
	DeviceName           string `json:"device_name"`
	HardwareAddr         string `json:"hardware_addr"`
	ListeningPort        int    `json:"listening_port"`
	DataDir              string `json:"data_dir"`
	TLSCertPath          string `json:"tls_cert_path"`
	TLSKeyPath           string `json:"tls_key_path"`
	QueueCapacity        int    `json:"queue_capacity"`
	InterEventDelayMs    int    `json:"inter_event_delay_ms"`
	KeepAliveIntervalSec int    `json:"keep_alive_interval_sec"`
	KeepAliveTimeoutSec  int    `json:"keep_alive_timeout_sec"`
	AuditRetentionDays   int    `json:"audit_retention_days"`
}

// InterEventDelay returns the configured pipeline pacing delay.
func (c *DeviceConfig) InterEventDelay() time.Duration {
	return time.Duration(c.InterEventDelayMs) * time.Millisecond
}

// KeepAliveInterval returns the configured channel ping interval.
func (c *DeviceConfig) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalSec) * time.Second
}

// KeepAliveTimeout returns how long a channel waits for a pong.
func (c *DeviceConfig) KeepAliveTimeout() time.Duration {
	return time.Duration(c.KeepAliveTimeoutSec) * time.Second
}

// AuditRetention returns the audit log retention window.
func (c *DeviceConfig) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If KMSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "certs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both. A
// config with missing fields (an older file, or a hand-edited one) is
// normalized back to defaults and rewritten.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	certsDir := filepath.Join(dataDir, "certs")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "KM Share Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.HardwareAddr == "" {
		cfg.HardwareAddr = detectHardwareAddr()
		updated = true
	}

	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}

	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
		updated = true
	}

	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(certsDir, "device.crt")
		updated = true
	}

	if cfg.TLSKeyPath == "" {
		cfg.TLSKeyPath = filepath.Join(certsDir, "device.key")
		updated = true
	}

	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
		updated = true
	}

	if cfg.InterEventDelayMs <= 0 {
		cfg.InterEventDelayMs = DefaultInterEventDelayMs
		updated = true
	}

	if cfg.KeepAliveIntervalSec <= 0 {
		cfg.KeepAliveIntervalSec = DefaultKeepAliveSec
		updated = true
	}

	if cfg.KeepAliveTimeoutSec <= 0 {
		cfg.KeepAliveTimeoutSec = DefaultKeepAliveSec
		updated = true
	}

	if cfg.AuditRetentionDays <= 0 {
		cfg.AuditRetentionDays = DefaultAuditRetentionDays
		updated = true
	}

	return updated
}

// detectHardwareAddr returns the MAC of the first usable network interface.
// Hosts without one (containers, odd VMs) get a random locally-administered
// address; it is persisted with the config so it stays stable afterwards.
func detectHardwareAddr() string {
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(iface.HardwareAddr) == 0 {
				continue
			}
			return iface.HardwareAddr.String()
		}
	}

	addr := make([]byte, 6)
	if _, err := rand.Read(addr); err != nil {
		return "02:00:00:00:00:01"
	}
	// Locally administered, unicast.
	addr[0] = (addr[0] | 0x02) &^ 0x01
	return net.HardwareAddr(addr).String()
}
