package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.HardwareAddr == "" {
		t.Fatalf("expected a detected or generated hardware address")
	}
	if firstCfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected default listening port %d, got %d", DefaultListeningPort, firstCfg.ListeningPort)
	}
	if firstCfg.QueueCapacity != DefaultQueueCapacity {
		t.Fatalf("expected default queue capacity %d, got %d", DefaultQueueCapacity, firstCfg.QueueCapacity)
	}
	if firstCfg.AuditRetentionDays != DefaultAuditRetentionDays {
		t.Fatalf("expected default audit retention %d days, got %d", DefaultAuditRetentionDays, firstCfg.AuditRetentionDays)
	}
	if firstCfg.DataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstCfg.DataDir)
	}
	if !strings.HasPrefix(firstCfg.TLSCertPath, filepath.Join(tempDir, "certs")) {
		t.Fatalf("expected certificate under the certs directory, got %q", firstCfg.TLSCertPath)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.HardwareAddr != firstCfg.HardwareAddr {
		t.Fatalf("expected stable hardware address, got %q then %q", firstCfg.HardwareAddr, secondCfg.HardwareAddr)
	}
	if secondCfg.TLSCertPath != firstCfg.TLSCertPath {
		t.Fatalf("expected stable certificate path, got %q then %q", firstCfg.TLSCertPath, secondCfg.TLSCertPath)
	}
}

func TestLoadOrCreateNormalizesSparseConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	sparse := &DeviceConfig{
		DeviceID:      "sparse-device",
		DeviceName:    "Sparse",
		HardwareAddr:  "AA:BB:CC:DD:EE:FF",
		ListeningPort: 20001,
	}
	cfgPath := ConfigPath(tempDir)
	if err := Save(cfgPath, sparse); err != nil {
		t.Fatalf("Save sparse config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "sparse-device" {
		t.Fatalf("expected existing identity to be retained, got %q", cfg.DeviceID)
	}
	if cfg.HardwareAddr != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("expected existing hardware address to be retained, got %q", cfg.HardwareAddr)
	}
	if cfg.ListeningPort != 20001 {
		t.Fatalf("expected configured port to be retained, got %d", cfg.ListeningPort)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Fatalf("expected queue capacity to normalize to %d, got %d", DefaultQueueCapacity, cfg.QueueCapacity)
	}
	if cfg.InterEventDelayMs != DefaultInterEventDelayMs {
		t.Fatalf("expected inter-event delay to normalize to %dms, got %d", DefaultInterEventDelayMs, cfg.InterEventDelayMs)
	}
	if cfg.KeepAliveIntervalSec != DefaultKeepAliveSec || cfg.KeepAliveTimeoutSec != DefaultKeepAliveSec {
		t.Fatalf("expected keepalive to normalize to %ds/%ds, got %d/%d",
			DefaultKeepAliveSec, DefaultKeepAliveSec, cfg.KeepAliveIntervalSec, cfg.KeepAliveTimeoutSec)
	}
	if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
		t.Fatalf("expected certificate paths to be filled in, got %q / %q", cfg.TLSCertPath, cfg.TLSKeyPath)
	}

	// The normalized config must have been written back.
	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load after normalize failed: %v", err)
	}
	if reloaded.QueueCapacity != DefaultQueueCapacity {
		t.Fatalf("normalized config not persisted, queue capacity = %d", reloaded.QueueCapacity)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &DeviceConfig{
		InterEventDelayMs:    25,
		KeepAliveIntervalSec: 30,
		KeepAliveTimeoutSec:  45,
		AuditRetentionDays:   7,
	}

	if got := cfg.InterEventDelay().Milliseconds(); got != 25 {
		t.Errorf("InterEventDelay = %dms, want 25ms", got)
	}
	if got := cfg.KeepAliveInterval().Seconds(); got != 30 {
		t.Errorf("KeepAliveInterval = %.0fs, want 30s", got)
	}
	if got := cfg.KeepAliveTimeout().Seconds(); got != 45 {
		t.Errorf("KeepAliveTimeout = %.0fs, want 45s", got)
	}
	if got := cfg.AuditRetention().Hours(); got != 7*24 {
		t.Errorf("AuditRetention = %.0fh, want %dh", got, 7*24)
	}
}
