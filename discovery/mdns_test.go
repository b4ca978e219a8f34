package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:    "device-123",
		DeviceName:      "Alice Laptop",
		ListeningPort:   9999,
		Role:            "master",
		ProtocolVersion: "1.0.0",
		Fingerprint:     "ab:cd:ef:01",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "device_name=Alice Laptop")
	assertContainsTXT(t, gotTXT, "role=master")
	assertContainsTXT(t, gotTXT, "version=1.0.0")
	assertContainsTXT(t, gotTXT, "fingerprint=ab:cd:ef:01")
}

func TestStartBroadcasterDefaultsRoleAndVersion(t *testing.T) {
	var gotTXT []string

	cfg := Config{
		SelfDeviceID:  "device-456",
		DeviceName:    "Bob Desktop",
		ListeningPort: 9998,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	if _, err := StartBroadcaster(cfg); err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}

	assertContainsTXT(t, gotTXT, "role=unassigned")
	assertContainsTXT(t, gotTXT, "version="+DefaultProtocolVersion)
}

func TestStartBroadcasterRequiresIdentity(t *testing.T) {
	cfg := Config{
		DeviceName:    "No ID",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	}

	if _, err := StartBroadcaster(cfg); err == nil {
		t.Fatalf("expected error for missing device ID")
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfDeviceID:  "self",
		DeviceName:    "Self",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	svc.Stop()
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.Service != DefaultService {
		t.Fatalf("expected default service %q, got %q", DefaultService, cfg.Service)
	}
	if cfg.Domain != DefaultDomain {
		t.Fatalf("expected default domain %q, got %q", DefaultDomain, cfg.Domain)
	}
	if cfg.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("expected default refresh interval %s, got %s", DefaultRefreshInterval, cfg.RefreshInterval)
	}
	if cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout %s, got %s", DefaultScanTimeout, cfg.ScanTimeout)
	}
	if cfg.ListeningPort != 0 {
		t.Fatalf("expected listening port to stay zero, got %d", cfg.ListeningPort)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
