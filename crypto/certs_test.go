package crypto

import (
	"path/filepath"
	"testing"
)

func TestEnsureTLSCertificateGeneratesThenLoads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "device.crt")
	keyPath := filepath.Join(dir, "device.key")

	created, err := EnsureTLSCertificate(certPath, keyPath, "test-device")
	if err != nil {
		t.Fatalf("EnsureTLSCertificate (generate) failed: %v", err)
	}
	createdFP, err := TLSCertificateFingerprint(created)
	if err != nil {
		t.Fatalf("TLSCertificateFingerprint failed: %v", err)
	}
	if createdFP == "" {
		t.Fatal("fingerprint is empty")
	}

	loaded, err := EnsureTLSCertificate(certPath, keyPath, "test-device")
	if err != nil {
		t.Fatalf("EnsureTLSCertificate (load) failed: %v", err)
	}
	loadedFP, err := TLSCertificateFingerprint(loaded)
	if err != nil {
		t.Fatalf("TLSCertificateFingerprint failed: %v", err)
	}
	if loadedFP != createdFP {
		t.Fatalf("fingerprint changed across loads: %s != %s", loadedFP, createdFP)
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("deadbeef00")
	if got != "DEAD BEEF 00" {
		t.Fatalf("FormatFingerprint = %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatal("FormatFingerprint of empty input should be empty")
	}
}
