package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func certPaths(t *testing.T) CertConfig {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "certs")
	return CertConfig{
		CertPath: filepath.Join(dir, "host.crt"),
		KeyPath:  filepath.Join(dir, "host.key"),
	}
}

func TestGenerateCertificate(t *testing.T) {
	cfg := certPaths(t)
	cfg.Hosts = []string{"localhost", "127.0.0.1", "table.local"}
	cfg.ValidDuration = 24 * time.Hour

	info, err := GenerateCertificate(cfg)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	if !info.IsGenerated {
		t.Error("IsGenerated should be true for a new certificate")
	}

	parts := strings.Split(info.Fingerprint, ":")
	if len(parts) != 32 {
		t.Errorf("fingerprint has %d parts, want 32", len(parts))
	}
	if info.Fingerprint != strings.ToUpper(info.Fingerprint) {
		t.Errorf("fingerprint %q is not uppercase", info.Fingerprint)
	}
	if d := info.NotAfter.Sub(info.NotBefore); d != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", d)
	}

	keyInfo, err := os.Stat(cfg.KeyPath)
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", keyInfo.Mode().Perm())
	}

	pair, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		t.Fatalf("written pair does not load: %v", err)
	}
	cert, _ := x509.ParseCertificate(pair.Certificate[0])
	if len(cert.IPAddresses) != 1 || !cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("IPAddresses = %v", cert.IPAddresses)
	}
	if strings.Join(cert.DNSNames, ",") != "localhost,table.local" {
		t.Errorf("DNSNames = %v", cert.DNSNames)
	}
	if ComputeFingerprint(cert) != info.Fingerprint {
		t.Error("fingerprint of written certificate differs")
	}
}

func TestEnsureCertificate_ReusesExisting(t *testing.T) {
	cfg := certPaths(t)

	first, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	second, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("second EnsureCertificate failed: %v", err)
	}
	if second.IsGenerated {
		t.Error("existing certificate was regenerated")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprint changed: %s -> %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestEnsureCertificate_RegeneratesMissingKey(t *testing.T) {
	cfg := certPaths(t)
	first, _ := EnsureCertificate(cfg)
	os.Remove(cfg.KeyPath)

	second, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	if !second.IsGenerated || second.Fingerprint == first.Fingerprint {
		t.Error("expected a fresh certificate after the key was removed")
	}
}

func TestEnsureCertificate_RegeneratesExpired(t *testing.T) {
	cfg := certPaths(t)
	expired := cfg
	expired.ValidDuration = -time.Hour
	if _, err := GenerateCertificate(expired); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}

	info, err := EnsureCertificate(cfg)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	if !info.IsGenerated {
		t.Error("expired certificate was reused")
	}
}

func TestEnsureCertificate_RequiresPaths(t *testing.T) {
	if _, err := EnsureCertificate(CertConfig{}); err == nil {
		t.Error("expected error without paths")
	}
}

func TestLoadCertificate_Corrupt(t *testing.T) {
	cfg := certPaths(t)
	GenerateCertificate(cfg)
	os.WriteFile(cfg.CertPath, []byte("not a certificate"), 0644)

	if _, err := LoadCertificate(cfg.CertPath, cfg.KeyPath); err == nil {
		t.Error("expected error for corrupt certificate")
	}
	if _, err := EnsureCertificate(cfg); err == nil {
		t.Error("EnsureCertificate should not silently replace a corrupt certificate")
	}
}

func TestParseFingerprint(t *testing.T) {
	cfg := certPaths(t)
	info, _ := GenerateCertificate(cfg)

	for _, in := range []string{
		info.Fingerprint,
		strings.ToLower(info.Fingerprint),
		strings.ReplaceAll(info.Fingerprint, ":", ""),
		"  " + info.Fingerprint + "\n",
	} {
		if _, err := ParseFingerprint(in); err != nil {
			t.Errorf("ParseFingerprint(%q) error: %v", in, err)
		}
	}
	for _, bad := range []string{"", "AA:BB", "ZZ" + info.Fingerprint[2:]} {
		if _, err := ParseFingerprint(bad); err == nil {
			t.Errorf("ParseFingerprint(%q) should fail", bad)
		}
	}
}

// TestPinnedClientConfig runs a real handshake against a server using the
// generated certificate.
func TestPinnedClientConfig(t *testing.T) {
	cfg := certPaths(t)
	info, err := GenerateCertificate(cfg)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	serverCfg, err := LoadTLSConfig(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		t.Fatalf("LoadTLSConfig failed: %v", err)
	}

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	ts.TLS = serverCfg
	ts.StartTLS()
	defer ts.Close()

	get := func(clientCfg *tls.Config) error {
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
		resp, err := client.Get(ts.URL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	pinned, err := PinnedClientConfig(info.Fingerprint)
	if err != nil {
		t.Fatalf("PinnedClientConfig failed: %v", err)
	}
	if err := get(pinned); err != nil {
		t.Errorf("pinned request failed: %v", err)
	}

	other, _ := GenerateCertificate(certPaths(t))
	wrong, _ := PinnedClientConfig(other.Fingerprint)
	if err := get(wrong); err == nil || !strings.Contains(err.Error(), "pinned fingerprint") {
		t.Errorf("request with wrong pin = %v", err)
	}

	if err := get(&tls.Config{MinVersion: tls.VersionTLS12}); err == nil {
		t.Error("self-signed certificate accepted without a pin")
	}
}
