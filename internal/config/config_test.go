package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iotronic.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Conductor.ServicePortMin != 50000 || cfg.Conductor.ServicePortMax != 60000 {
		t.Fatalf("unexpected service port defaults: %d-%d",
			cfg.Conductor.ServicePortMin, cfg.Conductor.ServicePortMax)
	}
	if cfg.WAMP.Realm != "s4t" {
		t.Fatalf("expected default realm s4t, got %q", cfg.WAMP.Realm)
	}
	if cfg.WAMP.CallTimeout.Std() != 120*time.Second {
		t.Fatalf("expected 120s call timeout, got %s", cfg.WAMP.CallTimeout.Std())
	}
	if cfg.Conductor.Hostname == "" {
		t.Fatal("hostname should default to os.Hostname()")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
conductor:
  hostname: conductor-1
  heartbeat_timeout: 30s
  service_port_min: 50000
  service_port_max: 50010
wamp:
  wamp_transport_url: wss://crossbar:8181/
  wamp_realm: s4t
  skip_cert_verify: true
nginx:
  nginx_path: /tmp/nginx
  wstun_endpoint: wstun.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Conductor.Hostname != "conductor-1" {
		t.Fatalf("hostname: got %q", cfg.Conductor.Hostname)
	}
	if cfg.Conductor.HeartbeatTimeout.Std() != 30*time.Second {
		t.Fatalf("heartbeat: got %s", cfg.Conductor.HeartbeatTimeout.Std())
	}
	if !cfg.WAMP.SkipCertVerify {
		t.Fatal("skip_cert_verify should be true")
	}
	if cfg.Nginx.WstunEndpoint != "wstun.example.com" {
		t.Fatalf("wstun endpoint: got %q", cfg.Nginx.WstunEndpoint)
	}
	// Untouched sections keep defaults.
	if cfg.Conductor.SocatPortMin != 10000 || cfg.Conductor.SocatPortMax != 20000 {
		t.Fatalf("socat defaults lost: %d-%d", cfg.Conductor.SocatPortMin, cfg.Conductor.SocatPortMax)
	}
}

func TestLoad_ValidationAccumulatesErrors(t *testing.T) {
	path := writeConfig(t, `
conductor:
  heartbeat_timeout: -1s
  service_port_min: 50002
  service_port_max: 50002
wamp:
  wamp_transport_url: http://not-a-ws-url
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"heartbeat_timeout",
		"service_port_max",
		"wamp_transport_url",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got:\n%v", want, err)
		}
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "conductor:\n  heartbeat_timeout: sixty\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}

func TestValidate_TSIGPair(t *testing.T) {
	cfg := Default()
	cfg.Conductor.Hostname = "h"
	cfg.DNS.TSIGKeyName = "iotronic."
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tsig") {
		t.Fatalf("expected tsig pairing error, got %v", err)
	}
	cfg.DNS.TSIGSecret = "c2VjcmV0"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}
