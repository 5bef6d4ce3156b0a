package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/emergance/emergance/internal/crypto"
	"github.com/emergance/emergance/internal/protocol"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Role != defaultRole {
		t.Fatalf("expected default role %s, got %s", defaultRole, cfg.Role)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.LANListen != defaultLANListen {
		t.Fatalf("expected default lan listen %s, got %s", defaultLANListen, cfg.LANListen)
	}
	if !cfg.Bridge.Enabled || cfg.Bridge.Listen != defaultBridgeAddr {
		t.Fatalf("bridge defaults = %+v", cfg.Bridge)
	}

	key, err := cfg.NetworkKey()
	if err != nil {
		t.Fatalf("NetworkKey: %v", err)
	}
	if !bytes.Equal(key, crypto.DefaultNetworkKey()) {
		t.Fatal("expected derived default network key")
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
role: "DRIVER"
name: "Unit 12"
log_level: "debug"
lan_listen: "0.0.0.0:5000"
bridge:
  enabled: false
location:
  lat: 14.5995
  lng: 120.9842
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("EMERGANCE_LAN_LISTEN", "0.0.0.0:6000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LANListen != "0.0.0.0:6000" {
		t.Fatalf("expected env override for lan listen, got %s", cfg.LANListen)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.Name != "Unit 12" {
		t.Fatalf("expected name from file, got %s", cfg.Name)
	}
	if cfg.Bridge.Enabled {
		t.Fatal("expected bridge disabled from file")
	}
	if cfg.Location.Lat != 14.5995 {
		t.Fatalf("location = %+v", cfg.Location)
	}

	role, err := cfg.ParseRole()
	if err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if role != protocol.RoleDriver {
		t.Fatalf("role = %s, want DRIVER", role)
	}
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	t.Setenv("EMERGANCE_ROLE", "JANITOR")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestNetworkKeyValidation(t *testing.T) {
	cfg := Config{NetworkKeyBase64: "!!not base64!!"}
	if _, err := cfg.NetworkKey(); err == nil {
		t.Fatal("expected error for malformed key")
	}

	cfg.NetworkKeyBase64 = base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := cfg.NetworkKey(); err == nil {
		t.Fatal("expected error for short key")
	}

	want, err := crypto.RandomNetworkKey()
	if err != nil {
		t.Fatalf("RandomNetworkKey: %v", err)
	}
	cfg.NetworkKeyBase64 = base64.StdEncoding.EncodeToString(want)
	got, err := cfg.NetworkKey()
	if err != nil {
		t.Fatalf("NetworkKey: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("configured key not returned")
	}
}
