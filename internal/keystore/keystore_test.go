package keystore

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/emergance/emergance/internal/crypto"
	"github.com/emergance/emergance/internal/protocol"
)

func tempMissionPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "mission.json")
}

func TestLoadOrInitCreatesMissionFile(t *testing.T) {
	path := tempMissionPath(t)

	ks, err := LoadOrInit(path, protocol.RoleDispatch, crypto.DefaultNetworkKey())
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("mission file not created: %v", err)
	}
	id := ks.Identity()
	if id.DeviceID == "" || len(id.PublicKey) == 0 || len(id.PrivateKey) == 0 {
		t.Fatal("identity not populated")
	}
	if crypto.DeviceIDFromPublicKey(id.PublicKey) != id.DeviceID {
		t.Fatal("device ID does not match public key fingerprint")
	}
	if !ks.IsTrusted(id.DeviceID) {
		t.Fatal("node does not trust itself")
	}
	if ks.TrustedCount() != 1 {
		t.Fatalf("TrustedCount = %d, want 1", ks.TrustedCount())
	}
}

func TestLoadOrInitIsStableAcrossRestarts(t *testing.T) {
	path := tempMissionPath(t)
	key := crypto.DefaultNetworkKey()

	first, err := LoadOrInit(path, protocol.RoleDriver, key)
	if err != nil {
		t.Fatalf("first LoadOrInit: %v", err)
	}
	second, err := LoadOrInit(path, protocol.RoleDriver, key)
	if err != nil {
		t.Fatalf("second LoadOrInit: %v", err)
	}

	if first.Identity().DeviceID != second.Identity().DeviceID {
		t.Fatal("identity changed across restart")
	}
}

func TestLoadOrInitReconcilesNetworkKey(t *testing.T) {
	path := tempMissionPath(t)
	if _, err := LoadOrInit(path, protocol.RoleSOS, crypto.DefaultNetworkKey()); err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	// Corrupt the stored network key, then reload with the expected one.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mission file: %v", err)
	}
	var mf missionFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		t.Fatalf("parse mission file: %v", err)
	}
	mf.NetworkKeyBase64 = base64.StdEncoding.EncodeToString(make([]byte, crypto.KeySize))
	data, _ := json.Marshal(&mf)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite mission file: %v", err)
	}

	want := crypto.DefaultNetworkKey()
	ks, err := LoadOrInit(path, protocol.RoleSOS, want)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if base64.StdEncoding.EncodeToString(ks.NetworkKey()) != base64.StdEncoding.EncodeToString(want) {
		t.Fatal("network key not reconciled in memory")
	}

	raw, _ = os.ReadFile(path)
	var healed missionFile
	if err := json.Unmarshal(raw, &healed); err != nil {
		t.Fatalf("parse healed mission file: %v", err)
	}
	if healed.NetworkKeyBase64 != base64.StdEncoding.EncodeToString(want) {
		t.Fatal("network key not reconciled on disk")
	}
}

func TestLoadOrInitRepairsMissingSelfRecord(t *testing.T) {
	path := tempMissionPath(t)
	if _, err := LoadOrInit(path, protocol.RoleRelay, crypto.DefaultNetworkKey()); err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	raw, _ := os.ReadFile(path)
	var mf missionFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		t.Fatalf("parse mission file: %v", err)
	}
	mf.TrustedDevices = nil
	data, _ := json.Marshal(&mf)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite mission file: %v", err)
	}

	ks, err := LoadOrInit(path, protocol.RoleRelay, crypto.DefaultNetworkKey())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !ks.IsTrusted(ks.Identity().DeviceID) {
		t.Fatal("self record not restored")
	}
}

func TestRememberTrustedDevicePersists(t *testing.T) {
	path := tempMissionPath(t)
	key := crypto.DefaultNetworkKey()
	ks, err := LoadOrInit(path, protocol.RoleDispatch, key)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	peer, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if ks.IsTrusted(peer.DeviceID) {
		t.Fatal("peer trusted before first contact")
	}
	if err := ks.RememberTrustedDevice(peer.DeviceID, protocol.RoleDriver, peer.PublicKey); err != nil {
		t.Fatalf("RememberTrustedDevice: %v", err)
	}

	got, ok := ks.PublicKey(peer.DeviceID)
	if !ok {
		t.Fatal("peer not trusted after remember")
	}
	if !got.Equal(peer.PublicKey) {
		t.Fatal("stored key mismatch")
	}

	// Trust must survive a restart.
	reloaded, err := LoadOrInit(path, protocol.RoleDispatch, key)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.IsTrusted(peer.DeviceID) {
		t.Fatal("trust not persisted")
	}
	if reloaded.TrustedCount() != 2 {
		t.Fatalf("TrustedCount = %d, want 2", reloaded.TrustedCount())
	}
}

func TestRememberTrustedDeviceRejectsInvalid(t *testing.T) {
	ks, err := LoadOrInit(tempMissionPath(t), protocol.RoleDispatch, crypto.DefaultNetworkKey())
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if err := ks.RememberTrustedDevice("", protocol.RoleDriver, nil); err == nil {
		t.Fatal("expected error for empty trust entry")
	}
	if err := ks.RememberTrustedDevice("abc", protocol.RoleDriver, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short public key")
	}
}

func TestLoadOrInitRejectsBadNetworkKey(t *testing.T) {
	if _, err := LoadOrInit(tempMissionPath(t), protocol.RoleSOS, []byte("short")); err == nil {
		t.Fatal("expected error for short network key")
	}
}
