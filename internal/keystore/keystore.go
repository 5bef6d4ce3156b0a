// Package keystore owns a node's signing identity, the shared network key,
// and the registry of trusted peer devices. Everything persists to a single
// JSON "mission file" that is rewritten on every trust update, so a node that
// restarts keeps the peers it has already verified.
//
// Trust model: trust-on-first-use. A device becomes trusted the first time an
// envelope from it verifies against the public key it announces. This is a
// deliberate openness so freshly provisioned devices join the mesh without an
// out-of-band exchange; it is secure against replay but not against a
// first-contact man-in-the-middle.
package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/emergance/emergance/internal/crypto"
	"github.com/emergance/emergance/internal/protocol"
)

// KeyRecord is a trusted device entry in the mission file.
type KeyRecord struct {
	DeviceID        string `json:"deviceId"`
	Role            string `json:"role"`
	PublicKeyBase64 string `json:"publicKeyBase64"`
}

type identityRecord struct {
	KeyRecord
	SecretKeyBase64 string `json:"secretKeyBase64"`
}

type missionFile struct {
	NetworkKeyBase64 string         `json:"networkKeyBase64"`
	Identity         identityRecord `json:"identity"`
	TrustedDevices   []KeyRecord    `json:"trustedDevices"`
}

// KeyStore holds this node's keypair, the network key, and trusted peers.
type KeyStore struct {
	path string
	role protocol.Role

	mu         sync.RWMutex
	networkKey []byte
	identity   *crypto.Identity
	trusted    map[string]ed25519.PublicKey
	roles      map[string]protocol.Role
}

// LoadOrInit opens the mission file at path, creating it with a fresh
// identity if absent. networkKey is the key this deployment expects (pass
// crypto.DefaultNetworkKey() for the offline default profile); a mission
// file carrying a different key is repaired to match, and a missing or
// duplicated self-record is fixed, so a corrupted file heals on load.
func LoadOrInit(path string, role protocol.Role, networkKey []byte) (*KeyStore, error) {
	if len(networkKey) != crypto.KeySize {
		return nil, fmt.Errorf("network key must be %d bytes, got %d", crypto.KeySize, len(networkKey))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeInitialMissionFile(path, role, networkKey); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat mission file: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission file: %w", err)
	}
	var mf missionFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parse mission file: %w", err)
	}

	rewritten := false

	expectedKey := base64.StdEncoding.EncodeToString(networkKey)
	if mf.NetworkKeyBase64 != expectedKey {
		mf.NetworkKeyBase64 = expectedKey
		rewritten = true
	}

	pub, err := base64.StdEncoding.DecodeString(mf.Identity.PublicKeyBase64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("mission file has invalid public key")
	}
	priv, err := base64.StdEncoding.DecodeString(mf.Identity.SecretKeyBase64)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mission file has invalid secret key")
	}

	if repairSelfRecord(&mf) {
		rewritten = true
	}
	if rewritten {
		if err := writeMissionFile(path, &mf); err != nil {
			return nil, err
		}
	}

	ks := &KeyStore{
		path: path,
		role: role,
		identity: &crypto.Identity{
			DeviceID:   mf.Identity.DeviceID,
			PublicKey:  ed25519.PublicKey(pub),
			PrivateKey: ed25519.PrivateKey(priv),
		},
		networkKey: append([]byte(nil), networkKey...),
		trusted:    make(map[string]ed25519.PublicKey),
		roles:      make(map[string]protocol.Role),
	}
	for _, rec := range mf.TrustedDevices {
		key, err := base64.StdEncoding.DecodeString(rec.PublicKeyBase64)
		if err != nil || len(key) != ed25519.PublicKeySize {
			continue // skip corrupt entries rather than refusing to start
		}
		ks.trusted[rec.DeviceID] = ed25519.PublicKey(key)
		ks.roles[rec.DeviceID] = protocol.Role(rec.Role)
	}
	return ks, nil
}

func writeInitialMissionFile(path string, role protocol.Role, networkKey []byte) error {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		return err
	}
	self := KeyRecord{
		DeviceID:        id.DeviceID,
		Role:            string(role),
		PublicKeyBase64: base64.StdEncoding.EncodeToString(id.PublicKey),
	}
	mf := missionFile{
		NetworkKeyBase64: base64.StdEncoding.EncodeToString(networkKey),
		Identity: identityRecord{
			KeyRecord:       self,
			SecretKeyBase64: base64.StdEncoding.EncodeToString(id.PrivateKey),
		},
		TrustedDevices: []KeyRecord{self},
	}
	return writeMissionFile(path, &mf)
}

// repairSelfRecord ensures exactly one trusted-device entry matches the
// node's own identity. Returns true if the file changed.
func repairSelfRecord(mf *missionFile) bool {
	changed := false
	self := mf.Identity.KeyRecord

	kept := mf.TrustedDevices[:0]
	found := false
	for _, rec := range mf.TrustedDevices {
		if rec.DeviceID != self.DeviceID {
			kept = append(kept, rec)
			continue
		}
		if found {
			changed = true // duplicate self-record, drop it
			continue
		}
		found = true
		if rec.PublicKeyBase64 != self.PublicKeyBase64 || rec.Role != self.Role {
			rec = self
			changed = true
		}
		kept = append(kept, rec)
	}
	if !found {
		kept = append(kept, self)
		changed = true
	}
	mf.TrustedDevices = kept
	return changed
}

func writeMissionFile(path string, mf *missionFile) error {
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mission file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write mission file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace mission file: %w", err)
	}
	return nil
}

// Identity returns this node's signing identity.
func (ks *KeyStore) Identity() *crypto.Identity {
	return ks.identity
}

// NetworkKey returns the shared symmetric key.
func (ks *KeyStore) NetworkKey() []byte {
	return ks.networkKey
}

// PublicKey returns the stored key for a device, if trusted.
func (ks *KeyStore) PublicKey(deviceID string) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.trusted[deviceID]
	return key, ok
}

// IsTrusted reports whether the device has a stored key.
func (ks *KeyStore) IsTrusted(deviceID string) bool {
	_, ok := ks.PublicKey(deviceID)
	return ok
}

// TrustedCount returns the number of trusted devices, including self.
func (ks *KeyStore) TrustedCount() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.trusted)
}

// RememberTrustedDevice upserts a device's key and persists the mission
// file. Called on explicit provisioning and on trust-on-first-use accepts.
func (ks *KeyStore) RememberTrustedDevice(deviceID string, role protocol.Role, pub ed25519.PublicKey) error {
	if deviceID == "" || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid trust entry for %q", deviceID)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.trusted[deviceID] = append(ed25519.PublicKey(nil), pub...)
	ks.roles[deviceID] = role

	raw, err := os.ReadFile(ks.path)
	if err != nil {
		return fmt.Errorf("read mission file: %w", err)
	}
	var mf missionFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return fmt.Errorf("parse mission file: %w", err)
	}

	rec := KeyRecord{
		DeviceID:        deviceID,
		Role:            string(role),
		PublicKeyBase64: base64.StdEncoding.EncodeToString(pub),
	}
	replaced := false
	for i := range mf.TrustedDevices {
		if mf.TrustedDevices[i].DeviceID == deviceID {
			mf.TrustedDevices[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		mf.TrustedDevices = append(mf.TrustedDevices, rec)
	}
	return writeMissionFile(ks.path, &mf)
}

// TrustedDevices returns a snapshot of all trusted device records.
func (ks *KeyStore) TrustedDevices() []KeyRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]KeyRecord, 0, len(ks.trusted))
	for id, key := range ks.trusted {
		out = append(out, KeyRecord{
			DeviceID:        id,
			Role:            string(ks.roles[id]),
			PublicKeyBase64: base64.StdEncoding.EncodeToString(key),
		})
	}
	return out
}
