package crypto

import (
	"bytes"
	"testing"

	"github.com/emergance/emergance/internal/protocol"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := DefaultNetworkKey()
	plaintext := []byte("incident payload bytes")

	nonce, ciphertext, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q != %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := DefaultNetworkKey()
	nonce, ciphertext, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	ciphertext[0] ^= 0x01
	if _, err := Open(key, nonce, ciphertext); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	nonce, ciphertext, err := Seal(DefaultNetworkKey(), []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	other, err := RandomNetworkKey()
	if err != nil {
		t.Fatalf("RandomNetworkKey: %v", err)
	}
	if _, err := Open(other, nonce, ciphertext); err == nil {
		t.Fatal("expected error under a different key")
	}
}

func TestNoncesAreUnique(t *testing.T) {
	key := DefaultNetworkKey()
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		nonce, _, err := Seal(key, []byte("x"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if seen[string(nonce)] {
			t.Fatal("nonce repeated")
		}
		seen[string(nonce)] = true
	}
}

func TestDefaultNetworkKeyIsStable(t *testing.T) {
	a := DefaultNetworkKey()
	b := DefaultNetworkKey()
	if !bytes.Equal(a, b) {
		t.Fatal("default network key is not deterministic")
	}
	if len(a) != KeySize {
		t.Fatalf("key length = %d, want %d", len(a), KeySize)
	}
}

func TestSignVerifyEnvelope(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	env := protocol.NewEnvelope(protocol.NewEnvelopeInput{
		Type:           protocol.MsgSosCreate,
		SenderDeviceID: id.DeviceID,
		SenderRole:     protocol.RoleSOS,
		TTLMs:          60_000,
		Ciphertext:     []byte("sealed"),
		Nonce:          bytes.Repeat([]byte{7}, NonceSize),
	})

	if err := SignEnvelope(id.PrivateKey, env); err != nil {
		t.Fatalf("SignEnvelope: %v", err)
	}
	if !VerifyEnvelope(id.PublicKey, env) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifyRejectsMutation(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	env := protocol.NewEnvelope(protocol.NewEnvelopeInput{
		Type:           protocol.MsgDriverHeartbeat,
		SenderDeviceID: id.DeviceID,
		SenderRole:     protocol.RoleDriver,
		TTLMs:          15_000,
		Ciphertext:     []byte("sealed heartbeat"),
	})
	if err := SignEnvelope(id.PrivateKey, env); err != nil {
		t.Fatalf("SignEnvelope: %v", err)
	}

	// Any single-bit mutation of a signed field must fail verification.
	env.Ciphertext[0] ^= 0x01
	if VerifyEnvelope(id.PublicKey, env) {
		t.Fatal("mutated envelope passed verification")
	}
	env.Ciphertext[0] ^= 0x01

	env.TTLMs++
	if VerifyEnvelope(id.PublicKey, env) {
		t.Fatal("TTL mutation passed verification")
	}
	env.TTLMs--

	if !VerifyEnvelope(id.PublicKey, env) {
		t.Fatal("restored envelope rejected")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	a, _ := GenerateIdentity()
	b, _ := GenerateIdentity()

	env := protocol.NewEnvelope(protocol.NewEnvelopeInput{
		Type:           protocol.MsgPeerHello,
		SenderDeviceID: a.DeviceID,
		SenderRole:     protocol.RoleRelay,
		TTLMs:          60_000,
	})
	if err := SignEnvelope(a.PrivateKey, env); err != nil {
		t.Fatalf("SignEnvelope: %v", err)
	}
	if VerifyEnvelope(b.PublicKey, env) {
		t.Fatal("signature verified under an unrelated key")
	}
}

func TestDeviceIDDeterministic(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if got := DeviceIDFromPublicKey(id.PublicKey); got != id.DeviceID {
		t.Fatalf("device ID not reproducible: %s != %s", got, id.DeviceID)
	}
	if len(id.DeviceID) != 16 {
		t.Fatalf("device ID length = %d, want 16", len(id.DeviceID))
	}
}
