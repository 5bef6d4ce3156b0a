package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/emergance/emergance/internal/protocol"
)

// Identity is a device's Ed25519 signing keypair.
type Identity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateIdentity creates a fresh keypair. The device ID is derived from the
// public key fingerprint so it survives reinstalls without colliding.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{
		DeviceID:   DeviceIDFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// DeviceIDFromPublicKey returns the first 8 bytes of the SHA-256 public key
// fingerprint as 16 lowercase hex characters.
func DeviceIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// SignEnvelope computes the detached signature over the envelope's canonical
// unsigned bytes and stores it in the Signature field.
func SignEnvelope(priv ed25519.PrivateKey, env *protocol.Envelope) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key length %d", len(priv))
	}
	env.Signature = ed25519.Sign(priv, env.UnsignedBytes())
	return nil
}

// VerifyEnvelope checks the envelope's signature against pub.
func VerifyEnvelope(pub ed25519.PublicKey, env *protocol.Envelope) bool {
	if len(pub) != ed25519.PublicKeySize || len(env.Signature) == 0 {
		return false
	}
	return ed25519.Verify(pub, env.UnsignedBytes(), env.Signature)
}
