// Package crypto provides the authenticated encryption and detached envelope
// signatures used by the mesh protocol. Payload confidentiality comes from
// ChaCha20-Poly1305 under a network-wide symmetric key; authenticity comes
// from per-device Ed25519 signatures over the canonical envelope bytes.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the network key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the AEAD nonce length (ChaCha20-Poly1305 IETF).
	NonceSize = chacha20poly1305.NonceSize
)

// networkKeySeed is the fixed constant the default offline network key is
// derived from. This key is deliberately NOT secret in the default profile:
// it lets freshly installed devices interoperate on an isolated mesh with no
// provisioning step. Production deployments must install their own key via
// the mission file.
const networkKeySeed = "emergance-offline-network-v1"

// DefaultNetworkKey derives the shared offline network key.
func DefaultNetworkKey() []byte {
	sum := sha256.Sum256([]byte(networkKeySeed))
	return sum[:]
}

// RandomNetworkKey generates a fresh deployment-specific network key.
func RandomNetworkKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate network key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh random nonce. The
// authentication tag is appended to the ciphertext by the AEAD.
func Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("bad key size %d, need %d", len(key), KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("new aead: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts and authenticates ciphertext. A tampered or foreign-key
// ciphertext returns an error.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key size %d, need %d", len(key), KeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad nonce size %d, need %d", len(nonce), NonceSize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
