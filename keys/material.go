package keys

import (
	"bytes"
	"crypto/ed25519"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/c360/reef/errors"
)

// Material is exported key material for out-of-band provisioning. Byte
// fields encode as base64 in JSON.
type Material struct {
	Agent         string    `json:"agent"`
	SigningKey    []byte    `json:"signing_key"`
	VerifyKey     []byte    `json:"verify_key"`
	BoxPrivateKey []byte    `json:"box_private_key"`
	BoxPublicKey  []byte    `json:"box_public_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks key sizes and that each public key derives from its
// private key.
func (m Material) Validate() error {
	if len(m.SigningKey) != ed25519.PrivateKeySize {
		return errors.Invalidf("Material", "Validate", "signing_key has %d bytes, want %d", len(m.SigningKey), ed25519.PrivateKeySize)
	}
	if len(m.VerifyKey) != ed25519.PublicKeySize {
		return errors.Invalidf("Material", "Validate", "verify_key has %d bytes, want %d", len(m.VerifyKey), ed25519.PublicKeySize)
	}
	if len(m.BoxPrivateKey) != KeySize || len(m.BoxPublicKey) != KeySize {
		return errors.Invalidf("Material", "Validate", "box keys must have %d bytes", KeySize)
	}

	derived := ed25519.PrivateKey(m.SigningKey).Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, m.VerifyKey) {
		return errors.Invalidf("Material", "Validate", "verify_key does not match signing_key")
	}
	pub, err := curve25519.X25519(m.BoxPrivateKey, curve25519.Basepoint)
	if err != nil || !bytes.Equal(pub, m.BoxPublicKey) {
		return errors.Invalidf("Material", "Validate", "box_public_key does not match box_private_key")
	}
	return nil
}

// Bundle returns the public half of the material.
func (m Material) Bundle() (Bundle, error) {
	if len(m.VerifyKey) != ed25519.PublicKeySize || len(m.BoxPublicKey) != KeySize {
		return Bundle{}, errors.Invalidf("Material", "Bundle", "material has no valid public keys")
	}
	b := Bundle{VerifyKey: append(ed25519.PublicKey(nil), m.VerifyKey...)}
	copy(b.PublicKey[:], m.BoxPublicKey)
	return b, nil
}

// Peer returns the public bundle labelled with the agent name.
func (m Material) Peer() (Peer, error) {
	b, err := m.Bundle()
	if err != nil {
		return Peer{}, err
	}
	return Peer{Agent: m.Agent, Bundle: b}, nil
}

// Wipe zeroes the private fields.
func (m *Material) Wipe() {
	clear(m.SigningKey)
	clear(m.BoxPrivateKey)
}
