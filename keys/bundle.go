package keys

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"

	"github.com/c360/reef/errors"
)

// KeySize is the size of an X25519 box key and of a group key.
const KeySize = 32

// Bundle is the public half of an agent's keys: the ed25519 key that
// verifies its signatures and the X25519 key others encrypt to.
type Bundle struct {
	VerifyKey ed25519.PublicKey
	PublicKey [KeySize]byte
}

// Valid reports whether both keys are present and well sized.
func (b Bundle) Valid() bool {
	var zero [KeySize]byte
	return len(b.VerifyKey) == ed25519.PublicKeySize && b.PublicKey != zero
}

// Equal compares two bundles in constant time.
func (b Bundle) Equal(o Bundle) bool {
	return subtle.ConstantTimeCompare(b.VerifyKey, o.VerifyKey) == 1 &&
		subtle.ConstantTimeCompare(b.PublicKey[:], o.PublicKey[:]) == 1
}

// Clone returns a bundle that shares no memory with b.
func (b Bundle) Clone() Bundle {
	return Bundle{
		VerifyKey: append(ed25519.PublicKey(nil), b.VerifyKey...),
		PublicKey: b.PublicKey,
	}
}

type bundleJSON struct {
	VerifyKey string `json:"verify_key"`
	PublicKey string `json:"public_key"`
}

// MarshalJSON encodes both keys as standard base64.
func (b Bundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(bundleJSON{
		VerifyKey: base64.StdEncoding.EncodeToString(b.VerifyKey),
		PublicKey: base64.StdEncoding.EncodeToString(b.PublicKey[:]),
	})
}

// UnmarshalJSON decodes and size-checks both keys.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var raw bundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Kindf(errors.ErrDecodeFailure, "Bundle", "UnmarshalJSON", "%v", err)
	}
	verify, err := base64.StdEncoding.DecodeString(raw.VerifyKey)
	if err != nil || len(verify) != ed25519.PublicKeySize {
		return errors.Kindf(errors.ErrDecodeFailure, "Bundle", "UnmarshalJSON", "verify_key must be %d base64 bytes", ed25519.PublicKeySize)
	}
	pub, err := base64.StdEncoding.DecodeString(raw.PublicKey)
	if err != nil || len(pub) != KeySize {
		return errors.Kindf(errors.ErrDecodeFailure, "Bundle", "UnmarshalJSON", "public_key must be %d base64 bytes", KeySize)
	}

	b.VerifyKey = ed25519.PublicKey(verify)
	copy(b.PublicKey[:], pub)
	return nil
}

// Peer names the owner of a bundle. It is the file format used to
// provision remote agents' public keys.
type Peer struct {
	Agent  string `json:"agent"`
	Bundle Bundle `json:"bundle"`
}
