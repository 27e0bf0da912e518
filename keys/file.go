package keys

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"

	"github.com/c360/reef/errors"
)

// Private material is written owner-only.
const privateFileMode = 0o600

// SaveMaterial writes exported material as indented JSON.
func SaveMaterial(path string, m Material) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "keys", "SaveMaterial", "encode")
	}
	if err := os.WriteFile(path, data, privateFileMode); err != nil {
		return errors.WrapFatal(err, "keys", "SaveMaterial", "write "+path)
	}
	return nil
}

// LoadMaterial reads and validates material written by SaveMaterial.
func LoadMaterial(path string) (Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Material{}, errors.WrapFatal(err, "keys", "LoadMaterial", "read "+path)
	}
	var m Material
	if err := json.Unmarshal(data, &m); err != nil {
		return Material{}, errors.Kindf(errors.ErrDecodeFailure, "keys", "LoadMaterial", "%s: %v", path, err)
	}
	if err := m.Validate(); err != nil {
		return Material{}, err
	}
	return m, nil
}

// SavePeer writes a public bundle for distribution to other agents.
func SavePeer(path string, p Peer) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "keys", "SavePeer", "encode")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapFatal(err, "keys", "SavePeer", "write "+path)
	}
	return nil
}

// LoadPeer reads a public bundle written by SavePeer.
func LoadPeer(path string) (Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Peer{}, errors.WrapFatal(err, "keys", "LoadPeer", "read "+path)
	}
	var p Peer
	if err := json.Unmarshal(data, &p); err != nil {
		return Peer{}, errors.Kindf(errors.ErrDecodeFailure, "keys", "LoadPeer", "%s: %v", path, err)
	}
	if p.Agent == "" || !p.Bundle.Valid() {
		return Peer{}, errors.Invalidf("keys", "LoadPeer", "%s: agent and bundle are required", path)
	}
	return p, nil
}

// GenerateGroupKey returns a random key for group-sealed broadcasts. A nil
// reader means crypto/rand.
func GenerateGroupKey(r io.Reader) (*[KeySize]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	var key [KeySize]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, errors.WrapFatal(err, "keys", "GenerateGroupKey", "read entropy")
	}
	return &key, nil
}

// SaveGroupKey writes key as one line of base64.
func SaveGroupKey(path string, key *[KeySize]byte) error {
	line := base64.StdEncoding.EncodeToString(key[:]) + "\n"
	if err := os.WriteFile(path, []byte(line), privateFileMode); err != nil {
		return errors.WrapFatal(err, "keys", "SaveGroupKey", "write "+path)
	}
	return nil
}

// LoadGroupKey reads a key written by SaveGroupKey.
func LoadGroupKey(path string) (*[KeySize]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "keys", "LoadGroupKey", "read "+path)
	}
	return ParseGroupKey(bytes.TrimSpace(data))
}

// ParseGroupKey decodes a base64 group key.
func ParseGroupKey(text []byte) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil || len(raw) != KeySize {
		return nil, errors.Invalidf("keys", "ParseGroupKey", "group key must be %d bytes of base64", KeySize)
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
