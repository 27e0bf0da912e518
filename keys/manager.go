package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/spore"
)

// NonceSize is the size of a NaCl nonce.
const NonceSize = 24

// Option configures a Manager.
type Option func(*Manager)

// WithRandom sets the entropy source for key generation and nonces.
// Defaults to crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.rand = r
		}
	}
}

// WithClock overrides time.Now for rotation timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager holds one agent's signing and encryption key pairs. Private
// material never leaves the manager except through Export, which copies it.
type Manager struct {
	agent string
	rand  io.Reader
	now   func() time.Time

	mu        sync.RWMutex
	signKey   ed25519.PrivateKey
	verifyKey ed25519.PublicKey
	boxPriv   *[KeySize]byte
	boxPub    *[KeySize]byte
	createdAt time.Time
	closed    bool
}

// Rotation reports a completed key rotation.
type Rotation struct {
	Agent     string
	Retired   Bundle
	Current   Bundle
	RotatedAt time.Time
}

// NewManager generates fresh key pairs for agent.
func NewManager(agent string, opts ...Option) (*Manager, error) {
	if agent == "" {
		return nil, errors.Invalidf("Manager", "New", "agent name is required")
	}
	m := &Manager{agent: agent, rand: rand.Reader, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if err := m.generate(); err != nil {
		return nil, err
	}
	return m, nil
}

// generate replaces both pairs. Callers hold mu for writing, or own m
// exclusively.
func (m *Manager) generate() error {
	verifyKey, signKey, err := ed25519.GenerateKey(m.rand)
	if err != nil {
		return errors.WrapFatal(err, "Manager", "generate", "signing key generation")
	}
	boxPub, boxPriv, err := box.GenerateKey(m.rand)
	if err != nil {
		return errors.WrapFatal(err, "Manager", "generate", "box key generation")
	}

	m.wipe()
	m.signKey, m.verifyKey = signKey, verifyKey
	m.boxPriv, m.boxPub = boxPriv, boxPub
	m.createdAt = m.now()
	return nil
}

// Agent returns the owning agent name.
func (m *Manager) Agent() string {
	return m.agent
}

// Bundle returns a copy of the current public keys.
func (m *Manager) Bundle() Bundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bundleLocked()
}

func (m *Manager) bundleLocked() Bundle {
	b := Bundle{VerifyKey: append(ed25519.PublicKey(nil), m.verifyKey...)}
	if m.boxPub != nil {
		b.PublicKey = *m.boxPub
	}
	return b
}

func (m *Manager) nonce() (*[NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(m.rand, n[:]); err != nil {
		return nil, errors.WrapTransient(err, "Manager", "nonce", "nonce generation")
	}
	return &n, nil
}

func (m *Manager) closedError(method string) error {
	return errors.WrapInvalid(errors.ErrShuttingDown, "Manager", method, "key manager "+m.agent+" is closed")
}

// Sign returns a detached ed25519 signature of msg.
func (m *Manager) Sign(msg []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.closedError("Sign")
	}
	return ed25519.Sign(m.signKey, msg), nil
}

// Verify checks a detached signature.
func Verify(verifyKey ed25519.PublicKey, msg, signature []byte) error {
	if len(verifyKey) != ed25519.PublicKeySize {
		return errors.Kindf(errors.ErrIntegrityFailure, "keys", "Verify", "verify key has %d bytes", len(verifyKey))
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(verifyKey, msg, signature) {
		return errors.Kindf(errors.ErrIntegrityFailure, "keys", "Verify", "signature mismatch")
	}
	return nil
}

// Seal encrypts plaintext to recipient with NaCl box under a fresh random
// nonce and signs the plaintext.
func (m *Manager) Seal(plaintext []byte, recipient [KeySize]byte) (ciphertext []byte, nonce [NonceSize]byte, signature []byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nonce, nil, m.closedError("Seal")
	}

	n, err := m.nonce()
	if err != nil {
		return nil, nonce, nil, err
	}
	ciphertext = box.Seal(nil, plaintext, n, &recipient, m.boxPriv)
	signature = ed25519.Sign(m.signKey, plaintext)
	return ciphertext, *n, signature, nil
}

// Open decrypts a box from sender and verifies its signature over the
// recovered plaintext.
func (m *Manager) Open(ciphertext []byte, nonce [NonceSize]byte, signature []byte,
	senderPublic [KeySize]byte, senderVerify ed25519.PublicKey,
) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.closedError("Open")
	}

	plaintext, ok := box.Open(nil, ciphertext, &nonce, &senderPublic, m.boxPriv)
	if !ok {
		return nil, errors.Kindf(errors.ErrIntegrityFailure, "Manager", "Open", "decryption failed")
	}
	if err := Verify(senderVerify, plaintext, signature); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// SealGroup encrypts plaintext under a shared group key with NaCl
// secretbox and signs the plaintext.
func (m *Manager) SealGroup(plaintext []byte, groupKey *[KeySize]byte) (ciphertext []byte, nonce [NonceSize]byte, signature []byte, err error) {
	if groupKey == nil {
		return nil, nonce, nil, errors.Kindf(errors.ErrMissingRecipientKeys, "Manager", "SealGroup", "no group key")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nonce, nil, m.closedError("SealGroup")
	}

	n, err := m.nonce()
	if err != nil {
		return nil, nonce, nil, err
	}
	ciphertext = secretbox.Seal(nil, plaintext, n, groupKey)
	signature = ed25519.Sign(m.signKey, plaintext)
	return ciphertext, *n, signature, nil
}

// OpenGroup reverses SealGroup.
func OpenGroup(ciphertext []byte, nonce [NonceSize]byte, signature []byte,
	groupKey *[KeySize]byte, senderVerify ed25519.PublicKey,
) ([]byte, error) {
	if groupKey == nil {
		return nil, errors.Kindf(errors.ErrIntegrityFailure, "keys", "OpenGroup", "no group key")
	}
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, groupKey)
	if !ok {
		return nil, errors.Kindf(errors.ErrIntegrityFailure, "keys", "OpenGroup", "decryption failed")
	}
	if err := Verify(senderVerify, plaintext, signature); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptAndSign seals the canonical encoding of payload to recipient.
func (m *Manager) EncryptAndSign(payload map[string]any, recipient [KeySize]byte) ([]byte, [NonceSize]byte, []byte, error) {
	plaintext, err := spore.CanonicalPayload(payload)
	if err != nil {
		return nil, [NonceSize]byte{}, nil, err
	}
	return m.Seal(plaintext, recipient)
}

// DecryptAndVerify opens a payload sealed by EncryptAndSign. Any failure is
// an integrity failure.
func (m *Manager) DecryptAndVerify(ciphertext []byte, nonce [NonceSize]byte, signature []byte,
	senderPublic [KeySize]byte, senderVerify ed25519.PublicKey,
) (map[string]any, error) {
	plaintext, err := m.Open(ciphertext, nonce, signature, senderPublic, senderVerify)
	if err != nil {
		return nil, err
	}
	payload, err := spore.DecodePayload(plaintext)
	if err != nil {
		return nil, errors.Kindf(errors.ErrIntegrityFailure, "Manager", "DecryptAndVerify", "payload: %v", err)
	}
	return payload, nil
}

// Rotate replaces both key pairs at once. Spores sealed to the retired
// public key can no longer be opened.
func (m *Manager) Rotate() (Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Rotation{}, m.closedError("Rotate")
	}

	retired := m.bundleLocked()
	if err := m.generate(); err != nil {
		return Rotation{}, err
	}
	return Rotation{
		Agent:     m.agent,
		Retired:   retired,
		Current:   m.bundleLocked(),
		RotatedAt: m.createdAt,
	}, nil
}

// Export copies the private and public key material.
func (m *Manager) Export() (Material, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Material{}, m.closedError("Export")
	}

	return Material{
		Agent:         m.agent,
		SigningKey:    append([]byte(nil), m.signKey...),
		VerifyKey:     append([]byte(nil), m.verifyKey...),
		BoxPrivateKey: append([]byte(nil), m.boxPriv[:]...),
		BoxPublicKey:  append([]byte(nil), m.boxPub[:]...),
		CreatedAt:     m.createdAt,
	}, nil
}

// Import rebuilds a manager from exported material. An empty agent keeps
// the agent recorded in the material.
func Import(agent string, mat Material, opts ...Option) (*Manager, error) {
	if agent == "" {
		agent = mat.Agent
	}
	if agent == "" {
		return nil, errors.Invalidf("Manager", "Import", "agent name is required")
	}
	if err := mat.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{agent: agent, rand: rand.Reader, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.signKey = append(ed25519.PrivateKey(nil), mat.SigningKey...)
	m.verifyKey = append(ed25519.PublicKey(nil), mat.VerifyKey...)
	m.boxPriv, m.boxPub = new([KeySize]byte), new([KeySize]byte)
	copy(m.boxPriv[:], mat.BoxPrivateKey)
	copy(m.boxPub[:], mat.BoxPublicKey)
	m.createdAt = mat.CreatedAt
	return m, nil
}

// Close zeroes the private keys. Later operations fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wipe()
	m.closed = true
}

func (m *Manager) wipe() {
	clear(m.signKey)
	if m.boxPriv != nil {
		clear(m.boxPriv[:])
	}
}
