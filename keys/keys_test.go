package keys

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reef/errors"
)

func newManager(t *testing.T, agent string) *Manager {
	t.Helper()
	m, err := NewManager(agent)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestManager_EncryptDecryptRoundTrip(t *testing.T) {
	alice := newManager(t, "alice")
	bob := newManager(t, "bob")

	payload := map[string]any{"fact": "water is wet", "confidence": 0.9, "tags": []any{"a", "b"}}
	ct, nonce, sig, err := alice.EncryptAndSign(payload, bob.Bundle().PublicKey)
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "water")

	got, err := bob.DecryptAndVerify(ct, nonce, sig, alice.Bundle().PublicKey, alice.Bundle().VerifyKey)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestManager_FreshNoncePerSeal(t *testing.T) {
	alice := newManager(t, "alice")
	bob := newManager(t, "bob")

	_, n1, _, err := alice.Seal([]byte("x"), bob.Bundle().PublicKey)
	require.NoError(t, err)
	_, n2, _, err := alice.Seal([]byte("x"), bob.Bundle().PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
}

func TestManager_TamperingIsIntegrityFailure(t *testing.T) {
	alice := newManager(t, "alice")
	bob := newManager(t, "bob")
	mallory := newManager(t, "mallory")

	ct, nonce, sig, err := alice.EncryptAndSign(map[string]any{"n": 1}, bob.Bundle().PublicKey)
	require.NoError(t, err)
	ab := alice.Bundle()

	flip := func(b []byte) []byte {
		out := bytes.Clone(b)
		out[0] ^= 0xFF
		return out
	}
	badNonce := nonce
	badNonce[3] ^= 1

	tests := []struct {
		name string
		open func() error
	}{
		{"signature byte", func() error {
			_, err := bob.DecryptAndVerify(ct, nonce, flip(sig), ab.PublicKey, ab.VerifyKey)
			return err
		}},
		{"ciphertext byte", func() error {
			_, err := bob.DecryptAndVerify(flip(ct), nonce, sig, ab.PublicKey, ab.VerifyKey)
			return err
		}},
		{"nonce", func() error {
			_, err := bob.DecryptAndVerify(ct, badNonce, sig, ab.PublicKey, ab.VerifyKey)
			return err
		}},
		{"wrong sender verify key", func() error {
			_, err := bob.DecryptAndVerify(ct, nonce, sig, ab.PublicKey, mallory.Bundle().VerifyKey)
			return err
		}},
		{"wrong recipient", func() error {
			_, err := mallory.DecryptAndVerify(ct, nonce, sig, ab.PublicKey, ab.VerifyKey)
			return err
		}},
		{"truncated signature", func() error {
			_, err := bob.DecryptAndVerify(ct, nonce, sig[:10], ab.PublicKey, ab.VerifyKey)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.open()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrIntegrityFailure)
			assert.Equal(t, errors.KindIntegrityFailure, errors.KindOf(err))
		})
	}
}

func TestManager_GroupSeal(t *testing.T) {
	alice := newManager(t, "alice")
	key, err := GenerateGroupKey(nil)
	require.NoError(t, err)

	ct, nonce, sig, err := alice.SealGroup([]byte(`{"all":true}`), key)
	require.NoError(t, err)

	plain, err := OpenGroup(ct, nonce, sig, key, alice.Bundle().VerifyKey)
	require.NoError(t, err)
	assert.Equal(t, `{"all":true}`, string(plain))

	other, err := GenerateGroupKey(nil)
	require.NoError(t, err)
	_, err = OpenGroup(ct, nonce, sig, other, alice.Bundle().VerifyKey)
	assert.ErrorIs(t, err, errors.ErrIntegrityFailure)

	_, _, _, err = alice.SealGroup([]byte("x"), nil)
	assert.ErrorIs(t, err, errors.ErrMissingRecipientKeys)
}

func TestManager_Rotate(t *testing.T) {
	alice := newManager(t, "alice")
	bob := newManager(t, "bob")

	before := bob.Bundle()
	ct, nonce, sig, err := alice.EncryptAndSign(map[string]any{"n": 1}, before.PublicKey)
	require.NoError(t, err)

	rot, err := bob.Rotate()
	require.NoError(t, err)
	assert.Equal(t, "bob", rot.Agent)
	assert.True(t, rot.Retired.Equal(before))
	assert.True(t, rot.Current.Equal(bob.Bundle()))
	assert.False(t, rot.Current.Equal(before))
	assert.NotEqual(t, before.VerifyKey, rot.Current.VerifyKey, "both pairs are replaced")

	_, err = bob.DecryptAndVerify(ct, nonce, sig, alice.Bundle().PublicKey, alice.Bundle().VerifyKey)
	assert.ErrorIs(t, err, errors.ErrIntegrityFailure, "spores sealed to retired keys no longer open")

	ct, nonce, sig, err = alice.EncryptAndSign(map[string]any{"n": 2}, bob.Bundle().PublicKey)
	require.NoError(t, err)
	got, err := bob.DecryptAndVerify(ct, nonce, sig, alice.Bundle().PublicKey, alice.Bundle().VerifyKey)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 2.0}, got)
}

func TestManager_ConcurrentSealAndRotate(t *testing.T) {
	alice := newManager(t, "alice")
	bob := newManager(t, "bob")
	recipient := bob.Bundle().PublicKey

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _, _, err := alice.Seal([]byte("payload"), recipient)
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := alice.Rotate()
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestManager_ExportImport(t *testing.T) {
	alice := newManager(t, "alice")
	bob := newManager(t, "bob")

	mat, err := bob.Export()
	require.NoError(t, err)
	require.NoError(t, mat.Validate())

	data, err := json.Marshal(mat)
	require.NoError(t, err)
	var decoded Material
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored, err := Import("", decoded)
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, "bob", restored.Agent())
	assert.True(t, restored.Bundle().Equal(bob.Bundle()))

	ct, nonce, sig, err := alice.EncryptAndSign(map[string]any{"k": "v"}, bob.Bundle().PublicKey)
	require.NoError(t, err)
	got, err := restored.DecryptAndVerify(ct, nonce, sig, alice.Bundle().PublicKey, alice.Bundle().VerifyKey)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, got)

	// Export is a copy.
	mat.SigningKey[0] ^= 0xFF
	again, err := bob.Export()
	require.NoError(t, err)
	assert.NotEqual(t, mat.SigningKey, again.SigningKey)
}

func TestMaterial_ValidateRejectsMismatch(t *testing.T) {
	a := newManager(t, "a")
	b := newManager(t, "b")
	ma, err := a.Export()
	require.NoError(t, err)
	mb, err := b.Export()
	require.NoError(t, err)

	mixed := ma
	mixed.VerifyKey = mb.VerifyKey
	assert.ErrorIs(t, mixed.Validate(), errors.ErrInvalidArgument)

	mixed = ma
	mixed.BoxPublicKey = mb.BoxPublicKey
	assert.ErrorIs(t, mixed.Validate(), errors.ErrInvalidArgument)

	short := ma
	short.SigningKey = ma.SigningKey[:10]
	assert.ErrorIs(t, short.Validate(), errors.ErrInvalidArgument)

	_, err = Import("x", Material{})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestManager_CloseWipesKeys(t *testing.T) {
	m, err := NewManager("alice")
	require.NoError(t, err)
	signKey := m.signKey

	m.Close()
	m.Close()

	assert.Equal(t, make([]byte, len(signKey)), []byte(signKey))
	_, err = m.Sign([]byte("x"))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	_, err = m.Export()
	assert.Error(t, err)
	_, err = m.Rotate()
	assert.Error(t, err)
}

func TestNewManager_RequiresAgent(t *testing.T) {
	_, err := NewManager("")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestBundle_JSON(t *testing.T) {
	m := newManager(t, "alice")
	b := m.Bundle()

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var decoded Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(b))

	err = json.Unmarshal([]byte(`{"verify_key":"AAAA","public_key":"AAAA"}`), &decoded)
	assert.ErrorIs(t, err, errors.ErrDecodeFailure)
	assert.False(t, Bundle{}.Valid())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	alice := newManager(t, "alice")
	bob := newManager(t, "bob")

	require.NoError(t, reg.Register("bob", bob.Bundle()))
	require.NoError(t, reg.RegisterPeer(Peer{Agent: "alice", Bundle: alice.Bundle()}))
	assert.ErrorIs(t, reg.Register("", bob.Bundle()), errors.ErrInvalidArgument)
	assert.ErrorIs(t, reg.Register("eve", Bundle{}), errors.ErrInvalidArgument)

	got, ok := reg.Lookup("bob")
	require.True(t, ok)
	assert.True(t, got.Equal(bob.Bundle()))
	got.VerifyKey[0] ^= 0xFF
	again, _ := reg.Lookup("bob")
	assert.True(t, again.Equal(bob.Bundle()), "Lookup returns a copy")

	assert.Equal(t, []string{"alice", "bob"}, reg.Agents())
	assert.True(t, reg.Unregister("alice"))
	assert.False(t, reg.Unregister("alice"))
	_, ok = reg.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestFiles_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, "alice")
	mat, err := m.Export()
	require.NoError(t, err)

	matPath := filepath.Join(dir, "alice.keys.json")
	require.NoError(t, SaveMaterial(matPath, mat))
	info, err := os.Stat(matPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadMaterial(matPath)
	require.NoError(t, err)
	assert.Equal(t, mat.SigningKey, loaded.SigningKey)

	peer, err := loaded.Peer()
	require.NoError(t, err)
	peerPath := filepath.Join(dir, "alice.peer.json")
	require.NoError(t, SavePeer(peerPath, peer))
	gotPeer, err := LoadPeer(peerPath)
	require.NoError(t, err)
	assert.Equal(t, "alice", gotPeer.Agent)
	assert.True(t, gotPeer.Bundle.Equal(m.Bundle()))

	key, err := GenerateGroupKey(nil)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "group.key")
	require.NoError(t, SaveGroupKey(keyPath, key))
	gotKey, err := LoadGroupKey(keyPath)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)

	_, err = ParseGroupKey([]byte("c2hvcnQ="))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))
	_, err = LoadMaterial(filepath.Join(dir, "bad.json"))
	assert.ErrorIs(t, err, errors.ErrDecodeFailure)
}
