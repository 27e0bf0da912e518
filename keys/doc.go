// Package keys manages the per-agent key pairs used by secure spores.
//
// A Manager owns an ed25519 signing pair and an X25519 pair for NaCl box
// (XSalsa20-Poly1305). Payloads are sealed to the recipient's public key
// under a fresh random 24-byte nonce and signed, detached, over the
// plaintext canonical payload. Opening verifies the signature with the
// sender's verify key after decryption; every failure is an
// errors.ErrIntegrityFailure.
//
// Bundles hold the public halves. A Registry maps agent names to bundles;
// for deployments across processes bundles are provisioned out of band as
// Peer files, and private keys as Material files:
//
//	m, _ := keys.NewManager("alpha")
//	mat, _ := m.Export()
//	_ = keys.SaveMaterial("alpha.keys.json", mat)
//	peer, _ := mat.Peer()
//	_ = keys.SavePeer("alpha.peer.json", peer)
//
// Broadcasts without a recipient key can be sealed under a shared group
// key with SealGroup and opened with OpenGroup.
package keys
