// Package secure carries spores between processes with end-to-end
// encryption and signatures.
//
// A Reef is bound to one agent. Initialize generates (or adopts) the agent's
// key pairs, connects a transport, publishes the agent's public bundle to
// the key registry and subscribes to the agent's topics:
//
//	r := secure.New(secure.WithRegistry(registry))
//	if err := r.Initialize(ctx, "analyst", "mqtt", cfg); err != nil {
//	    return err
//	}
//	r.RegisterHandler(spore.Knowledge, func(ctx context.Context, m *secure.Received) error {
//	    log.Println(m.FromAgent, m.Payload)
//	    return nil
//	})
//	id, err := r.SendSecure(ctx, "curator", payload, secure.SecureOptions{})
//
// Payloads are sealed with NaCl box between sender and recipient and signed
// with the sender's ed25519 key over the plaintext. Broadcasts have no
// single recipient key; they are refused unless the deployment provides a
// shared group key (BroadcastGroupKey).
//
// Inbound failures never reach the sender. Undecodable input, unknown
// senders and failed verification are counted as integrity errors and
// dropped, as are the agent's own echoes and expired spores.
//
// # Wire format
//
// Marshal writes version "1.0": length-prefixed big-endian fields in a
// fixed order (version, id, kind tag, from, to, created_at, expires_at,
// priority, ciphertext, nonce, signature, sender public key, metadata).
// Unmarshal rejects trailing bytes and unknown major versions.
package secure
