package secure

import (
	"maps"
	"strings"
	"time"

	"github.com/c360/reef/spore"
)

// WireVersion is written into every encoded spore. Parsers accept any minor
// revision of major version 1.
const WireVersion = "1.0"

// MetaReplyTo is the metadata key carrying the id a response answers.
const MetaReplyTo = "reef.reply_to"

// Spore is the encrypted, signed form of a spore as it travels between
// processes. Only the sender's box public key is carried; the verify key is
// taken from the receiver's registry.
type Spore struct {
	Version          string
	ID               string
	Kind             spore.Kind
	FromAgent        string
	ToAgent          string // empty for broadcasts
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	Priority         int
	EncryptedPayload []byte
	Nonce            []byte
	PayloadSignature []byte
	SenderPublicKey  []byte
	Metadata         map[string]string
}

// IsBroadcast reports whether the spore has no single recipient.
func (s *Spore) IsBroadcast() bool {
	return s.ToAgent == ""
}

// IsExpired reports whether now is past the expiry.
func (s *Spore) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// TTL is the remaining lifetime at now, or zero without an expiry.
func (s *Spore) TTL(now time.Time) time.Duration {
	if s.ExpiresAt == nil {
		return 0
	}
	return max(s.ExpiresAt.Sub(now), 0)
}

// ReplyTo returns the correlated request id, if any.
func (s *Spore) ReplyTo() string {
	return s.Metadata[MetaReplyTo]
}

// userMetadata strips keys reserved by the bus.
func (s *Spore) userMetadata() map[string]string {
	if len(s.Metadata) == 0 {
		return nil
	}
	out := maps.Clone(s.Metadata)
	for k := range out {
		if strings.HasPrefix(k, "reef.") {
			delete(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Received is a verified and decrypted inbound spore as handlers see it.
type Received struct {
	ID        string
	Kind      spore.Kind
	FromAgent string
	ToAgent   string
	CreatedAt time.Time
	ExpiresAt *time.Time
	Priority  int
	ReplyTo   string
	Payload   map[string]any
	Metadata  map[string]string
	Topic     string
}

// Spore converts r into an in-process spore keeping its id and timestamps,
// so it can be enqueued on a local channel.
func (r *Received) Spore() (*spore.Spore, error) {
	return spore.Restore(spore.Fields{
		ID:        r.ID,
		Kind:      r.Kind,
		FromAgent: r.FromAgent,
		ToAgent:   r.ToAgent,
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Priority:  r.Priority,
		ReplyTo:   r.ReplyTo,
		Metadata:  r.Metadata,
	})
}
