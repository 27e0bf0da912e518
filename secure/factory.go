package secure

import (
	"crypto/subtle"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/keys"
	"github.com/c360/reef/spore"
)

// BroadcastPolicy decides how a broadcast is sealed when no recipient bundle
// exists.
type BroadcastPolicy int

const (
	// BroadcastRefuse fails broadcasts with ErrMissingRecipientKeys.
	BroadcastRefuse BroadcastPolicy = iota
	// BroadcastGroupKey seals broadcasts with a deployment-wide secret key.
	BroadcastGroupKey
)

func (p BroadcastPolicy) String() string {
	switch p {
	case BroadcastRefuse:
		return "refuse"
	case BroadcastGroupKey:
		return "group_key"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseBroadcastPolicy accepts "refuse" and "group_key". Empty means refuse.
func ParseBroadcastPolicy(s string) (BroadcastPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "refuse":
		return BroadcastRefuse, nil
	case "group_key", "group-key":
		return BroadcastGroupKey, nil
	default:
		return 0, errors.Invalidf("secure", "ParseBroadcastPolicy", "unknown broadcast policy %q", s)
	}
}

// BuildRequest describes one outbound secure spore.
type BuildRequest struct {
	To        string
	Payload   map[string]any
	Kind      spore.Kind // defaults to knowledge, or broadcast when To is empty
	Priority  int        // defaults to 5
	TTL       time.Duration
	ReplyTo   string
	Metadata  map[string]string
	Recipient *keys.Bundle
}

// Factory seals and opens secure spores with one agent's keys.
type Factory struct {
	keys     *keys.Manager
	policy   BroadcastPolicy
	groupKey *[keys.KeySize]byte
	now      func() time.Time
}

// NewFactory wraps km. A BroadcastGroupKey policy requires groupKey.
func NewFactory(km *keys.Manager, policy BroadcastPolicy, groupKey *[keys.KeySize]byte, now func() time.Time) (*Factory, error) {
	if km == nil {
		return nil, errors.Invalidf("Factory", "New", "key manager is required")
	}
	if policy == BroadcastGroupKey && groupKey == nil {
		return nil, errors.Invalidf("Factory", "New", "group_key broadcast policy needs a group key")
	}
	if now == nil {
		now = time.Now
	}
	return &Factory{keys: km, policy: policy, groupKey: groupKey, now: now}, nil
}

// Policy returns the broadcast policy.
func (f *Factory) Policy() BroadcastPolicy {
	return f.policy
}

// Build encrypts and signs req.
//
// Unicast spores are sealed to the recipient's box key; a missing bundle is
// ErrMissingRecipientKeys. Broadcasts follow the factory's policy.
func (f *Factory) Build(req BuildRequest) (*Spore, error) {
	kind := req.Kind
	if kind == "" {
		kind = spore.Knowledge
		if req.To == "" {
			kind = spore.Broadcast
		}
	}

	// Structural checks match in-process spores.
	opts := []spore.Option{spore.WithPriority(req.Priority), spore.WithClock(f.now)}
	if req.TTL != 0 {
		opts = append(opts, spore.WithTTL(req.TTL))
	}
	plain, err := spore.New(kind, f.keys.Agent(), req.To, nil, opts...)
	if err != nil {
		return nil, err
	}

	payload, err := spore.CanonicalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	var (
		ciphertext []byte
		nonce      [keys.NonceSize]byte
		signature  []byte
	)
	switch {
	case req.To != "":
		if req.Recipient == nil {
			return nil, errors.Kindf(errors.ErrMissingRecipientKeys, "Factory", "Build", "no bundle for %s", req.To)
		}
		ciphertext, nonce, signature, err = f.keys.Seal(payload, req.Recipient.PublicKey)
	case f.policy == BroadcastGroupKey:
		ciphertext, nonce, signature, err = f.keys.SealGroup(payload, f.groupKey)
	default:
		return nil, errors.Kindf(errors.ErrMissingRecipientKeys, "Factory", "Build",
			"broadcast refused by %s policy", f.policy)
	}
	if err != nil {
		return nil, err
	}

	md := maps.Clone(req.Metadata)
	if req.ReplyTo != "" {
		if md == nil {
			md = map[string]string{}
		}
		md[MetaReplyTo] = req.ReplyTo
	}

	bundle := f.keys.Bundle()
	s := &Spore{
		Version:          WireVersion,
		ID:               uuid.NewString(),
		Kind:             kind,
		FromAgent:        f.keys.Agent(),
		ToAgent:          req.To,
		CreatedAt:        time.Unix(0, plain.CreatedAt().UnixNano()),
		Priority:         plain.Priority(),
		EncryptedPayload: ciphertext,
		Nonce:            nonce[:],
		PayloadSignature: signature,
		SenderPublicKey:  bundle.PublicKey[:],
		Metadata:         md,
	}
	if exp, ok := plain.ExpiresAt(); ok {
		e := time.Unix(0, exp.UnixNano())
		s.ExpiresAt = &e
	}
	return s, nil
}

// Open decrypts s and verifies its signature against sender, the bundle the
// receiver holds for s.FromAgent. Every failure is ErrIntegrityFailure.
func (f *Factory) Open(s *Spore, sender keys.Bundle) (map[string]any, error) {
	if len(s.Nonce) != keys.NonceSize {
		return nil, errors.Kindf(errors.ErrIntegrityFailure, "Factory", "Open", "nonce has %d bytes", len(s.Nonce))
	}
	var nonce [keys.NonceSize]byte
	copy(nonce[:], s.Nonce)

	if s.IsBroadcast() {
		plaintext, err := keys.OpenGroup(s.EncryptedPayload, nonce, s.PayloadSignature, f.groupKey, sender.VerifyKey)
		if err != nil {
			return nil, err
		}
		payload, err := spore.DecodePayload(plaintext)
		if err != nil {
			return nil, errors.Kindf(errors.ErrIntegrityFailure, "Factory", "Open", "payload: %v", err)
		}
		return payload, nil
	}

	if subtle.ConstantTimeCompare(s.SenderPublicKey, sender.PublicKey[:]) != 1 {
		return nil, errors.Kindf(errors.ErrIntegrityFailure, "Factory", "Open",
			"sender key of %s does not match registry", s.FromAgent)
	}
	return f.keys.DecryptAndVerify(s.EncryptedPayload, nonce, s.PayloadSignature, sender.PublicKey, sender.VerifyKey)
}

// Parse strictly decodes wire bytes.
func (f *Factory) Parse(b []byte) (*Spore, error) {
	return Unmarshal(b)
}

// Received decrypts s into the handler view.
func (f *Factory) Received(s *Spore, sender keys.Bundle, topic string) (*Received, error) {
	payload, err := f.Open(s, sender)
	if err != nil {
		return nil, err
	}
	return &Received{
		ID:        s.ID,
		Kind:      s.Kind,
		FromAgent: s.FromAgent,
		ToAgent:   s.ToAgent,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		Priority:  s.Priority,
		ReplyTo:   s.ReplyTo(),
		Payload:   payload,
		Metadata:  s.userMetadata(),
		Topic:     topic,
	}, nil
}
