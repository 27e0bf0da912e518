// Package spore defines the immutable message unit carried by the Reef.
package spore

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/c360/reef/errors"
)

// SystemAgent is the sender name of system-originated spores. A broadcast
// from SystemAgent reaches every subscriber, the sender included.
const SystemAgent = "system"

// Priority bounds.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Spore is a message between agents. Fields are read-only once built by New;
// Payload and Metadata return copies.
type Spore struct {
	id        string
	kind      Kind
	from      string
	to        string
	payload   map[string]any
	createdAt time.Time
	expiresAt *time.Time
	priority  int
	replyTo   string
	metadata  map[string]string
}

// Option customises New.
type Option func(*options)

type options struct {
	priority int
	ttl      *time.Duration
	replyTo  string
	metadata map[string]string
	now      func() time.Time
}

// WithPriority sets the priority, 1 to 10.
func WithPriority(p int) Option {
	return func(o *options) { o.priority = p }
}

// WithTTL sets expires_at to created_at plus ttl. ttl must be positive.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = &ttl }
}

// WithReplyTo records the id of the spore this one answers.
func WithReplyTo(id string) Option {
	return func(o *options) { o.replyTo = id }
}

// WithMetadata attaches string metadata.
func WithMetadata(md map[string]string) Option {
	return func(o *options) { o.metadata = md }
}

// WithClock overrides time.Now for created_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a spore with a fresh id.
//
// An empty to means no recipient. Broadcasts must not name one and every
// other kind must.
func New(kind Kind, from, to string, payload map[string]any, opts ...Option) (*Spore, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	switch {
	case from == "":
		return nil, errors.Invalidf("Spore", "New", "from_agent is required")
	case !kind.Valid():
		return nil, errors.Invalidf("Spore", "New", "unknown kind %q", string(kind))
	case kind == Broadcast && to != "":
		return nil, errors.Invalidf("Spore", "New", "broadcast must not name a recipient (to=%q)", to)
	case kind != Broadcast && to == "":
		return nil, errors.Invalidf("Spore", "New", "%s spore requires a recipient", kind)
	}

	priority := o.priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, errors.Invalidf("Spore", "New", "priority %d outside [%d,%d]", priority, MinPriority, MaxPriority)
	}

	created := o.now()
	s := &Spore{
		id:        uuid.NewString(),
		kind:      kind,
		from:      from,
		to:        to,
		payload:   copyPayload(payload),
		createdAt: created,
		priority:  priority,
		replyTo:   o.replyTo,
		metadata:  maps.Clone(o.metadata),
	}

	if o.ttl != nil {
		if *o.ttl <= 0 {
			return nil, errors.Invalidf("Spore", "New", "ttl must be positive, got %s", *o.ttl)
		}
		exp := created.Add(*o.ttl)
		s.expiresAt = &exp
	}
	return s, nil
}

// Restore rebuilds a spore received from another process. It keeps the given
// id and timestamps and applies the same structural checks as New.
func Restore(f Fields) (*Spore, error) {
	if f.ID == "" {
		return nil, errors.Invalidf("Spore", "Restore", "id is required")
	}
	if f.ExpiresAt != nil && !f.ExpiresAt.After(f.CreatedAt) {
		return nil, errors.Invalidf("Spore", "Restore", "expires_at %s is not after created_at %s",
			f.ExpiresAt.Format(time.RFC3339Nano), f.CreatedAt.Format(time.RFC3339Nano))
	}
	s, err := New(f.Kind, f.FromAgent, f.ToAgent, f.Payload,
		WithPriority(f.Priority),
		WithReplyTo(f.ReplyTo),
		WithMetadata(f.Metadata),
		WithClock(func() time.Time { return f.CreatedAt }),
	)
	if err != nil {
		return nil, err
	}
	s.id = f.ID
	if f.ExpiresAt != nil {
		exp := *f.ExpiresAt
		s.expiresAt = &exp
	}
	return s, nil
}

func (s *Spore) ID() string           { return s.id }
func (s *Spore) Kind() Kind           { return s.kind }
func (s *Spore) FromAgent() string    { return s.from }
func (s *Spore) ToAgent() string      { return s.to }
func (s *Spore) CreatedAt() time.Time { return s.createdAt }
func (s *Spore) Priority() int        { return s.priority }
func (s *Spore) ReplyTo() string      { return s.replyTo }

// ExpiresAt returns the expiry time and whether one is set.
func (s *Spore) ExpiresAt() (time.Time, bool) {
	if s.expiresAt == nil {
		return time.Time{}, false
	}
	return *s.expiresAt, true
}

// Payload returns a copy of the payload.
func (s *Spore) Payload() map[string]any {
	return copyPayload(s.payload)
}

// Metadata returns a copy of the metadata.
func (s *Spore) Metadata() map[string]string {
	return maps.Clone(s.metadata)
}

// IsExpired reports whether now is past expires_at. Spores without an
// expiry never expire.
func (s *Spore) IsExpired(now time.Time) bool {
	return s.expiresAt != nil && now.After(*s.expiresAt)
}

// IsBroadcast reports whether the spore has no single recipient.
func (s *Spore) IsBroadcast() bool {
	return s.kind == Broadcast
}

// IsSystem reports whether the spore was sent by SystemAgent.
func (s *Spore) IsSystem() bool {
	return s.from == SystemAgent
}

// TargetsAgent reports whether agent is a recipient: the named recipient of a
// unicast spore, or any agent other than the sender of a broadcast. System
// broadcasts target everyone.
func (s *Spore) TargetsAgent(agent string) bool {
	if s.to != "" {
		return s.to == agent
	}
	if s.IsSystem() {
		return true
	}
	return s.kind == Broadcast && agent != s.from
}

// Fields is the exported, mutable view of a spore used for encoding.
type Fields struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent,omitempty"`
	Payload   map[string]any    `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Priority  int               `json:"priority"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Fields returns a copy of the spore's fields.
func (s *Spore) Fields() Fields {
	f := Fields{
		ID:        s.id,
		Kind:      s.kind,
		FromAgent: s.from,
		ToAgent:   s.to,
		Payload:   s.Payload(),
		CreatedAt: s.createdAt,
		Priority:  s.priority,
		ReplyTo:   s.replyTo,
		Metadata:  s.Metadata(),
	}
	if s.expiresAt != nil {
		exp := *s.expiresAt
		f.ExpiresAt = &exp
	}
	return f
}

// MarshalJSON writes the canonical textual form with RFC 3339 timestamps.
func (s *Spore) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Fields())
}

// UnmarshalJSON reads the canonical textual form.
func (s *Spore) UnmarshalJSON(b []byte) error {
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return errors.Kindf(errors.ErrDecodeFailure, "Spore", "UnmarshalJSON", "%v", err)
	}
	restored, err := Restore(f)
	if err != nil {
		return err
	}
	*s = *restored
	return nil
}

// String returns the canonical JSON form, for logs.
func (s *Spore) String() string {
	b, err := s.MarshalJSON()
	if err != nil {
		return "spore(" + s.id + ")"
	}
	return string(b)
}

// CanonicalPayload returns deterministic bytes for a payload: JSON with map
// keys sorted at every level. Two payloads with equal content always encode
// identically.
func CanonicalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Invalidf("Spore", "CanonicalPayload", "payload is not serialisable: %v", err)
	}
	return b, nil
}

// DecodePayload parses bytes produced by CanonicalPayload.
func DecodePayload(b []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, errors.Kindf(errors.ErrDecodeFailure, "Spore", "DecodePayload", "%v", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// copyPayload deep-copies nested maps and slices so callers cannot mutate a
// spore after construction.
func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyPayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
