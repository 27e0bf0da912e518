package spore

import (
	"fmt"

	"github.com/c360/reef/errors"
)

// Kind classifies a spore.
type Kind string

// Spore kinds.
const (
	Knowledge    Kind = "knowledge"
	Request      Kind = "request"
	Response     Kind = "response"
	Broadcast    Kind = "broadcast"
	Notification Kind = "notification"
)

// Kinds lists every kind in wire-tag order.
var Kinds = []Kind{Knowledge, Request, Response, Broadcast, Notification}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k.Tag() != 0
}

// Tag returns the one-byte wire tag of k (1 to 5), or 0 for an unknown kind.
func (k Kind) Tag() byte {
	for i, known := range Kinds {
		if k == known {
			return byte(i + 1)
		}
	}
	return 0
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind parses the textual form of a kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", errors.Invalidf("Spore", "ParseKind", "unknown kind %q", s)
	}
	return k, nil
}

// KindFromTag maps a wire tag back to its kind.
func KindFromTag(tag byte) (Kind, error) {
	if tag == 0 || int(tag) > len(Kinds) {
		return "", errors.Kindf(errors.ErrDecodeFailure, "Spore", "KindFromTag", "unknown kind tag %d", tag)
	}
	return Kinds[tag-1], nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("spore: cannot marshal unknown kind %q", string(k))
	}
	return []byte(k), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
