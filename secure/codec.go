package secure

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/spore"
)

// maxField bounds any single length-prefixed field.
const maxField = 16 << 20

// Marshal encodes s in the version 1 wire format: big-endian, strings and
// byte strings prefixed with a u32 length, nullable fields prefixed with a
// presence byte and metadata written as a u32 count of key/value pairs
// sorted by key.
func Marshal(s *Spore) ([]byte, error) {
	if s == nil {
		return nil, errors.Invalidf("secure", "Marshal", "nil spore")
	}
	tag := s.Kind.Tag()
	if tag == 0 {
		return nil, errors.Invalidf("secure", "Marshal", "unknown kind %q", string(s.Kind))
	}
	if s.Priority < 0 || s.Priority > math.MaxUint8 {
		return nil, errors.Invalidf("secure", "Marshal", "priority %d does not fit a byte", s.Priority)
	}
	version := s.Version
	if version == "" {
		version = WireVersion
	}

	var w writer
	w.str(version)
	w.str(s.ID)
	w.u8(tag)
	w.str(s.FromAgent)
	w.optStr(s.ToAgent)
	w.i64(s.CreatedAt.UnixNano())
	if s.ExpiresAt == nil {
		w.u8(0)
	} else {
		w.u8(1)
		w.i64(s.ExpiresAt.UnixNano())
	}
	w.u8(byte(s.Priority))
	w.bytes(s.EncryptedPayload)
	w.bytes(s.Nonce)
	w.bytes(s.PayloadSignature)
	w.bytes(s.SenderPublicKey)

	keys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(s.Metadata[k])
	}
	return w.buf.Bytes(), nil
}

// Unmarshal decodes bytes written by Marshal. Truncated input, trailing
// bytes, unknown kind tags, unsorted metadata and unknown major versions
// fail with a decode error.
func Unmarshal(b []byte) (*Spore, error) {
	r := reader{b: b}
	s := &Spore{}

	s.Version = r.str()
	if r.err == nil {
		if err := checkVersion(s.Version); err != nil {
			return nil, err
		}
	}
	s.ID = r.str()
	tag := r.u8()
	s.FromAgent = r.str()
	s.ToAgent = r.optStr()
	created := r.i64()
	if r.present() {
		exp := time.Unix(0, r.i64())
		s.ExpiresAt = &exp
	}
	priority := r.u8()
	s.EncryptedPayload = r.bytes()
	s.Nonce = r.bytes()
	s.PayloadSignature = r.bytes()
	s.SenderPublicKey = r.bytes()

	n := r.u32()
	if r.err == nil && uint64(n)*8 > uint64(len(r.b)-r.off) {
		r.fail("metadata count %d exceeds remaining input", n)
	}
	if r.err == nil && n > 0 {
		s.Metadata = make(map[string]string, n)
		prev := ""
		for i := uint32(0); i < n && r.err == nil; i++ {
			k, v := r.str(), r.str()
			if r.err == nil && i > 0 && k <= prev {
				r.fail("metadata keys not strictly sorted at %q", k)
			}
			s.Metadata[k], prev = v, k
		}
	}

	if r.err == nil && r.off != len(r.b) {
		r.fail("%d trailing bytes", len(r.b)-r.off)
	}
	if r.err != nil {
		return nil, r.err
	}

	kind, err := spore.KindFromTag(tag)
	if err != nil {
		return nil, err
	}
	if p := int(priority); p < spore.MinPriority || p > spore.MaxPriority {
		return nil, errors.Kindf(errors.ErrDecodeFailure, "secure", "Unmarshal", "priority %d out of range", p)
	}
	if (kind == spore.Broadcast) != (s.ToAgent == "") {
		return nil, errors.Kindf(errors.ErrDecodeFailure, "secure", "Unmarshal",
			"%s spore with recipient %q", kind, s.ToAgent)
	}
	s.Kind = kind
	s.CreatedAt = time.Unix(0, created)
	s.Priority = int(priority)
	return s, nil
}

func checkVersion(v string) error {
	major, _, _ := strings.Cut(v, ".")
	if major != "1" {
		return errors.Kindf(errors.ErrDecodeFailure, "secure", "Unmarshal", "unsupported wire version %q", v)
	}
	return nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v byte) { w.buf.WriteByte(v) }

func (w *writer) u32(v uint32) {
	w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
}

func (w *writer) i64(v int64) {
	w.buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) optStr(s string) {
	if s == "" {
		w.u8(0)
		return
	}
	w.u8(1)
	w.str(s)
}

// reader records the first failure and turns every later read into a no-op.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = errors.Kindf(errors.ErrDecodeFailure, "secure", "Unmarshal", format, args...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b)-r.off {
		r.fail("truncated at offset %d", r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) length() int {
	n := r.u32()
	if r.err == nil && n > maxField {
		r.fail("field length %d exceeds limit", n)
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.length()
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) str() string {
	return string(r.take(r.length()))
}

func (r *reader) present() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bad presence byte at offset %d", r.off-1)
		return false
	}
}

func (r *reader) optStr() string {
	if !r.present() {
		return ""
	}
	return r.str()
}
