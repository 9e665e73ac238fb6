package pldata

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrFieldNotFound is returned when a payload does not carry a requested key
var ErrFieldNotFound = errors.New("field not found")

// Serialized wraps a msgpack encoded payload and decodes it lazily.
// The top level map is decoded on first field access and cached, so a long
// linear merge over a recording never materializes payloads nobody reads.
// Equality is defined on the raw bytes.
type Serialized struct {
	raw   []byte
	cache *decoded
}

type decoded struct {
	once sync.Once
	m    map[string]any
	err  error
}

// NewSerialized wraps raw msgpack bytes. The wrapper takes ownership of raw,
// callers must not modify it afterwards.
func NewSerialized(raw []byte) Serialized {
	return Serialized{raw: raw, cache: &decoded{}}
}

// Serialize encodes v (usually a map or a struct with msgpack tags)
func Serialize(v any) (Serialized, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return Serialized{}, errors.Wrap(err, "serialize payload")
	}

	return NewSerialized(raw), nil
}

// MustSerialize is like Serialize but panics on error. Meant for tests and
// static payloads.
func MustSerialize(v any) Serialized {
	s, err := Serialize(v)
	if err != nil {
		panic(err)
	}

	return s
}

// Raw returns the underlying encoded bytes (do not modify)
func (s Serialized) Raw() []byte { return s.raw }

// Len returns the encoded size in bytes
func (s Serialized) Len() int { return len(s.raw) }

// IsZero reports whether s wraps nothing
func (s Serialized) IsZero() bool { return len(s.raw) == 0 }

// Equal compares the encoded bytes of two payloads
func (s Serialized) Equal(o Serialized) bool { return bytes.Equal(s.raw, o.raw) }

// Map returns the decoded top level map. The result is cached and shared
// between copies of s, treat it as read only.
func (s Serialized) Map() (map[string]any, error) {
	if s.cache == nil {
		return nil, errors.New("payload not initialized")
	}

	s.cache.once.Do(func() {
		var m map[string]any

		if err := msgpack.Unmarshal(s.raw, &m); err != nil {
			s.cache.err = errors.Wrap(err, "decode payload")

			return
		}

		s.cache.m = m
	})

	return s.cache.m, s.cache.err
}

// Get returns the decoded value stored under key
func (s Serialized) Get(key string) (any, error) {
	m, err := s.Map()
	if err != nil {
		return nil, err
	}

	v, ok := m[key]
	if !ok {
		return nil, errors.Wrapf(ErrFieldNotFound, "key %q", key)
	}

	return v, nil
}

// Float returns a numeric field as float64
func (s Serialized) Float(key string) (float64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}

	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("key %q: %T is not a number", key, v)
	}

	return f, nil
}

// Floats returns a numeric array field (e.g. norm_pos) as []float64
func (s Serialized) Floats(key string) ([]float64, error) {
	v, err := s.Get(key)
	if err != nil {
		return nil, err
	}

	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("key %q: %T is not an array", key, v)
	}

	out := make([]float64, len(arr))

	for i, e := range arr {
		f, ok := toFloat(e)
		if !ok {
			return nil, fmt.Errorf("key %q[%d]: %T is not a number", key, i, e)
		}

		out[i] = f
	}

	return out, nil
}

// String returns a string field
func (s Serialized) String(key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", err
	}

	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("key %q: %T is not a string", key, v)
	}

	return str, nil
}

// Timestamp returns the payload's own "timestamp" field
func (s Serialized) Timestamp() (float64, error) {
	return s.Float("timestamp")
}

// Decode fully decodes the payload into v. Unlike field access the result
// is not cached.
func (s Serialized) Decode(v any) error {
	return errors.Wrap(msgpack.Unmarshal(s.raw, v), "decode payload")
}

// MarshalMsgpack embeds the raw payload as is when s is part of a larger
// msgpack document
func (s Serialized) MarshalMsgpack() ([]byte, error) {
	if len(s.raw) == 0 {
		return msgpack.Marshal(nil)
	}

	return s.raw, nil
}

// UnmarshalMsgpack keeps the embedded document undecoded
func (s *Serialized) UnmarshalMsgpack(b []byte) error {
	raw := make([]byte, len(b))
	copy(raw, b)

	*s = NewSerialized(raw)

	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}

	return 0, false
}
