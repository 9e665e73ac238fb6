package journal

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodedEntry is an event in the representation of a specific encoder
type EncodedEntry struct {
	Data []byte
	Type string
}

// Encoder marshals and unmarshals journaled event types
type Encoder interface {
	Encode(any) (*EncodedEntry, error)
	Decode(*EncodedEntry) (any, error)
}

// NewMsgpackEncoder constructs an encoder that knows about the types of evts
func NewMsgpackEncoder(evts ...any) *MsgpackEncoder {
	enc := MsgpackEncoder{
		types: make(map[string]reflect.Type),
	}

	enc.Register(evts...)

	return &enc
}

// MsgpackEncoder marshals events to msgpack and stores their type name
type MsgpackEncoder struct {
	types map[string]reflect.Type
}

// Register makes the types of evts decodable
func (e *MsgpackEncoder) Register(evts ...any) {
	for _, evt := range evts {
		t := reflect.TypeOf(evt)
		e.types[t.Name()] = t
	}
}

// Encode marshals evt to msgpack
func (e *MsgpackEncoder) Encode(evt any) (*EncodedEntry, error) {
	data, err := msgpack.Marshal(evt)
	if err != nil {
		return nil, err
	}

	return &EncodedEntry{
		Type: reflect.TypeOf(evt).Name(),
		Data: data,
	}, nil
}

// Decode unmarshals evt into its registered go type
func (e *MsgpackEncoder) Decode(evt *EncodedEntry) (any, error) {
	t, ok := e.types[evt.Type]
	if !ok {
		return nil, errors.Errorf("unregistered event type %q", evt.Type)
	}

	v := reflect.New(t)

	if err := msgpack.Unmarshal(evt.Data, v.Interface()); err != nil {
		return nil, err
	}

	return v.Elem().Interface(), nil
}
