// Package codec serializes message envelopes for the wire.
//
// Two codecs are supported: MessagePack (the default, compact) and
// JSON. The sender picks one at connect time; receivers never assume,
// they sniff the first byte. Envelopes encode as maps in both formats,
// so a MessagePack payload always opens with a map marker (fixmap
// 0x80-0x8f, map16 0xde, map32 0xdf) while JSON opens with '{' or
// whitespace.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aegismesh/aegis/pkg/errdefs"
)

// Codec encodes and decodes message envelopes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Names accepted by ForName and the serialization config key.
const (
	NameMsgpack = "msgpack"
	NameJSON    = "json"
)

// ForName returns the codec registered under name.
func ForName(name string) (Codec, error) {
	switch name {
	case NameMsgpack:
		return Msgpack{}, nil
	case NameJSON:
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown serialization %q: %w", name, errdefs.ErrConfig)
	}
}

// Msgpack is the MessagePack codec.
type Msgpack struct{}

func (Msgpack) Name() string { return NameMsgpack }

func (Msgpack) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %v: %w", err, errdefs.ErrSerialization)
	}
	return data, nil
}

func (Msgpack) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack decode: %v: %w", err, errdefs.ErrSerialization)
	}
	return nil
}

// JSON is the JSON codec.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %v: %w", err, errdefs.ErrSerialization)
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %v: %w", err, errdefs.ErrSerialization)
	}
	return nil
}

// IsMsgpack reports whether data opens with a MessagePack map marker.
func IsMsgpack(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	b := data[0]
	return (b >= 0x80 && b <= 0x8f) || b == 0xde || b == 0xdf
}

// Decode sniffs the encoding of data and unmarshals it into v:
// MessagePack when the magic byte says so, JSON otherwise.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload: %w", errdefs.ErrSerialization)
	}
	if IsMsgpack(data) {
		return Msgpack{}.Unmarshal(data, v)
	}
	return JSON{}.Unmarshal(data, v)
}
