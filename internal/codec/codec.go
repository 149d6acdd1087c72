// Package codec encodes and decodes message payloads exchanged over the
// RPC channel. Payloads are CBOR; outgoing values use Core Deterministic
// Encoding so the same value always produces the same bytes.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Message is a decoded request or reply: a string-keyed map.
type Message map[string]any

// DecodeKind separates payloads of the wrong shape from corrupt payloads.
type DecodeKind int

const (
	// KindSyntax is a payload that is not well-formed CBOR.
	KindSyntax DecodeKind = iota
	// KindType is well-formed CBOR that is not a string-keyed map.
	KindType
)

func (k DecodeKind) String() string {
	if k == KindType {
		return "type"
	}
	return "syntax"
}

// DecodeError is returned when a payload cannot be decoded into a Message.
type DecodeError struct {
	Kind DecodeKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Nested maps decode as map[string]any rather than the CBOR default
		// map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Decode decodes a payload into a Message. Every failure is a *DecodeError.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		var typeErr *cbor.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &DecodeError{Kind: KindType, Err: err}
		}
		return nil, &DecodeError{Kind: KindSyntax, Err: err}
	}
	if msg == nil {
		// CBOR null decodes to a nil map.
		return nil, &DecodeError{Kind: KindType, Err: errors.New("cbor null is not a map")}
	}
	return msg, nil
}

// Convert re-encodes src and decodes it into dst. It is used to move a
// loosely typed Message section into a wire struct.
func Convert(src, dst any) error {
	data, err := Marshal(src)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Section returns m[key] as a Message when it holds a map.
func (m Message) Section(key string) (Message, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case Message:
		return t, true
	case map[string]any:
		return Message(t), true
	}
	return nil, false
}

// String returns m[key] when it holds a string.
func (m Message) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Has reports whether key is present, even with a nil value.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Missing returns the keys absent from m, in the order given.
func (m Message) Missing(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if !m.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}
