// Package wire implements a small VelocyPack-flavored binary value builder.
//
// The agency exchanges self-describing object/array/scalar values on the
// wire (log payloads, long-poll envelopes, transaction bodies). VelocyPack
// itself is out of scope for this excerpt; msgpack via ugorji/go/codec is
// the closest real encoding with the same shape (binary, self-describing,
// nested maps/arrays/scalars) and is what the reference implementation
// already reaches for when it needs exactly this.
package wire

import (
	"bytes"
	"reflect"

	"github.com/ugorji/go/codec"
)

var handle = &codec.MsgpackHandle{}

func init() {
	handle.Canonical = true
	handle.RawToString = true
	handle.MapType = reflect.TypeOf(map[string]interface{}(nil))
}

// Slice is an encoded, self-describing value blob, analogous to a
// VelocyPack Slice.
type Slice []byte

// Builder incrementally assembles an ordered sequence of values and encodes
// them as a single array Slice. Used by State.ToVelocyPack to build a
// long-poll envelope.
type Builder struct {
	items []interface{}
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends v as the next array element.
func (b *Builder) Add(v interface{}) {
	b.items = append(b.items, v)
}

// Len reports the number of elements added so far.
func (b *Builder) Len() int {
	return len(b.items)
}

// Slice encodes the accumulated elements as a single array Slice.
func (b *Builder) Slice() (Slice, error) {
	return Marshal(b.items)
}

// Marshal encodes an arbitrary Go value (map, slice, or scalar) into a
// Slice.
func Marshal(v interface{}) (Slice, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, handle).Encode(v); err != nil {
		return nil, err
	}
	return Slice(buf.Bytes()), nil
}

// Unmarshal decodes a Slice produced by Marshal/Builder.Slice into dst.
func Unmarshal(s Slice, dst interface{}) error {
	return codec.NewDecoder(bytes.NewReader(s), handle).Decode(dst)
}

// UnmarshalAny decodes a Slice into a generic map/slice/scalar tree without
// requiring the caller to know its shape in advance.
func UnmarshalAny(s Slice) (interface{}, error) {
	var v interface{}
	if err := Unmarshal(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Clone deep-copies a decoded value tree (as produced by UnmarshalAny) by
// round-tripping it through the wire format. The store does not use it; it
// copies values with its own deepCopy.
func Clone(v interface{}) (interface{}, error) {
	s, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return UnmarshalAny(s)
}
