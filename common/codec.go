// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// VariableSize is returned by SerializedSize for types without a fixed
// serialized length.
const VariableSize = -1

// Codec converts values of type T to and from their serialized form. The
// serialized form of a key is its identity inside a virtual map: two keys
// are the same key if and only if their serialized bytes are equal.
type Codec[T any] interface {
	// SerializedSize returns the size of the serialized form of the value,
	// or VariableSize if the codec produces values of different lengths.
	SerializedSize(value T) int
	// Serialize appends the serialized form of the value to out.
	Serialize(value T, out []byte) []byte
	// Deserialize restores a value from its serialized form.
	Deserialize(in []byte) (T, error)
	// FastEquals determines whether the given value serializes to the given
	// bytes without fully deserializing them.
	FastEquals(value T, in []byte) bool
}

// KeyCodec serializes the keys of a virtual map.
type KeyCodec[K any] interface {
	Codec[K]
}

// ValueCodec serializes the values of a virtual map.
type ValueCodec[V any] interface {
	Codec[V]
}

// Uint64Codec is a fixed-size, big-endian codec for uint64 values.
type Uint64Codec struct{}

func (Uint64Codec) SerializedSize(uint64) int {
	return 8
}

func (Uint64Codec) Serialize(value uint64, out []byte) []byte {
	return binary.BigEndian.AppendUint64(out, value)
}

func (Uint64Codec) Deserialize(in []byte) (uint64, error) {
	if len(in) != 8 {
		return 0, fmt.Errorf("invalid uint64 encoding length: %d", len(in))
	}
	return binary.BigEndian.Uint64(in), nil
}

func (Uint64Codec) FastEquals(value uint64, in []byte) bool {
	return len(in) == 8 && binary.BigEndian.Uint64(in) == value
}

// BytesCodec is a variable size codec for raw byte slices.
type BytesCodec struct{}

func (BytesCodec) SerializedSize([]byte) int {
	return VariableSize
}

func (BytesCodec) Serialize(value []byte, out []byte) []byte {
	return append(out, value...)
}

func (BytesCodec) Deserialize(in []byte) ([]byte, error) {
	return bytes.Clone(in), nil
}

func (BytesCodec) FastEquals(value []byte, in []byte) bool {
	return bytes.Equal(value, in)
}

// StringCodec is a variable size codec for strings.
type StringCodec struct{}

func (StringCodec) SerializedSize(string) int {
	return VariableSize
}

func (StringCodec) Serialize(value string, out []byte) []byte {
	return append(out, value...)
}

func (StringCodec) Deserialize(in []byte) (string, error) {
	return string(in), nil
}

func (StringCodec) FastEquals(value string, in []byte) bool {
	return value == string(in)
}
