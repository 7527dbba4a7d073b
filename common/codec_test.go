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
	"errors"
	"fmt"
	"testing"
)

func TestUint64Codec_RoundTripAndFastEquals(t *testing.T) {
	codec := Uint64Codec{}
	for _, value := range []uint64{0, 1, 255, 1 << 40, ^uint64(0)} {
		data := codec.Serialize(value, nil)
		if len(data) != codec.SerializedSize(value) {
			t.Errorf("unexpected size %d", len(data))
		}
		restored, err := codec.Deserialize(data)
		if err != nil || restored != value {
			t.Errorf("failed to restore %d, got %d, err %v", value, restored, err)
		}
		if !codec.FastEquals(value, data) {
			t.Errorf("fast equals failed for %d", value)
		}
		if codec.FastEquals(value+1, data) {
			t.Errorf("fast equals should fail for different value")
		}
	}
	if _, err := codec.Deserialize([]byte{1, 2}); err == nil {
		t.Errorf("invalid length should be detected")
	}
}

func TestUint64Codec_SerializationPreservesOrder(t *testing.T) {
	codec := Uint64Codec{}
	a := codec.Serialize(7, nil)
	b := codec.Serialize(8, []byte{})
	if string(a) >= string(b) {
		t.Errorf("big endian encoding should preserve ordering")
	}
}

func TestBytesAndStringCodecs(t *testing.T) {
	bytesCodec := BytesCodec{}
	data := bytesCodec.Serialize([]byte("abc"), []byte("x"))
	if string(data) != "xabc" {
		t.Errorf("serialize should append, got %q", data)
	}
	restored, _ := bytesCodec.Deserialize(data)
	data[0] = 'y'
	if string(restored) != "xabc" {
		t.Errorf("deserialized bytes must not alias the input")
	}
	if bytesCodec.SerializedSize(nil) != VariableSize {
		t.Errorf("bytes should be of variable size")
	}

	stringCodec := StringCodec{}
	if !stringCodec.FastEquals("hello", stringCodec.Serialize("hello", nil)) {
		t.Errorf("string fast equals failed")
	}
}

func TestConstError_CanBeIdentifiedWhenWrapped(t *testing.T) {
	const target = ConstError("target")
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{target, true},
		{fmt.Errorf("unrelated"), false},
		{fmt.Errorf("%w: detail", target), true},
		{errors.Join(fmt.Errorf("unrelated"), target), true},
	}
	for _, test := range tests {
		if got := errors.Is(test.err, target); got != test.want {
			t.Errorf("unexpected result for %v, wanted %t, got %t", test.err, test.want, got)
		}
	}
}

func TestMemoryFootprint_SharedChildrenAreCountedOnce(t *testing.T) {
	shared := NewMemoryFootprint(100)
	a := NewMemoryFootprint(10)
	a.AddChild("shared", shared)
	b := NewMemoryFootprint(20)
	b.AddChild("shared", shared)
	root := NewMemoryFootprint(1)
	root.AddChild("a", a)
	root.AddChild("b", b)
	if want, got := uintptr(131), root.Total(); want != got {
		t.Errorf("unexpected total, wanted %d, got %d", want, got)
	}
	if str := root.ToString("root"); len(str) == 0 {
		t.Errorf("empty rendering")
	}
}

func TestMemoryFootprint_FormatsUnits(t *testing.T) {
	tests := map[uintptr]string{
		12:      "12 B",
		2048:    "2.0 KB",
		3 << 20: "3.0 MB",
	}
	for in, want := range tests {
		if got := formatMemoryAmount(in); got != want {
			t.Errorf("unexpected format for %d, wanted %s, got %s", in, want, got)
		}
	}
}
