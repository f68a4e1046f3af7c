// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string `bencode:"name"`
	Length int64  `bencode:"length"`
	Pieces []byte `bencode:"pieces"`
}

func TestRoundTripStruct(t *testing.T) {
	require := require.New(t)

	in := sample{Name: "file.txt", Length: 32768, Pieces: []byte{1, 2, 3, 4}}
	b, err := Marshal(in)
	require.NoError(err)

	var out sample
	require.NoError(Unmarshal(b, &out))
	require.Equal(in, out)
}

func TestEncodeSortsKeys(t *testing.T) {
	require := require.New(t)

	m := map[string]interface{}{"zebra": 1, "apple": 2, "mango": 3}
	b, err := Marshal(m)
	require.NoError(err)
	require.Equal("d5:applei2e5:mangoi3e5:zebrai1ee", string(b))
}

func TestEncodeInteger(t *testing.T) {
	require := require.New(t)

	b, err := Marshal(int64(42))
	require.NoError(err)
	require.Equal("i42e", string(b))

	b, err = Marshal(int64(0))
	require.NoError(err)
	require.Equal("i0e", string(b))
}

func TestDecodeBadNumberLeadingZero(t *testing.T) {
	require := require.New(t)

	var v interface{}
	err := Unmarshal([]byte("i03e"), &v)
	require.Error(err)
	se, ok := err.(*SyntaxError)
	require.True(ok)
	require.Equal(BadNumber, se.Kind)
}

func TestDecodeBadNumberNegativeZero(t *testing.T) {
	require := require.New(t)

	var v interface{}
	err := Unmarshal([]byte("i-0e"), &v)
	require.Error(err)
	se, ok := err.(*SyntaxError)
	require.True(ok)
	require.Equal(BadNumber, se.Kind)
}

func TestDecodeUnexpectedEOF(t *testing.T) {
	require := require.New(t)

	var v interface{}
	err := Unmarshal([]byte("5:ab"), &v)
	require.Error(err)
	se, ok := err.(*SyntaxError)
	require.True(ok)
	require.Equal(UnexpectedEOF, se.Kind)
}

func TestDecodeDuplicateKey(t *testing.T) {
	require := require.New(t)

	var v interface{}
	err := Unmarshal([]byte("d1:ai1e1:ai2ee"), &v)
	require.Error(err)
	se, ok := err.(*SyntaxError)
	require.True(ok)
	require.Equal(DuplicateOrUnorderedKey, se.Kind)
}

func TestDecodeUnorderedKey(t *testing.T) {
	require := require.New(t)

	var v interface{}
	err := Unmarshal([]byte("d1:bi1e1:ai2ee"), &v)
	require.Error(err)
	se, ok := err.(*SyntaxError)
	require.True(ok)
	require.Equal(DuplicateOrUnorderedKey, se.Kind)
}

func TestDecodeTrailingGarbage(t *testing.T) {
	require := require.New(t)

	var v interface{}
	err := Unmarshal([]byte("i1eX"), &v)
	require.Error(err)
	se, ok := err.(*SyntaxError)
	require.True(ok)
	require.Equal(TrailingGarbage, se.Kind)
}

func TestRawValueCapturesExactBytes(t *testing.T) {
	require := require.New(t)

	type wrapper struct {
		Info RawValue `bencode:"info"`
	}
	original := "d4:infod6:lengthi100e4:name4:testee"
	var w wrapper
	require.NoError(Unmarshal([]byte(original), &w))
	require.Equal("d6:lengthi100e4:name4:teste", string(w.Info))
}

func TestDecodeListPreservesOrder(t *testing.T) {
	require := require.New(t)

	var v interface{}
	require.NoError(Unmarshal([]byte("l1:a1:b1:ce"), &v))
	list, ok := v.([]interface{})
	require.True(ok)
	require.Equal([]interface{}{"a", "b", "c"}, list)
}
