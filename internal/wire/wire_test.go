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
package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	var h Handshake
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0xCD}, 20))
	h.SetSupportsExtensions(true)

	var buf bytes.Buffer
	require.NoError(WriteHandshake(&buf, h))
	require.Equal(HandshakeLen, buf.Len())

	out, err := ReadHandshake(&buf)
	require.NoError(err)
	require.Equal(h, out)
	require.True(out.SupportsExtensions())
}

func TestReadMessageHandlesFragmentedReads(t *testing.T) {
	require := require.New(t)

	m := NewMessage(Have, HavePayload{Index: 7}.Encode())
	full := m.Encode()

	r := &fragmentedReader{chunks: chunk(full, 3)}
	out, err := ReadMessage(r)
	require.NoError(err)
	require.Equal(Have, out.ID)
	hp, err := DecodeHavePayload(out.Payload)
	require.NoError(err)
	require.Equal(uint32(7), hp.Index)
}

func TestKeepAlive(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, KeepAliveMessage()))
	out, err := ReadMessage(&buf)
	require.NoError(err)
	require.True(out.KeepAlive)
}

func TestRejectsOversizedPiece(t *testing.T) {
	require := require.New(t)

	m := NewMessage(Piece, PiecePayload{Index: 0, Begin: 0, Block: make([]byte, MaxPieceLen+1)}.Encode())
	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, m))
	_, err := ReadMessage(&buf)
	require.Error(err)
}

func TestBitfieldRoundTrip(t *testing.T) {
	require := require.New(t)

	have := []bool{true, false, true, true, false, false, false, false, true}
	b := EncodeBitfield(have)
	require.Equal(2, len(b))

	out, err := DecodeBitfield(b, len(have))
	require.NoError(err)
	require.Equal(have, out)
}

func TestBitfieldRejectsSetSpareBits(t *testing.T) {
	require := require.New(t)

	_, err := DecodeBitfield([]byte{0xFF}, 3)
	require.Error(err)
}

type fragmentedReader struct {
	chunks [][]byte
}

func (r *fragmentedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, bytes.ErrTooLarge
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func chunk(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
