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
package extension

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	msg, err := EncodeHandshake(1, 4096)
	require.NoError(err)
	require.Equal(byte(0), msg.Payload[0])

	hs, err := DecodeHandshake(msg.Payload)
	require.NoError(err)
	id, ok := hs.UTMetadataID()
	require.True(ok)
	require.Equal(int64(1), id)
	require.Equal(int64(4096), hs.MetadataSize)
}

func TestDecodeHandshakeRejectsWrongID(t *testing.T) {
	require := require.New(t)

	_, err := DecodeHandshake([]byte{5, 'd', 'e'})
	require.Error(err)
}

func TestMetadataRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	msg, err := EncodeMetadataRequest(3, 2)
	require.NoError(err)

	extID, parsed, block, err := DecodeMetadataMessage(msg.Payload)
	require.NoError(err)
	require.Equal(byte(3), extID)
	require.Equal(int64(MsgTypeRequest), parsed.MsgType)
	require.Equal(int64(2), parsed.Piece)
	require.Empty(block)
}

func TestMetadataDataRoundTripWithTrailingBlock(t *testing.T) {
	require := require.New(t)

	block := make([]byte, 100)
	for i := range block {
		block[i] = byte(i)
	}

	msg, err := EncodeMetadataData(3, 0, 100, block)
	require.NoError(err)

	extID, parsed, got, err := DecodeMetadataMessage(msg.Payload)
	require.NoError(err)
	require.Equal(byte(3), extID)
	require.Equal(int64(MsgTypeData), parsed.MsgType)
	require.Equal(int64(100), parsed.TotalSize)
	require.Equal(block, got)
}

func TestMetadataDataRejectsOversizedBlock(t *testing.T) {
	require := require.New(t)

	block := make([]byte, MetadataBlockLen+1)
	msg, err := EncodeMetadataData(3, 0, int64(len(block)), block)
	require.NoError(err)

	_, _, _, err = DecodeMetadataMessage(msg.Payload)
	require.ErrorIs(err, ErrOversizedReply)
}

func TestAssemblerHappyPath(t *testing.T) {
	require := require.New(t)

	data := make([]byte, MetadataBlockLen+500)
	for i := range data {
		data[i] = byte(i)
	}
	infoHash := core.InfoHash(sha1.Sum(data))

	a := NewAssembler(infoHash)
	require.False(a.Ready())
	a.SetSize(int64(len(data)))
	require.True(a.Ready())

	reqs := a.NextRequests(10)
	require.Equal([]int{0, 1}, reqs)

	require.NoError(a.PutPiece(0, data[:MetadataBlockLen]))
	require.False(a.Complete())
	require.NoError(a.PutPiece(1, data[MetadataBlockLen:]))
	require.True(a.Complete())

	blob, err := a.Validate()
	require.NoError(err)
	require.Equal(data, blob)
}

func TestAssemblerValidateMismatchResets(t *testing.T) {
	require := require.New(t)

	a := NewAssembler(core.InfoHash{1, 2, 3})
	a.SetSize(MetadataBlockLen)
	require.NoError(a.PutPiece(0, make([]byte, MetadataBlockLen)))
	require.True(a.Complete())

	_, err := a.Validate()
	require.ErrorIs(err, ErrMetadataMismatch)
	require.False(a.Complete())
}

func TestAssemblerAttemptCap(t *testing.T) {
	require := require.New(t)

	a := NewAssembler(core.InfoHash{})
	peer, err := core.RandomPeerID()
	require.NoError(err)

	for i := 0; i < MaxAttemptsPerPeer; i++ {
		require.False(a.RecordAttempt(peer, 0))
	}
	require.True(a.RecordAttempt(peer, 0))
}
