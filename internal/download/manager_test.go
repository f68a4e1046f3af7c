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
package download

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/piece"
)

func makePieces(t *testing.T, n int, pieceLen int64) ([]*piece.Piece, [][]byte) {
	t.Helper()
	pieces := make([]*piece.Piece, n)
	data := make([][]byte, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, pieceLen)
		for j := range buf {
			buf[j] = byte(i*7 + j)
		}
		data[i] = buf
		pieces[i] = piece.New(i, pieceLen, sha1.Sum(buf))
	}
	return pieces, data
}

func deliverPiece(t *testing.T, m *Manager, peer core.PeerID, index int, p *piece.Piece, data []byte) BlockResult {
	t.Helper()
	var last BlockResult
	for bi := 0; bi < piece.NumBlocks(p.Length); bi++ {
		start, end := p.BlockBounds(bi)
		res, err := m.OnBlockReceived(peer, index, start, data[start:end])
		require.NoError(t, err)
		last = res
	}
	return last
}

func TestRarestFirstPrefersLeastAvailablePiece(t *testing.T) {
	require := require.New(t)

	pieces, _ := makePieces(t, 3, piece.BlockLen)
	// Threshold 1 keeps 3 remaining pieces out of endgame, so selection is
	// rarest-first rather than every-piece-active.
	m := NewManager(pieces, clock.New(), DefaultPipelineLimit, 1, DefaultBlockTimeout)

	peerA := core.PeerID{1}
	peerB := core.PeerID{2}

	// Piece 0: both peers have it. Piece 1: only peerA. Piece 2: only peerB.
	m.OnBitfield(peerA, []bool{true, true, false})
	m.OnBitfield(peerB, []bool{true, false, true})

	reqs := m.NextRequests(peerA, true, 1)
	require.Len(reqs, 1)
	// Piece 1 has availability 1 (rarer than piece 0's availability 2),
	// so it should be picked first.
	require.Equal(1, reqs[0].Piece)
}

func TestPipelineCapLimitsOutstandingRequests(t *testing.T) {
	require := require.New(t)

	pieces, _ := makePieces(t, 1, piece.BlockLen*10)
	m := NewManager(pieces, clock.New(), 3, DefaultEndgameThreshold, DefaultBlockTimeout)

	peer := core.PeerID{1}
	m.OnBitfield(peer, []bool{true})

	reqs := m.NextRequests(peer, true, 100)
	require.Len(reqs, 3)

	// No more quota until a block completes or times out.
	reqs = m.NextRequests(peer, true, 100)
	require.Empty(reqs)
}

func TestChokedPeerGetsNoRequests(t *testing.T) {
	require := require.New(t)

	pieces, _ := makePieces(t, 1, piece.BlockLen)
	m := NewManager(pieces, clock.New(), DefaultPipelineLimit, DefaultEndgameThreshold, DefaultBlockTimeout)
	peer := core.PeerID{1}
	m.OnBitfield(peer, []bool{true})

	require.Empty(m.NextRequests(peer, false, 5))
}

func TestBlockDeliveryCompletesAndVerifiesPiece(t *testing.T) {
	require := require.New(t)

	pieces, data := makePieces(t, 1, piece.BlockLen*2+100)
	m := NewManager(pieces, clock.New(), DefaultPipelineLimit, DefaultEndgameThreshold, DefaultBlockTimeout)
	peer := core.PeerID{1}
	m.OnBitfield(peer, []bool{true})

	m.NextRequests(peer, true, 10)
	result := deliverPiece(t, m, peer, 0, pieces[0], data[0])

	require.True(result.PieceCompleted)
	require.True(result.Verified)
	require.Equal(1, m.Completed())
	require.True(m.Done())
}

func TestCorruptPieceStrikesContributorsAndRequeues(t *testing.T) {
	require := require.New(t)

	pieces, data := makePieces(t, 1, piece.BlockLen)
	m := NewManager(pieces, clock.New(), DefaultPipelineLimit, DefaultEndgameThreshold, DefaultBlockTimeout)
	peer := core.PeerID{9}
	m.OnBitfield(peer, []bool{true})

	m.NextRequests(peer, true, 1)
	corrupted := append([]byte(nil), data[0]...)
	corrupted[0] ^= 0xFF

	result, err := m.OnBlockReceived(peer, 0, 0, corrupted)
	require.NoError(err)
	require.True(result.PieceCompleted)
	require.False(result.Verified)
	require.Equal([]core.PeerID{peer}, result.FailedPeers)
	require.Equal(0, m.Completed())

	// Piece is requestable again.
	reqs := m.NextRequests(peer, true, 1)
	require.Len(reqs, 1)
}

func TestEndgameActivatesAllRemainingPieces(t *testing.T) {
	require := require.New(t)

	pieces, _ := makePieces(t, 5, piece.BlockLen)
	m := NewManager(pieces, clock.New(), DefaultPipelineLimit, 5, DefaultBlockTimeout)
	peer := core.PeerID{1}
	m.OnBitfield(peer, []bool{true, true, true, true, true})

	require.True(m.Endgame())
}

func TestEndgameDuplicateRequestTriggersCancel(t *testing.T) {
	require := require.New(t)

	pieces, data := makePieces(t, 1, piece.BlockLen)
	m := NewManager(pieces, clock.New(), DefaultPipelineLimit, 1, DefaultBlockTimeout)

	peerA := core.PeerID{1}
	peerB := core.PeerID{2}
	m.OnBitfield(peerA, []bool{true})
	m.OnBitfield(peerB, []bool{true})
	require.True(m.Endgame())

	reqsA := m.NextRequests(peerA, true, 1)
	require.Len(reqsA, 1)
	reqsB := m.NextRequests(peerB, true, 1)
	require.Len(reqsB, 1)

	result, err := m.OnBlockReceived(peerA, 0, reqsA[0].Begin, data[0])
	require.NoError(err)
	require.Contains(result.CancelPeers, peerB)
}

func TestCheckTimeoutsReleasesStaleRequests(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	pieces, _ := makePieces(t, 1, piece.BlockLen)
	m := NewManager(pieces, mock, DefaultPipelineLimit, DefaultEndgameThreshold, DefaultBlockTimeout)
	peer := core.PeerID{1}
	m.OnBitfield(peer, []bool{true})

	reqs := m.NextRequests(peer, true, 1)
	require.Len(reqs, 1)

	mock.Add(DefaultBlockTimeout + time.Second)
	timedOut := m.CheckTimeouts()
	require.Len(timedOut, 1)
	require.Equal(peer, timedOut[0].Peer)

	// The block is requestable again now that it's no longer pending.
	reqs = m.NextRequests(peer, true, 1)
	require.Len(reqs, 1)
}

func TestOnPeerGoneReleasesPendingAndAvailability(t *testing.T) {
	require := require.New(t)

	pieces, _ := makePieces(t, 2, piece.BlockLen)
	m := NewManager(pieces, clock.New(), DefaultPipelineLimit, DefaultEndgameThreshold, DefaultBlockTimeout)
	peer := core.PeerID{1}
	m.OnBitfield(peer, []bool{true, true})

	m.NextRequests(peer, true, 2)
	m.OnPeerGone(peer)

	require.Equal(0, m.availability.Get(0))
	require.Empty(m.pending)
}
