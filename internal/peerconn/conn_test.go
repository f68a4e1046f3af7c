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
package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/wire"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*PeerConn) {}

func TestDialAndAcceptHandshake(t *testing.T) {
	require := require.New(t)

	infoHash := core.InfoHash{1, 2, 3}
	localID, err := core.RandomPeerID()
	require.NoError(err)
	remoteID, err := core.RandomPeerID()
	require.NoError(err)

	clientPipe, serverPipe := net.Pipe()

	serverDone := make(chan struct{})
	var serverConn *PeerConn
	go func() {
		defer close(serverDone)
		c, err := Accept(serverPipe, remoteID, func(ih core.InfoHash) bool {
			return ih == infoHash
		}, Config{}, clock.New(), noopEvents{})
		require.NoError(err)
		serverConn = c
	}()

	clientConn, err := handshakeOutbound(clientPipe, localID, infoHash, Config{}.applyDefaults(), clock.New(), noopEvents{})
	require.NoError(err)
	<-serverDone

	require.Equal(remoteID, clientConn.PeerID())
	require.Equal(localID, serverConn.PeerID())
	require.Equal(HandshakeComplete, clientConn.State())
	require.False(clientConn.OpenedByRemote())
	require.True(serverConn.OpenedByRemote())
}

func TestAcceptRejectsUnknownInfoHash(t *testing.T) {
	require := require.New(t)

	clientPipe, serverPipe := net.Pipe()
	defer clientPipe.Close()

	localID, _ := core.RandomPeerID()
	remoteID, _ := core.RandomPeerID()

	errCh := make(chan error, 1)
	go func() {
		_, err := Accept(serverPipe, remoteID, func(core.InfoHash) bool { return false }, Config{}, clock.New(), noopEvents{})
		errCh <- err
	}()

	out := wire.Handshake{InfoHash: core.InfoHash{9, 9}, PeerID: localID}
	require.NoError(wire.WriteHandshake(clientPipe, out))

	err := <-errCh
	require.ErrorIs(err, ErrInfoHashMismatch)
}

func TestSendAndReceiveAfterStart(t *testing.T) {
	require := require.New(t)

	infoHash := core.InfoHash{1}
	localID, _ := core.RandomPeerID()
	remoteID, _ := core.RandomPeerID()

	clientPipe, serverPipe := net.Pipe()

	serverCh := make(chan *PeerConn, 1)
	go func() {
		c, err := Accept(serverPipe, remoteID, func(core.InfoHash) bool { return true }, Config{}, clock.New(), noopEvents{})
		require.NoError(err)
		serverCh <- c
	}()

	clientConn, err := handshakeOutbound(clientPipe, localID, infoHash, Config{}.applyDefaults(), clock.New(), noopEvents{})
	require.NoError(err)
	serverConn := <-serverCh

	clientConn.Start()
	serverConn.Start()
	defer clientConn.Close()
	defer serverConn.Close()

	require.NoError(clientConn.Send(wire.NewMessage(wire.Interested, nil)))

	select {
	case msg := <-serverConn.Receiver():
		require.Equal(wire.Interested, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestChokeInterestState(t *testing.T) {
	require := require.New(t)

	c := &PeerConn{amChoking: true, peerChoking: true}
	require.True(c.AmChoking())
	c.SetAmChoking(false)
	require.False(c.AmChoking())

	c.SetAmInterested(true)
	require.True(c.AmInterested())

	c.SetPeerChoking(false)
	require.False(c.PeerChoking())

	c.SetPeerInterested(true)
	require.True(c.PeerInterested())
}

func TestMarkPeerHasPieceGrowsBitfield(t *testing.T) {
	require := require.New(t)

	c := &PeerConn{}
	c.MarkPeerHasPiece(3, 5)
	bf := c.PeerBitfield()
	require.Len(bf, 5)
	require.True(bf[3])
}
