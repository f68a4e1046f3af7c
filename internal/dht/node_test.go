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
package dht

import (
	"context"
	"net"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/core"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	id, err := core.RandomNodeID()
	require.NoError(t, err)
	n, err := NewNode(id, "127.0.0.1:0", clock.New())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestPingBetweenTwoNodes(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t)
	b := newTestNode(t)

	ctx := context.Background()
	id, err := a.Ping(ctx, b.LocalAddr().(*net.UDPAddr))
	require.NoError(err)
	require.Equal(b.ourID, id)

	// Responding to a query also adds the querier to our routing table.
	require.Equal(1, b.table.Len())
}

func TestFindNodeReturnsClosestContacts(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	ctx := context.Background()
	// b pings c, which puts b into c's table; b in turn learns a when a's
	// find_node arrives, so b's reply always carries at least one contact.
	_, err := b.Ping(ctx, c.LocalAddr().(*net.UDPAddr))
	require.NoError(err)

	contacts, err := a.FindNode(ctx, b.LocalAddr().(*net.UDPAddr), c.ourID)
	require.NoError(err)
	require.NotEmpty(contacts)
}

func TestGetPeersAndAnnouncePeer(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t)
	b := newTestNode(t)
	ctx := context.Background()

	infoHash := core.InfoHash{1, 2, 3, 4}

	// No peers yet: get_peers should return nodes, not values.
	result, err := a.GetPeers(ctx, b.LocalAddr().(*net.UDPAddr), infoHash)
	require.NoError(err)
	require.Empty(result.Peers)
	require.NotNil(result.Token)

	require.NoError(a.AnnouncePeer(ctx, b.LocalAddr().(*net.UDPAddr), infoHash, 6882, result.Token))

	result2, err := a.GetPeers(ctx, b.LocalAddr().(*net.UDPAddr), infoHash)
	require.NoError(err)
	require.Len(result2.Peers, 1)
	require.Equal(6882, result2.Peers[0].Port)
}

func TestAnnouncePeerRejectsFabricatedToken(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t)
	b := newTestNode(t)
	ctx := context.Background()

	infoHash := core.InfoHash{9, 9, 9}
	err := a.AnnouncePeer(ctx, b.LocalAddr().(*net.UDPAddr), infoHash, 6882, []byte("not-a-real-token"))
	require.Error(err)

	result, err := a.GetPeers(ctx, b.LocalAddr().(*net.UDPAddr), infoHash)
	require.NoError(err)
	require.Empty(result.Peers)
}
