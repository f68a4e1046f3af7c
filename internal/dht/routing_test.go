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
	"net"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/core"
)

func TestAddNodeNeverAddsSelf(t *testing.T) {
	require := require.New(t)

	ourID, err := core.RandomNodeID()
	require.NoError(err)
	rt := NewRoutingTable(ourID, DefaultK, clock.New())

	require.NoError(rt.AddNode(Contact{ID: ourID, IP: net.ParseIP("1.2.3.4"), Port: 6881}))
	require.Equal(0, rt.Len())
}

func TestAddNodeFillsThenReturnsBucketFull(t *testing.T) {
	require := require.New(t)

	var ourID core.NodeID
	rt := NewRoutingTable(ourID, 2, clock.New())

	// 0x04..0x06 share a 157-bit prefix with the zero id: same bucket.
	var a, b, c core.NodeID
	a[19] = 4
	b[19] = 5
	c[19] = 6

	require.NoError(rt.AddNode(Contact{ID: a, IP: net.ParseIP("1.1.1.1"), Port: 1}))
	require.NoError(rt.AddNode(Contact{ID: b, IP: net.ParseIP("1.1.1.2"), Port: 2}))
	require.ErrorIs(rt.AddNode(Contact{ID: c, IP: net.ParseIP("1.1.1.3"), Port: 3}), ErrBucketFull)
}

func TestAddNodeUpdatesExistingAndMovesToTail(t *testing.T) {
	require := require.New(t)

	var ourID core.NodeID
	rt := NewRoutingTable(ourID, 8, clock.New())

	var a core.NodeID
	a[19] = 1
	require.NoError(rt.AddNode(Contact{ID: a, IP: net.ParseIP("1.1.1.1"), Port: 1}))
	require.NoError(rt.AddNode(Contact{ID: a, IP: net.ParseIP("2.2.2.2"), Port: 2}))

	closest := rt.Closest(a, 1)
	require.Len(closest, 1)
	require.Equal("2.2.2.2", closest[0].IP.String())
	require.Equal(2, closest[0].Port)
}

func TestClosestOrdersByXORDistance(t *testing.T) {
	require := require.New(t)

	var ourID core.NodeID
	rt := NewRoutingTable(ourID, 8, clock.New())

	target := core.NodeID{}
	target[0] = 0xFF

	var near, far core.NodeID
	near[0] = 0xFE // distance 0x01 from target
	far[0] = 0x01  // distance 0xFE from target

	require.NoError(rt.AddNode(Contact{ID: far, IP: net.ParseIP("1.1.1.1"), Port: 1}))
	require.NoError(rt.AddNode(Contact{ID: near, IP: net.ParseIP("1.1.1.2"), Port: 2}))

	closest := rt.Closest(target, 2)
	require.Len(closest, 2)
	require.Equal(near, closest[0].ID)
	require.Equal(far, closest[1].ID)
}

func TestBucketIndexMatchesPrefixLen(t *testing.T) {
	require := require.New(t)

	var ourID core.NodeID
	rt := NewRoutingTable(ourID, 8, clock.New())

	var id core.NodeID
	id[0] = 0x01 // common prefix with zero id: 7 bits
	require.Equal(ourID.PrefixLen(id), rt.BucketIndex(id))
}
