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

	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/core"
)

func TestMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	id, err := core.RandomNodeID()
	require.NoError(err)

	msg := NewQuery("aa", QueryPing, map[string]interface{}{"id": string(id.Bytes())})
	b, err := EncodeMessage(msg)
	require.NoError(err)

	out, err := DecodeMessage(b)
	require.NoError(err)
	require.Equal("aa", out.T)
	require.Equal(TypeQuery, out.Y)
	require.Equal(QueryPing, out.Q)
	require.Equal(string(id.Bytes()), out.A["id"])
}

func TestCompactNodeRoundTrip(t *testing.T) {
	require := require.New(t)

	id, err := core.RandomNodeID()
	require.NoError(err)
	c := Contact{ID: id, IP: net.ParseIP("10.0.0.1").To4(), Port: 6881}

	b, err := EncodeCompactNode(c)
	require.NoError(err)
	require.Len(b, 26)

	out, err := DecodeCompactNodes(b)
	require.NoError(err)
	require.Len(out, 1)
	require.Equal(c.ID, out[0].ID)
	require.Equal(c.IP.String(), out[0].IP.String())
	require.Equal(c.Port, out[0].Port)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	require := require.New(t)

	b, err := EncodeCompactPeer(net.ParseIP("192.168.1.5").To4(), 51413)
	require.NoError(err)
	require.Len(b, 6)

	ip, port, err := DecodeCompactPeer(b)
	require.NoError(err)
	require.Equal("192.168.1.5", ip.String())
	require.Equal(51413, port)
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	require := require.New(t)
	_, err := DecodeCompactNodes(make([]byte, 25))
	require.Error(err)
}
