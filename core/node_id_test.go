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
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeIDDistanceSymmetric(t *testing.T) {
	require := require.New(t)

	a, err := RandomNodeID()
	require.NoError(err)
	b, err := RandomNodeID()
	require.NoError(err)

	require.Equal(a.Distance(b), b.Distance(a))
}

func TestNodeIDDistanceZeroOnEqual(t *testing.T) {
	require := require.New(t)

	a, err := RandomNodeID()
	require.NoError(err)

	require.Equal(NodeID{}, a.Distance(a))
}

func TestCompareDistance(t *testing.T) {
	require := require.New(t)

	target, err := NewNodeIDFromHex("000000000000000000000000000000000000000a")
	require.NoError(err)
	near, err := NewNodeIDFromHex("000000000000000000000000000000000000000b")
	require.NoError(err)
	far, err := NewNodeIDFromHex("ff0000000000000000000000000000000000000a")
	require.NoError(err)

	require.Equal(-1, CompareDistance(near, far, target))
	require.Equal(1, CompareDistance(far, near, target))
	require.Equal(0, CompareDistance(near, near, target))
}

func TestPrefixLen(t *testing.T) {
	require := require.New(t)

	a, err := NewNodeIDFromHex("800000000000000000000000000000000000000a")
	require.NoError(err)
	require.Equal(0, a.PrefixLen(NodeID{}))

	b, err := NewNodeIDFromHex("000000000000000000000000000000000000000a")
	require.NoError(err)
	require.Equal(160, b.PrefixLen(b))
}
