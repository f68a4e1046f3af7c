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
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestTokenValidatesImmediately(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	tm, err := NewTokenManager(mock)
	require.NoError(err)

	tok := tm.Generate("1.2.3.4")
	require.True(tm.Validate("1.2.3.4", tok))
	require.False(tm.Validate("5.6.7.8", tok))
}

func TestTokenValidAcrossOneRotation(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	tm, err := NewTokenManager(mock)
	require.NoError(err)

	tok := tm.Generate("1.2.3.4")
	mock.Add(TokenRotationInterval + time.Second)
	require.True(tm.Validate("1.2.3.4", tok))
}

func TestTokenInvalidAfterTwoRotations(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	tm, err := NewTokenManager(mock)
	require.NoError(err)

	tok := tm.Generate("1.2.3.4")
	mock.Add(2*TokenRotationInterval + time.Second)
	require.False(tm.Validate("1.2.3.4", tok))
}
