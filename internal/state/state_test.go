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
package state

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestSaveThenLoadRoundTrip(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	m := NewManager(dir, 3, clock.New())
	m.Put("abc", TorrentState{InfoHash: "abc", Name: "foo", Status: "downloading", CompletedPieces: []int{0, 2}})
	require.NoError(m.Save(false))

	m2 := NewManager(dir, 3, clock.New())
	loaded, err := m2.Load()
	require.NoError(err)
	require.Equal([]int{0, 2}, loaded.Torrents["abc"].CompletedPieces)
}

func TestSaveIsNoopWhenNotDirty(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	m := NewManager(dir, 3, clock.New())
	require.NoError(m.Save(false))
	_, err := os.Stat(filepath.Join(dir, "state.json"))
	require.True(os.IsNotExist(err))
}

func TestBackupRotationKeepsBoundedHistory(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	m := NewManager(dir, 2, clock.New())

	for i := 0; i < 4; i++ {
		m.Put("abc", TorrentState{InfoHash: "abc", CompletedPieces: []int{i}})
		require.NoError(m.Save(false))
	}

	_, err := os.Stat(filepath.Join(dir, "state.backup.0.json"))
	require.NoError(err)
	_, err = os.Stat(filepath.Join(dir, "state.backup.1.json"))
	require.NoError(err)
	_, err = os.Stat(filepath.Join(dir, "state.backup.2.json"))
	require.True(os.IsNotExist(err))
}

func TestLoadFallsBackToValidBackupWhenMainCorrupt(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	m := NewManager(dir, 3, clock.New())
	m.Put("abc", TorrentState{InfoHash: "abc", CompletedPieces: []int{1}})
	require.NoError(m.Save(false))

	m.Put("abc", TorrentState{InfoHash: "abc", CompletedPieces: []int{1, 2}})
	require.NoError(m.Save(false))

	// Corrupt the main file.
	require.NoError(ioutil.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0644))

	m2 := NewManager(dir, 3, clock.New())
	loaded, err := m2.Load()
	require.NoError(err)
	require.Equal([]int{1}, loaded.Torrents["abc"].CompletedPieces)

	// The recovered backup was rewritten as the new main file.
	b, err := ioutil.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(err)
	var s State
	require.NoError(json.Unmarshal(b, &s))
	require.Equal([]int{1}, s.Torrents["abc"].CompletedPieces)
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	require := require.New(t)
	s := State{Version: 99, Torrents: map[string]TorrentState{}}
	require.Error(s.Validate())
}

func TestValidateRejectsNilTorrentsMap(t *testing.T) {
	require := require.New(t)
	s := State{Version: Version}
	require.Error(s.Validate())
}

func TestAutoSaveFlushesDirtyStateOnMockTicker(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	mock := clock.NewMock()
	m := NewManager(dir, 3, mock)
	m.Put("abc", TorrentState{InfoHash: "abc"})

	m.StartAutoSave()
	mock.Add(AutoSaveInterval + time.Second)

	require.Eventually(func() bool {
		_, err := os.Stat(filepath.Join(dir, "state.json"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(m.StopAutoSave())
}
