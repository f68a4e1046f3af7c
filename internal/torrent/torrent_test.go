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
package torrent

import (
	"context"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/core"
)

func mustRandomPeerID(t *testing.T) core.PeerID {
	t.Helper()
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

func testMetadata(t *testing.T, dir string) Metadata {
	t.Helper()
	h := sha1.Sum([]byte("hello world, this is piece zero"))
	return Metadata{
		InfoHash:    core.InfoHash{1, 2, 3},
		Name:        "test.txt",
		PieceLength: 32,
		Pieces:      [][20]byte{h},
		Files:       []FileEntry{{Path: []string{"test.txt"}, Length: 32}},
		TotalLength: 32,
	}
}

func newTestTorrent(t *testing.T, verifyOnResume bool) (*Torrent, *clock.Mock) {
	t.Helper()
	dir := t.TempDir()
	md := testMetadata(t, dir)
	mock := clock.NewMock()
	cfg := Config{
		LocalPeerID:    mustRandomPeerID(t),
		DownloadDir:    dir,
		VerifyOnResume: verifyOnResume,
		Clock:          mock,
	}
	return NewFromMetadata(md, nil, nil, cfg), mock
}

func TestStartWithKnownMetadataGoesDirectlyToDownloading(t *testing.T) {
	require := require.New(t)

	tr, _ := newTestTorrent(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(tr.Start(ctx))
	require.Equal(Downloading, tr.State())

	var gotReady, gotStarted bool
	for i := 0; i < 2; i++ {
		select {
		case e := <-tr.Events():
			switch e.(type) {
			case ReadyEvent:
				gotReady = true
			case StartedEvent:
				gotStarted = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	require.True(gotReady)
	require.True(gotStarted)

	require.NoError(tr.Shutdown())
}

func TestStartTwiceReturnsErrAlreadyStarted(t *testing.T) {
	tr, _ := newTestTorrent(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tr.Start(ctx))
	err := tr.Start(ctx)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.NoError(t, tr.Shutdown())
}

func TestPauseAndResumeRoundtrip(t *testing.T) {
	require := require.New(t)

	tr, _ := newTestTorrent(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(tr.Start(ctx))
	require.NoError(tr.Pause())
	require.Equal(Paused, tr.State())

	require.NoError(tr.Resume())
	require.Equal(Downloading, tr.State())

	require.NoError(tr.Shutdown())
}

func TestPauseOnIdleTorrentFails(t *testing.T) {
	tr, _ := newTestTorrent(t, false)
	require.ErrorIs(t, tr.Pause(), ErrNotDownloading)
}

func TestResumeOnNonPausedTorrentFails(t *testing.T) {
	tr, _ := newTestTorrent(t, false)
	require.ErrorIs(t, tr.Resume(), ErrNotPaused)
}

func TestNewFromMagnetStartsInFetchingMetadata(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	ih := core.InfoHash{9, 9, 9}
	tr := NewFromMagnet(ih, nil, nil, Config{
		LocalPeerID: mustRandomPeerID(t),
		DownloadDir: t.TempDir(),
		Clock:       mock,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(tr.Start(ctx))
	require.Equal(FetchingMetadata, tr.State())
	require.NoError(tr.Shutdown())
}

func TestStateStringsAreStable(t *testing.T) {
	require := require.New(t)
	require.Equal("idle", Idle.String())
	require.Equal("fetching_metadata", FetchingMetadata.String())
	require.Equal("checking", Checking.String())
	require.Equal("downloading", Downloading.String())
	require.Equal("seeding", Seeding.String())
	require.Equal("completed", Completed.String())
	require.Equal("paused", Paused.String())
	require.Equal("error", Error.String())
}

func TestStatsSnapshotReflectsTotals(t *testing.T) {
	require := require.New(t)

	tr, _ := newTestTorrent(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(tr.Start(ctx))
	defer tr.Shutdown()

	stats := tr.StatsSnapshot()
	require.Equal(int64(32), stats.TotalLength)
	require.Equal(1, stats.NumPieces)
	require.Equal(Downloading, stats.State)
}
