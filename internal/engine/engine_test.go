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
package engine

import (
	"context"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/configuration"
	"github.com/dragonmoor/torrentd/internal/bencode"
)

func testConfig(t *testing.T) configuration.Config {
	t.Helper()
	cfg := configuration.Default()
	cfg.ListenPort = 0
	cfg.DownloadDir = t.TempDir()
	cfg.State.Dir = t.TempDir()
	cfg.DHT.Enable = false
	return cfg
}

func buildTorrentBytes(t *testing.T) []byte {
	t.Helper()

	piece := sha1.Sum([]byte("0123456789abcdef0123456789abcdef"))
	info := map[string]interface{}{
		"name":         "sample.bin",
		"piece length": int64(32),
		"pieces":       string(piece[:]),
		"length":       int64(32),
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	raw := map[string]interface{}{
		"announce": "",
		"info":     bencode.RawValue(infoBytes),
	}
	b, err := bencode.Marshal(raw)
	require.NoError(t, err)
	return b
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

func TestAddWithInvalidSourceFails(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Add(context.Background(), Source{}, AddOptions{})
	require.ErrorIs(t, err, ErrInvalidSource)

	_, err = e.Add(context.Background(), Source{MagnetURI: "x", TorrentPath: "y"}, AddOptions{})
	require.ErrorIs(t, err, ErrInvalidSource)
}

func TestAddWithTorrentBytesRegistersTorrent(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t)

	h, err := e.Add(context.Background(), Source{TorrentBytes: buildTorrentBytes(t)}, AddOptions{})
	require.NoError(err)
	require.NotNil(h)

	stats, err := e.Stats(h.InfoHash)
	require.NoError(err)
	require.Equal(int64(32), stats.TotalLength)
}

func TestAddIsIdempotentForSameInfoHash(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t)

	data := buildTorrentBytes(t)
	h1, err := e.Add(context.Background(), Source{TorrentBytes: data}, AddOptions{})
	require.NoError(err)
	h2, err := e.Add(context.Background(), Source{TorrentBytes: data}, AddOptions{})
	require.NoError(err)
	require.Equal(h1.InfoHash, h2.InfoHash)
}

func TestStatsOnUnknownTorrentFails(t *testing.T) {
	e := newTestEngine(t)
	var ih [20]byte
	_, err := e.Stats(ih)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveUnknownTorrentFails(t *testing.T) {
	e := newTestEngine(t)
	var ih [20]byte
	require.ErrorIs(t, e.Remove(context.Background(), ih, false), ErrNotFound)
}

func TestPauseThenResumeRoundtrip(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t)

	h, err := e.Add(context.Background(), Source{TorrentBytes: buildTorrentBytes(t)}, AddOptions{})
	require.NoError(err)

	require.NoError(e.Pause(context.Background(), h.InfoHash))
	require.NoError(e.Resume(context.Background(), h.InfoHash))
}

func TestGlobalStatsCountsActiveTorrent(t *testing.T) {
	require := require.New(t)
	e := newTestEngine(t)

	_, err := e.Add(context.Background(), Source{TorrentBytes: buildTorrentBytes(t)}, AddOptions{})
	require.NoError(err)

	g := e.GlobalStats()
	require.Equal(1, g.NumActive)
}

func TestShutdownClosesEventsChannel(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	_, ok := <-e.Events()
	require.False(t, ok)
}
