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
package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultFillsEveryNestedSection(t *testing.T) {
	require := require.New(t)

	c := Default()
	require.Equal("downloads", c.DownloadDir)
	require.Equal(6881, c.ListenPort)
	require.NotEmpty(c.PeerIDPrefix)
	require.NotZero(c.DHT.RefreshPeriod)
	require.NotEmpty(c.DHT.BootstrapURLs)
	require.NotZero(c.Tracker.AnnounceInterval)
	require.NotZero(c.Download.MaxOpenRequestsPerPiece)
	require.NotZero(c.Peers.MaxPeers)
	require.Equal("state", c.State.Dir)
}

func TestLoadOrDefaultFallsBackWhenFileMissing(t *testing.T) {
	c, err := LoadOrDefault(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadOrDefaultWithEmptyPathReturnsDefault(t *testing.T) {
	c, err := LoadOrDefault("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadParsesYAMLAndAppliesDefaultsToUnsetFields(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "torrentd.yaml")
	yamlBody := "download_dir: /data/torrents\nlisten_port: 7000\ndht:\n  enable: true\n"
	require.NoError(os.WriteFile(path, []byte(yamlBody), 0644))

	c, err := Load(path)
	require.NoError(err)
	require.Equal("/data/torrents", c.DownloadDir)
	require.Equal(7000, c.ListenPort)
	require.True(c.DHT.Enable)
	// Unset nested fields still receive their defaults.
	require.NotZero(c.DHT.RefreshPeriod)
	require.NotZero(c.Download.MaxConcurrentPieces)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
