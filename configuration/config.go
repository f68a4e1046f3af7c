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

// Package configuration holds the top-level application configuration for
// the torrentd engine and its CLI entrypoint.
package configuration

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/dragonmoor/torrentd/metrics"

	"gopkg.in/yaml.v2"
)

// DHTConfig configures the DHT node.
type DHTConfig struct {
	Enable        bool          `yaml:"enable"`
	Port          int           `yaml:"port"`
	BootstrapURLs []string      `yaml:"bootstrap_urls"`
	RefreshPeriod time.Duration `yaml:"refresh_period"`
}

func (c DHTConfig) applyDefaults() DHTConfig {
	if c.RefreshPeriod == 0 {
		c.RefreshPeriod = 15 * time.Minute
	}
	if len(c.BootstrapURLs) == 0 {
		c.BootstrapURLs = []string{
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
			"dht.transmissionbt.com:6881",
		}
	}
	return c
}

// TrackerConfig configures HTTP/UDP tracker announces.
type TrackerConfig struct {
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	NumWant          int           `yaml:"num_want"`
}

func (c TrackerConfig) applyDefaults() TrackerConfig {
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = 30 * time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	return c
}

// DownloadConfig configures rarest-first piece selection and endgame.
type DownloadConfig struct {
	MaxOpenRequestsPerPiece int           `yaml:"max_open_requests_per_piece"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	EndgameThreshold        int           `yaml:"endgame_threshold"`
	MaxConcurrentPieces     int           `yaml:"max_concurrent_pieces"`
}

func (c DownloadConfig) applyDefaults() DownloadConfig {
	if c.MaxOpenRequestsPerPiece == 0 {
		c.MaxOpenRequestsPerPiece = 5
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 5
	}
	if c.MaxConcurrentPieces == 0 {
		c.MaxConcurrentPieces = 64
	}
	return c
}

// PeerManagerConfig configures peer health, bans, and backoff.
type PeerManagerConfig struct {
	MaxPeers          int           `yaml:"max_peers"`
	MaxHalfOpen       int           `yaml:"max_half_open"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	BanDuration       time.Duration `yaml:"ban_duration"`
	MaxConsecFailures int           `yaml:"max_consecutive_failures"`

	// UploadRateLimit caps outbound PIECE bytes per second on each peer
	// connection. Zero disables throttling.
	UploadRateLimit int `yaml:"upload_rate_limit"`
}

func (c PeerManagerConfig) applyDefaults() PeerManagerConfig {
	if c.MaxPeers == 0 {
		c.MaxPeers = 80
	}
	if c.MaxHalfOpen == 0 {
		c.MaxHalfOpen = 16
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.BanDuration == 0 {
		c.BanDuration = 10 * time.Minute
	}
	if c.MaxConsecFailures == 0 {
		c.MaxConsecFailures = 3
	}
	return c
}

// StateConfig configures atomic persistence of engine/torrent state.
type StateConfig struct {
	Dir            string `yaml:"dir"`
	BackupCount    int    `yaml:"backup_count"`
	FsyncOnPersist bool   `yaml:"fsync_on_persist"`
}

func (c StateConfig) applyDefaults() StateConfig {
	if c.Dir == "" {
		c.Dir = "state"
	}
	if c.BackupCount == 0 {
		c.BackupCount = 3
	}
	return c
}

// Config is the top-level torrentd configuration.
type Config struct {
	PieceLength  int64  `yaml:"piece_length"`
	DownloadDir  string `yaml:"download_dir"`
	ListenPort   int    `yaml:"listen_port"`
	PeerIDPrefix string `yaml:"peer_id_prefix"`

	DHT      DHTConfig         `yaml:"dht"`
	Tracker  TrackerConfig     `yaml:"tracker"`
	Download DownloadConfig    `yaml:"download"`
	Peers    PeerManagerConfig `yaml:"peers"`
	State    StateConfig       `yaml:"state"`
	Metrics  metrics.Config    `yaml:"metrics"`
}

func (c Config) applyDefaults() Config {
	if c.DownloadDir == "" {
		c.DownloadDir = "downloads"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	if c.PeerIDPrefix == "" {
		c.PeerIDPrefix = "-TD0001-"
	}
	c.DHT = c.DHT.applyDefaults()
	c.Tracker = c.Tracker.applyDefaults()
	c.Download = c.Download.applyDefaults()
	c.Peers = c.Peers.applyDefaults()
	c.State = c.State.applyDefaults()
	return c
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{}.applyDefaults()
}

// Load reads and parses a Config from the yaml file at path, applying
// defaults to any unset fields.
func Load(path string) (Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %s", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %s", err)
	}
	return c.applyDefaults(), nil
}

// LoadOrDefault loads path if it exists, else returns Default().
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
