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
package peermgr

import "time"

// Config defines the peer manager's connection caps, ban policy, and
// reconnection/pruning schedule.
type Config struct {
	// MaxConnections is the total number of simultaneously connected peers.
	MaxConnections int `yaml:"max_connections"`

	// MaxPerIP is the maximum number of connections allowed to a single
	// source IP.
	MaxPerIP int `yaml:"max_per_ip"`

	// DialInterval is the inter-dial delay applied within a single
	// ConnectBatch call.
	DialInterval time.Duration `yaml:"dial_interval"`

	// BanStrikes is the number of strikes before a peer is banned.
	BanStrikes int `yaml:"ban_strikes"`

	// BanDuration is how long a banned peer is refused reconnection.
	BanDuration time.Duration `yaml:"ban_duration"`

	// StrikeDecay is how long a peer must go without a new strike before
	// its strike count resets to zero.
	StrikeDecay time.Duration `yaml:"strike_decay"`

	// ReconnectBase and ReconnectMax bound the exponential reconnection
	// backoff: base * 2^(attempt-1), capped at max.
	ReconnectBase   time.Duration `yaml:"reconnect_base"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	MaxReconnectTry int           `yaml:"max_reconnect_attempts"`

	// PrunePeriod is how often the pruning pass runs.
	PrunePeriod time.Duration `yaml:"prune_period"`

	// PruneMinSamples is the minimum number of (success+failure) samples
	// required before a peer is eligible for low-success pruning.
	PruneMinSamples int `yaml:"prune_min_samples"`

	// PruneMaxRTT and PruneMinSuccessRate are the slow+unreliable
	// thresholds applied together during pruning.
	PruneMaxRTT         time.Duration `yaml:"prune_max_rtt"`
	PruneMinSuccessRate float64       `yaml:"prune_min_success_rate"`
}

func (c Config) applyDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.MaxPerIP == 0 {
		c.MaxPerIP = 3
	}
	if c.DialInterval == 0 {
		c.DialInterval = 100 * time.Millisecond
	}
	if c.BanStrikes == 0 {
		c.BanStrikes = 3
	}
	if c.BanDuration == 0 {
		c.BanDuration = 30 * time.Minute
	}
	if c.StrikeDecay == 0 {
		c.StrikeDecay = 10 * time.Minute
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 5 * time.Minute
	}
	if c.MaxReconnectTry == 0 {
		c.MaxReconnectTry = 5
	}
	if c.PrunePeriod == 0 {
		c.PrunePeriod = 30 * time.Second
	}
	if c.PruneMinSamples == 0 {
		c.PruneMinSamples = 10
	}
	if c.PruneMaxRTT == 0 {
		c.PruneMaxRTT = 5 * time.Second
	}
	if c.PruneMinSuccessRate == 0 {
		c.PruneMinSuccessRate = 0.3
	}
	return c
}
