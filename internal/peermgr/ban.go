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

import (
	"time"

	"github.com/andres-erbsen/clock"
)

// strikeRecord tracks one peer's accumulated strikes, generalizing the
// teacher's connstate blacklistEntry (a single clock-based expiration) to
// also hold a decaying strike count ahead of the ban threshold.
type strikeRecord struct {
	count      int
	lastStrike time.Time
	bannedTill time.Time
}

func (r *strikeRecord) banned(now time.Time) bool {
	return now.Before(r.bannedTill)
}

// banManager tracks strikes per source IP and enforces the ban policy.
// Keyed by IP rather than peer id, since a misbehaving peer reconnecting
// under a fresh peer id from the same address should not escape its
// strikes.
type banManager struct {
	clk     clock.Clock
	config  Config
	strikes map[string]*strikeRecord
}

func newBanManager(clk clock.Clock, config Config) *banManager {
	return &banManager{
		clk:     clk,
		config:  config,
		strikes: make(map[string]*strikeRecord),
	}
}

// Strike records a strike against ip for cause, banning it once the
// configured strike threshold is reached.
func (b *banManager) Strike(ip string, cause StrikeCause) {
	now := b.clk.Now()
	r, ok := b.strikes[ip]
	if !ok {
		r = &strikeRecord{}
		b.strikes[ip] = r
	}
	if !r.lastStrike.IsZero() && now.Sub(r.lastStrike) > b.config.StrikeDecay {
		r.count = 0
	}
	r.count++
	r.lastStrike = now
	if r.count >= b.config.BanStrikes {
		r.bannedTill = now.Add(b.config.BanDuration)
	}
}

// Banned reports whether ip is currently under an active ban.
func (b *banManager) Banned(ip string) bool {
	r, ok := b.strikes[ip]
	if !ok {
		return false
	}
	return r.banned(b.clk.Now())
}

// Strikes returns ip's current (possibly decayed) strike count.
func (b *banManager) Strikes(ip string) int {
	r, ok := b.strikes[ip]
	if !ok {
		return 0
	}
	if !r.lastStrike.IsZero() && b.clk.Now().Sub(r.lastStrike) > b.config.StrikeDecay {
		return 0
	}
	return r.count
}
