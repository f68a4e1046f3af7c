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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// TokenRotationInterval is how often the token secret is replaced.
const TokenRotationInterval = 5 * time.Minute

// tokenLen is the truncated HMAC length used as the announce token.
const tokenLen = 8

// TokenManager generates and validates anti-spoof get_peers/announce_peer
// tokens: HMAC(secret, requester_ip) truncated to 8 bytes. Tokens remain
// valid across one rotation so a token handed out just before a rotation
// is not immediately rejected.
type TokenManager struct {
	mu       sync.Mutex
	clk      clock.Clock
	current  []byte
	previous []byte
	rotated  time.Time
}

// NewTokenManager creates a TokenManager with a freshly generated secret.
func NewTokenManager(clk clock.Clock) (*TokenManager, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	return &TokenManager{clk: clk, current: secret, rotated: clk.Now()}, nil
}

func randomSecret() ([]byte, error) {
	s := make([]byte, 20)
	_, err := rand.Read(s)
	return s, err
}

// maybeRotate replaces the current secret with a new one, demoting the
// old current to previous, if TokenRotationInterval has elapsed. If two or
// more intervals have elapsed, the old current is dropped as well.
func (tm *TokenManager) maybeRotate() {
	elapsed := tm.clk.Now().Sub(tm.rotated)
	if elapsed < TokenRotationInterval {
		return
	}
	secret, err := randomSecret()
	if err != nil {
		return
	}
	if elapsed >= 2*TokenRotationInterval {
		tm.previous = nil
	} else {
		tm.previous = tm.current
	}
	tm.current = secret
	tm.rotated = tm.clk.Now()
}

// Generate returns the current token for requester ip.
func (tm *TokenManager) Generate(ip string) []byte {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.maybeRotate()
	return tokenFor(tm.current, ip)
}

// Validate reports whether token was generated from the current or
// previous secret for ip.
func (tm *TokenManager) Validate(ip string, token []byte) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.maybeRotate()

	if subtle.ConstantTimeCompare(tokenFor(tm.current, ip), token) == 1 {
		return true
	}
	if tm.previous != nil && subtle.ConstantTimeCompare(tokenFor(tm.previous, ip), token) == 1 {
		return true
	}
	return false
}

func tokenFor(secret []byte, ip string) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(ip))
	return mac.Sum(nil)[:tokenLen]
}
